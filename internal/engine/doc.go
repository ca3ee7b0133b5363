// Package engine implements the durable per-key actor runtime and the timer
// scheduler.
//
// ARCHITECTURE:
//
// Per-Key Workers:
// The runtime keeps an in-memory registry of active entity keys. Each key
// has one FIFO queue and at most one worker goroutine draining it. This
// ensures:
// - No two operations for the same key run concurrently
// - Operations for one key dispatch in enqueue (seq) order
// - Different keys run fully in parallel
//
// A worker exits when its queue is empty. Enqueue and worker exit both take
// the registry lock, so an operation is never appended to a queue whose
// worker has already decided to stop.
//
// Dispatch Flow:
// 1. Enqueue stamps the operation with the next enqueue seq
// 2. The key's worker loads (or lazily creates) the snapshot once
// 3. entity.Transition computes the candidate snapshot and timer
// 4. store.CommitTransition persists snapshot, timer, inbox consumption and
// journal row in one transaction
// 5. Side effects run, then the ticket resolves
//
// A commit conflict reloads the snapshot and recomputes; a transient store
// error recomputes against the same snapshot. Both are bounded by the retry
// policy.
//
// Timers:
// Timers are only ever created inside a commit. The Scheduler moves a due
// timer into the durable inbox in one transaction (store.FireTimer) and
// enqueues it. The commit that applies an inbox entry deletes it, so a fired
// timer is applied exactly once even if the process crashes in between.
//
// CRITICAL PATTERNS:
//
// Enqueue Seq:
// Enqueue order is a per-Runtime counter starting at 1, never wall-clock
// time. It is not persisted; the journal version orders committed history.
//
// Effects After Commit:
// Provider and sink calls run only after the commit succeeds. An effect is
// never performed for a transition that was not persisted, and a crash after
// commit does not repeat it.
package engine

// Package store provides SQLite-backed durable storage for connection
// entities.
//
// The store owns four tables:
//   - entities: one versioned snapshot row per entity key
//   - timers: pending ScheduledTimers, ordered by (fire_at, id)
//   - inbox: fired timers converted into operations not yet committed
//   - operations: journal of every committed transition
//
// # Critical Patterns
//
// Optimistic concurrency:
//   - CommitTransition carries the version the caller loaded
//   - a mismatch rejects the whole transaction with *ConflictError
//   - a committed snapshot always has version = expected + 1
//
// Atomic transitions:
//   - snapshot upsert, timer insert, inbox consumption and the journal row
//     share one transaction; a crash leaves all or none of them
//
// Exactly-once timers:
//   - FireTimer deletes the timer and inserts its inbox row in one
//     transaction (UNIQUE(timer_id) on inbox)
//   - the inbox row is deleted by the commit that applies it
//
// Time columns are INTEGER unix nanoseconds (UTC) so ordering is numeric.
//
// # Database Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
//   - foreign_keys=ON: Enforce referential integrity
package store

package engine

import "sync"

// opQueue is a thread-safe FIFO of jobs for one entity key.
//
// The queue is unbounded: producers never block behind a slow commit.
// Exactly one worker dequeues; any goroutine may enqueue.
type opQueue struct {
	mu     sync.Mutex
	jobs   []*job
	closed bool
}

// newOpQueue creates an empty queue.
func newOpQueue() *opQueue {
	return &opQueue{jobs: make([]*job, 0, 8)}
}

// Enqueue adds a job to the back of the queue.
// Returns false if the queue is closed.
func (q *opQueue) Enqueue(j *job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.jobs = append(q.jobs, j)
	return true
}

// TryDequeue removes and returns the front job without blocking.
// Returns (nil, false) if the queue is empty or closed.
func (q *opQueue) TryDequeue() (*job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed || len(q.jobs) == 0 {
		return nil, false
	}

	j := q.jobs[0]

	// Nil out the slot so the backing array does not retain finished jobs.
	q.jobs[0] = nil
	if len(q.jobs) == 1 {
		q.jobs = q.jobs[:0]
	} else {
		q.jobs = q.jobs[1:]
	}
	return j, true
}

// Len returns the current queue length.
func (q *opQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.jobs)
}

// Close rejects further enqueues and returns the jobs that were never started.
func (q *opQueue) Close() []*job {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil
	}
	q.closed = true
	rest := q.jobs
	q.jobs = nil
	return rest
}

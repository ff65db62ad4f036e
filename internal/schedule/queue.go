package schedule

import (
	"sync"
)

// PerJobQueue is a bounded FIFO of pending run requests for one job, used
// only when the job's overlap policy is "queue".
//
// Enqueue drops (returns false) once the queue is full; it never blocks.
// Sustained overlap therefore caps backlog growth at the configured limit
// instead of growing without bound.
type PerJobQueue struct {
	mu    sync.Mutex
	limit int
	items []RunRequest
}

func newPerJobQueue(limit int) *PerJobQueue {
	if limit < 1 {
		limit = 1
	}
	return &PerJobQueue{limit: limit}
}

// SetLimit adjusts the bound on config reload. Existing items beyond the new
// limit are kept; the bound applies to future enqueues.
func (q *PerJobQueue) SetLimit(limit int) {
	if limit < 1 {
		limit = 1
	}
	q.mu.Lock()
	q.limit = limit
	q.mu.Unlock()
}

// Enqueue appends req in FIFO order. Returns false (request dropped) when
// the queue is at its limit.
func (q *PerJobQueue) Enqueue(req RunRequest) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) >= q.limit {
		return false
	}
	q.items = append(q.items, req)
	return true
}

// Dequeue removes and returns the oldest request.
func (q *PerJobQueue) Dequeue() (RunRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return RunRequest{}, false
	}
	req := q.items[0]
	q.items = q.items[1:]
	return req, true
}

// RequeueFront puts req back at the head, preserving FIFO order when a
// dequeued request could not be dispatched after all. The limit is not
// enforced here: the request was already accepted once.
func (q *PerJobQueue) RequeueFront(req RunRequest) {
	q.mu.Lock()
	q.items = append([]RunRequest{req}, q.items...)
	q.mu.Unlock()
}

// Clear atomically empties the queue and returns how many requests were
// dropped. Used by cancellation so no queued backlog resumes afterwards.
func (q *PerJobQueue) Clear() int {
	q.mu.Lock()
	n := len(q.items)
	q.items = nil
	q.mu.Unlock()
	return n
}

func (q *PerJobQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

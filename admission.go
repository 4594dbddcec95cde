package ratelimiter

import "time"

// pendingRequest is one FIFO queue entry.
// admitted is closed exactly once, by the admission loop, when a slot opens
// up for this request; the waiting goroutine selects on it alongside its
// own queue-timeout timer and the caller's cancel token.
type pendingRequest struct {
	requestID  RequestID
	enqueuedAt time.Time
	admitted   chan struct{}

	// removed is set once this entry has left the queue, whether by
	// admission or by the waiter giving up first, so the two sides never
	// double-process the same entry.
	removed bool

	// rejected is set only when the owning State is disposed while this
	// entry was still queued. It must be set before admitted is closed so
	// a waiter woken by the close always observes the correct outcome.
	rejected bool
}

func newPendingRequest(id RequestID, enqueuedAt time.Time) *pendingRequest {
	return &pendingRequest{
		requestID:  id,
		enqueuedAt: enqueuedAt,
		admitted:   make(chan struct{}),
	}
}

// requestQueue is the per-State FIFO wait queue. All methods assume the
// caller holds the owning State's critical region.
type requestQueue struct {
	items []*pendingRequest
}

func newRequestQueue() *requestQueue {
	return &requestQueue{}
}

func (q *requestQueue) depth() int {
	return len(q.items)
}

func (q *requestQueue) enqueue(p *pendingRequest) {
	q.items = append(q.items, p)
}

// admitHead pops and admits the head of the queue, if any, closing its
// admitted channel. Returns nil if the queue is empty.
func (q *requestQueue) admitHead() *pendingRequest {
	for len(q.items) > 0 {
		p := q.items[0]
		q.items = q.items[1:]
		if p.removed {
			// The waiter already gave up (timeout/cancel) concurrently;
			// skip it and try the next one.
			continue
		}
		p.removed = true
		close(p.admitted)
		return p
	}
	return nil
}

// drainAllRejected empties the queue, marking every entry rejected before
// waking its waiter, for use by Dispose.
func (q *requestQueue) drainAllRejected() []*pendingRequest {
	drained := make([]*pendingRequest, 0, len(q.items))
	for _, p := range q.items {
		if p.removed {
			continue
		}
		p.rejected = true
		p.removed = true
		close(p.admitted)
		drained = append(drained, p)
	}
	q.items = nil
	return drained
}

// remove deletes p from the queue if it is still present (the waiter lost
// the race with admission and is giving up). Returns true if p was removed
// here, false if it had already been admitted.
func (q *requestQueue) remove(p *pendingRequest) bool {
	if p.removed {
		return false
	}
	for i, item := range q.items {
		if item == p {
			q.items = append(q.items[:i], q.items[i+1:]...)
			p.removed = true
			return true
		}
	}
	// Not found but not yet marked removed: a concurrent admitHead is
	// racing us for the same entry under the same lock, which cannot
	// happen since both paths require the critical region. Treat as a
	// no-op for safety.
	return false
}

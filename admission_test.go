package ratelimiter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRequestQueue_FIFOAdmission(t *testing.T) {
	q := newRequestQueue()
	p1 := newPendingRequest("r1", time.Now())
	p2 := newPendingRequest("r2", time.Now())
	p3 := newPendingRequest("r3", time.Now())
	q.enqueue(p1)
	q.enqueue(p2)
	q.enqueue(p3)
	assert.Equal(t, 3, q.depth())

	got := q.admitHead()
	assert.Same(t, p1, got)
	assert.Equal(t, 2, q.depth())

	got = q.admitHead()
	assert.Same(t, p2, got)
}

func TestRequestQueue_RemoveThenAdmitHeadSkipsIt(t *testing.T) {
	q := newRequestQueue()
	p1 := newPendingRequest("r1", time.Now())
	p2 := newPendingRequest("r2", time.Now())
	q.enqueue(p1)
	q.enqueue(p2)

	removed := q.remove(p1)
	assert.True(t, removed)
	assert.Equal(t, 1, q.depth())

	got := q.admitHead()
	assert.Same(t, p2, got)
}

func TestRequestQueue_RemoveAfterAdmitReturnsFalse(t *testing.T) {
	q := newRequestQueue()
	p1 := newPendingRequest("r1", time.Now())
	q.enqueue(p1)
	q.admitHead()

	assert.False(t, q.remove(p1))
}

func TestRequestQueue_DrainAllRejectedMarksEveryEntry(t *testing.T) {
	q := newRequestQueue()
	p1 := newPendingRequest("r1", time.Now())
	p2 := newPendingRequest("r2", time.Now())
	q.enqueue(p1)
	q.enqueue(p2)

	drained := q.drainAllRejected()
	assert.Len(t, drained, 2)
	assert.Equal(t, 0, q.depth())
	for _, p := range drained {
		assert.True(t, p.rejected)
		assert.True(t, p.removed)
		select {
		case <-p.admitted:
		default:
			t.Fatalf("expected admitted channel to be closed for %s", p.requestID)
		}
	}
}

func TestRequestQueue_DrainAllRejectedSkipsAlreadyRemoved(t *testing.T) {
	q := newRequestQueue()
	p1 := newPendingRequest("r1", time.Now())
	q.enqueue(p1)
	q.remove(p1)

	drained := q.drainAllRejected()
	assert.Empty(t, drained)
	assert.False(t, p1.rejected, "an entry the waiter already claimed must not be retroactively marked rejected")
}

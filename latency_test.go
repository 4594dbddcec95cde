package ratelimiter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLatencyRing_EmptySnapshotIsZero(t *testing.T) {
	r := newLatencyRing()
	avg, p50, p99 := r.snapshot()
	assert.Zero(t, avg)
	assert.Zero(t, p50)
	assert.Zero(t, p99)
}

func TestLatencyRing_AverageOfSamples(t *testing.T) {
	r := newLatencyRing()
	for _, v := range []int{10, 20, 30} {
		r.record(v)
	}
	avg, _, _ := r.snapshot()
	assert.Equal(t, 20, avg)
}

func TestLatencyRing_PercentilesMonotonic(t *testing.T) {
	r := newLatencyRing()
	for i := 1; i <= 100; i++ {
		r.record(i)
	}
	_, p50, p99 := r.snapshot()
	assert.Greater(t, p99, p50)
	assert.LessOrEqual(t, p99, 100)
}

func TestLatencyRing_WrapsAtCapacity(t *testing.T) {
	r := newLatencyRing()
	for i := 0; i < latencyRingSize+10; i++ {
		r.record(1000)
	}
	avg, _, _ := r.snapshot()
	assert.Equal(t, 1000, avg, "ring must not grow past its fixed capacity")
}

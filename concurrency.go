package ratelimiter

import (
	"time"

	"golang.org/x/sync/semaphore"
)

// concurrencyController owns currentConcurrency and the hard admission gate
// for one State. The hard ceiling (maxConcurrency total outstanding slots,
// ever) is enforced by a golang.org/x/sync/semaphore.Weighted sized to
// maxConcurrency. currentConcurrency is the softer, adaptive target within
// that hard ceiling: admission only tries to acquire a semaphore slot when
// the in-flight count is already below currentConcurrency, so shrinking
// currentConcurrency below inFlight simply stops new admissions without
// force-releasing work already in progress.
//
// All methods assume the caller holds the owning State's critical region;
// concurrencyController itself does no locking beyond what semaphore.Weighted
// provides for Acquire/Release/TryAcquire.
type concurrencyController struct {
	sem *semaphore.Weighted

	min, max, current int

	shrinkFactor float64
	growStep     int
	growAfterN   int
	cooldown     time.Duration

	consecutiveSuccesses int
	lastRateLimitAt      time.Time
}

func newConcurrencyController(opts StateOptions) *concurrencyController {
	return &concurrencyController{
		sem:          semaphore.NewWeighted(int64(opts.MaxConcurrency)),
		min:          opts.MinConcurrency,
		max:          opts.MaxConcurrency,
		current:      opts.MaxConcurrency,
		shrinkFactor: opts.ShrinkFactor,
		growStep:     opts.GrowStep,
		growAfterN:   opts.GrowAfterN,
		cooldown:     time.Duration(opts.CooldownMs) * time.Millisecond,
	}
}

// canAdmit reports whether inFlight is below the current adaptive target,
// i.e. whether it's worth attempting a semaphore acquisition at all.
func (c *concurrencyController) canAdmit(inFlight int) bool {
	return inFlight < c.current
}

// acquire attempts the hard-ceiling semaphore slot. Call only after
// canAdmit reports true; returns false in the (expected to be rare, since
// current <= max) case that the hard ceiling itself is saturated.
func (c *concurrencyController) acquire() bool {
	return c.sem.TryAcquire(1)
}

// release returns a hard-ceiling slot after a request completes, fails, or
// is cancelled.
func (c *concurrencyController) release() {
	c.sem.Release(1)
}

// recordSuccess increments the success streak and reports whether the
// controller grew as a result (for emitting concurrency:increased).
func (c *concurrencyController) recordSuccess(now time.Time) (grew bool, previous, current int) {
	c.consecutiveSuccesses++
	if c.consecutiveSuccesses < c.growAfterN {
		return false, c.current, c.current
	}
	if !c.lastRateLimitAt.IsZero() && now.Sub(c.lastRateLimitAt) < c.cooldown {
		return false, c.current, c.current
	}
	previous = c.current
	next := c.current + c.growStep
	if next > c.max {
		next = c.max
	}
	if next == previous {
		c.consecutiveSuccesses = 0
		return false, previous, previous
	}
	c.current = next
	c.consecutiveSuccesses = 0
	return true, previous, c.current
}

// recordRateLimit shrinks currentConcurrency multiplicatively and resets the
// success streak.
func (c *concurrencyController) recordRateLimit(now time.Time) (previous, current int) {
	c.consecutiveSuccesses = 0
	c.lastRateLimitAt = now
	previous = c.current
	next := int(float64(c.current) * c.shrinkFactor)
	if next < c.min {
		next = c.min
	}
	c.current = next
	return previous, c.current
}

package ratelimiter

import (
	"math/rand"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// backoffCurve wraps cenkalti/backoff's ExponentialBackOff to compute the
// per-attempt delay: attempt n sleeps
// min(cap, base * multiplier^(n-1)) * rand(0.5..1.5). The State owns one
// backoffCurve per request attempt sequence (not per State — each request
// gets a fresh curve so concurrent in-flight retries don't share mutable
// backoff.ExponentialBackOff state).
type backoffCurve struct {
	eb *backoff.ExponentialBackOff
}

func newBackoffCurve(opts BackoffOptions) *backoffCurve {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Duration(opts.BaseMs) * time.Millisecond
	eb.Multiplier = opts.Multiplier
	eb.MaxInterval = time.Duration(opts.CapMs) * time.Millisecond
	eb.MaxElapsedTime = 0 // the State's maxAttempts governs attempt count, not elapsed time
	if opts.Jitter {
		eb.RandomizationFactor = 0.5 // min(cap, base*mult^(n-1)) * rand(0.5..1.5)
	} else {
		eb.RandomizationFactor = 0
	}
	eb.Reset()
	return &backoffCurve{eb: eb}
}

// next returns the delay before the next attempt. cenkalti/backoff's
// NextBackOff already advances its internal exponent and applies the
// randomization factor around the current interval, producing the
// "base * multiplier^(n-1) * rand(0.5..1.5)" curve.
func (c *backoffCurve) next() time.Duration {
	d := c.eb.NextBackOff()
	if d == backoff.Stop {
		return time.Duration(c.eb.MaxInterval)
	}
	return d
}

// retryAfterDelay clamps a provider-supplied Retry-After duration to the
// configured cap: it replaces the computed backoff delay outright, rather
// than composing with it.
func retryAfterDelay(retryAfter time.Duration, opts BackoffOptions) time.Duration {
	cap := time.Duration(opts.CapMs) * time.Millisecond
	if retryAfter > cap {
		return cap
	}
	if retryAfter < 0 {
		return 0
	}
	return retryAfter
}

// jitterFraction returns a uniform value in [0.5, 1.5), used only by tests
// that want to reason about the jitter envelope directly; production code
// goes through backoffCurve.next(), which delegates jitter to
// cenkalti/backoff.
func jitterFraction(rng *rand.Rand) float64 {
	return 0.5 + rng.Float64()
}

package ratelimiter

import (
	"context"
	"errors"
	"time"
)

// callContext derives the context passed to one Caller invocation attempt
// from the request's own ctx, applying perCallTimeoutMs if set. The
// returned CancelFunc must always be called (cancel is a no-op when no
// timeout was applied), matching context.WithTimeout's own contract.
//
// Precedence: a fired parent ctx always outranks a per-call timeout. The
// caller of callContext still distinguishes the two after the call
// returns by checking the parent ctx's own Err() (runInvocation passes it
// to classify as parentCancelled), since the child's Err() alone cannot
// tell a cancelled parent from an expired child once the child context
// itself reports context.Canceled (a parent cancellation propagates into
// the child and both report the same Err()).
func callContext(ctx context.Context, perCallTimeoutMs int) (context.Context, context.CancelFunc) {
	if perCallTimeoutMs <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, time.Duration(perCallTimeoutMs)*time.Millisecond)
}

// IsUserCancel reports whether err stems from the caller's own cancel
// token firing, as opposed to a per-call timeout expiring. A user cancel
// is never retried and is always re-raised as a CancelledError; a
// per-call timeout is classified fatal, so that one request fails with a
// CallerError and is not retried, while other requests are unaffected.
func IsUserCancel(err error) bool {
	var ce *CancelledError
	if errors.As(err, &ce) {
		return true
	}
	return errors.Is(err, ErrCancelled) || errors.Is(err, context.Canceled)
}

// IsPerCallTimeout reports whether err is a single attempt's
// PerCallTimeoutMs expiry, the fatal-for-this-attempt-only counterpart to
// IsUserCancel.
func IsPerCallTimeout(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

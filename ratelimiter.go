// Package ratelimiter schedules requests to rate-limited upstream providers
// the way a human operator would: admit what fits under the provider's
// concurrency ceiling, queue the rest in order, back off and retry on
// rate-limit and transient failures, and shrink/grow the concurrency
// target in response to what providers actually report back.
//
// A Registry is the entry point. It keeps one ProviderRateLimitState per
// RateLimitKey (derived from a Caller's routing identity) for the life of
// the process, so two Callers with the same ID, endpoint, credential and
// model share one admission gate, one retry policy, and one adaptive
// concurrency target.
//
//	reg := ratelimiter.New(
//		ratelimiter.WithDefaults(
//			ratelimiter.WithMaxConcurrency(8),
//			ratelimiter.WithMaxAttempts(5),
//		),
//	)
//	defer reg.DisposeBackground()
//
//	resp, err := reg.Execute(ctx, caller, callFunc, ratelimiter.ExecuteOpts{})
package ratelimiter

// NewDefault returns a Registry configured entirely from
// defaultStateOptions and the environment — the shortest path to a
// working scheduler for a host that has no per-provider tuning to apply
// yet.
func NewDefault() *Registry {
	return New()
}

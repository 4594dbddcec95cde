package ratelimiter

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/promptfoo/ratelimiter/internal/clock"
	"github.com/promptfoo/ratelimiter/internal/ratelimitmetrics"
)

// Registry owns one ProviderRateLimitState per RateLimitKey for the life of
// the process (or until Dispose). It resolves each Caller to its key on
// every call, lazily creating that key's State on first sight, and forwards
// every State's events to Registry-level subscribers.
type Registry struct {
	opts   RegistryOptions
	clk    clock.Clock
	sleep  clock.Sleeper
	subs   *subscriberSet

	mu       sync.Mutex
	states   map[RateLimitKey]*ProviderRateLimitState
	disposed bool

	reqSeq uint64
}

// New constructs a Registry with the given options applied over the
// defaults.
func New(opts ...RegistryOption) *Registry {
	ro := defaultRegistryOptions()
	ro.SchedulerEnabled = schedulerEnabledFromEnv(ro.SchedulerEnabled)
	ro.Defaults = applyEnvOverrides(ro.Defaults)
	for _, o := range opts {
		o(&ro)
	}
	return &Registry{
		opts:   ro,
		clk:    clock.New(),
		sleep:  clock.NewSleeper(),
		subs:   newSubscriberSet(),
		states: make(map[RateLimitKey]*ProviderRateLimitState),
	}
}

// newRegistryForTest lets _test.go files inject a Mock clock/Sleeper pair so
// backoff and queue-timeout waits advance instantly instead of sleeping in
// wall-clock time.
func newRegistryForTest(clk clock.Clock, sleeper clock.Sleeper, opts ...RegistryOption) *Registry {
	r := New(opts...)
	r.clk = clk
	r.sleep = sleeper
	return r
}

// Execute resolves caller to a RateLimitKey, gets or creates that key's
// State, and runs call through it — unless SchedulerEnabled is false, in
// which case call runs directly with no admission, retry, or concurrency
// control (the bypass mode).
func (r *Registry) Execute(ctx context.Context, caller Caller, call CallFunc, opts ExecuteOpts) (Response, error) {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return Response{}, &DisposedError{}
	}
	r.mu.Unlock()

	key := keyOf(caller)
	requestID := r.newRequestID(key)

	if !r.opts.SchedulerEnabled {
		return r.executeBypass(ctx, key, requestID, call, opts)
	}

	state, err := r.getOrCreateState(key, opts.StateOverrides)
	if err != nil {
		return Response{}, err
	}
	return state.Execute(ctx, requestID, call, opts)
}

// executeBypass runs call with no State at all: no admission gate, no
// retry loop, no concurrency control, and no events — per spec.md §4.3,
// bypass mode means call runs directly and "no events fire."
func (r *Registry) executeBypass(ctx context.Context, key RateLimitKey, requestID RequestID, call CallFunc, opts ExecuteOpts) (Response, error) {
	r.opts.Logger.Debug("bypass execute", zap.String("key", string(key)), zap.String("request_id", string(requestID)))
	return call(ctx, opts.CallOpts)
}

// getOrCreateState returns key's State, creating it under a narrow
// exclusive section on first sight so concurrent first-sight callers never
// create two States for the same key. overrides, if non-nil, seed the new
// State's options; they are ignored on every call after the first for this
// key. A malformed config (either r.opts.Defaults or overrides) is rejected
// with an *InvalidConfigError rather than silently admitted.
func (r *Registry) getOrCreateState(key RateLimitKey, overrides *StateOptions) (*ProviderRateLimitState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.states[key]; ok {
		return s, nil
	}

	// r.opts.Defaults already has MIN_CONCURRENCY/QUEUE_TIMEOUT_MS folded in
	// (New applies applyEnvOverrides before any explicit RegistryOption
	// runs, the same ordering used for SchedulerEnabled). An explicit
	// StateOverrides is a higher-precedence opts.Option, so it replaces so
	// outright rather than being layered under the environment again.
	so := r.opts.Defaults
	if overrides != nil {
		so = *overrides
	}

	if err := so.validate(); err != nil {
		return nil, err
	}

	bus := newEventBus()
	bus.subscribe(r.subs.dispatch)

	s := newProviderRateLimitState(key, so, r.clk, r.sleep, r.opts.Logger, bus)
	r.states[key] = s
	return s, nil
}

// newRequestID produces "{key}-{monotonic}-{uuid-tail}", per the RequestID
// shape documented on the RequestID type.
func (r *Registry) newRequestID(key RateLimitKey) RequestID {
	seq := atomic.AddUint64(&r.reqSeq, 1)
	tail := uuid.New().String()
	if len(tail) > 8 {
		tail = tail[len(tail)-8:]
	}
	return RequestID(fmt.Sprintf("%s-%d-%s", key, seq, tail))
}

// Metrics returns a snapshot of every key's MetricsSnapshot currently
// tracked by this Registry. Bypass-mode calls never create a State, so
// they never appear here.
func (r *Registry) Metrics() map[RateLimitKey]MetricsSnapshot {
	r.mu.Lock()
	states := make([]*ProviderRateLimitState, 0, len(r.states))
	for _, s := range r.states {
		states = append(states, s)
	}
	r.mu.Unlock()

	out := make(map[RateLimitKey]MetricsSnapshot, len(states))
	for _, s := range states {
		m := s.Metrics()
		out[m.Key] = m
	}
	return out
}

// PrometheusSnapshotSource adapts Metrics to a ratelimitmetrics.SnapshotSource,
// for hosts that register a ratelimitmetrics.Collector with their own
// prometheus.Registry:
//
//	promReg.MustRegister(ratelimitmetrics.NewCollector(reg.PrometheusSnapshotSource()))
func (r *Registry) PrometheusSnapshotSource() ratelimitmetrics.SnapshotSource {
	return func() map[string]ratelimitmetrics.Snapshot {
		out := make(map[string]ratelimitmetrics.Snapshot)
		for k, m := range r.Metrics() {
			out[string(k)] = ratelimitmetrics.Snapshot{
				Key:                string(k),
				ActiveRequests:     m.ActiveRequests,
				MaxConcurrency:     m.MaxConcurrency,
				CurrentConcurrency: m.CurrentConcurrency,
				QueueDepth:         m.QueueDepth,
				TotalRequests:      m.TotalRequests,
				CompletedRequests:  m.CompletedRequests,
				FailedRequests:     m.FailedRequests,
				RateLimitHits:      m.RateLimitHits,
				RetriedRequests:    m.RetriedRequests,
				AvgLatencyMs:       m.AvgLatencyMs,
				P50LatencyMs:       m.P50LatencyMs,
				P99LatencyMs:       m.P99LatencyMs,
			}
		}
		return out
	}
}

// On subscribes h to every event of kind, returning an id usable with Off.
func (r *Registry) On(kind EventKind, h EventHandler) SubscriptionID {
	return r.subs.on(kind, h)
}

// Off removes a subscription previously registered with On.
func (r *Registry) Off(id SubscriptionID) {
	r.subs.off(id)
}

// Dispose tears down every tracked State (rejecting their queued requests
// and waiting for in-flight drain, up to ctx's deadline) and clears all
// subscribers. It is idempotent; calling it twice is a no-op the second
// time.
func (r *Registry) Dispose(ctx context.Context) error {
	r.mu.Lock()
	if r.disposed {
		r.mu.Unlock()
		return nil
	}
	r.disposed = true
	states := make([]*ProviderRateLimitState, 0, len(r.states))
	for _, s := range r.states {
		states = append(states, s)
	}
	r.states = make(map[RateLimitKey]*ProviderRateLimitState)
	r.mu.Unlock()

	var firstErr error
	for _, s := range states {
		if err := s.Dispose(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	r.subs.clear()
	return firstErr
}

// DisposeBackground is the zero-argument convenience used by hosts that
// don't already have a shutdown deadline in hand.
func (r *Registry) DisposeBackground() error {
	return r.Dispose(context.Background())
}

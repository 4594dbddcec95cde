package ratelimiter

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/promptfoo/ratelimiter/storage"
)

// CallerConfig is the opaque-to-callers, inspected-by-the-key-resolver part
// of a Caller's identity. Only the fields that affect remote routing belong
// here: the Key Resolver hashes Credential and folds Endpoint/Model into the
// RateLimitKey, but never stores Credential in the clear (see keyresolver.go).
type CallerConfig struct {
	// Endpoint is the upstream host this Caller talks to.
	Endpoint string

	// Credential is the raw credential/token used for the upstream call.
	// It is hashed by keyOf and never surfaces in a RateLimitKey, a log
	// line, or an event.
	Credential string

	// Model is the model or deployment selector, when the upstream
	// distinguishes rate-limit buckets by model.
	Model string
}

// Caller is the opaque external collaborator the scheduler admits, queues,
// retries, and backpressures requests against. The core owns no Caller
// lifecycle; it only ever calls ID, Config, and the CallFunc supplied to
// Execute.
type Caller interface {
	// ID returns a stable identifier for the life of the process.
	ID() string

	// Config returns the routing-relevant configuration used by keyOf.
	Config() CallerConfig
}

// TokenUsage reports token accounting from a successful Response, when the
// Caller's upstream provider returns it.
type TokenUsage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ResponseError is the modeled-error shape of a Response, as distinct from a
// Go error thrown alongside it.
type ResponseError struct {
	// Message is the underlying provider error text.
	Message string

	// StatusCode is the HTTP-like status code, when known (0 if not).
	StatusCode int
}

func (e *ResponseError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// Response is what a Caller's invocation produces. Exactly one of Output or
// Error must be set on a non-thrown return; a CallFunc that sets neither (or
// both) is malformed and classified fatal (see classifier.go).
type Response struct {
	Output     any
	TokenUsage *TokenUsage
	SessionID  string
	Cached     bool
	Headers    http.Header
	Error      *ResponseError

	// DelayMs, if set and the response was not Cached, is slept after a
	// successful call before the admission slot is released.
	DelayMs int
}

// RequestID locally and uniquely identifies one execute() invocation, for
// event correlation only. Shape: "{key}-{monotonic}-{uuid-tail}".
type RequestID string

// CallOpts carries the per-invocation knobs a CallFunc must honor.
type CallOpts struct {
	// PerCallTimeoutMs, when > 0, bounds a single Caller invocation. Its
	// expiry is classified as a fatal (timeout) error for that request
	// only; it never cancels the run. Zero means no per-call timeout.
	PerCallTimeoutMs int
}

// CallFunc is one upstream invocation, already bound to its request body.
// Implementations MUST honor ctx cancellation and MUST set exactly one of
// Response.Output / Response.Error on a non-error return.
type CallFunc func(ctx context.Context, opts CallOpts) (Response, error)

// ClassifierOverrides lets a call site supply its own classification rules
// in place of the defaults in classifier.go. A nil field falls back to the
// default rule for that concern.
type ClassifierOverrides struct {
	IsRateLimited func(Response) bool
	GetRetryAfter func(Response) *time.Duration
	GetHeaders    func(Response) http.Header
}

// ExecuteOpts bundles per-call configuration overrides and classifier
// overrides for a single Registry.Execute / State.Execute invocation.
type ExecuteOpts struct {
	CallOpts
	ClassifierOverrides ClassifierOverrides

	// StateOverrides, when non-nil, overrides the Registry's defaults for
	// the State created on first sight of this Caller's key. Ignored on
	// subsequent calls for an already-existing key: States live for the
	// life of the Registry, so later overrides are never re-applied.
	StateOverrides *StateOptions
}

// BackoffOptions configures the retry delay curve.
type BackoffOptions struct {
	BaseMs     int64
	Multiplier float64
	CapMs      int64
	Jitter     bool
}

func defaultBackoffOptions() BackoffOptions {
	return BackoffOptions{
		BaseMs:     500,
		Multiplier: 2.0,
		CapMs:      30_000,
		Jitter:     true,
	}
}

// StateOptions configures one ProviderRateLimitState.
type StateOptions struct {
	MaxConcurrency int
	MinConcurrency int
	QueueTimeoutMs int
	MaxQueueDepth  int // 0 = unbounded
	MaxAttempts    int
	Backoff        BackoffOptions
	ShrinkFactor   float64
	GrowStep       int
	GrowAfterN     int
	CooldownMs     int

	// WarningRatio is the remaining/limit threshold below which
	// ratelimit:warning fires (default 0.1).
	WarningRatio float64

	// Ledger, when non-nil, mirrors this State's queued-request entries
	// for debug/health introspection. Nil disables mirroring entirely; it
	// is never required for correct admission.
	Ledger storage.Ledger
}

// defaultStateOptions returns sensible, documented defaults a caller can
// override piecemeal via functional options or StateOverrides.
func defaultStateOptions() StateOptions {
	return StateOptions{
		MaxConcurrency: 8,
		MinConcurrency: 1,
		QueueTimeoutMs: 30_000,
		MaxQueueDepth:  0,
		MaxAttempts:    10,
		Backoff:        defaultBackoffOptions(),
		ShrinkFactor:   0.5,
		GrowStep:       1,
		GrowAfterN:     20,
		CooldownMs:     30_000,
		WarningRatio:   0.1,
	}
}

func (o StateOptions) validate() error {
	if o.MaxConcurrency < 1 {
		return &InvalidConfigError{Field: "maxConcurrency", Value: o.MaxConcurrency, Reason: "must be >= 1"}
	}
	if o.MinConcurrency < 1 || o.MinConcurrency > o.MaxConcurrency {
		return &InvalidConfigError{Field: "minConcurrency", Value: o.MinConcurrency, Reason: "must be >= 1 and <= maxConcurrency"}
	}
	if o.QueueTimeoutMs < 0 {
		return &InvalidConfigError{Field: "queueTimeoutMs", Value: o.QueueTimeoutMs, Reason: "must be >= 0"}
	}
	if o.MaxAttempts < 1 {
		return &InvalidConfigError{Field: "maxAttempts", Value: o.MaxAttempts, Reason: "must be >= 1"}
	}
	if o.ShrinkFactor <= 0 || o.ShrinkFactor >= 1 {
		return &InvalidConfigError{Field: "shrinkFactor", Value: o.ShrinkFactor, Reason: "must be in (0,1)"}
	}
	if o.GrowStep < 1 {
		return &InvalidConfigError{Field: "growStep", Value: o.GrowStep, Reason: "must be >= 1"}
	}
	if o.GrowAfterN < 1 {
		return &InvalidConfigError{Field: "growAfterN", Value: o.GrowAfterN, Reason: "must be >= 1"}
	}
	if o.CooldownMs < 0 {
		return &InvalidConfigError{Field: "cooldownMs", Value: o.CooldownMs, Reason: "must be >= 0"}
	}
	return nil
}

// StateOption mutates StateOptions, following the functional-options
// pattern used throughout this package's configuration types.
type StateOption func(*StateOptions)

func WithMaxConcurrency(n int) StateOption { return func(o *StateOptions) { o.MaxConcurrency = n } }
func WithMinConcurrency(n int) StateOption { return func(o *StateOptions) { o.MinConcurrency = n } }
func WithQueueTimeout(d time.Duration) StateOption {
	return func(o *StateOptions) { o.QueueTimeoutMs = int(d.Milliseconds()) }
}
func WithMaxQueueDepth(n int) StateOption      { return func(o *StateOptions) { o.MaxQueueDepth = n } }
func WithMaxAttempts(n int) StateOption        { return func(o *StateOptions) { o.MaxAttempts = n } }
func WithBackoff(b BackoffOptions) StateOption { return func(o *StateOptions) { o.Backoff = b } }
func WithShrinkFactor(f float64) StateOption   { return func(o *StateOptions) { o.ShrinkFactor = f } }
func WithGrowth(step, afterN int, cooldown time.Duration) StateOption {
	return func(o *StateOptions) {
		o.GrowStep = step
		o.GrowAfterN = afterN
		o.CooldownMs = int(cooldown.Milliseconds())
	}
}
func WithWarningRatio(r float64) StateOption { return func(o *StateOptions) { o.WarningRatio = r } }

func WithLedger(l storage.Ledger) StateOption { return func(o *StateOptions) { o.Ledger = l } }

// RegistryOptions configures a Registry.
type RegistryOptions struct {
	Defaults         StateOptions
	SchedulerEnabled bool
	Logger           *zap.Logger
}

// RegistryOption mutates RegistryOptions.
type RegistryOption func(*RegistryOptions)

func WithDefaults(opts ...StateOption) RegistryOption {
	return func(ro *RegistryOptions) {
		for _, opt := range opts {
			opt(&ro.Defaults)
		}
	}
}

func WithSchedulerEnabled(enabled bool) RegistryOption {
	return func(ro *RegistryOptions) { ro.SchedulerEnabled = enabled }
}

func WithLogger(l *zap.Logger) RegistryOption {
	return func(ro *RegistryOptions) { ro.Logger = l }
}

func defaultRegistryOptions() RegistryOptions {
	return RegistryOptions{
		Defaults:         defaultStateOptions(),
		SchedulerEnabled: true,
		Logger:           zap.NewNop(),
	}
}

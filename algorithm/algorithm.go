// Package algorithm holds the pluggable classification rules the scheduler
// core uses to turn a provider Response (or a thrown Go error) into one of
// five outcomes: success, rate-limit, retryable, fatal, or cancelled.
//
// The shape mirrors a pluggable-algorithm seam: a typed enum with
// Validate(), a fmt.Stringer, and a dedicated *ConfigError type.
package algorithm

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Outcome is the verdict classification produces for one Response/error
// pair.
type Outcome string

const (
	OutcomeSuccess   Outcome = "success"
	OutcomeRateLimit Outcome = "rate_limit"
	OutcomeRetryable Outcome = "retryable"
	OutcomeFatal     Outcome = "fatal"
	OutcomeCancelled Outcome = "cancelled"
)

// String returns the string representation of the outcome.
func (o Outcome) String() string { return string(o) }

// Validate checks if the outcome is one of the defined verdicts.
func (o Outcome) Validate() error {
	switch o {
	case OutcomeSuccess, OutcomeRateLimit, OutcomeRetryable, OutcomeFatal, OutcomeCancelled:
		return nil
	default:
		return &ConfigError{Field: "outcome", Value: o, Reason: "must be one of: success, rate_limit, retryable, fatal, cancelled"}
	}
}

// Verdict is the full result of classifying one attempt: the Outcome plus
// whatever detail downstream retry/backoff logic needs.
type Verdict struct {
	Outcome Outcome

	// RetryAfter, for OutcomeRateLimit, is the provider-supplied delay
	// before the next attempt, when present.
	RetryAfter *time.Duration

	// Message carries the underlying error text for OutcomeFatal /
	// OutcomeRetryable, for surfacing in CallerError.
	Message string

	// StatusCode is the HTTP-like status code, when known.
	StatusCode int
}

// ConfigError represents an invalid classification-rule configuration.
type ConfigError struct {
	Field  string
	Value  interface{}
	Reason string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return fmt.Sprintf("algorithm config error: %s = %v (%s)", e.Field, e.Value, e.Reason)
}

// IsRateLimitStatus reports whether an HTTP-like status code indicates a
// rate limit response (429 is the only standard code; some providers use
// 409/"quota" bodies, handled separately by message sniffing).
func IsRateLimitStatus(status int) bool {
	return status == http.StatusTooManyRequests
}

// IsRetryableStatus reports whether a status code is worth retrying:
// network-shaped 5xx responses, excluding 501 Not Implemented (never
// transient).
func IsRetryableStatus(status int) bool {
	return status >= 500 && status != http.StatusNotImplemented
}

// IsFatalStatus reports whether a status code is a non-retryable client
// error (4xx other than 429).
func IsFatalStatus(status int) bool {
	return status >= 400 && status < 500 && status != http.StatusTooManyRequests
}

var rateLimitPhrases = []string{
	"rate limit",
	"ratelimit",
	"rate_limit",
	"quota",
	"too many requests",
}

// MatchesRateLimitText reports whether body text indicates a rate limit or
// quota condition, case-insensitively, for providers that don't use a
// standard 429 status code.
func MatchesRateLimitText(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range rateLimitPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// ParseRetryAfter parses a Retry-After header value, which per RFC 9110 is
// either an integer number of seconds or an HTTP-date. Returns nil if the
// header is absent or unparseable.
func ParseRetryAfter(header string) *time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil
	}

	if secs, err := strconv.ParseFloat(header, 64); err == nil && secs >= 0 {
		d := time.Duration(secs * float64(time.Second))
		return &d
	}

	if t, err := http.ParseTime(header); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return &d
	}

	return nil
}

// IsNetworkError reports whether an error's text looks like a transient
// transport failure (connection reset, timeout, DNS), warranting a retry
// rather than a fatal classification.
func IsNetworkError(err error) bool {
	if err == nil {
		return false
	}
	lower := strings.ToLower(err.Error())
	for _, phrase := range []string{
		"connection reset",
		"connection refused",
		"timeout",
		"timed out",
		"no such host",
		"eof",
		"broken pipe",
	} {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

package ratelimiter

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/promptfoo/ratelimiter/algorithm"
)

// classify turns one attempt's (Response, error) pair into an
// algorithm.Verdict (success, rate-limit, retryable, fatal, or cancelled),
// applying any ClassifierOverrides before falling back to the defaults
// below. ctx is the request's own per-call context (already bounded by
// PerCallTimeoutMs, if any); parentCancelled reports whether the outer,
// user-facing cancel token has fired, which takes precedence over any
// other verdict.
func classify(resp Response, callErr error, ctx context.Context, parentCancelled bool, overrides ClassifierOverrides) algorithm.Verdict {
	if parentCancelled {
		return algorithm.Verdict{Outcome: algorithm.OutcomeCancelled}
	}

	if callErr != nil {
		if errors.Is(callErr, context.Canceled) {
			return algorithm.Verdict{Outcome: algorithm.OutcomeCancelled}
		}
		if errors.Is(callErr, context.DeadlineExceeded) {
			return algorithm.Verdict{Outcome: algorithm.OutcomeFatal, Message: "per-call timeout: " + callErr.Error()}
		}
		if algorithm.IsNetworkError(callErr) {
			return algorithm.Verdict{Outcome: algorithm.OutcomeRetryable, Message: callErr.Error()}
		}
		return algorithm.Verdict{Outcome: algorithm.OutcomeFatal, Message: callErr.Error()}
	}

	hasOutput := resp.Output != nil
	hasError := resp.Error != nil
	if hasOutput == hasError {
		// Neither set, or both set: malformed. Treated as fatal; the
		// caller of classify distinguishes this via isMalformed().
		return algorithm.Verdict{Outcome: algorithm.OutcomeFatal, Message: "malformed response"}
	}

	if hasOutput {
		return algorithm.Verdict{Outcome: algorithm.OutcomeSuccess}
	}

	isRateLimited := overrides.IsRateLimited
	if isRateLimited == nil {
		isRateLimited = defaultIsRateLimited
	}
	getHeaders := overrides.GetHeaders
	if getHeaders == nil {
		getHeaders = defaultGetHeaders
	}
	getRetryAfter := overrides.GetRetryAfter
	if getRetryAfter == nil {
		getRetryAfter = func(resp Response) *time.Duration {
			return retryAfterFromHeaders(getHeaders(resp))
		}
	}

	if isRateLimited(resp) {
		return algorithm.Verdict{
			Outcome:    algorithm.OutcomeRateLimit,
			RetryAfter: getRetryAfter(resp),
			Message:    resp.Error.Message,
			StatusCode: resp.Error.StatusCode,
		}
	}

	status := resp.Error.StatusCode
	switch {
	case algorithm.IsRetryableStatus(status):
		return algorithm.Verdict{Outcome: algorithm.OutcomeRetryable, Message: resp.Error.Message, StatusCode: status}
	case algorithm.IsFatalStatus(status):
		return algorithm.Verdict{Outcome: algorithm.OutcomeFatal, Message: resp.Error.Message, StatusCode: status}
	default:
		// Unknown/zero status with a body match for rate-limit phrasing
		// was already handled by isRateLimited; anything else with no
		// recognizable status is treated as fatal rather than silently
		// retried forever.
		return algorithm.Verdict{Outcome: algorithm.OutcomeFatal, Message: resp.Error.Message, StatusCode: status}
	}
}

// isMalformed reports whether resp is the "neither or both" shape that
// classify folds into OutcomeFatal but that State must report as
// ErrMalformedResponse rather than ErrCallerError.
func isMalformed(resp Response, callErr error) bool {
	if callErr != nil {
		return false
	}
	hasOutput := resp.Output != nil
	hasError := resp.Error != nil
	return hasOutput == hasError
}

func defaultIsRateLimited(resp Response) bool {
	if resp.Error == nil {
		return false
	}
	if algorithm.IsRateLimitStatus(resp.Error.StatusCode) {
		return true
	}
	return algorithm.MatchesRateLimitText(resp.Error.Message)
}

// retryAfterFromHeaders parses the Retry-After header out of whichever
// headers getHeaders (default or override) resolved to.
func retryAfterFromHeaders(headers http.Header) *time.Duration {
	if headers == nil {
		return nil
	}
	return algorithm.ParseRetryAfter(headers.Get("Retry-After"))
}

func defaultGetHeaders(resp Response) http.Header {
	return resp.Headers
}

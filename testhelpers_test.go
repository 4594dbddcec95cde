package ratelimiter

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// fakeCaller is the minimal Caller used across this package's tests.
type fakeCaller struct {
	id  string
	cfg CallerConfig
}

func (f fakeCaller) ID() string           { return f.id }
func (f fakeCaller) Config() CallerConfig { return f.cfg }

func newFakeCaller(endpoint, credential, model string) fakeCaller {
	return fakeCaller{
		id:  "caller-" + endpoint,
		cfg: CallerConfig{Endpoint: endpoint, Credential: credential, Model: model},
	}
}

// scriptedCall returns a CallFunc that plays back responses in order, one
// per invocation. Calling it more times than len(responses) panics, which
// surfaces test bugs immediately rather than silently reusing the last
// response.
func scriptedCall(responses []Response, errs []error) CallFunc {
	var mu sync.Mutex
	i := 0
	return func(ctx context.Context, opts CallOpts) (Response, error) {
		mu.Lock()
		idx := i
		i++
		mu.Unlock()
		if idx >= len(responses) {
			panic("scriptedCall: ran out of scripted responses at index " + strconv.Itoa(idx))
		}
		var err error
		if errs != nil && idx < len(errs) {
			err = errs[idx]
		}
		return responses[idx], err
	}
}

func successResponse() Response {
	return Response{Output: "ok"}
}

func rateLimitResponse(statusCode int) Response {
	return Response{Error: &ResponseError{Message: "rate limited", StatusCode: statusCode}}
}

func fatalResponse(statusCode int, msg string) Response {
	return Response{Error: &ResponseError{Message: msg, StatusCode: statusCode}}
}

func headersWithRetryAfter(seconds int) http.Header {
	h := http.Header{}
	h.Set("Retry-After", strconv.Itoa(seconds))
	return h
}

// blockingCall returns a CallFunc that blocks on release until closed, then
// returns resp. Used to hold a slot occupied while a test observes queueing
// behavior.
func blockingCall(release <-chan struct{}, resp Response) CallFunc {
	return func(ctx context.Context, opts CallOpts) (Response, error) {
		select {
		case <-release:
		case <-ctx.Done():
			return Response{}, ctx.Err()
		}
		return resp, nil
	}
}

func shortTimeout() time.Duration { return 50 * time.Millisecond }

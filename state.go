package ratelimiter

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/promptfoo/ratelimiter/algorithm"
	"github.com/promptfoo/ratelimiter/internal/clock"
	"github.com/promptfoo/ratelimiter/storage"
)

// counters holds the monotonically non-decreasing totals in
// MetricsSnapshot.
type counters struct {
	total         uint64
	completed     uint64
	failed        uint64
	rateLimitHits uint64
	retried       uint64
}

// MetricsSnapshot is a point-in-time, approximate-but-monotonic read of one
// State's counters.
type MetricsSnapshot struct {
	Key                RateLimitKey
	ActiveRequests     int
	MaxConcurrency     int
	CurrentConcurrency int
	QueueDepth         int
	TotalRequests      uint64
	CompletedRequests  uint64
	FailedRequests     uint64
	RateLimitHits      uint64
	RetriedRequests    uint64
	AvgLatencyMs       int
	P50LatencyMs       int
	P99LatencyMs       int
}

// ProviderRateLimitState is the per-key scheduler instance: admission gate,
// FIFO wait queue, retry engine, adaptive concurrency controller, limit
// learning, latency ring, and counters. One instance
// exists per RateLimitKey for the life of the owning Registry.
type ProviderRateLimitState struct {
	key    RateLimitKey
	opts   StateOptions
	clk    clock.Clock
	sleep  clock.Sleeper
	logger *zap.Logger
	bus    *eventBus

	// mu is the single critical region guarding every field below. It
	// must never be held across a Caller invocation or a backoff sleep
	// — both happen strictly outside any lock/unlock pair in
	// this file.
	mu          sync.Mutex
	inFlight    map[RequestID]struct{}
	queue       *requestQueue
	concurrency *concurrencyController
	learned     learnedLimits
	latency     *latencyRing
	counters    counters
	disposed    bool
	inFlightWG  sync.WaitGroup
}

func newProviderRateLimitState(key RateLimitKey, opts StateOptions, clk clock.Clock, sleeper clock.Sleeper, logger *zap.Logger, bus *eventBus) *ProviderRateLimitState {
	return &ProviderRateLimitState{
		key:         key,
		opts:        opts,
		clk:         clk,
		sleep:       sleeper,
		logger:      logger,
		bus:         bus,
		inFlight:    make(map[RequestID]struct{}),
		queue:       newRequestQueue(),
		concurrency: newConcurrencyController(opts),
		latency:     newLatencyRing(),
	}
}

// Execute runs call subject to admission, retry, and adaptive concurrency.
// It blocks at: queue admission wait, the Caller invocation itself, and
// backoff sleeps between retries.
func (s *ProviderRateLimitState) Execute(ctx context.Context, requestID RequestID, call CallFunc, opts ExecuteOpts) (Response, error) {
	if ctx.Err() != nil {
		return Response{}, &CancelledError{Key: s.key, RequestID: requestID, Cause: ctx.Err()}
	}

	admitted, rejected, err := s.admit(ctx, requestID)
	if err != nil {
		return Response{}, err
	}
	if rejected {
		return Response{}, &DisposedError{Key: s.key}
	}
	_ = admitted

	return s.runInvocation(ctx, requestID, call, opts)
}

// admit performs the admission algorithm: fail fast if disposed, admit
// immediately if a slot is free, otherwise enqueue and wait (subject to
// queueTimeoutMs and ctx cancellation).
func (s *ProviderRateLimitState) admit(ctx context.Context, requestID RequestID) (admitted bool, rejected bool, err error) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return false, true, nil
	}
	s.counters.total++

	if s.concurrency.canAdmit(len(s.inFlight)) && s.concurrency.acquire() {
		s.inFlight[requestID] = struct{}{}
		s.inFlightWG.Add(1)
		s.mu.Unlock()
		return true, false, nil
	}

	if s.opts.MaxQueueDepth > 0 && s.queue.depth() >= s.opts.MaxQueueDepth {
		depth := s.queue.depth()
		s.counters.failed++
		s.mu.Unlock()
		return false, false, &QueueOverflowError{Key: s.key, QueueDepth: depth, MaxQueueDepth: s.opts.MaxQueueDepth}
	}

	p := newPendingRequest(requestID, s.clk.Now())
	s.queue.enqueue(p)
	s.mu.Unlock()
	s.mirrorPut(requestID, p.enqueuedAt)

	return s.awaitAdmission(ctx, requestID, p)
}

// awaitAdmission waits, outside any lock, for one of: admission, a
// queue-timeout, or the caller's own cancel token firing.
func (s *ProviderRateLimitState) awaitAdmission(ctx context.Context, requestID RequestID, p *pendingRequest) (admitted bool, rejected bool, err error) {
	var timerC <-chan time.Time
	if s.opts.QueueTimeoutMs > 0 {
		timer := time.NewTimer(time.Duration(s.opts.QueueTimeoutMs) * time.Millisecond)
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case <-p.admitted:
		if p.rejected {
			return false, true, nil
		}
		return true, false, nil

	case <-ctx.Done():
		s.mu.Lock()
		removed := s.queue.remove(p)
		s.mu.Unlock()
		if !removed {
			// Lost the race: already admitted or rejected concurrently.
			<-p.admitted
			if p.rejected {
				return false, true, nil
			}
			return true, false, nil
		}
		s.mirrorDelete(requestID)
		return false, false, &CancelledError{Key: s.key, RequestID: requestID, Cause: ctx.Err()}

	case <-timerC:
		s.mu.Lock()
		waitedMs := s.clk.Now().Sub(p.enqueuedAt).Milliseconds()
		removed := s.queue.remove(p)
		if removed {
			s.counters.failed++
		}
		s.mu.Unlock()
		if !removed {
			<-p.admitted
			if p.rejected {
				return false, true, nil
			}
			return true, false, nil
		}
		s.mirrorDelete(requestID)
		s.emitFailed(requestID, &QueueTimeoutError{Key: s.key, RequestID: requestID, WaitedMs: waitedMs, QueueTimeoutMs: s.opts.QueueTimeoutMs})
		return false, false, &QueueTimeoutError{Key: s.key, RequestID: requestID, WaitedMs: waitedMs, QueueTimeoutMs: s.opts.QueueTimeoutMs}
	}
}

// mirrorPut and mirrorDelete keep opts.Ledger, if configured, in sync with
// this State's wait queue. Both are best-effort: a Ledger failure never
// affects admission, so errors are swallowed after a debug log line.
func (s *ProviderRateLimitState) mirrorPut(requestID RequestID, enqueuedAt time.Time) {
	if s.opts.Ledger == nil {
		return
	}
	if err := s.opts.Ledger.Put(context.Background(), string(s.key), storage.Entry{
		RequestID:  string(requestID),
		Key:        string(s.key),
		EnqueuedAt: enqueuedAt,
	}); err != nil {
		s.logger.Debug("ledger put failed", zap.String("key", string(s.key)), zap.Error(err))
	}
}

func (s *ProviderRateLimitState) mirrorDelete(requestID RequestID) {
	if s.opts.Ledger == nil {
		return
	}
	if err := s.opts.Ledger.Delete(context.Background(), string(s.key), string(requestID)); err != nil {
		s.logger.Debug("ledger delete failed", zap.String("key", string(s.key)), zap.Error(err))
	}
}

// runInvocation drives the Running/Backoff state machine for an admitted
// request: invoke, classify, retry, or terminate.
func (s *ProviderRateLimitState) runInvocation(ctx context.Context, requestID RequestID, call CallFunc, opts ExecuteOpts) (Response, error) {
	defer s.releaseSlot(requestID)

	s.emitStarted(requestID)

	curve := newBackoffCurve(s.opts.Backoff)
	attempt := 0

	for {
		attempt++

		if ctx.Err() != nil {
			err := &CancelledError{Key: s.key, RequestID: requestID, Cause: ctx.Err()}
			s.recordCancelled(requestID, err)
			return Response{}, err
		}

		callCtx, cancel := callContext(ctx, opts.PerCallTimeoutMs)

		start := s.clk.Now()
		resp, callErr := call(callCtx, CallOpts{PerCallTimeoutMs: opts.PerCallTimeoutMs})
		cancel()
		elapsedMs := int(s.clk.Now().Sub(start).Milliseconds())

		parentCancelled := ctx.Err() != nil
		verdict := classify(resp, callErr, callCtx, parentCancelled, opts.ClassifierOverrides)

		if resp.Headers != nil {
			s.observeHeaders(requestID, resp.Headers)
		}

		switch verdict.Outcome {
		case algorithm.OutcomeSuccess:
			s.recordSuccess(requestID, elapsedMs)
			if resp.DelayMs > 0 && !resp.Cached {
				_ = s.sleep.Sleep(ctx, time.Duration(resp.DelayMs)*time.Millisecond)
			}
			return resp, nil

		case algorithm.OutcomeCancelled:
			err := &CancelledError{Key: s.key, RequestID: requestID, Cause: callErr}
			s.recordCancelled(requestID, err)
			return Response{}, err

		case algorithm.OutcomeRateLimit:
			s.recordRateLimitHit(requestID, verdict)
			if attempt >= s.opts.MaxAttempts {
				err := s.callerError(requestID, verdict, attempt, callErr)
				s.recordFailed(requestID, err)
				return Response{}, err
			}
			delay := curve.next()
			if verdict.RetryAfter != nil {
				delay = retryAfterDelay(*verdict.RetryAfter, s.opts.Backoff)
			}
			s.emitRetrying(requestID, attempt, delay, "rate_limit")
			s.recordRetried(requestID)
			if err := s.sleep.Sleep(ctx, delay); err != nil {
				cErr := &CancelledError{Key: s.key, RequestID: requestID, Cause: err}
				s.recordCancelled(requestID, cErr)
				return Response{}, cErr
			}
			continue

		case algorithm.OutcomeRetryable:
			if attempt >= s.opts.MaxAttempts {
				err := s.callerError(requestID, verdict, attempt, callErr)
				s.recordFailed(requestID, err)
				return Response{}, err
			}
			delay := curve.next()
			s.emitRetrying(requestID, attempt, delay, "retryable")
			s.recordRetried(requestID)
			if err := s.sleep.Sleep(ctx, delay); err != nil {
				cErr := &CancelledError{Key: s.key, RequestID: requestID, Cause: err}
				s.recordCancelled(requestID, cErr)
				return Response{}, cErr
			}
			continue

		case algorithm.OutcomeFatal:
			if isMalformed(resp, callErr) {
				err := &MalformedResponseError{Key: s.key, RequestID: requestID}
				s.recordFailed(requestID, err)
				return Response{}, err
			}
			err := s.callerError(requestID, verdict, attempt, callErr)
			s.recordFailed(requestID, err)
			return Response{}, err

		default:
			err := s.callerError(requestID, verdict, attempt, callErr)
			s.recordFailed(requestID, err)
			return Response{}, err
		}
	}
}

func (s *ProviderRateLimitState) callerError(requestID RequestID, verdict algorithm.Verdict, attempt int, cause error) error {
	return &CallerError{
		Key:        s.key,
		RequestID:  requestID,
		Message:    verdict.Message,
		StatusCode: verdict.StatusCode,
		Attempts:   attempt,
		Cause:      cause,
	}
}

// releaseSlot returns the concurrency slot and admits the next queued
// request, if any room remains.
func (s *ProviderRateLimitState) releaseSlot(requestID RequestID) {
	s.mu.Lock()
	if _, ok := s.inFlight[requestID]; ok {
		delete(s.inFlight, requestID)
		s.concurrency.release()
		s.inFlightWG.Done()
	}
	s.admitFromQueueLocked()
	s.mu.Unlock()
}

// admitFromQueueLocked drains as many queued requests as current capacity
// allows. Caller must hold s.mu.
func (s *ProviderRateLimitState) admitFromQueueLocked() {
	for s.concurrency.canAdmit(len(s.inFlight)) {
		if !s.concurrency.acquire() {
			return
		}
		p := s.queue.admitHead()
		if p == nil {
			s.concurrency.release()
			return
		}
		s.inFlight[p.requestID] = struct{}{}
		s.inFlightWG.Add(1)
		s.mirrorDelete(p.requestID)
	}
}

func (s *ProviderRateLimitState) recordSuccess(requestID RequestID, elapsedMs int) {
	s.mu.Lock()
	s.counters.completed++
	s.latency.record(elapsedMs)
	grew, previous, current := s.concurrency.recordSuccess(s.clk.Now())
	s.mu.Unlock()

	s.logger.Debug("request completed", zap.String("key", string(s.key)), zap.String("request_id", string(requestID)), zap.Int("elapsed_ms", elapsedMs))
	s.bus.publish(Event{Kind: EventRequestCompleted, Key: s.key, RequestID: requestID, At: s.clk.Now()})
	if grew {
		s.logger.Info("concurrency increased", zap.String("key", string(s.key)), zap.Int("previous", previous), zap.Int("current", current))
		s.bus.publish(Event{Kind: EventConcurrencyIncreased, Key: s.key, At: s.clk.Now(), Previous: previous, Current: current, Reason: "recovery"})
	}
}

func (s *ProviderRateLimitState) recordFailed(requestID RequestID, err error) {
	s.mu.Lock()
	s.counters.failed++
	s.mu.Unlock()
	s.emitFailed(requestID, err)
}

func (s *ProviderRateLimitState) recordCancelled(requestID RequestID, err error) {
	// cancelled is never recorded as a rate-limit or failure.
	s.logger.Debug("request cancelled", zap.String("key", string(s.key)), zap.String("request_id", string(requestID)))
	s.bus.publish(Event{Kind: EventRequestFailed, Key: s.key, RequestID: requestID, At: s.clk.Now(), Err: err})
}

func (s *ProviderRateLimitState) recordRetried(requestID RequestID) {
	s.mu.Lock()
	s.counters.retried++
	s.mu.Unlock()
}

func (s *ProviderRateLimitState) recordRateLimitHit(requestID RequestID, verdict algorithm.Verdict) {
	s.mu.Lock()
	now := s.clk.Now()
	s.counters.rateLimitHits++
	previous, current := s.concurrency.recordRateLimit(now)
	s.mu.Unlock()

	var retryAfterMs *int64
	if verdict.RetryAfter != nil {
		ms := verdict.RetryAfter.Milliseconds()
		retryAfterMs = &ms
	}

	s.logger.Warn("rate limit hit", zap.String("key", string(s.key)), zap.String("request_id", string(requestID)))
	s.bus.publish(Event{Kind: EventRateLimitHit, Key: s.key, RequestID: requestID, At: now, RetryAfterMs: retryAfterMs})

	if current != previous {
		s.logger.Warn("concurrency decreased", zap.String("key", string(s.key)), zap.Int("previous", previous), zap.Int("current", current))
		s.bus.publish(Event{Kind: EventConcurrencyDecreased, Key: s.key, At: now, Previous: previous, Current: current, Reason: "ratelimit"})
	}
}

func (s *ProviderRateLimitState) observeHeaders(requestID RequestID, headers http.Header) {
	s.mu.Lock()
	learnedReq, learnedTok, reqRatio, tokRatio := s.learned.observe(headers)
	warningRatio := s.opts.WarningRatio
	s.mu.Unlock()

	now := s.clk.Now()
	if learnedReq != nil || learnedTok != nil {
		s.bus.publish(Event{Kind: EventRateLimitLearned, Key: s.key, RequestID: requestID, At: now, RequestLimit: learnedReq, TokenLimit: learnedTok})
	}

	warn := (reqRatio != nil && *reqRatio < warningRatio) || (tokRatio != nil && *tokRatio < warningRatio)
	if warn {
		s.logger.Warn("approaching rate limit", zap.String("key", string(s.key)))
		s.bus.publish(Event{Kind: EventRateLimitWarning, Key: s.key, RequestID: requestID, At: now, RequestRatio: reqRatio, TokenRatio: tokRatio})
	}
}

func (s *ProviderRateLimitState) emitStarted(requestID RequestID) {
	s.logger.Debug("request started", zap.String("key", string(s.key)), zap.String("request_id", string(requestID)))
	s.bus.publish(Event{Kind: EventRequestStarted, Key: s.key, RequestID: requestID, At: s.clk.Now()})
}

func (s *ProviderRateLimitState) emitFailed(requestID RequestID, err error) {
	s.logger.Error("request failed", zap.String("key", string(s.key)), zap.String("request_id", string(requestID)), zap.Error(err))
	s.bus.publish(Event{Kind: EventRequestFailed, Key: s.key, RequestID: requestID, At: s.clk.Now(), Err: err})
}

func (s *ProviderRateLimitState) emitRetrying(requestID RequestID, attempt int, delay time.Duration, reason string) {
	s.logger.Debug("request retrying", zap.String("key", string(s.key)), zap.String("request_id", string(requestID)), zap.Int("attempt", attempt), zap.Duration("delay", delay), zap.String("reason", reason))
	s.bus.publish(Event{Kind: EventRequestRetrying, Key: s.key, RequestID: requestID, At: s.clk.Now(), Attempt: attempt, DelayMs: delay.Milliseconds(), Reason: reason})
}

// Metrics returns a non-blocking, point-in-time snapshot of this State's
// counters.
func (s *ProviderRateLimitState) Metrics() MetricsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	avg, p50, p99 := s.latency.snapshot()
	return MetricsSnapshot{
		Key:                s.key,
		ActiveRequests:     len(s.inFlight),
		MaxConcurrency:     s.concurrency.max,
		CurrentConcurrency: s.concurrency.current,
		QueueDepth:         s.queue.depth(),
		TotalRequests:      s.counters.total,
		CompletedRequests:  s.counters.completed,
		FailedRequests:     s.counters.failed,
		RateLimitHits:      s.counters.rateLimitHits,
		RetriedRequests:    s.counters.retried,
		AvgLatencyMs:       avg,
		P50LatencyMs:       p50,
		P99LatencyMs:       p99,
	}
}

// QueueDepth returns the number of requests currently waiting for admission.
func (s *ProviderRateLimitState) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.depth()
}

// Dispose idempotently tears down the State: queued requests are rejected
// with ErrDisposed, future Execute calls fail immediately, and Dispose
// waits for in-flight requests to drain up to ctx's deadline. The core
// cannot forcibly cancel a Caller invocation it doesn't own the context
// for (that context belongs to the caller of Execute) — if ctx expires
// before in-flight work drains, Dispose returns without waiting further,
// having already made the State permanently unusable for new work.
func (s *ProviderRateLimitState) Dispose(ctx context.Context) error {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return nil
	}
	s.disposed = true

	rejected := s.queue.drainAllRejected()
	s.counters.failed += uint64(len(rejected))
	s.mu.Unlock()

	for _, p := range rejected {
		s.mirrorDelete(p.requestID)
		s.emitFailed(p.requestID, &DisposedError{Key: s.key})
	}

	done := make(chan struct{})
	go func() {
		s.inFlightWG.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

package ratelimiter

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/promptfoo/ratelimiter/internal/clock"
)

func newTestRegistry(t *testing.T, opts ...RegistryOption) *Registry {
	t.Helper()
	mc := clock.NewMockAt(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	sleeper := clock.NewMockSleeper(mc)
	all := append([]RegistryOption{WithLogger(zap.NewNop())}, opts...)
	return newRegistryForTest(mc, sleeper, all...)
}

func TestRegistry_ExecuteCreatesOneStatePerKey(t *testing.T) {
	r := newTestRegistry(t)
	callerA := newFakeCaller("https://a.example", "secret-a", "gpt")
	callerB := newFakeCaller("https://b.example", "secret-b", "gpt")

	_, err := r.Execute(context.Background(), callerA, scriptedCall([]Response{successResponse()}, nil), ExecuteOpts{})
	require.NoError(t, err)
	_, err = r.Execute(context.Background(), callerA, scriptedCall([]Response{successResponse()}, nil), ExecuteOpts{})
	require.NoError(t, err)
	_, err = r.Execute(context.Background(), callerB, scriptedCall([]Response{successResponse()}, nil), ExecuteOpts{})
	require.NoError(t, err)

	metrics := r.Metrics()
	require.Len(t, metrics, 2)

	keyA := keyOf(callerA)
	keyB := keyOf(callerB)
	assert.EqualValues(t, 2, metrics[keyA].TotalRequests)
	assert.EqualValues(t, 1, metrics[keyB].TotalRequests)
}

func TestRegistry_IsolatesFailuresAcrossKeys(t *testing.T) {
	r := newTestRegistry(t)
	flaky := newFakeCaller("https://flaky.example", "secret", "gpt")
	healthy := newFakeCaller("https://healthy.example", "secret", "gpt")

	_, err := r.Execute(context.Background(), flaky, scriptedCall([]Response{fatalResponse(400, "bad request")}, nil), ExecuteOpts{})
	require.Error(t, err)

	_, err = r.Execute(context.Background(), healthy, scriptedCall([]Response{successResponse()}, nil), ExecuteOpts{})
	require.NoError(t, err)

	metrics := r.Metrics()
	assert.EqualValues(t, 1, metrics[keyOf(flaky)].FailedRequests)
	assert.EqualValues(t, 0, metrics[keyOf(healthy)].FailedRequests)
	assert.EqualValues(t, 1, metrics[keyOf(healthy)].CompletedRequests)
}

func TestRegistry_BypassModeSkipsScheduling(t *testing.T) {
	r := newTestRegistry(t, WithSchedulerEnabled(false))
	caller := newFakeCaller("https://bypass.example", "secret", "gpt")

	resp, err := r.Execute(context.Background(), caller, scriptedCall([]Response{successResponse()}, nil), ExecuteOpts{})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Output)

	// No State was ever created, so Metrics reports nothing for this key.
	assert.Empty(t, r.Metrics())
}

func TestRegistry_OnOffDeliversEvents(t *testing.T) {
	r := newTestRegistry(t)
	caller := newFakeCaller("https://events.example", "secret", "gpt")

	received := make(chan Event, 8)
	id := r.On(EventRequestCompleted, func(ev Event) { received <- ev })

	_, err := r.Execute(context.Background(), caller, scriptedCall([]Response{successResponse()}, nil), ExecuteOpts{})
	require.NoError(t, err)

	select {
	case ev := <-received:
		assert.Equal(t, EventRequestCompleted, ev.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for request:completed event")
	}

	r.Off(id)
	_, err = r.Execute(context.Background(), caller, scriptedCall([]Response{successResponse()}, nil), ExecuteOpts{})
	require.NoError(t, err)

	select {
	case ev := <-received:
		t.Fatalf("received unexpected event after Off: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRegistry_DisposeIsIdempotentAndRejectsFurtherExecute(t *testing.T) {
	r := newTestRegistry(t)
	caller := newFakeCaller("https://dispose.example", "secret", "gpt")

	_, err := r.Execute(context.Background(), caller, scriptedCall([]Response{successResponse()}, nil), ExecuteOpts{})
	require.NoError(t, err)

	require.NoError(t, r.Dispose(context.Background()))
	require.NoError(t, r.Dispose(context.Background()))

	_, err = r.Execute(context.Background(), caller, scriptedCall([]Response{successResponse()}, nil), ExecuteOpts{})
	require.Error(t, err)
	var disposed *DisposedError
	require.ErrorAs(t, err, &disposed)
}

func TestRegistry_StateOverridesOnlyApplyOnFirstSight(t *testing.T) {
	r := newTestRegistry(t)
	caller := newFakeCaller("https://overrides.example", "secret", "gpt")
	overrides := defaultStateOptions()
	overrides.MaxConcurrency = 2

	_, err := r.Execute(context.Background(), caller, scriptedCall([]Response{successResponse()}, nil), ExecuteOpts{StateOverrides: &overrides})
	require.NoError(t, err)

	m := r.Metrics()[keyOf(caller)]
	assert.Equal(t, 2, m.MaxConcurrency)

	laterOverrides := defaultStateOptions()
	laterOverrides.MaxConcurrency = 99
	_, err = r.Execute(context.Background(), caller, scriptedCall([]Response{successResponse()}, nil), ExecuteOpts{StateOverrides: &laterOverrides})
	require.NoError(t, err)

	m = r.Metrics()[keyOf(caller)]
	assert.Equal(t, 2, m.MaxConcurrency, "overrides after first sight of a key are ignored")
}

func TestRegistry_ExplicitStateOverridesOutrankEnvKnobs(t *testing.T) {
	t.Setenv(envMinConcurrency, "99")

	r := newTestRegistry(t)
	caller := newFakeCaller("https://env-vs-override.example", "secret", "gpt")
	overrides := defaultStateOptions()
	overrides.MinConcurrency = 2
	overrides.MaxConcurrency = 3

	_, err := r.Execute(context.Background(), caller, scriptedCall([]Response{successResponse()}, nil), ExecuteOpts{StateOverrides: &overrides})
	require.NoError(t, err)

	m := r.Metrics()[keyOf(caller)]
	assert.Equal(t, 3, m.MaxConcurrency, "explicit StateOverrides.MaxConcurrency must not be clobbered by MIN_CONCURRENCY=99")
}

func TestRegistry_InvalidStateOverridesSurfaceInvalidConfigError(t *testing.T) {
	r := newTestRegistry(t)
	caller := newFakeCaller("https://bad-config.example", "secret", "gpt")
	overrides := defaultStateOptions()
	overrides.MinConcurrency = 8
	overrides.MaxConcurrency = 4

	_, err := r.Execute(context.Background(), caller, scriptedCall([]Response{successResponse()}, nil), ExecuteOpts{StateOverrides: &overrides})
	require.Error(t, err)
	var invalid *InvalidConfigError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "minConcurrency", invalid.Field)

	// The rejected config never created a State for this key.
	assert.Empty(t, r.Metrics())
}

func TestRegistry_DefaultsHaveEnvKnobsAppliedBeforeExplicitRegistryOptions(t *testing.T) {
	t.Setenv(envMinConcurrency, "3")

	r := newTestRegistry(t, WithDefaults(WithMaxConcurrency(7), WithMinConcurrency(7)))
	caller := newFakeCaller("https://explicit-wins.example", "secret", "gpt")

	_, err := r.Execute(context.Background(), caller, scriptedCall([]Response{successResponse()}, nil), ExecuteOpts{})
	require.NoError(t, err)

	assert.Equal(t, 7, r.opts.Defaults.MinConcurrency, "an explicit WithMinConcurrency RegistryOption must outrank MIN_CONCURRENCY, not get clobbered back down to 3")

	m := r.Metrics()[keyOf(caller)]
	assert.Equal(t, 7, m.CurrentConcurrency, "a new State starts at the explicit WithMaxConcurrency value")
}

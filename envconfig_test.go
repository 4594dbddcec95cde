package ratelimiter

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestApplyEnvOverrides_NoEnvLeavesDefaultsUntouched(t *testing.T) {
	base := defaultStateOptions()
	got := applyEnvOverrides(base)
	assert.Equal(t, base, got)
}

func TestApplyEnvOverrides_MinConcurrencyOverride(t *testing.T) {
	t.Setenv(envMinConcurrency, "3")
	got := applyEnvOverrides(defaultStateOptions())
	assert.Equal(t, 3, got.MinConcurrency)
}

func TestApplyEnvOverrides_QueueTimeoutOverride(t *testing.T) {
	t.Setenv(envQueueTimeoutMs, "1500")
	got := applyEnvOverrides(defaultStateOptions())
	assert.Equal(t, 1500, got.QueueTimeoutMs)
}

func TestApplyEnvOverrides_InvalidValueIsIgnored(t *testing.T) {
	t.Setenv(envMinConcurrency, "not-a-number")
	base := defaultStateOptions()
	got := applyEnvOverrides(base)
	assert.Equal(t, base.MinConcurrency, got.MinConcurrency)
}

func TestSchedulerEnabledFromEnv_DisablesOnTruthyValues(t *testing.T) {
	for _, v := range []string{"1", "true", "TRUE", "yes", "on"} {
		t.Run(v, func(t *testing.T) {
			t.Setenv(envDisableAdaptiveSched, v)
			assert.False(t, schedulerEnabledFromEnv(true))
		})
	}
}

func TestSchedulerEnabledFromEnv_FalsyValuesKeepFallback(t *testing.T) {
	for _, v := range []string{"0", "false", "no", "off"} {
		t.Run(v, func(t *testing.T) {
			t.Setenv(envDisableAdaptiveSched, v)
			assert.True(t, schedulerEnabledFromEnv(true))
		})
	}
}

func TestSchedulerEnabledFromEnv_UnsetKeepsFallback(t *testing.T) {
	assert.True(t, schedulerEnabledFromEnv(true))
	assert.False(t, schedulerEnabledFromEnv(false))
}

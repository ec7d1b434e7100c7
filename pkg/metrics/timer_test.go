package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTimerStartsNow(t *testing.T) {
	timer := NewTimer()
	require.NotNil(t, timer)
	assert.False(t, timer.start.IsZero())
	assert.LessOrEqual(t, time.Since(timer.start), time.Second)
}

func TestTimerDurationGrows(t *testing.T) {
	timer := NewTimer()

	time.Sleep(20 * time.Millisecond)
	d1 := timer.Duration()
	assert.GreaterOrEqual(t, d1, 20*time.Millisecond)

	time.Sleep(20 * time.Millisecond)
	d2 := timer.Duration()
	assert.Greater(t, d2, d1)
}

func TestTimerObservesIntoKernelHistograms(t *testing.T) {
	timer := NewTimer()
	time.Sleep(5 * time.Millisecond)

	// The kernel's own histograms accept observations without panicking.
	timer.ObserveDuration(ActionDispatchLatency)
	timer.ObserveDuration(StripeWriteLatency)
	assert.Positive(t, timer.Duration())
}

func TestTimerObserveDurationVec(t *testing.T) {
	vec := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "test_duration_vec_seconds",
			Help:    "Test duration histogram vec",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	timer := NewTimer()
	time.Sleep(5 * time.Millisecond)
	timer.ObserveDurationVec(vec, "dispatch")
	assert.Positive(t, timer.Duration())
}

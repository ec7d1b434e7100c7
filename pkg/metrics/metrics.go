package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// AES metrics
	ActionsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wrenchsim_aes_actions_dispatched_total",
			Help: "Total number of actions bound to a host and launched, by service",
		},
		[]string{"service"},
	)

	ActionsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wrenchsim_aes_actions_completed_total",
			Help: "Total number of actions that reached a terminal state, by service and outcome",
		},
		[]string{"service", "outcome"},
	)

	ActionDispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wrenchsim_aes_dispatch_latency_seconds",
			Help:    "Time spent in one AES dispatch pass",
			Buckets: prometheus.DefBuckets,
		},
	)

	HostCoresInUse = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wrenchsim_aes_host_cores_in_use",
			Help: "Cores currently running threads, by host",
		},
		[]string{"service", "host"},
	)

	HostRAMAvailable = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wrenchsim_aes_host_ram_available_bytes",
			Help: "RAM bytes currently free, by host",
		},
		[]string{"service", "host"},
	)

	// Batch compute service metrics
	BatchQueueLength = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "wrenchsim_batch_pending_queue_length",
			Help: "Number of batch jobs waiting in the pending queue",
		},
		[]string{"service"},
	)

	BatchQueueWaitDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wrenchsim_batch_queue_wait_seconds",
			Help:    "Simulated seconds a batch job waited before it started running",
			Buckets: prometheus.DefBuckets,
		},
	)

	// CSS metrics
	StripeWritesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wrenchsim_css_stripe_writes_total",
			Help: "Total number of stripe writes attempted, by outcome",
		},
		[]string{"outcome"},
	)

	StripeWriteLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "wrenchsim_css_stripe_write_latency_seconds",
			Help:    "Wall-clock time spent committing one CSS write (stripe fan-out)",
			Buckets: prometheus.DefBuckets,
		},
	)

	// Job lifecycle metrics (controller-observable)
	JobsTerminalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "wrenchsim_jobs_terminal_total",
			Help: "Total number of jobs that reached a terminal state, by job kind and outcome",
		},
		[]string{"kind", "outcome"},
	)

	registerOnce bool
)

func init() {
	register()
}

func register() {
	if registerOnce {
		return
	}
	registerOnce = true

	prometheus.MustRegister(ActionsDispatchedTotal)
	prometheus.MustRegister(ActionsCompletedTotal)
	prometheus.MustRegister(ActionDispatchLatency)
	prometheus.MustRegister(HostCoresInUse)
	prometheus.MustRegister(HostRAMAvailable)
	prometheus.MustRegister(BatchQueueLength)
	prometheus.MustRegister(BatchQueueWaitDuration)
	prometheus.MustRegister(StripeWritesTotal)
	prometheus.MustRegister(StripeWriteLatency)
	prometheus.MustRegister(JobsTerminalTotal)
}

// Handler returns the Prometheus HTTP handler, for an embedder that wants
// to expose /metrics alongside pkg/trace's event stream.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

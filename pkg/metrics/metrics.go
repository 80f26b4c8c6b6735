package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Launch metrics
	InstancesLaunched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_instances_launched_total",
			Help: "Total number of instances submitted to the pending set by region",
		},
		[]string{"region"},
	)

	InstancesReady = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_instances_ready_total",
			Help: "Total number of instances that became SSH-reachable by region",
		},
		[]string{"region"},
	)

	InstancesLost = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_instances_lost_total",
			Help: "Total number of instances lost before becoming ready by region and reason",
		},
		[]string{"region", "reason"},
	)

	NoStockTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_no_stock_total",
			Help: "Total number of NoStock responses by region and instance type",
		},
		[]string{"region", "instance_type"},
	)

	// Probe metrics
	ProbeDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "burrow_ssh_probe_duration_seconds",
			Help:    "Duration of a single TCP:22 probe in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	ProbesInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "burrow_ssh_probes_in_flight",
			Help: "Number of SSH probes currently executing",
		},
	)

	// Infra metrics
	InfraEnsureDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_infra_ensure_duration_seconds",
			Help:    "Time taken to reconcile one region's infrastructure in seconds",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"region"},
	)

	RegionProvisionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "burrow_region_provision_duration_seconds",
			Help:    "Time taken to satisfy one region's node request in seconds",
			Buckets: []float64{5, 15, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"region"},
	)

	// Cleanup metrics
	InstancesDeleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "burrow_instances_deleted_total",
			Help: "Total number of instances deleted by cleanup by region",
		},
		[]string{"region"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(InstancesLaunched)
	prometheus.MustRegister(InstancesReady)
	prometheus.MustRegister(InstancesLost)
	prometheus.MustRegister(NoStockTotal)
	prometheus.MustRegister(ProbeDuration)
	prometheus.MustRegister(ProbesInFlight)
	prometheus.MustRegister(InfraEnsureDuration)
	prometheus.MustRegister(RegionProvisionDuration)
	prometheus.MustRegister(InstancesDeleted)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

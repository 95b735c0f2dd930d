package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// RevisionsTotal is the highest revision number committed by a
	// resource's pipeline, per instance.
	RevisionsTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loomkit_revisions_total",
			Help: "Highest revision number committed, by resource instance",
		},
		[]string{"instance"},
	)

	CommandsAppliedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loomkit_commands_applied_total",
			Help: "Total number of commands applied by the pipeline, by type and outcome",
		},
		[]string{"domain_type", "kind", "outcome"},
	)

	CommandApplyDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loomkit_command_apply_duration_seconds",
			Help:    "Time to apply one command through the pipeline",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"domain_type", "kind"},
	)

	// QueryIndexSelectedTotal counts how often a compiled query used a
	// covering index versus fell back to a full table scan.
	QueryIndexSelectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loomkit_query_index_selected_total",
			Help: "Total number of compiled queries, by selection strategy",
		},
		[]string{"domain_type", "strategy"},
	)

	QueryExecuteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loomkit_query_execute_duration_seconds",
			Help:    "Time to execute a compiled query",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"domain_type"},
	)

	QueryResultSetSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "loomkit_query_result_set_size",
			Help:    "Number of entities returned by a query execution",
			Buckets: []float64{0, 1, 10, 100, 1000, 10000},
		},
		[]string{"domain_type"},
	)

	// ResourceConnectionStatus mirrors resourceaccess.Status as a gauge,
	// one per resource instance a facade has connected to. 0=Connected,
	// 1=Offline, 2=Busy, 3=Error — matching resourceaccess.severity order.
	ResourceConnectionStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "loomkit_resource_connection_status",
			Help: "Current ResourceAccess connection status by resource instance (0=Connected,1=Offline,2=Busy,3=Error)",
		},
		[]string{"instance"},
	)

	ResourceReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loomkit_resource_reconnects_total",
			Help: "Total number of times a ResourceAccess client reconnected to its resource",
		},
		[]string{"instance"},
	)

	CleanupCompactedRevisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "loomkit_cleanup_compacted_revisions_total",
			Help: "Total number of stale revisions removed by the cleanup scheduler",
		},
		[]string{"instance"},
	)
)

func init() {
	prometheus.MustRegister(
		RevisionsTotal,
		CommandsAppliedTotal,
		CommandApplyDuration,
		QueryIndexSelectedTotal,
		QueryExecuteDuration,
		QueryResultSetSize,
		ResourceConnectionStatus,
		ResourceReconnectsTotal,
		CleanupCompactedRevisionsTotal,
	)
}

// Handler returns the Prometheus HTTP handler.
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

package weekcount

import "github.com/prometheus/client_golang/prometheus"

type counterMetrics struct {
	increments      *prometheus.CounterVec
	deduplicated    prometheus.Counter
	markerFailures  prometheus.Counter
	operationErrors *prometheus.CounterVec
}

func newCounterMetrics(r prometheus.Registerer) *counterMetrics {
	var m counterMetrics

	m.increments = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "weekcount_increments_total",
		Help: "Total accepted increments by path",
	}, []string{"path"})

	m.deduplicated = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "weekcount_visits_deduplicated_total",
		Help: "Total visits rejected because the identity was already counted today",
	})

	m.markerFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "weekcount_visit_marker_failures_total",
		Help: "Total accepted visits whose dedup marker could not be written",
	})

	m.operationErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "weekcount_operation_errors_total",
		Help: "Total failed counter operations by operation",
	}, []string{"op"})

	if r != nil {
		r.MustRegister(m.increments, m.deduplicated, m.markerFailures, m.operationErrors)
	}
	return &m
}

// Package metrics exposes Prometheus counters for ingestion, bidding and
// case lifecycle transitions. A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sells-group/jurishealth/internal/model"
)

const namespace = "jurishealth"

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	runs        *prometheus.CounterVec
	runDuration prometheus.Histogram
	records     *prometheus.CounterVec
	attempts    *prometheus.CounterVec
	bids        *prometheus.CounterVec
	transitions *prometheus.CounterVec
}

// New creates and registers all collectors, plus the Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "runs_total",
			Help:      "Ingestion runs by trigger and outcome.",
		}, []string{"trigger", "outcome"}),
		runDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "run_duration_seconds",
			Help:      "Wall time of closed ingestion runs.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200, 3600},
		}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "records_total",
			Help:      "Records processed per source by dedup result.",
		}, []string{"origin", "result"}),
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "fetch_attempts_total",
			Help:      "Source fetch attempts including retries.",
		}, []string{"origin"}),
		bids: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bidding",
			Name:      "submissions_total",
			Help:      "Bid submissions by result.",
		}, []string{"result"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cases",
			Name:      "transitions_total",
			Help:      "Audited case transitions by action.",
		}, []string{"action"}),
	}
	m.registry.MustRegister(
		m.runs, m.runDuration, m.records, m.attempts, m.bids, m.transitions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveRun records a closed (or skipped) run.
func (m *Metrics) ObserveRun(run *model.IngestionRun) {
	if m == nil || run == nil {
		return
	}
	m.runs.WithLabelValues(string(run.Trigger), string(run.Outcome)).Inc()
	if run.Closed() {
		m.runDuration.Observe(run.Duration().Seconds())
	}
	for origin, res := range run.Sources {
		o := string(origin)
		m.records.WithLabelValues(o, "new").Add(float64(res.Counts.New))
		m.records.WithLabelValues(o, "updated").Add(float64(res.Counts.Updated))
		m.records.WithLabelValues(o, "duplicate").Add(float64(res.Counts.Duplicate))
		m.records.WithLabelValues(o, "conflict").Add(float64(res.Counts.Conflicts))
		m.records.WithLabelValues(o, "rejected").Add(float64(res.Counts.Rejected))
		m.attempts.WithLabelValues(o).Add(float64(res.Attempts))
	}
}

// BidResult counts a bid submission outcome ("accepted", "replaced" or an
// error code).
func (m *Metrics) BidResult(result string) {
	if m == nil {
		return
	}
	m.bids.WithLabelValues(result).Inc()
}

// Transition counts an audited case transition.
func (m *Metrics) Transition(action model.AuditAction) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(string(action)).Inc()
}

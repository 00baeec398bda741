package handler

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/stevemurr/bionexo-migrate/session"
)

const namespace = "bionexo_migrate"

// Metrics are the Prometheus collectors of the admin API, registered on a
// private registry.
type Metrics struct {
	Registry *prometheus.Registry

	examined *prometheus.CounterVec
	modified *prometheus.CounterVec
	errors   *prometheus.CounterVec
	storage  *prometheus.CounterVec
	runs     *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

// NewMetrics creates and registers the collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		examined: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_examined_total",
			Help:      "Documents examined by migration commands.",
		}, []string{"command", "collection"}),
		modified: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "documents_modified_total",
			Help:      "Documents modified, or that would be modified in a dry run.",
		}, []string{"command", "collection", "mode"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "document_errors_total",
			Help:      "Per-document failures.",
		}, []string{"command", "collection"}),
		storage: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "storage_migrations_total",
			Help:      "Storage model migrations by terminal state.",
		}, []string{"collection", "state"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Migration runs by command, mode and result.",
		}, []string{"command", "mode", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of migration runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"command"}),
	}
	m.Registry.MustRegister(m.examined, m.modified, m.errors, m.storage, m.runs, m.duration)
	return m
}

func modeLabel(dryRun bool) string {
	if dryRun {
		return "dry-run"
	}
	return "apply"
}

// observe records one finished collection. It is the controller's
// OnSummary hook.
func (m *Metrics) observe(dryRun bool) func(session.Command, session.Summary) {
	return func(cmd session.Command, s session.Summary) {
		c := string(cmd)
		m.examined.WithLabelValues(c, s.Collection).Add(float64(s.Total))
		m.modified.WithLabelValues(c, s.Collection, modeLabel(dryRun)).Add(float64(s.Modified))
		m.errors.WithLabelValues(c, s.Collection).Add(float64(s.Errors))
		if s.Storage != nil {
			m.storage.WithLabelValues(s.Collection, string(s.Storage.State)).Inc()
		}
	}
}

func (m *Metrics) observeRun(rep *session.Report) {
	result := "ok"
	if rep.Failed() {
		result = "failed"
	}
	m.runs.WithLabelValues(string(rep.Command), modeLabel(rep.DryRun), result).Inc()
	m.duration.WithLabelValues(string(rep.Command)).Observe(rep.Finished.Sub(rep.Started).Seconds())
}

// Package metrics exposes poller counters in the Prometheus text format.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"podlocator/go-poller/internal/model"
	"podlocator/go-poller/internal/scheduler"
)

const namespace = "podlocator"

// Metrics holds the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	rounds        prometheus.Counter
	outcomes      *prometheus.CounterVec
	roundDuration prometheus.Histogram
	duplicates    prometheus.Counter
	lastSuccess   *prometheus.GaugeVec
	persists      *prometheus.CounterVec
}

// New registers all collectors, plus the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		rounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rounds_total",
			Help:      "Polling rounds started.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Per-accessory and round-level outcomes by kind.",
		}, []string{"kind"}),
		roundDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "round_duration_seconds",
			Help:      "Wall time of a polling round.",
			Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		duplicates: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_entries_total",
			Help:      "Success rows rejected because (part, timestamp) already existed.",
		}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Report time of the most recent location per accessory.",
		}, []string{"part"}),
		persists: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_persist_total",
			Help:      "Session file writes by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.rounds,
		m.outcomes,
		m.roundDuration,
		m.duplicates,
		m.lastSuccess,
		m.persists,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// RoundCompleted implements scheduler.Listener.
func (m *Metrics) RoundCompleted(_ context.Context, round scheduler.Round) {
	m.rounds.Inc()
	m.roundDuration.Observe(round.Duration.Seconds())
	m.duplicates.Add(float64(round.Duplicates))

	if round.Err != nil && round.ErrOutcome != "" {
		m.outcomes.WithLabelValues(string(round.ErrOutcome)).Inc()
	}
	for _, res := range round.Results {
		m.outcomes.WithLabelValues(string(res.Outcome)).Inc()
		if res.Outcome == model.OutcomeSuccess && res.Location != nil {
			m.lastSuccess.WithLabelValues(res.Part).Set(float64(res.Location.Timestamp.Unix()))
		}
	}
}

// ObservePersist counts a session write. It matches session.Manager.OnPersist.
func (m *Metrics) ObservePersist(err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.persists.WithLabelValues(result).Inc()
}

// Handler serves the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}


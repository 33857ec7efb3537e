package dispatch

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/remotelabz/remotelabz-worker-sub000/internal/models"
)

// Metrics collects Prometheus counters and histograms for the worker.
type Metrics struct {
	registry              *prometheus.Registry
	actionsTotal          *prometheus.CounterVec
	actionDurationSeconds *prometheus.HistogramVec
	decodeFailuresTotal   prometheus.Counter
	publishFailuresTotal  prometheus.Counter
}

// NewMetrics constructs a metrics registry and registers all collectors.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	actionsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "remotelabz_worker",
			Subsystem: "dispatch",
			Name:      "actions_total",
			Help:      "Total number of dispatched actions by outcome state.",
		},
		[]string{"action", "state"},
	)
	actionDurationSeconds := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "remotelabz_worker",
			Subsystem: "dispatch",
			Name:      "action_duration_seconds",
			Help:      "Time spent handling one action request.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"action"},
	)
	decodeFailuresTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "remotelabz_worker",
			Subsystem: "bus",
			Name:      "decode_failures_total",
			Help:      "Inbound messages dropped because they could not be decoded.",
		},
	)
	publishFailuresTotal := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "remotelabz_worker",
			Subsystem: "bus",
			Name:      "publish_failures_total",
			Help:      "Outcome reports that could not be published.",
		},
	)

	registry.MustRegister(
		actionsTotal,
		actionDurationSeconds,
		decodeFailuresTotal,
		publishFailuresTotal,
	)

	return &Metrics{
		registry:              registry,
		actionsTotal:          actionsTotal,
		actionDurationSeconds: actionDurationSeconds,
		decodeFailuresTotal:   decodeFailuresTotal,
		publishFailuresTotal:  publishFailuresTotal,
	}
}

// Handler returns an HTTP handler that serves the metrics registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the registry for tests and extra collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) IncAction(action models.Action, state models.State) {
	if m == nil {
		return
	}
	m.actionsTotal.WithLabelValues(actionLabel(action), string(state)).Inc()
}

func (m *Metrics) ObserveAction(action models.Action, duration time.Duration) {
	if m == nil {
		return
	}
	seconds := duration.Seconds()
	if seconds < 0 {
		return
	}
	m.actionDurationSeconds.WithLabelValues(actionLabel(action)).Observe(seconds)
}

func (m *Metrics) IncDecodeFailure() {
	if m == nil {
		return
	}
	m.decodeFailuresTotal.Inc()
}

func (m *Metrics) IncPublishFailure() {
	if m == nil {
		return
	}
	m.publishFailuresTotal.Inc()
}

// actionLabel bounds label cardinality to the known verbs.
func actionLabel(action models.Action) string {
	if action.Valid() {
		return string(action)
	}
	return "unknown"
}

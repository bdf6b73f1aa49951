// Package metrics exposes Prometheus collectors for the chat service. All
// methods are safe on a nil *Metrics so components can run without it.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	eventsPublished  *prometheus.CounterVec
	deliveryFailures prometheus.Counter
	activeSessions   prometheus.Gauge
	subscriptions    prometheus.Gauge
	commands         *prometheus.CounterVec
	rateLimited      prometheus.Counter
	sweepRemoved     *prometheus.CounterVec
	mentionsExported prometheus.Counter
	exportFailures   prometheus.Counter
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		eventsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "events_published_total",
			Help:      "Events fanned out by the broker, by event type.",
		}, []string{"type"}),
		deliveryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "delivery_failures_total",
			Help:      "Events that could not be handed to a session.",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat",
			Name:      "active_sessions",
			Help:      "Open client sessions.",
		}),
		subscriptions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat",
			Name:      "channel_subscriptions",
			Help:      "Active channel subscriptions across all sessions.",
		}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "commands_total",
			Help:      "Client commands handled, by command and outcome category.",
		}, []string{"command", "outcome"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "commands_rate_limited_total",
			Help:      "Client commands rejected by the per-session limiter.",
		}),
		sweepRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "sweep_removed_total",
			Help:      "Stale ephemeral records converged by background sweeps.",
		}, []string{"kind"}),
		mentionsExported: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "mentions_exported_total",
			Help:      "Mention notifications delivered to Kafka.",
		}),
		exportFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat",
			Name:      "mention_export_failures_total",
			Help:      "Mention notifications that failed to reach Kafka.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.eventsPublished,
		m.deliveryFailures,
		m.activeSessions,
		m.subscriptions,
		m.commands,
		m.rateLimited,
		m.sweepRemoved,
		m.mentionsExported,
		m.exportFailures,
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry is exposed for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) EventPublished(eventType string) {
	if m == nil {
		return
	}
	m.eventsPublished.WithLabelValues(eventType).Inc()
}

func (m *Metrics) DeliveryFailed() {
	if m == nil {
		return
	}
	m.deliveryFailures.Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *Metrics) Subscribed() {
	if m == nil {
		return
	}
	m.subscriptions.Inc()
}

func (m *Metrics) Unsubscribed() {
	if m == nil {
		return
	}
	m.subscriptions.Dec()
}

func (m *Metrics) Command(command, outcome string) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, outcome).Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) SweepRemoved(kind string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.sweepRemoved.WithLabelValues(kind).Add(float64(n))
}

func (m *Metrics) MentionsExported(n int) {
	if m == nil || n == 0 {
		return
	}
	m.mentionsExported.Add(float64(n))
}

func (m *Metrics) ExportFailed() {
	if m == nil {
		return
	}
	m.exportFailures.Inc()
}

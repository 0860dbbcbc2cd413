// Package metrics exposes Prometheus collectors for the relay pipeline.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tgrelay/internal/domain"
)

const namespace = "tgrelay"

// NewRegistry creates a Prometheus registry with Go runtime and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return reg
}

// Handler returns an http.Handler that serves Prometheus metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Metrics holds the relay's counters and histograms.
type Metrics struct {
	MessagesReceived *prometheus.CounterVec
	EventsRelayed    prometheus.Counter
	EventsDropped    prometheus.Counter
	Deliveries       *prometheus.CounterVec
	DeliveryDuration prometheus.Histogram
	SessionState     *prometheus.GaugeVec
}

// New creates and registers the relay metrics on reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_received_total",
			Help:      "Inbound messages observed on the session, by origin.",
		}, []string{"origin"}),
		EventsRelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_relayed_total",
			Help:      "Relay events handed to the dispatcher.",
		}),
		EventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Relay events dropped because the dispatch queue stayed full.",
		}),
		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Webhook delivery attempts, by outcome.",
		}, []string{"outcome"}),
		DeliveryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "webhook",
			Name:      "delivery_duration_seconds",
			Help:      "Duration of webhook delivery attempts in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		SessionState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "state",
			Help:      "1 for the current session connection state, 0 otherwise.",
		}, []string{"state"}),
	}
	reg.MustRegister(m.MessagesReceived, m.EventsRelayed, m.EventsDropped, m.Deliveries, m.DeliveryDuration, m.SessionState)
	return m
}

func (m *Metrics) MessageReceived(origin domain.Origin) {
	if m == nil {
		return
	}
	m.MessagesReceived.WithLabelValues(string(origin)).Inc()
}

func (m *Metrics) EventRelayed() {
	if m == nil {
		return
	}
	m.EventsRelayed.Inc()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.EventsDropped.Inc()
}

func (m *Metrics) Delivery(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(outcome).Inc()
	m.DeliveryDuration.Observe(d.Seconds())
}

// SetSessionState marks state as current and clears the others.
func (m *Metrics) SetSessionState(state domain.ConnState) {
	if m == nil {
		return
	}
	for _, s := range []domain.ConnState{domain.StateDisconnected, domain.StateConnecting, domain.StateConnected, domain.StateFailed} {
		v := 0.0
		if s == state {
			v = 1
		}
		m.SessionState.WithLabelValues(string(s)).Set(v)
	}
}

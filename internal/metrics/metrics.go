// Package metrics exposes Prometheus collectors for PTY sessions.
//
// A nil *Metrics is valid and records nothing, so the session core can be
// used without a registry.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Expect outcomes.
const (
	OutcomeMatch     = "match"
	OutcomeNoMatch   = "no_match"
	OutcomeCancelled = "cancelled"
)

// Chunk results.
const (
	ChunkDispatched = "dispatched"
	ChunkDropped    = "dropped"
)

// Metrics holds all session collectors.
type Metrics struct {
	SessionsOpen    prometheus.Gauge
	Chunks          *prometheus.CounterVec
	BytesRead       prometheus.Counter
	Expects         *prometheus.CounterVec
	WaitersPending  prometheus.Gauge
	ListenerMatches prometheus.Counter
}

// New registers the session collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		SessionsOpen: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ptykit_sessions_open",
				Help: "Number of open PTY sessions",
			},
		),
		Chunks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ptykit_chunks_total",
				Help: "Chunks read from host descriptors",
			},
			[]string{"result"},
		),
		BytesRead: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ptykit_bytes_read_total",
				Help: "Bytes read from host descriptors",
			},
		),
		Expects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ptykit_expect_total",
				Help: "Completed expect calls by outcome",
			},
			[]string{"outcome"},
		),
		WaitersPending: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "ptykit_waiters_pending",
				Help: "Expect waiters currently registered",
			},
		),
		ListenerMatches: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ptykit_listener_matches_total",
				Help: "Chunks delivered to listeners",
			},
		),
	}
}

// Handler serves the metrics gathered by g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsOpen.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.SessionsOpen.Dec()
}

// ChunkRead records n bytes read and whether the chunk reached the matchers.
func (m *Metrics) ChunkRead(n int, result string) {
	if m == nil {
		return
	}
	m.BytesRead.Add(float64(n))
	m.Chunks.WithLabelValues(result).Inc()
}

func (m *Metrics) WaiterAdded() {
	if m == nil {
		return
	}
	m.WaitersPending.Inc()
}

func (m *Metrics) WaiterRemoved() {
	if m == nil {
		return
	}
	m.WaitersPending.Dec()
}

func (m *Metrics) ExpectDone(outcome string) {
	if m == nil {
		return
	}
	m.Expects.WithLabelValues(outcome).Inc()
}

func (m *Metrics) ListenerMatched() {
	if m == nil {
		return
	}
	m.ListenerMatches.Inc()
}

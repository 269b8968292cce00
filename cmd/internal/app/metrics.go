package app

import (
	"net/http"

	"biostream/cmd/internal/session"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the daemon's collectors on a private registry.
// It satisfies realtime.HubObserver.
type Metrics struct {
	reg *prometheus.Registry

	tokenFetches   *prometheus.CounterVec
	streamStarts   *prometheus.CounterVec
	delivered      *prometheus.CounterVec
	dropped        *prometheus.CounterVec
	feedDropped    *prometheus.CounterVec
	transportState *prometheus.GaugeVec
	viewers        prometheus.Gauge
}

// NewMetrics registers all collectors plus the Go and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		tokenFetches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "biostream",
			Name:      "token_fetch_total",
			Help:      "Auth token fetches by endpoint and result.",
		}, []string{"endpoint", "result"}),
		streamStarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "biostream",
			Name:      "stream_start_total",
			Help:      "Stream start attempts by transport and result.",
		}, []string{"transport", "result"}),
		delivered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "biostream",
			Name:      "updates_delivered_total",
			Help:      "Sensor updates delivered to the active stream handler.",
		}, []string{"transport"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "biostream",
			Name:      "updates_dropped_total",
			Help:      "Sensor updates discarded after their stream stopped.",
		}, []string{"transport"}),
		feedDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "biostream",
			Name:      "feed_dropped_total",
			Help:      "Viewer feed envelopes dropped on full viewer queues.",
		}, []string{"transport"}),
		transportState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "biostream",
			Name:      "transport_state",
			Help:      "Current transport state (0 idle, 1 scanning, 2 connected, 3 streaming).",
		}, []string{"transport"}),
		viewers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "biostream",
			Name:      "viewers",
			Help:      "Connected viewer feed clients.",
		}),
	}

	m.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.tokenFetches,
		m.streamStarts,
		m.delivered,
		m.dropped,
		m.feedDropped,
		m.transportState,
		m.viewers,
	)

	for _, t := range session.Transports {
		m.transportState.WithLabelValues(t.String()).Set(float64(session.StateIdle))
	}
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}

// Registry exposes the underlying registry (tests).
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

func (m *Metrics) TokenFetched(endpoint string, err error) {
	m.tokenFetches.WithLabelValues(endpoint, resultLabel(err)).Inc()
}

func (m *Metrics) StreamStarted(t session.Transport, err error) {
	m.streamStarts.WithLabelValues(t.String(), resultLabel(err)).Inc()
}

func (m *Metrics) Delivered(t session.Transport) {
	m.delivered.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) Dropped(t session.Transport) {
	m.dropped.WithLabelValues(t.String()).Inc()
}

func (m *Metrics) StateChanged(t session.Transport, st session.State) {
	m.transportState.WithLabelValues(t.String()).Set(float64(st))
}

// ViewersChanged implements realtime.HubObserver.
func (m *Metrics) ViewersChanged(n int) { m.viewers.Set(float64(n)) }

// FeedDropped implements realtime.HubObserver.
func (m *Metrics) FeedDropped(t session.Transport) {
	m.feedDropped.WithLabelValues(t.String()).Inc()
}

func resultLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

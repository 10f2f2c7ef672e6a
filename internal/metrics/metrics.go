// Package metrics exposes the coordinator's Prometheus instruments.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "matchboard"

// Metrics owns a private registry so tests can build as many as they like.
// All methods are safe on a nil receiver.
type Metrics struct {
	registry *prometheus.Registry

	requestsSubmitted prometheus.Counter
	outcomes          *prometheus.CounterVec
	cancelsIgnored    prometheus.Counter
	directoryWrites   *prometheus.CounterVec
	directoryRetries  *prometheus.CounterVec
	teardowns         prometheus.Counter
	handoffs          *prometheus.CounterVec
	messagesDropped   *prometheus.CounterVec
	roomsEmptied      prometheus.Counter
	gatewayFrames     *prometheus.CounterVec
	deliveries        *prometheus.CounterVec
}

// New registers every instrument plus the Go runtime collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requestsSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_submitted_total",
			Help:      "Match requests accepted by the matcher.",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outcomes_total",
			Help:      "Terminal outcomes produced by the matcher.",
		}, []string{"kind", "trigger"}),
		cancelsIgnored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cancels_not_pending_total",
			Help:      "Cancels that arrived after the request was already consumed.",
		}),
		directoryWrites: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directory_writes_total",
			Help:      "Directory transactions by operation and result.",
		}, []string{"op", "result"}),
		directoryRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "directory_retries_total",
			Help:      "Directory transaction retries by operation.",
		}, []string{"op"}),
		teardowns: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "teardowns_total",
			Help:      "Room emptied events applied to the directory.",
		}),
		handoffs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handoffs_total",
			Help:      "Content handoffs by result.",
		}, []string{"result"}),
		messagesDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_dropped_total",
			Help:      "Broker messages acknowledged without processing.",
		}, []string{"route", "reason"}),
		roomsEmptied: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rooms_emptied_total",
			Help:      "Room emptied events published by the presence tracker.",
		}),
		gatewayFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_frames_total",
			Help:      "Client frames received by the gateway by type and result.",
		}, []string{"type", "result"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "result_deliveries_total",
			Help:      "Outcome frames written to client sockets by frame and result.",
		}, []string{"frame", "result"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.requestsSubmitted,
		m.outcomes,
		m.cancelsIgnored,
		m.directoryWrites,
		m.directoryRetries,
		m.teardowns,
		m.handoffs,
		m.messagesDropped,
		m.roomsEmptied,
		m.gatewayFrames,
		m.deliveries,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RegisterGauge exposes a value read on every scrape, such as the pool size.
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func (m *Metrics) RequestSubmitted() {
	if m == nil {
		return
	}
	m.requestsSubmitted.Inc()
}

// Outcome counts a terminal outcome; trigger is "arrival", "expiry" or "cancel".
func (m *Metrics) Outcome(kind, trigger string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(kind, trigger).Inc()
}

func (m *Metrics) CancelIgnored() {
	if m == nil {
		return
	}
	m.cancelsIgnored.Inc()
}

func (m *Metrics) DirectoryWrite(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.directoryWrites.WithLabelValues(op, result).Inc()
}

func (m *Metrics) DirectoryRetry(op string) {
	if m == nil {
		return
	}
	m.directoryRetries.WithLabelValues(op).Inc()
}

func (m *Metrics) Teardown() {
	if m == nil {
		return
	}
	m.teardowns.Inc()
}

// Handoff counts "announced", "expired" or "late" content handoffs.
func (m *Metrics) Handoff(result string) {
	if m == nil {
		return
	}
	m.handoffs.WithLabelValues(result).Inc()
}

func (m *Metrics) MessageDropped(route, reason string) {
	if m == nil {
		return
	}
	m.messagesDropped.WithLabelValues(route, reason).Inc()
}

func (m *Metrics) RoomEmptied() {
	if m == nil {
		return
	}
	m.roomsEmptied.Inc()
}

// GatewayFrame counts a client frame; result is "accepted", "rate_limited",
// "invalid" or "error".
func (m *Metrics) GatewayFrame(frameType, result string) {
	if m == nil {
		return
	}
	m.gatewayFrames.WithLabelValues(frameType, result).Inc()
}

// Delivery counts an outcome frame; result is "delivered" or "no_connection".
func (m *Metrics) Delivery(frame, result string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(frame, result).Inc()
}

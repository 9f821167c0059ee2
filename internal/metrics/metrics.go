// Package metrics exposes the authority's Prometheus collectors on a private
// registry. All methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the authority collectors.
type Metrics struct {
	reg *prometheus.Registry

	requests      *prometheus.CounterVec
	latency       *prometheus.HistogramVec
	actuations    *prometheus.CounterVec
	level         *prometheus.GaugeVec
	temperature   prometheus.Gauge
	sensorErrors  prometheus.Counter
	sessions      *prometheus.CounterVec
	connections   prometheus.Gauge
	eventsDropped prometheus.Gauge
}

// New creates and registers the collectors, plus the Go runtime and process
// collectors.
func New() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marimo_requests_total",
			Help: "Protocol requests handled, by op and result code.",
		}, []string{"op", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "marimo_request_duration_seconds",
			Help:    "Time to handle a protocol request.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"op"}),
		actuations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marimo_actuations_total",
			Help: "Pin writes, by line and result.",
		}, []string{"line", "result"}),
		level: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "marimo_actuator_level",
			Help: "Actuator level: 1 on, 0 off, -1 unknown.",
		}, []string{"line"}),
		temperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "marimo_temperature_celsius",
			Help: "Last tank temperature read.",
		}),
		sensorErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marimo_sensor_errors_total",
			Help: "Failed or timed out thermometer reads.",
		}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "marimo_sessions_total",
			Help: "Session lifecycle events, by event.",
		}, []string{"event"}),
		connections: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "marimo_connections",
			Help: "Open client connections.",
		}),
		eventsDropped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "marimo_events_dropped",
			Help: "Events dropped because the publisher fell behind.",
		}),
	}
	m.reg.MustRegister(
		m.requests, m.latency, m.actuations, m.level, m.temperature,
		m.sensorErrors, m.sessions, m.connections, m.eventsDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// Request records one handled request. result is "ok" or the error code.
func (m *Metrics) Request(op, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(op, result).Inc()
	m.latency.WithLabelValues(op).Observe(took.Seconds())
}

// Actuation records a pin write. result is "ok", "failed" or "timeout".
func (m *Metrics) Actuation(line, result string) {
	if m == nil {
		return
	}
	m.actuations.WithLabelValues(line, result).Inc()
}

// Level records a line's level: "ON", "OFF" or anything else for unknown.
func (m *Metrics) Level(line, level string) {
	if m == nil {
		return
	}
	v := -1.0
	switch level {
	case "ON":
		v = 1
	case "OFF":
		v = 0
	}
	m.level.WithLabelValues(line).Set(v)
}

// Temperature records a successful sensor read.
func (m *Metrics) Temperature(c float64) {
	if m == nil {
		return
	}
	m.temperature.Set(c)
}

// SensorError counts a failed sensor read.
func (m *Metrics) SensorError() {
	if m == nil {
		return
	}
	m.sensorErrors.Inc()
}

// Session counts a session event: "acquired", "released", "lost" or "preempted".
func (m *Metrics) Session(event string) {
	if m == nil {
		return
	}
	m.sessions.WithLabelValues(event).Inc()
}

// ConnOpened and ConnClosed track open connections.
func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.connections.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.connections.Dec()
}

// EventsDropped records the dispatcher's drop count.
func (m *Metrics) EventsDropped(n uint64) {
	if m == nil {
		return
	}
	m.eventsDropped.Set(float64(n))
}

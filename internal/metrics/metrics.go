// Package metrics holds the Prometheus collectors of the ingestion pipeline.
//
//   - listener_frames_total{kind}               classified inbound frames
//   - listener_sessions_total{result}           finished sessions (streaming|failed|fatal|canceled)
//   - listener_session_state                    current session state as an ordinal
//   - reconcile_actions_total{stream,action}    create|update|close|duplicate|stale|noop
//   - reconcile_errors_total{stream}            events skipped on persistence failure
//   - relay_publish_total{result}               sent|failed|dropped
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is the set of pipeline collectors registered on one registry.
type Metrics struct {
	registry *prometheus.Registry

	Frames           *prometheus.CounterVec
	Sessions         *prometheus.CounterVec
	SessionState     prometheus.Gauge
	ReconcileActions *prometheus.CounterVec
	ReconcileErrors  *prometheus.CounterVec
	RelayPublish     *prometheus.CounterVec
}

// New creates the collectors on a fresh registry that also carries the Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Frames: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listener_frames_total",
				Help: "Inbound frames by classified kind",
			},
			[]string{"kind"},
		),
		Sessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "listener_sessions_total",
				Help: "Finished streaming sessions by result",
			},
			[]string{"result"},
		),
		SessionState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "listener_session_state",
				Help: "Current session state (0 disconnected .. 5 closed)",
			},
		),
		ReconcileActions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconcile_actions_total",
				Help: "Reconciliation outcomes by stream and action",
			},
			[]string{"stream", "action"},
		),
		ReconcileErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "reconcile_errors_total",
				Help: "Events skipped after a persistence failure",
			},
			[]string{"stream"},
		),
		RelayPublish: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "relay_publish_total",
				Help: "Downstream relay publishes by result",
			},
			[]string{"result"},
		),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Frames,
		m.Sessions,
		m.SessionState,
		m.ReconcileActions,
		m.ReconcileErrors,
		m.RelayPublish,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

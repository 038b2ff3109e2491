// Package xmetrics exposes the service's Prometheus instrumentation: one
// registry carrying the command, supervisor and device gauges, plus the
// /metrics handler.
package xmetrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Namespace prefixes every metric this service emits.
const Namespace = "byteautoui"

// Metrics is the set of instruments shared across the HTTP layer and the
// device supervisors.
type Metrics struct {
	registry *prometheus.Registry

	// Commands counts dispatched commands by name, platform and outcome.
	Commands *prometheus.CounterVec

	// WDARestarts counts health-monitor initiated WDA restart attempts.
	WDARestarts prometheus.Counter

	// ActiveDevices tracks live driver instances per platform.
	ActiveDevices *prometheus.GaugeVec
}

// New builds a Metrics with all instruments registered, alongside the
// standard Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		Commands: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "commands_total",
				Help:      "dispatched device commands",
			},
			[]string{"command", "platform", "outcome"},
		),
		WDARestarts: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: Namespace,
				Name:      "wda_restarts_total",
				Help:      "WDA restart attempts triggered by the health monitor",
			},
		),
		ActiveDevices: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: Namespace,
				Name:      "active_devices",
				Help:      "live driver instances",
			},
			[]string{"platform"},
		),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.Commands,
		m.WDARestarts,
		m.ActiveDevices,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveCommand records one dispatch outcome.
func (m *Metrics) ObserveCommand(command, platform string, err error) {
	outcome := "success"
	if err != nil {
		outcome = "error"
	}
	m.Commands.WithLabelValues(command, platform, outcome).Inc()
}

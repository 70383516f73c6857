package main

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics for the roots watcher daemon
type Metrics struct {
	rootsReloads prometheus.Counter
	rootsBytes   prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		rootsReloads: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "credcheck_roots_reloads_total",
				Help: "Total number of default root bundle reloads",
			},
		),

		rootsBytes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "credcheck_roots_bytes",
				Help: "Size in bytes of the current default root bundle",
			},
		),

		registry: registry,
	}

	registry.MustRegister(m.rootsReloads)
	registry.MustRegister(m.rootsBytes)
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// RecordRootsReload records a reload of the default root bundle
func (m *Metrics) RecordRootsReload(sizeBytes int) {
	m.rootsReloads.Inc()
	m.rootsBytes.Set(float64(sizeBytes))
}

// Handler returns an HTTP handler exposing the metrics
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

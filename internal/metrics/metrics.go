// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes transfer counters over Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector implements hfdown.Metrics on top of a private registry.
type Collector struct {
	registry *prometheus.Registry

	bytes    prometheus.Counter
	tasks    *prometheus.CounterVec
	inFlight prometheus.Gauge
}

// NewCollector builds and registers the collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		bytes: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "hfdown_download_bytes_total",
			Help: "Total bytes downloaded",
		}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "hfdown_tasks_total",
			Help: "Finished transfer tasks by protocol and result",
		}, []string{"protocol", "result"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "hfdown_files_inflight",
			Help: "Files currently being transferred",
		}),
	}
	c.registry.MustRegister(c.bytes, c.tasks, c.inFlight)
	return c
}

func (c *Collector) AddBytes(n int64) {
	c.bytes.Add(float64(n))
}

func (c *Collector) ObserveTask(protocol string, success bool) {
	if protocol == "" {
		protocol = "none"
	}
	result := "ok"
	if !success {
		result = "error"
	}
	c.tasks.WithLabelValues(protocol, result).Inc()
}

func (c *Collector) SetInFlight(n int) {
	c.inFlight.Set(float64(n))
}

// Serve starts an HTTP listener exposing /metrics until the process ends.
func (c *Collector) Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}

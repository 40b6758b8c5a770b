// Copyright 2026 The Weaver Authors
// SPDX-License-Identifier: Apache-2.0

// Package metrics exposes the instance's Prometheus instrumentation.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the collectors of one instance.
type Metrics struct {
	registry *prometheus.Registry

	JobsSubmitted *prometheus.CounterVec
	JobsFinished  *prometheus.CounterVec
	JobDuration   prometheus.Histogram
	StepDuration  *prometheus.HistogramVec
	QueueDepth    prometheus.Gauge

	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates a registry with the process collectors and the weaver
// instrumentation.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		JobsSubmitted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "weaver_jobs_submitted_total",
			Help: "Jobs accepted for execution, by requested mode.",
		}, []string{"mode"}),
		JobsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "weaver_jobs_finished_total",
			Help: "Jobs reaching a terminal status.",
		}, []string{"status"}),
		JobDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "weaver_job_duration_seconds",
			Help:    "End-to-end job execution time.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 14),
		}),
		StepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "weaver_step_duration_seconds",
			Help:    "Per-step execution time, by runner.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"runner"}),
		QueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Name: "weaver_queue_depth",
			Help: "Jobs waiting in the pending queue.",
		}),
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "weaver_http_requests_total",
			Help: "API requests, by method, route pattern and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "weaver_http_request_duration_seconds",
			Help:    "API request latency, by route pattern.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Handler serves the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// statusRecorder captures the response code for instrumentation.
type statusRecorder struct {
	http.ResponseWriter
	code int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.code = code
	r.ResponseWriter.WriteHeader(code)
}

// Instrument wraps a handler with request counting and latency capture.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, code: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)

		route := r.Pattern
		if route == "" {
			route = "unmatched"
		}
		m.httpRequests.WithLabelValues(r.Method, route, strconv.Itoa(rec.code)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

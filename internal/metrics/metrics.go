// Copyright (c) 2025 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

// Package metrics exposes router counters in Prometheus format.
//
// All recording methods are safe to call on a nil *Metrics, so components can
// be constructed without metrics in tests.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "datarouter"

// Metrics holds the router collectors and the private registry they live in.
type Metrics struct {
	registry *prometheus.Registry

	writes              *prometheus.CounterVec
	reads               *prometheus.CounterVec
	notifications       prometheus.Counter
	sessions            prometheus.Gauge
	queueDropped        *prometheus.CounterVec
	upstreamSent        *prometheus.CounterVec
	upstreamErrors      *prometheus.CounterVec
	persistenceFailures *prometheus.CounterVec
}

// New creates the collectors and registers them, plus Go runtime metrics.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		writes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "writes_total",
			Help:      "Committed writes by value type.",
		}, []string{"type"}),
		reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reads_total",
			Help:      "Reads by result.",
		}, []string{"result"}),
		notifications: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_total",
			Help:      "Update handler invocations.",
		}),
		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Sessions currently registered.",
		}),
		queueDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "push_queue_dropped_total",
			Help:      "Push requests dropped because the outstanding queue was full.",
		}, []string{"protocol"}),
		upstreamSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_sent_total",
			Help:      "Values delivered upstream.",
		}, []string{"protocol"}),
		upstreamErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "upstream_errors_total",
			Help:      "Upstream delivery failures.",
		}, []string{"protocol"}),
		persistenceFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persistence_failures_total",
			Help:      "Failed persistence substrate operations.",
		}, []string{"substrate"}),
	}

	m.registry.MustRegister(
		m.writes,
		m.reads,
		m.notifications,
		m.sessions,
		m.queueDropped,
		m.upstreamSent,
		m.upstreamErrors,
		m.persistenceFailures,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler serving the registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Serve exposes /metrics on addr until ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	slog.Info("Serving metrics", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (m *Metrics) Write(typ string) {
	if m == nil {
		return
	}
	m.writes.WithLabelValues(typ).Inc()
}

func (m *Metrics) Read(result string) {
	if m == nil {
		return
	}
	m.reads.WithLabelValues(result).Inc()
}

func (m *Metrics) Notified(n int) {
	if m == nil || n == 0 {
		return
	}
	m.notifications.Add(float64(n))
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessions.Inc()
}

func (m *Metrics) SessionRemoved() {
	if m == nil {
		return
	}
	m.sessions.Dec()
}

func (m *Metrics) QueueDropped(protocol string) {
	if m == nil {
		return
	}
	m.queueDropped.WithLabelValues(protocol).Inc()
}

func (m *Metrics) UpstreamSent(protocol string) {
	if m == nil {
		return
	}
	m.upstreamSent.WithLabelValues(protocol).Inc()
}

func (m *Metrics) UpstreamError(protocol string) {
	if m == nil {
		return
	}
	m.upstreamErrors.WithLabelValues(protocol).Inc()
}

func (m *Metrics) PersistenceFailure(substrate string) {
	if m == nil {
		return
	}
	m.persistenceFailures.WithLabelValues(substrate).Inc()
}

// Package metrics exposes Prometheus instrumentation for the terminal
// backend: transport attempts and retries, cache writes and stale reads,
// poll cycles, and order outcomes.
package metrics

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the collectors behind a private registry. A nil *Metrics is
// valid everywhere; record methods become no-ops, which keeps tests and
// metric-less deployments free of wiring.
type Metrics struct {
	registry *prometheus.Registry
	logger   log.Logger

	requestsTotal   *prometheus.CounterVec
	requestRetries  prometheus.Counter
	requestDuration prometheus.Histogram

	cacheWrites prometheus.Counter
	staleReads  prometheus.Counter

	pollCycles  prometheus.Counter
	pollBatches prometheus.Counter
	pollSkips   prometheus.Counter

	ordersSubmitted  prometheus.Counter
	ordersReconciled prometheus.Counter
	ordersRejected   prometheus.Counter
	ordersUnknown    prometheus.Counter

	server *http.Server
}

// New creates metrics under the given namespace.
func New(namespace string, logger log.Logger) *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		logger:   logger,

		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Upstream HTTP requests by method and outcome",
		}, []string{"method", "outcome"}),

		requestRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_request_retries_total",
			Help:      "Retried upstream HTTP attempts",
		}),

		requestDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Upstream HTTP request duration",
			Buckets:   prometheus.DefBuckets,
		}),

		cacheWrites: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quote_cache_writes_total",
			Help:      "Writes into the quote cache from any source",
		}),

		staleReads: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "quote_stale_reads_total",
			Help:      "Quote reads that were classified stale",
		}),

		pollCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_cycles_total",
			Help:      "Completed polling cycles",
		}),

		pollBatches: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_batches_total",
			Help:      "Batched quote requests issued",
		}),

		pollSkips: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_skipped_ticks_total",
			Help:      "Poll ticks skipped because a cycle was in flight",
		}),

		ordersSubmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_submitted_total",
			Help:      "Optimistic order submissions",
		}),

		ordersReconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_reconciled_total",
			Help:      "Orders reconciled to a server id",
		}),

		ordersRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_rejected_total",
			Help:      "Orders marked rejected",
		}),

		ordersUnknown: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_unknown_total",
			Help:      "Orders flagged unknown after the acknowledgement window",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestRetries,
		m.requestDuration,
		m.cacheWrites,
		m.staleReads,
		m.pollCycles,
		m.pollBatches,
		m.pollSkips,
		m.ordersSubmitted,
		m.ordersReconciled,
		m.ordersRejected,
		m.ordersUnknown,
	)

	return m
}

// RecordRequest counts one finished upstream request.
func (m *Metrics) RecordRequest(method, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(method, outcome).Inc()
	m.requestDuration.Observe(elapsed.Seconds())
}

// RecordRetry counts one retried attempt.
func (m *Metrics) RecordRetry() {
	if m == nil {
		return
	}
	m.requestRetries.Inc()
}

// RecordCacheWrite counts one quote cache write.
func (m *Metrics) RecordCacheWrite() {
	if m == nil {
		return
	}
	m.cacheWrites.Inc()
}

// RecordStaleRead counts one stale quote read.
func (m *Metrics) RecordStaleRead() {
	if m == nil {
		return
	}
	m.staleReads.Inc()
}

// RecordPollCycle counts one completed poll cycle and its batches.
func (m *Metrics) RecordPollCycle(batches int) {
	if m == nil {
		return
	}
	m.pollCycles.Inc()
	m.pollBatches.Add(float64(batches))
}

// RecordPollSkip counts one skipped poll tick.
func (m *Metrics) RecordPollSkip() {
	if m == nil {
		return
	}
	m.pollSkips.Inc()
}

// RecordOrder counts one order lifecycle event.
func (m *Metrics) RecordOrder(event string) {
	if m == nil {
		return
	}
	switch event {
	case "submitted":
		m.ordersSubmitted.Inc()
	case "reconciled":
		m.ordersReconciled.Inc()
	case "rejected":
		m.ordersRejected.Inc()
	case "unknown":
		m.ordersUnknown.Inc()
	}
}

// Handler returns the scrape handler for the private registry.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Start serves /metrics on the given port until Stop is called.
func (m *Metrics) Start(port int) {
	if m == nil {
		return
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	m.server = &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}
	go func() {
		m.logger.Info("Metrics server started", "port", port)
		if err := m.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			m.logger.Error("Metrics server error", "error", err)
		}
	}()
}

// Stop shuts the scrape endpoint down.
func (m *Metrics) Stop() {
	if m == nil || m.server == nil {
		return
	}
	m.server.Shutdown(context.Background())
}

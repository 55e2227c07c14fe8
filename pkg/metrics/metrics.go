// Copyright 2025 Certen Protocol
//
// Metrics - Prometheus instrumentation shared by both binaries, covering
// the watcher, delivery, and query hot paths.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry bundles the metrics both the relay and coordinator expose;
// New registers every one of them, whichever binary calls it.
type Registry struct {
	EventsObserved   *prometheus.CounterVec
	DeliveryAttempts *prometheus.CounterVec
	DeliverySuccess  *prometheus.CounterVec
	DeliveryFailures *prometheus.CounterVec
	QueueDepth       *prometheus.GaugeVec
	CursorHeight     *prometheus.GaugeVec
	TrustCacheSize   *prometheus.GaugeVec
	AlarmsRaised     *prometheus.CounterVec
	QueryLatency     *prometheus.HistogramVec
}

// New registers all metrics against a fresh registry and returns both.
func New() (*Registry, *prometheus.Registry) {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	r := &Registry{
		EventsObserved: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intentbridge",
			Name:      "events_observed_total",
			Help:      "Count of chain events observed by kind and source chain.",
		}, []string{"chain", "kind"}),
		DeliveryAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intentbridge",
			Name:      "delivery_attempts_total",
			Help:      "Count of deliverMessage submission attempts by destination chain.",
		}, []string{"dst_chain"}),
		DeliverySuccess: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intentbridge",
			Name:      "delivery_success_total",
			Help:      "Count of deliveries that completed (included or resolved as already-delivered).",
		}, []string{"dst_chain"}),
		DeliveryFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intentbridge",
			Name:      "delivery_failures_total",
			Help:      "Count of permanent delivery rejections by reason.",
		}, []string{"dst_chain", "reason"}),
		QueueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "intentbridge",
			Name:      "delivery_queue_depth",
			Help:      "Current pending item count per source chain FIFO.",
		}, []string{"src_chain"}),
		CursorHeight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "intentbridge",
			Name:      "cursor_height",
			Help:      "Last processed chain position by chain and direction.",
		}, []string{"chain", "direction"}),
		TrustCacheSize: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "intentbridge",
			Name:      "trust_cache_size",
			Help:      "Number of admissible (src_chain, src_addr) pairs cached per destination chain.",
		}, []string{"dst_chain"}),
		AlarmsRaised: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "intentbridge",
			Name:      "alarms_raised_total",
			Help:      "Count of structured alarms raised by kind.",
		}, []string{"kind"}),
		QueryLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "intentbridge",
			Name:      "query_api_latency_seconds",
			Help:      "Coordinator query API handler latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}
	return r, reg
}

// Handler returns the HTTP handler to mount at /metrics.
func Handler(reg *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

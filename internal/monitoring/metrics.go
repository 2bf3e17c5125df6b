// Package monitoring carries the hub's Prometheus collectors, system
// resource snapshots and the alert fan-out used by the security gate,
// event bus and degrader.
package monitoring

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics wraps the Prometheus collectors used across hub components.
// Collectors register against a private registry so multiple instances can
// coexist in tests.
type Metrics struct {
	registry *prometheus.Registry

	Sessions sessionMetrics
	Requests requestMetrics
	Events   eventMetrics
	Security securityMetrics
	Degrade  degradeMetrics
	Cache    cacheMetrics
	Bridge   bridgeMetrics
}

type sessionMetrics struct {
	Active       prometheus.Gauge
	Opened       prometheus.Counter
	Closed       prometheus.Counter
	ModeSwitches prometheus.Counter
	Reconnects   prometheus.Counter
}

type requestMetrics struct {
	Total    *prometheus.CounterVec
	Duration *prometheus.HistogramVec
}

type eventMetrics struct {
	Delivered     prometheus.Counter
	Dropped       prometheus.Counter
	Suppressed    prometheus.Counter
	Subscriptions prometheus.Gauge
}

type securityMetrics struct {
	AdmissionRejected *prometheus.CounterVec
	AuthFailures      prometheus.Counter
	BlockedRecords    prometheus.Gauge
}

type degradeMetrics struct {
	PendingOperations prometheus.Gauge
	Replayed          prometheus.Counter
	Expired           prometheus.Counter
	Conflicts         *prometheus.CounterVec
}

type cacheMetrics struct {
	Hits      prometheus.Counter
	Misses    prometheus.Counter
	Evictions prometheus.Counter
	Bytes     prometheus.Gauge
}

type bridgeMetrics struct {
	Routed        prometheus.Counter
	Dropped       *prometheus.CounterVec
	RoutingErrors prometheus.Counter
}

// NewMetrics creates all collectors on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Sessions: sessionMetrics{
			Active: factory.NewGauge(prometheus.GaugeOpts{
				Name: "ubridge_sessions_active",
				Help: "Number of live connector sessions",
			}),
			Opened: factory.NewCounter(prometheus.CounterOpts{
				Name: "ubridge_sessions_opened_total",
				Help: "Total sessions opened since start",
			}),
			Closed: factory.NewCounter(prometheus.CounterOpts{
				Name: "ubridge_sessions_closed_total",
				Help: "Total sessions closed since start",
			}),
			ModeSwitches: factory.NewCounter(prometheus.CounterOpts{
				Name: "ubridge_connection_mode_switches_total",
				Help: "Total adapter failovers between connection modes",
			}),
			Reconnects: factory.NewCounter(prometheus.CounterOpts{
				Name: "ubridge_reconnect_attempts_total",
				Help: "Total reconnect attempts scheduled by the retry engine",
			}),
		},
		Requests: requestMetrics{
			Total: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "ubridge_requests_total",
				Help: "Requests dispatched through the router by operation and outcome",
			}, []string{"op", "outcome"}),
			Duration: factory.NewHistogramVec(prometheus.HistogramOpts{
				Name:    "ubridge_request_duration_seconds",
				Help:    "Request handling latency by operation",
				Buckets: prometheus.DefBuckets,
			}, []string{"op"}),
		},
		Events: eventMetrics{
			Delivered: factory.NewCounter(prometheus.CounterOpts{
				Name: "ubridge_events_delivered_total",
				Help: "Events delivered to subscriptions",
			}),
			Dropped: factory.NewCounter(prometheus.CounterOpts{
				Name: "ubridge_events_dropped_total",
				Help: "Events dropped by subscription queue backpressure",
			}),
			Suppressed: factory.NewCounter(prometheus.CounterOpts{
				Name: "ubridge_events_suppressed_total",
				Help: "Events suppressed by per-minute flood control",
			}),
			Subscriptions: factory.NewGauge(prometheus.GaugeOpts{
				Name: "ubridge_subscriptions_active",
				Help: "Active event subscriptions",
			}),
		},
		Security: securityMetrics{
			AdmissionRejected: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "ubridge_admission_rejected_total",
				Help: "Connection admissions rejected by the security gate, by reason",
			}, []string{"reason"}),
			AuthFailures: factory.NewCounter(prometheus.CounterOpts{
				Name: "ubridge_auth_failures_total",
				Help: "Authentication failures recorded by the security gate",
			}),
			BlockedRecords: factory.NewGauge(prometheus.GaugeOpts{
				Name: "ubridge_auth_blocked_records",
				Help: "Auth failure records currently in the blocked state",
			}),
		},
		Degrade: degradeMetrics{
			PendingOperations: factory.NewGauge(prometheus.GaugeOpts{
				Name: "ubridge_pending_operations",
				Help: "Operations queued for unreachable servers",
			}),
			Replayed: factory.NewCounter(prometheus.CounterOpts{
				Name: "ubridge_operations_replayed_total",
				Help: "Pending operations replayed after server recovery",
			}),
			Expired: factory.NewCounter(prometheus.CounterOpts{
				Name: "ubridge_operations_expired_total",
				Help: "Pending operations dropped after expiry",
			}),
			Conflicts: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "ubridge_sync_conflicts_total",
				Help: "Synchronization conflicts by kind",
			}, []string{"kind"}),
		},
		Cache: cacheMetrics{
			Hits: factory.NewCounter(prometheus.CounterOpts{
				Name: "ubridge_cache_hits_total",
				Help: "Cache lookups served from memory",
			}),
			Misses: factory.NewCounter(prometheus.CounterOpts{
				Name: "ubridge_cache_misses_total",
				Help: "Cache lookups that missed",
			}),
			Evictions: factory.NewCounter(prometheus.CounterOpts{
				Name: "ubridge_cache_evictions_total",
				Help: "Cache entries evicted by policy or capacity pressure",
			}),
			Bytes: factory.NewGauge(prometheus.GaugeOpts{
				Name: "ubridge_cache_bytes",
				Help: "Bytes currently held by the cache",
			}),
		},
		Bridge: bridgeMetrics{
			Routed: factory.NewCounter(prometheus.CounterOpts{
				Name: "ubridge_group_messages_routed_total",
				Help: "Group messages routed to servers",
			}),
			Dropped: factory.NewCounterVec(prometheus.CounterOpts{
				Name: "ubridge_group_messages_dropped_total",
				Help: "Group messages dropped by the router, by reason",
			}, []string{"reason"}),
			RoutingErrors: factory.NewCounter(prometheus.CounterOpts{
				Name: "ubridge_routing_errors_total",
				Help: "Failures while routing group messages or server events",
			}),
		},
	}
}

// Handler returns an HTTP handler exposing the hub's metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

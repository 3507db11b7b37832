// Package telemetry exposes Prometheus collectors for the client's REST,
// gateway and cache paths. All hooks are nil-safe so instrumentation is
// strictly opt-in.
package telemetry

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles every collector the client emits. Register it on a
// caller-owned registry; nothing is registered globally.
type Metrics struct {
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RateLimitWaits  prometheus.Histogram
	GlobalLimits    prometheus.Counter

	EventsReceived   *prometheus.CounterVec
	Reconnects       *prometheus.CounterVec
	Identifies       prometheus.Counter
	HeartbeatLatency *prometheus.GaugeVec

	CacheHits   prometheus.Counter
	CacheMisses prometheus.Counter
}

// New builds the collector set under the "concord" namespace.
func New() *Metrics {
	return &Metrics{
		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concord", Subsystem: "rest", Name: "requests_total",
			Help: "REST requests by method and response status.",
		}, []string{"method", "status"}),
		RequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "concord", Subsystem: "rest", Name: "request_duration_seconds",
			Help:    "REST round-trip latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method"}),
		RateLimitWaits: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "concord", Subsystem: "rest", Name: "ratelimit_wait_seconds",
			Help:    "Time spent parked on exhausted rate-limit buckets.",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		}),
		GlobalLimits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "concord", Subsystem: "rest", Name: "global_ratelimits_total",
			Help: "Global rate-limit responses observed.",
		}),
		EventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concord", Subsystem: "gateway", Name: "events_total",
			Help: "Dispatch events received by type.",
		}, []string{"type"}),
		Reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "concord", Subsystem: "gateway", Name: "reconnects_total",
			Help: "Gateway reconnect attempts by shard.",
		}, []string{"shard"}),
		Identifies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "concord", Subsystem: "gateway", Name: "identifies_total",
			Help: "IDENTIFY payloads sent.",
		}),
		HeartbeatLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "concord", Subsystem: "gateway", Name: "heartbeat_latency_seconds",
			Help: "Latest heartbeat round-trip per shard.",
		}, []string{"shard"}),
		CacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "concord", Subsystem: "cache", Name: "hits_total",
			Help: "Lookaside cache hits.",
		}),
		CacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "concord", Subsystem: "cache", Name: "misses_total",
			Help: "Lookaside cache misses.",
		}),
	}
}

// Register attaches every collector to reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.RequestsTotal, m.RequestDuration, m.RateLimitWaits, m.GlobalLimits,
		m.EventsReceived, m.Reconnects, m.Identifies, m.HeartbeatLatency,
		m.CacheHits, m.CacheMisses,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// ObserveRequest records one completed REST round trip.
func (m *Metrics) ObserveRequest(method string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, strconv.Itoa(status)).Inc()
	m.RequestDuration.WithLabelValues(method).Observe(d.Seconds())
}

// ObserveRateLimitWait records time parked on a bucket or the global gate.
func (m *Metrics) ObserveRateLimitWait(d time.Duration) {
	if m == nil {
		return
	}
	m.RateLimitWaits.Observe(d.Seconds())
}

// ObserveGlobalLimit counts a global 429.
func (m *Metrics) ObserveGlobalLimit() {
	if m == nil {
		return
	}
	m.GlobalLimits.Inc()
}

// ObserveEvent counts one dispatch event.
func (m *Metrics) ObserveEvent(eventType string) {
	if m == nil {
		return
	}
	m.EventsReceived.WithLabelValues(eventType).Inc()
}

// ObserveReconnect counts a reconnect attempt for a shard.
func (m *Metrics) ObserveReconnect(shardID int) {
	if m == nil {
		return
	}
	m.Reconnects.WithLabelValues(strconv.Itoa(shardID)).Inc()
}

// ObserveIdentify counts an IDENTIFY send.
func (m *Metrics) ObserveIdentify() {
	if m == nil {
		return
	}
	m.Identifies.Inc()
}

// ObserveHeartbeat records the latest heartbeat round trip for a shard.
func (m *Metrics) ObserveHeartbeat(shardID int, d time.Duration) {
	if m == nil {
		return
	}
	m.HeartbeatLatency.WithLabelValues(strconv.Itoa(shardID)).Set(d.Seconds())
}

// ObserveCache records a lookaside hit or miss.
func (m *Metrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.CacheHits.Inc()
	} else {
		m.CacheMisses.Inc()
	}
}

// Package metrics exposes the broker's Prometheus collectors. Labels are
// kept low-cardinality: verdicts, operation names, nothing per-session.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	sessionsCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_sessions_created_total",
			Help: "Total verification sessions created",
		},
	)
	verificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_verifications_total",
			Help: "Total verification runs by verdict",
		},
		[]string{"verdict"},
	)
	rateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_rate_limited_total",
			Help: "Total requests rejected by the rate limiter, by operation",
		},
		[]string{"op"},
	)
	wsConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "broker_ws_connections",
			Help: "Currently connected notification sockets",
		},
	)
	notificationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_notifications_total",
			Help: "Verification notifications by outcome (delivered, dropped)",
		},
		[]string{"outcome"},
	)
	registryLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_registry_loads_total",
			Help: "Trust-anchor set loads by source (fallback, snapshot, upstream)",
		},
		[]string{"source"},
	)
)

func init() {
	prometheus.MustRegister(
		sessionsCreated,
		verificationsTotal,
		rateLimitedTotal,
		wsConnections,
		notificationsTotal,
		registryLoads,
	)
}

// SessionCreated records one session/init success.
func SessionCreated() { sessionsCreated.Inc() }

// VerificationDone records one engine run with its verdict.
func VerificationDone(verdict string) { verificationsTotal.WithLabelValues(verdict).Inc() }

// RateLimited records one 429 by operation.
func RateLimited(op string) { rateLimitedTotal.WithLabelValues(op).Inc() }

// WSConnected / WSDisconnected track the live socket gauge.
func WSConnected()    { wsConnections.Inc() }
func WSDisconnected() { wsConnections.Dec() }

// NotificationDelivered / NotificationDropped track broadcast outcomes.
func NotificationDelivered() { notificationsTotal.WithLabelValues("delivered").Inc() }
func NotificationDropped()   { notificationsTotal.WithLabelValues("dropped").Inc() }

// RegistryLoaded records one anchor-set install with its source.
func RegistryLoaded(source string) { registryLoads.WithLabelValues(source).Inc() }

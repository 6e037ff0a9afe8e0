package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Session metrics
	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "chatrelay_active_sessions",
			Help: "Currently connected sessions",
		},
		[]string{"kind"}, // "room" or "alert"
	)

	SessionsRejected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_sessions_rejected_total",
			Help: "Connection attempts refused",
		},
		[]string{"reason"}, // "forbidden", "not_found", "configuration"
	)

	// Message metrics
	MessagesPersisted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_messages_persisted_total",
			Help: "Total chat messages appended to storage",
		},
	)

	AlertsPublished = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_alerts_published_total",
			Help: "Total cross-room alert envelopes published",
		},
	)

	// Bus metrics
	BusPublishes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatrelay_bus_publishes_total",
			Help: "Total bus publish calls",
		},
		[]string{"bus"}, // "memory" or "redis"
	)

	BusDrops = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatrelay_bus_drops_total",
			Help: "Payloads dropped because an endpoint queue was full",
		},
	)
)

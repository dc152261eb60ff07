package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "ride_transitions_total", Help: "Committed ride state transitions"},
		[]string{"role", "from", "to"},
	)
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "engine_operations_total", Help: "Engine operations by outcome"},
		[]string{"op", "outcome"},
	)
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "carpool", Name: "active_sessions", Help: "Ride engines held by the server"})
	WSSubscribers  = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "carpool", Name: "ws_subscribers", Help: "Connected websocket state subscribers"})

	BackendCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "carpool",
			Name:      "backend_call_duration_seconds",
			Help:      "Latency of calls to the carpool backend",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"op", "outcome"},
	)
	LocationLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "carpool", Name: "location_latency_seconds", Help: "Time to acquire a device location"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "carpool", Name: "http_requests_total", Help: "HTTP requests by route and session role"},
		[]string{"method", "route", "role", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "carpool",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route and session role",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route", "role", "status"},
	)
)

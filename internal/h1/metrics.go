package h1

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	connectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "webserver_connections_active",
			Help: "Current number of live connections",
		},
	)

	connectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webserver_connections_total",
			Help: "Total number of accepted connections",
		},
		[]string{"transport"},
	)

	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webserver_requests_total",
			Help: "Total number of responses written",
		},
		[]string{"status"},
	)

	requestDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "webserver_request_duration_seconds",
			Help:    "Time from first request byte to response written",
			Buckets: prometheus.DefBuckets,
		},
	)

	rejectionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webserver_rejections_total",
			Help: "Connections or requests ended by a limit or error",
		},
		[]string{"reason"},
	)

	auditDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "webserver_audit_dropped_total",
			Help: "Audit records dropped because the sink queue was full",
		},
	)
)

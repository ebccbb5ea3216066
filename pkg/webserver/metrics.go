package webserver

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webserver_http_requests_total",
			Help: "Requests completed by routed handlers",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webserver_http_request_duration_seconds",
			Help:    "Time spent in routed handlers",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "webserver_http_requests_in_flight",
			Help: "Current number of HTTP requests being handled",
		},
	)

	httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webserver_http_response_size_bytes",
			Help:    "HTTP response body size in bytes",
			Buckets: prometheus.ExponentialBuckets(64, 4, 8),
		},
		[]string{"method", "path", "status"},
	)
)

// PrometheusConfig configures the Prometheus middleware.
type PrometheusConfig struct {
	// SkipPaths are not measured
	SkipPaths []string
	// PathLabel maps a request to its "path" label. Routes with parameters
	// should map to their pattern to keep label cardinality bounded.
	// Default: the request path without query string.
	PathLabel func(ctx *Context) string
}

// DefaultPrometheusConfig skips the /metrics endpoint itself.
func DefaultPrometheusConfig() PrometheusConfig {
	return PrometheusConfig{
		SkipPaths: []string{"/metrics"},
	}
}

// Prometheus records handler count, latency and response size per route.
func Prometheus() Middleware {
	return PrometheusWithConfig(DefaultPrometheusConfig())
}

// PrometheusWithConfig is Prometheus with custom configuration.
func PrometheusWithConfig(config PrometheusConfig) Middleware {
	skip := pathSet(config.SkipPaths)
	if config.PathLabel == nil {
		config.PathLabel = func(ctx *Context) string { return stripQuery(ctx.Path()) }
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			if skip[stripQuery(ctx.Path())] {
				return next.Serve(ctx)
			}

			start := time.Now()
			httpRequestsInFlight.Inc()
			defer httpRequestsInFlight.Dec()

			err := next.Serve(ctx)

			status := strconv.Itoa(ctx.Status())
			method := ctx.Method()
			path := config.PathLabel(ctx)

			httpRequestsTotal.WithLabelValues(method, path, status).Inc()
			httpRequestDuration.WithLabelValues(method, path, status).Observe(time.Since(start).Seconds())
			httpResponseSize.WithLabelValues(method, path, status).Observe(float64(len(ctx.ResponseBody())))

			return err
		})
	}
}

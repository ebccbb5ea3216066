package webserver

import (
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// TracingConfig configures the Tracing middleware.
type TracingConfig struct {
	// TracerName is the name of the tracer (default: "webserver")
	TracerName string
	// TracerProvider creates the tracer (default: the global provider)
	TracerProvider trace.TracerProvider
	// SkipPaths get no span
	SkipPaths []string
	// Propagator extracts the remote parent (default: W3C TraceContext)
	Propagator propagation.TextMapPropagator
}

// DefaultTracingConfig skips health and metrics endpoints.
func DefaultTracingConfig() TracingConfig {
	return TracingConfig{
		TracerName: "webserver",
		SkipPaths:  []string{"/health", "/metrics"},
		Propagator: propagation.TraceContext{},
	}
}

// Tracing starts an OpenTelemetry server span per request.
func Tracing() Middleware {
	return TracingWithConfig(DefaultTracingConfig())
}

// TracingWithConfig is Tracing with custom configuration. A trace propagated
// in the request headers is continued; the handler sees the span through
// ctx.Context().
func TracingWithConfig(config TracingConfig) Middleware {
	if config.TracerName == "" {
		config.TracerName = "webserver"
	}
	if config.Propagator == nil {
		config.Propagator = propagation.TraceContext{}
	}
	if config.TracerProvider == nil {
		config.TracerProvider = otel.GetTracerProvider()
	}
	skip := pathSet(config.SkipPaths)
	tracer := config.TracerProvider.Tracer(config.TracerName)

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			if skip[stripQuery(ctx.Path())] {
				return next.Serve(ctx)
			}

			parent := ctx.Context()
			spanCtx, span := tracer.Start(
				config.Propagator.Extract(parent, headerCarrier{ctx: ctx}),
				ctx.Method()+" "+stripQuery(ctx.Path()),
				trace.WithSpanKind(trace.SpanKindServer),
			)
			defer span.End()

			span.SetAttributes(
				attribute.String("http.method", ctx.Method()),
				attribute.String("http.target", ctx.Path()),
				attribute.String("http.flavor", ctx.Version()),
				attribute.String("http.host", ctx.Host()),
				attribute.String("net.peer.addr", ctx.RemoteAddr()),
				attribute.Int("http.request_content_length", len(ctx.BodyBytes())),
				attribute.Int64("webserver.connection", int64(ctx.ConnectionID())),
			)
			if reqID, ok := ctx.Get("request-id"); ok {
				if s, ok := reqID.(string); ok {
					span.SetAttributes(attribute.String("http.request_id", s))
				}
			}

			ctx.WithContext(spanCtx)
			err := next.Serve(ctx)
			ctx.WithContext(parent)

			span.SetAttributes(attribute.Int("http.status_code", ctx.Status()))
			switch {
			case err != nil && !errors.Is(err, ErrDeferred):
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			case ctx.Status() >= 500:
				span.SetStatus(codes.Error, "HTTP error")
			default:
				span.SetStatus(codes.Ok, "")
			}
			return err
		})
	}
}

// headerCarrier adapts request headers to propagation.TextMapCarrier.
// Set is a no-op since request headers are read-only.
type headerCarrier struct {
	ctx *Context
}

func (hc headerCarrier) Get(key string) string {
	return hc.ctx.Header(key)
}

func (hc headerCarrier) Set(string, string) {}

func (hc headerCarrier) Keys() []string {
	headers := hc.ctx.Headers()
	keys := make([]string, 0, len(headers))
	for _, h := range headers {
		keys = append(keys, h[0])
	}
	return keys
}

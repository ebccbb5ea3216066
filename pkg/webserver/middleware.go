package webserver

import (
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// AccessLogConfig defines the configuration options for the AccessLog middleware.
type AccessLogConfig struct {
	// Logger receives one entry per request (default: no-op)
	Logger *zap.Logger
	// SkipPaths lists paths to skip logging (e.g., health checks)
	SkipPaths []string
	// CustomFields allows adding fields to each log entry
	CustomFields func(ctx *Context) []zap.Field
}

// AccessLog returns a middleware that logs each request through logger.
func AccessLog(logger *zap.Logger) Middleware {
	return AccessLogWithConfig(AccessLogConfig{Logger: logger})
}

// AccessLogWithConfig returns a middleware that logs requests with custom configuration.
func AccessLogWithConfig(config AccessLogConfig) Middleware {
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	skip := pathSet(config.SkipPaths)

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			if skip[ctx.Path()] {
				return next.Serve(ctx)
			}

			start := time.Now()
			err := next.Serve(ctx)

			fields := []zap.Field{
				zap.String("method", ctx.Method()),
				zap.String("path", ctx.Path()),
				zap.Int("status", ctx.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", ctx.RemoteAddr()),
			}
			if reqID, ok := ctx.Get("request-id"); ok {
				fields = append(fields, zap.Any("request_id", reqID))
			}
			if config.CustomFields != nil {
				fields = append(fields, config.CustomFields(ctx)...)
			}
			if err != nil && !errors.Is(err, ErrDeferred) {
				fields = append(fields, zap.Error(err))
			}
			config.Logger.Info("request", fields...)

			return err
		})
	}
}

// Recovery returns a middleware that recovers from panics.
// It catches panics during request handling and returns a 500 Internal Server Error response.
func Recovery() Middleware {
	return RecoveryWithLogger(nil)
}

// RecoveryWithLogger is Recovery that also logs the recovered value.
func RecoveryWithLogger(logger *zap.Logger) Middleware {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					logger.Error("handler panic", zap.Any("panic", r), zap.String("path", ctx.Path()))
					ctx.SetResponseBody(nil)
					err = ctx.String(500, "Internal Server Error")
				}
			}()

			return next.Serve(ctx)
		})
	}
}

// CORSConfig holds CORS middleware configuration.
type CORSConfig struct {
	AllowOrigin      string
	AllowMethods     string
	AllowHeaders     string
	AllowCredentials bool
	MaxAge           int
}

// DefaultCORSConfig returns sensible CORS defaults.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigin:  "*",
		AllowMethods: "GET, POST, PUT, DELETE, OPTIONS, PATCH",
		AllowHeaders: "Accept, Content-Type, Content-Length, Authorization",
		MaxAge:       3600,
	}
}

// CORS returns a middleware that handles Cross-Origin Resource Sharing.
// It sets the CORS headers and answers preflight OPTIONS requests.
func CORS(config CORSConfig) Middleware {
	defaults := DefaultCORSConfig()
	if config.AllowOrigin == "" {
		config.AllowOrigin = defaults.AllowOrigin
	}
	if config.AllowMethods == "" {
		config.AllowMethods = defaults.AllowMethods
	}
	if config.AllowHeaders == "" {
		config.AllowHeaders = defaults.AllowHeaders
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			ctx.SetHeader("Access-Control-Allow-Origin", config.AllowOrigin)
			ctx.SetHeader("Access-Control-Allow-Methods", config.AllowMethods)
			ctx.SetHeader("Access-Control-Allow-Headers", config.AllowHeaders)
			if config.AllowCredentials {
				ctx.SetHeader("Access-Control-Allow-Credentials", "true")
			}
			if config.MaxAge > 0 {
				ctx.SetHeader("Access-Control-Max-Age", strconv.Itoa(config.MaxAge))
			}

			if ctx.Method() == "OPTIONS" {
				return ctx.NoContent(204)
			}
			return next.Serve(ctx)
		})
	}
}

// RequestID returns a middleware that adds a unique request ID to each request.
// An incoming X-Request-ID is kept; otherwise a UUID is generated. The ID is
// stored under "request-id" and echoed in the response.
func RequestID() Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			requestID := ctx.Header("x-request-id")
			if requestID == "" {
				requestID = uuid.NewString()
			}

			ctx.Set("request-id", requestID)
			ctx.SetHeader("X-Request-ID", requestID)

			return next.Serve(ctx)
		})
	}
}

// Timeout bounds handler run time. The request context gets a deadline of d
// and the connection's idle timeout is extended to cover it. A handler that
// gives up with the context's error is answered with 504.
func Timeout(d time.Duration) Middleware {
	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			parent := ctx.Context()
			timeoutCtx, cancel := context.WithTimeout(parent, d)
			defer cancel()

			ctx.Extend(d)
			ctx.WithContext(timeoutCtx)
			err := next.Serve(ctx)
			ctx.WithContext(parent)

			if errors.Is(timeoutCtx.Err(), context.DeadlineExceeded) && (err == nil || errors.Is(err, context.DeadlineExceeded)) {
				ctx.SetResponseBody(nil)
				return ctx.String(504, "Gateway Timeout")
			}
			return err
		})
	}
}

// CompressConfig holds configuration for the Compress middleware.
type CompressConfig struct {
	// Level specifies the compression level (1-9 for gzip, 0-11 for brotli)
	Level int
	// MinSize specifies the minimum response size to compress (default: 1024 bytes)
	MinSize int
	// ExcludedTypes lists content type prefixes to skip
	ExcludedTypes []string
}

// DefaultCompressConfig returns a CompressConfig with sensible defaults.
func DefaultCompressConfig() CompressConfig {
	return CompressConfig{
		Level:   6,
		MinSize: 1024,
		ExcludedTypes: []string{
			"image/",
			"video/",
			"audio/",
			"application/zip",
			"application/gzip",
		},
	}
}

// Compress returns a middleware that compresses response bodies with brotli or gzip.
func Compress() Middleware {
	return CompressWithConfig(DefaultCompressConfig())
}

// CompressWithConfig returns a middleware that compresses response bodies with custom configuration.
func CompressWithConfig(config CompressConfig) Middleware {
	if config.MinSize == 0 {
		config.MinSize = 1024
	}
	if config.Level == 0 {
		config.Level = 6
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			acceptEncoding := ctx.Header("accept-encoding")
			supportsBrotli := strings.Contains(acceptEncoding, "br")
			supportsGzip := strings.Contains(acceptEncoding, "gzip")

			err := next.Serve(ctx)
			if err != nil || (!supportsBrotli && !supportsGzip) || ctx.Method() == "HEAD" {
				return err
			}

			body := ctx.ResponseBody()
			if len(body) < config.MinSize || ctx.ResponseHeader("content-encoding") != "" {
				return nil
			}
			contentType := ctx.ResponseHeader("content-type")
			for _, excluded := range config.ExcludedTypes {
				if strings.HasPrefix(contentType, excluded) {
					return nil
				}
			}

			encoding := "gzip"
			if supportsBrotli {
				encoding = "br"
			}
			compressed, cerr := compress(body, encoding, config.Level)
			if cerr != nil || len(compressed) >= len(body) {
				return nil
			}

			ctx.SetHeader("Content-Encoding", encoding)
			ctx.SetHeader("Vary", "Accept-Encoding")
			ctx.SetResponseBody(compressed)
			return nil
		})
	}
}

func compress(body []byte, encoding string, level int) ([]byte, error) {
	var buf bytes.Buffer
	switch encoding {
	case "br":
		w := brotli.NewWriterLevel(&buf, level)
		if _, err := w.Write(body); err != nil {
			_ = w.Close()
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	case "gzip":
		w, err := gzip.NewWriterLevel(&buf, level)
		if err != nil {
			return nil, err
		}
		if _, err := w.Write(body); err != nil {
			_ = w.Close()
			return nil, err
		}
		if err := w.Close(); err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("unsupported encoding %q", encoding)
	}
	return buf.Bytes(), nil
}

// HealthConfig holds configuration for the Health middleware.
type HealthConfig struct {
	// Path is the endpoint path for health checks (default: "/health")
	Path string
	// Handler is a custom health check handler (optional)
	Handler func(ctx *Context) error
}

var startTime = time.Now()

// Health returns a middleware answering GET /health.
func Health() Middleware {
	return HealthWithConfig(HealthConfig{})
}

// HealthWithConfig returns a health check middleware with custom configuration.
func HealthWithConfig(config HealthConfig) Middleware {
	if config.Path == "" {
		config.Path = "/health"
	}
	if config.Handler == nil {
		config.Handler = func(ctx *Context) error {
			return ctx.JSON(200, map[string]any{
				"status":    "ok",
				"timestamp": time.Now().UTC().Format(time.RFC3339),
				"uptime":    time.Since(startTime).String(),
			})
		}
	}

	return func(next Handler) Handler {
		return HandlerFunc(func(ctx *Context) error {
			if ctx.Path() == config.Path {
				return config.Handler(ctx)
			}
			return next.Serve(ctx)
		})
	}
}

func pathSet(paths []string) map[string]bool {
	m := make(map[string]bool, len(paths))
	for _, p := range paths {
		m[p] = true
	}
	return m
}

func stripQuery(path string) string {
	if q := strings.IndexByte(path, '?'); q >= 0 {
		return path[:q]
	}
	return path
}

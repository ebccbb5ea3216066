// Package main runs an example webserver with routing, middleware, auditing and metrics.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/albertbausili/webserver/pkg/webserver"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	tp := sdktrace.NewTracerProvider()
	otel.SetTracerProvider(tp)
	defer func() { _ = tp.Shutdown(context.Background()) }()

	router := webserver.NewRouter()
	router.Use(
		webserver.RecoveryWithLogger(logger),
		webserver.RequestID(),
		webserver.AccessLogWithConfig(webserver.AccessLogConfig{
			Logger:    logger,
			SkipPaths: []string{"/health"},
		}),
		webserver.Prometheus(),
		webserver.Tracing(),
		webserver.Health(),
		webserver.Compress(),
	)

	router.GET("/", homeHandler)
	router.GET("/hello/:name", helloHandler)
	router.POST("/api/data", dataHandler)
	router.GET("/slow", slowHandler)

	api := router.Group("/api/v1", webserver.CORS(webserver.DefaultCORSConfig()))
	api.GET("/users", usersHandler)
	api.GET("/users/:id", userHandler)

	if dir := os.Getenv("EXAMPLE_STATIC"); dir != "" {
		router.Static("/static", dir)
	}

	config := webserver.DefaultConfig()
	config.Logger = logger
	if addr := os.Getenv("EXAMPLE_ADDR"); addr != "" {
		config.Addr = addr
	}
	config.Verbose = os.Getenv("EXAMPLE_VERBOSE") == "1"
	config.Durations = config.Verbose
	config.SecureProxy = os.Getenv("EXAMPLE_SECURE_PROXY") == "1"
	if n, err := strconv.Atoi(os.Getenv("EXAMPLE_MAX_CONNECTIONS")); err == nil {
		config.MaxConnections = n
	}

	if name := os.Getenv("EXAMPLE_ACCESS_LOG"); name != "" {
		auditor := webserver.NewFileAuditor(webserver.FileAuditorConfig{
			Filename:   name,
			MaxSize:    100,
			MaxBackups: 5,
			Compress:   true,
		})
		defer func() { _ = auditor.Close() }()
		config.Auditor = auditor
	} else {
		config.Auditor = webserver.NewLogAuditor(logger.Named("audit"))
	}

	server := webserver.New(config)
	if err := server.ListenAndServe(router); err != nil {
		logger.Fatal("server failed to start", zap.Error(err))
	}
	logger.Info("server started", zap.String("addr", config.Addr))

	metricsAddr := os.Getenv("EXAMPLE_METRICS_ADDR")
	if metricsAddr == "" {
		metricsAddr = ":9090"
	}
	metrics := &http.Server{
		Addr:              metricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := metrics.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", zap.Error(err))
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = metrics.Shutdown(ctx)
	if err := server.Stop(ctx); err != nil {
		logger.Error("shutdown failed", zap.Error(err))
	}
}

func homeHandler(ctx *webserver.Context) error {
	return ctx.HTML(200, `<!DOCTYPE html>
<html>
<head><title>webserver</title></head>
<body>
    <h1>webserver</h1>
    <ul>
        <li><code>GET /hello/:name</code></li>
        <li><code>POST /api/data</code></li>
        <li><code>GET /api/v1/users</code></li>
        <li><code>GET /slow?ms=500</code></li>
        <li><code>GET /health</code></li>
    </ul>
</body>
</html>
`)
}

func helloHandler(ctx *webserver.Context) error {
	return ctx.JSON(200, map[string]string{
		"message": "Hello, " + ctx.Param("name") + "!",
		"method":  ctx.Method(),
		"path":    ctx.Path(),
	})
}

func dataHandler(ctx *webserver.Context) error {
	var data map[string]any
	if err := ctx.BindJSON(&data); err != nil {
		return webserver.NewHTTPError(400, "Invalid JSON")
	}
	return ctx.JSON(200, map[string]any{
		"received": data,
		"status":   "success",
	})
}

// slowHandler answers after a delay without holding a worker, completing the
// response from a timer.
func slowHandler(ctx *webserver.Context) error {
	ms, err := ctx.QueryInt("ms")
	if err != nil || ms <= 0 {
		ms = 250
	}
	delay := time.Duration(ms) * time.Millisecond
	ctx.Extend(delay)

	complete := ctx.Defer()
	_ = ctx.JSON(200, map[string]any{"waited_ms": ms})
	time.AfterFunc(delay, func() { _ = complete() })
	return webserver.ErrDeferred
}

func usersHandler(ctx *webserver.Context) error {
	users := []map[string]any{
		{"id": 1, "name": "Alice"},
		{"id": 2, "name": "Bob"},
	}
	return ctx.JSON(200, map[string]any{
		"users": users,
		"total": len(users),
	})
}

func userHandler(ctx *webserver.Context) error {
	id := ctx.Param("id")
	if _, err := strconv.Atoi(id); err != nil {
		return webserver.NewHTTPError(404, "user not found")
	}
	return ctx.JSON(200, map[string]any{
		"id":   id,
		"name": "User " + id,
	})
}

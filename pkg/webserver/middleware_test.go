package webserver

import (
	"bytes"
	"compress/gzip"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func okHandler(body string) Handler {
	return HandlerFunc(func(ctx *Context) error {
		return ctx.String(200, "%s", body)
	})
}

func TestAccessLog_Middleware(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	mw := AccessLogWithConfig(AccessLogConfig{
		Logger:    zap.New(core),
		SkipPaths: []string{"/health"},
	})

	ctx := newTestContext("GET", "/items")
	ctx.Set("request-id", "abc")
	if err := mw(okHandler("ok")).Serve(ctx); err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	_ = mw(okHandler("ok")).Serve(newTestContext("GET", "/health"))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("Expected 1 log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["path"] != "/items" {
		t.Errorf("Expected path /items, got %v", fields["path"])
	}
	if fields["status"] != int64(200) {
		t.Errorf("Expected status 200, got %v", fields["status"])
	}
	if fields["request_id"] != "abc" {
		t.Errorf("Expected request_id abc, got %v", fields["request_id"])
	}
}

func TestRecovery_Middleware(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	mw := RecoveryWithLogger(zap.New(core))

	ctx := newTestContext("GET", "/boom")
	err := mw(HandlerFunc(func(ctx *Context) error {
		_, _ = ctx.WriteString("partial")
		panic("test panic")
	})).Serve(ctx)
	if err != nil {
		t.Errorf("Expected recovered panic to return nil, got %v", err)
	}
	if ctx.Status() != 500 || string(ctx.ResponseBody()) != "Internal Server Error" {
		t.Errorf("Expected 500 response, got %d %q", ctx.Status(), ctx.ResponseBody())
	}
	if logs.Len() != 1 {
		t.Errorf("Expected panic to be logged once, got %d", logs.Len())
	}
}

func TestCORS_Middleware(t *testing.T) {
	mw := CORS(CORSConfig{AllowOrigin: "https://example.com", AllowCredentials: true})

	ctx := newTestContext("GET", "/")
	_ = mw(okHandler("ok")).Serve(ctx)
	if got := ctx.ResponseHeader("access-control-allow-origin"); got != "https://example.com" {
		t.Errorf("Expected configured origin, got %q", got)
	}
	if got := ctx.ResponseHeader("access-control-allow-methods"); got == "" {
		t.Error("Expected default allowed methods")
	}
	if ctx.ResponseHeader("access-control-allow-credentials") != "true" {
		t.Error("Expected credentials header")
	}

	called := false
	preflight := newTestContext("OPTIONS", "/")
	_ = mw(HandlerFunc(func(*Context) error {
		called = true
		return nil
	})).Serve(preflight)
	if called {
		t.Error("Expected preflight to be answered without calling the handler")
	}
	if preflight.Status() != 204 {
		t.Errorf("Expected 204 for preflight, got %d", preflight.Status())
	}
}

func TestRequestID_Middleware(t *testing.T) {
	mw := RequestID()

	ctx := newTestContext("GET", "/")
	_ = mw(okHandler("ok")).Serve(ctx)
	id := ctx.ResponseHeader("x-request-id")
	if _, err := uuid.Parse(id); err != nil {
		t.Errorf("Expected generated UUID, got %q", id)
	}
	if v, _ := ctx.Get("request-id"); v != id {
		t.Errorf("Expected stored id %q, got %v", id, v)
	}

	ctx = newTestContext("GET", "/", [2]string{"X-Request-ID", "given"})
	_ = mw(okHandler("ok")).Serve(ctx)
	if got := ctx.ResponseHeader("x-request-id"); got != "given" {
		t.Errorf("Expected incoming id to be kept, got %q", got)
	}
}

func TestTimeout_Middleware(t *testing.T) {
	mw := Timeout(20 * time.Millisecond)

	ctx := newTestContext("GET", "/slow")
	err := mw(HandlerFunc(func(ctx *Context) error {
		<-ctx.Context().Done()
		return ctx.Context().Err()
	})).Serve(ctx)
	if err != nil {
		t.Errorf("Serve() error = %v", err)
	}
	if ctx.Status() != 504 {
		t.Errorf("Expected 504, got %d", ctx.Status())
	}
	if ctx.Context().Err() != nil {
		t.Error("Expected the parent request context to be restored")
	}

	fast := newTestContext("GET", "/fast")
	_ = mw(okHandler("done")).Serve(fast)
	if fast.Status() != 200 || string(fast.ResponseBody()) != "done" {
		t.Errorf("Expected 200 done, got %d %q", fast.Status(), fast.ResponseBody())
	}

	failing := newTestContext("GET", "/fail")
	want := errors.New("failed")
	if err := mw(HandlerFunc(func(*Context) error { return want })).Serve(failing); !errors.Is(err, want) {
		t.Errorf("Expected handler error to pass through, got %v", err)
	}
}

func TestCompress_Middleware(t *testing.T) {
	large := strings.Repeat("compressible text ", 200)

	tests := []struct {
		name     string
		accept   string
		body     string
		encoding string
	}{
		{"brotli preferred", "gzip, br", large, "br"},
		{"gzip", "gzip", large, "gzip"},
		{"not accepted", "identity", large, ""},
		{"too small", "gzip", "tiny", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := newTestContext("GET", "/", [2]string{"Accept-Encoding", tt.accept})
			if err := Compress()(okHandler(tt.body)).Serve(ctx); err != nil {
				t.Fatalf("Serve() error = %v", err)
			}
			if got := ctx.ResponseHeader("content-encoding"); got != tt.encoding {
				t.Fatalf("Expected encoding %q, got %q", tt.encoding, got)
			}

			var r io.Reader = bytes.NewReader(ctx.ResponseBody())
			switch tt.encoding {
			case "br":
				r = brotli.NewReader(r)
			case "gzip":
				zr, err := gzip.NewReader(r)
				if err != nil {
					t.Fatalf("gzip.NewReader() error = %v", err)
				}
				r = zr
			}
			body, err := io.ReadAll(r)
			if err != nil {
				t.Fatalf("ReadAll() error = %v", err)
			}
			if string(body) != tt.body {
				t.Errorf("Expected round-tripped body, got %d bytes", len(body))
			}
		})
	}
}

func TestCompress_ExcludedType(t *testing.T) {
	ctx := newTestContext("GET", "/img", [2]string{"Accept-Encoding", "gzip"})
	_ = Compress()(HandlerFunc(func(ctx *Context) error {
		return ctx.Data(200, "image/png", bytes.Repeat([]byte{0}, 4096))
	})).Serve(ctx)
	if ctx.ResponseHeader("content-encoding") != "" {
		t.Error("Expected images to be left uncompressed")
	}
}

func TestHealth_Middleware(t *testing.T) {
	mw := Health()

	ctx := newTestContext("GET", "/health")
	_ = mw(okHandler("app")).Serve(ctx)
	if ctx.Status() != 200 || !strings.Contains(string(ctx.ResponseBody()), `"status":"ok"`) {
		t.Errorf("Expected health response, got %d %s", ctx.Status(), ctx.ResponseBody())
	}

	ctx = newTestContext("GET", "/other")
	_ = mw(okHandler("app")).Serve(ctx)
	if string(ctx.ResponseBody()) != "app" {
		t.Errorf("Expected other paths to reach the handler, got %q", ctx.ResponseBody())
	}
}

func TestChain_Order(t *testing.T) {
	var order []string
	mark := func(name string) Middleware {
		return MiddlewareFunc(func(ctx *Context, next Handler) error {
			order = append(order, name)
			return next.Serve(ctx)
		}).ToMiddleware()
	}

	h := Chain(mark("a"), mark("b"), mark("c"))(HandlerFunc(func(*Context) error {
		order = append(order, "handler")
		return nil
	}))
	_ = h.Serve(newTestContext("GET", "/"))

	if strings.Join(order, ",") != "a,b,c,handler" {
		t.Errorf("Expected a,b,c,handler, got %v", order)
	}
}

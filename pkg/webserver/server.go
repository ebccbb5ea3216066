package webserver

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/albertbausili/webserver/internal/h1"
)

var (
	// ErrDeferred is returned by a handler that completes its response later
	// through the function returned by Context.Defer.
	ErrDeferred = h1.ErrDeferred
	// ErrClosed is returned when completing a response whose connection is gone.
	ErrClosed = h1.ErrClosed
	// ErrServerClosed is returned when serving on a stopped server.
	ErrServerClosed = h1.ErrServerClosed
)

// Server represents a server instance.
type Server struct {
	mu      sync.Mutex
	config  Config
	handler Handler
	core    *h1.Server
}

// New creates a new Server with the provided configuration.
func New(config Config) *Server {
	if err := config.Validate(); err != nil {
		panic(err)
	}

	return &Server{
		config: config,
	}
}

// NewWithDefaults creates a new Server with default configuration.
func NewWithDefaults() *Server {
	return New(DefaultConfig())
}

// Handler sets the request handler and returns the server for method chaining.
func (s *Server) Handler(handler Handler) *Server {
	s.mu.Lock()
	s.handler = handler
	s.mu.Unlock()
	return s
}

// ListenAndServe sets the handler and starts the server.
func (s *Server) ListenAndServe(handler Handler) error {
	s.Handler(handler)
	return s.Start()
}

// Start begins accepting connections on the configured addresses.
func (s *Server) Start() error {
	core, err := s.engine()
	if err != nil {
		return err
	}
	return core.Start()
}

// Serve serves a single already-accepted connection. It returns once the
// connection has been admitted; the connection is served in the background.
func (s *Server) Serve(conn net.Conn) error {
	core, err := s.engine()
	if err != nil {
		return err
	}
	_, err = core.Serve(conn)
	return err
}

// ServeListener accepts connections from ln until it is closed. When config
// is non-nil each connection negotiates TLS first.
func (s *Server) ServeListener(ln net.Listener, config *tls.Config) error {
	core, err := s.engine()
	if err != nil {
		return err
	}
	return core.ServeListener(ln, config)
}

// Stop gracefully shuts down the server, ending every live connection.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	core := s.core
	s.mu.Unlock()
	if core == nil {
		return nil
	}
	if err := core.Stop(ctx); err != nil && !errors.Is(err, ErrServerClosed) {
		return err
	}
	return nil
}

// SetConfig replaces the connection limits. Connections accepted afterwards
// use the new values; live connections keep the ones they started with.
// Listener settings only take effect before Start.
func (s *Server) SetConfig(config Config) error {
	if err := config.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config = config
	if s.core != nil {
		s.core.SetConfig(config.connConfig())
	}
	return nil
}

// Config returns the server configuration.
func (s *Server) Config() Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.config
}

// Complete sends a response whose handler returned ErrDeferred.
func (s *Server) Complete(ctx *Context) error {
	s.mu.Lock()
	core := s.core
	s.mu.Unlock()
	if core == nil {
		return ErrClosed
	}
	return core.Complete(ctx.resp)
}

// Connections returns the number of live connections.
func (s *Server) Connections() int {
	s.mu.Lock()
	core := s.core
	s.mu.Unlock()
	if core == nil {
		return 0
	}
	return core.Len()
}

// engine returns the connection server, creating it on first use.
func (s *Server) engine() (*h1.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.core != nil {
		return s.core, nil
	}
	if s.handler == nil {
		return nil, fmt.Errorf("handler not set")
	}

	handler := s.handler
	var core *h1.Server
	adapter := h1.HandlerFunc(func(ctx context.Context, req *h1.Request, resp *h1.Response) error {
		return handler.Serve(newContext(ctx, core, req, resp))
	})

	core, err := h1.NewServer(adapter, h1.Config{
		Addr:           s.config.Addr,
		TLSAddr:        s.config.TLSAddr,
		TLSConfig:      s.config.TLSConfig,
		Multicore:      s.config.Multicore,
		NumEventLoop:   s.config.NumEventLoop,
		ReusePort:      s.config.ReusePort,
		Logger:         s.config.Logger,
		MaxConnections: s.config.MaxConnections,
		Workers:        s.config.Workers,
		AuditQueue:     s.config.AuditQueue,
		Auditor:        s.config.Auditor,
		Conn:           s.config.connConfig(),
	})
	if err != nil {
		return nil, err
	}
	s.core = core
	return core, nil
}

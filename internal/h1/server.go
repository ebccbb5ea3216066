package h1

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/albertbausili/webserver/internal/date"
	"github.com/albertbausili/webserver/internal/transport"
	"github.com/panjf2000/gnet/v2"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultAuditQueue is used when Config.AuditQueue is zero.
const DefaultAuditQueue = 1024

// Config defines the configuration options for the HTTP/1.1 server.
type Config struct {
	Addr           string // plain listener, served by gnet
	TLSAddr        string // TLS listener, served by ServeListener
	TLSConfig      *tls.Config
	Multicore      bool
	NumEventLoop   int
	ReusePort      bool
	Logger         *zap.Logger
	MaxConnections int // live connections before new ones are refused with 503
	Workers        int // concurrent handlers, <= 0 for unbounded
	AuditQueue     int
	Auditor        Auditor
	Conn           *ConnConfig
}

// Server owns the live connection set and accepts streams into it. It
// implements gnet.EventHandler for the plain listener.
type Server struct {
	gnet.BuiltinEventEngine

	handler        Handler
	logger         *zap.Logger
	auditor        Auditor
	conf           atomic.Pointer[ConnConfig]
	bridge         *Bridge
	addr           string
	tlsAddr        string
	tlsConfig      *tls.Config
	multicore      bool
	numEventLoop   int
	reusePort      bool
	maxConnections int

	connections *xsync.MapOf[uint64, *Connection]
	responses   *xsync.MapOf[uint64, *Connection]
	audits      chan Audit
	auditQuit   chan struct{}
	auditDone   chan struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	mu        sync.Mutex
	closed    bool
	listeners []net.Listener
	group     *errgroup.Group
	wg        sync.WaitGroup
	now       func() time.Time
	stopDate  func()

	engine        gnet.Engine
	engineStarted atomic.Bool
}

// NewServer creates a server dispatching requests to handler.
func NewServer(handler Handler, config Config) (*Server, error) {
	if handler == nil {
		return nil, errors.New("h1: nil handler")
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.Conn == nil {
		config.Conn = NewConnConfig(Limits{})
	}
	if config.AuditQueue <= 0 {
		config.AuditQueue = DefaultAuditQueue
	}

	bridge, err := NewBridge(config.Workers, config.Logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		handler:        handler,
		logger:         config.Logger,
		auditor:        config.Auditor,
		bridge:         bridge,
		addr:           config.Addr,
		tlsAddr:        config.TLSAddr,
		tlsConfig:      config.TLSConfig,
		multicore:      config.Multicore,
		numEventLoop:   config.NumEventLoop,
		reusePort:      config.ReusePort,
		maxConnections: config.MaxConnections,
		connections:    xsync.NewMapOf[uint64, *Connection](),
		responses:      xsync.NewMapOf[uint64, *Connection](),
		audits:         make(chan Audit, config.AuditQueue),
		auditQuit:      make(chan struct{}),
		auditDone:      make(chan struct{}),
		ctx:            ctx,
		cancel:         cancel,
		now:            time.Now,
		stopDate:       date.StartTicker(),
	}
	s.conf.Store(config.Conn)
	go s.drainAudits()
	return s, nil
}

// SetConfig replaces the connection policy. Only connections accepted
// afterwards observe it.
func (s *Server) SetConfig(conf *ConnConfig) {
	if conf != nil {
		s.conf.Store(conf)
	}
}

// Config returns the current connection policy.
func (s *Server) Config() *ConnConfig {
	return s.conf.Load()
}

// Len returns the number of live connections.
func (s *Server) Len() int {
	return s.connections.Size()
}

// Serve accepts stream as a new connection and starts serving it. Streams
// implementing transport.Handshaker are handshaken before the first read.
// Once the live set holds MaxConnections the stream is still accepted, but
// answered with 503 and closed.
func (s *Server) Serve(stream transport.Stream) (*Connection, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = stream.Close()
		return nil, ErrServerClosed
	}
	var refusal *ConnError
	if s.maxConnections > 0 && s.connections.Size() >= s.maxConnections {
		refusal = connError(LimitExceeded, "accept", ErrBusy)
	}
	c := newConnection(s, stream, s.conf.Load(), refusal)
	s.connections.Store(c.identity, c)
	s.wg.Add(1)
	s.mu.Unlock()

	connectionsActive.Inc()
	connectionsTotal.WithLabelValues(transportName(stream)).Inc()
	if c.conf.verbose {
		c.logger.Debug("connection accepted", zap.Bool("tls", c.ssl), zap.Bool("refused", refusal != nil))
	}
	go func() {
		defer s.wg.Done()
		c.serve()
	}()
	return c, nil
}

// ServeListener accepts connections from ln until it is closed. When config
// is non-nil every connection is wrapped in a TLS session.
func (s *Server) ServeListener(ln net.Listener, config *tls.Config) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = ln.Close()
		return ErrServerClosed
	}
	s.listeners = append(s.listeners, ln)
	s.mu.Unlock()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.isClosed() || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		var stream transport.Stream = conn
		if config != nil {
			stream = transport.NewTLSStream(conn, config)
		}
		if _, err := s.Serve(stream); err != nil {
			return nil
		}
	}
}

// Start starts the configured listeners. The plain listener runs on gnet;
// the TLS listener, if any, runs on ServeListener.
func (s *Server) Start() error {
	if s.isClosed() {
		return ErrServerClosed
	}
	s.group = &errgroup.Group{}

	if s.addr != "" {
		options := []gnet.Option{
			gnet.WithMulticore(s.multicore),
			gnet.WithReusePort(s.reusePort),
			gnet.WithTCPNoDelay(gnet.TCPNoDelay),
			gnet.WithTCPKeepAlive(time.Minute),
			gnet.WithLogger(s.logger.Sugar()),
			gnet.WithLoadBalancing(gnet.RoundRobin),
		}
		if s.numEventLoop > 0 {
			options = append(options, gnet.WithNumEventLoop(s.numEventLoop))
		}
		addr := s.addr
		s.group.Go(func() error {
			return gnet.Run(s, "tcp://"+addr, options...)
		})
	}

	if s.tlsAddr != "" {
		if s.tlsConfig == nil {
			return errors.New("h1: TLS address configured without TLS config")
		}
		ln, err := net.Listen("tcp", s.tlsAddr)
		if err != nil {
			return err
		}
		s.logger.Info("listening", zap.String("addr", s.tlsAddr), zap.Bool("tls", true))
		s.group.Go(func() error {
			return s.ServeListener(ln, s.tlsConfig)
		})
	}
	return nil
}

// Stop closes the listeners, ends every live connection and waits for their
// controllers to exit or ctx to expire.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrServerClosed
	}
	s.closed = true
	listeners := s.listeners
	s.mu.Unlock()

	s.logger.Info("initiating graceful shutdown", zap.Int("connections", s.Len()))
	for _, ln := range listeners {
		_ = ln.Close()
	}
	if s.engineStarted.Load() {
		if err := s.engine.Stop(ctx); err != nil {
			s.logger.Warn("stopping event engine", zap.Error(err))
		}
	}
	s.connections.Range(func(_ uint64, c *Connection) bool {
		c.End()
		return true
	})

	var err error
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}
	s.cancel()

	if s.group != nil {
		if gerr := s.group.Wait(); gerr != nil && err == nil {
			err = gerr
		}
	}
	if rerr := s.bridge.Release(time.Second); rerr != nil {
		s.logger.Debug("bridge release", zap.Error(rerr))
	}
	close(s.auditQuit)
	<-s.auditDone
	s.stopDate()
	s.logger.Info("shutdown complete")
	return err
}

func (s *Server) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Complete finishes a response whose handler returned ErrDeferred. It fails
// with ErrClosed when the owning connection has gone away.
func (s *Server) Complete(resp *Response) error {
	c, ok := s.responses.Load(resp.ID())
	if !ok {
		return ErrClosed
	}
	c.post(event{kind: evHandled, resp: resp})
	return nil
}

// Lookup returns the live connection owning the response with identity id.
func (s *Server) Lookup(id uint64) (*Connection, bool) {
	return s.responses.Load(id)
}

func (s *Server) newResponse(c *Connection) *Response {
	r := newResponse(c)
	s.responses.Store(r.ID(), c)
	return r
}

func (s *Server) forget(r *Response) {
	s.responses.Delete(r.ID())
}

func (s *Server) remove(c *Connection) {
	if _, ok := s.connections.LoadAndDelete(c.identity); ok {
		connectionsActive.Dec()
	}
}

// audit queues a record for the auditor. Records are dropped rather than
// stalling a connection when the queue is full.
func (s *Server) audit(a Audit) {
	if s.auditor == nil {
		return
	}
	select {
	case s.audits <- a:
	default:
		auditDropped.Inc()
	}
}

func (s *Server) drainAudits() {
	defer close(s.auditDone)
	for {
		select {
		case a := <-s.audits:
			s.record(a)
		case <-s.auditQuit:
			for {
				select {
				case a := <-s.audits:
					s.record(a)
				default:
					return
				}
			}
		}
	}
}

func (s *Server) record(a Audit) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("auditor panic", zap.Any("panic", p))
		}
	}()
	s.auditor.Record(a)
}

// OnBoot is called when the server is ready to accept connections.
func (s *Server) OnBoot(eng gnet.Engine) gnet.Action {
	s.engine = eng
	s.engineStarted.Store(true)
	s.logger.Info("listening", zap.String("addr", s.addr), zap.Bool("multicore", s.multicore))
	return gnet.None
}

// OnShutdown is called when the server is shutting down.
func (s *Server) OnShutdown(_ gnet.Engine) {
	s.engineStarted.Store(false)
}

// OnOpen is called when a new connection is opened.
func (s *Server) OnOpen(c gnet.Conn) ([]byte, gnet.Action) {
	stream := transport.NewGnetStream(c)
	c.SetContext(stream)
	if _, err := s.Serve(stream); err != nil {
		return nil, gnet.Close
	}
	return nil, gnet.None
}

// OnTraffic is called when data is received on a connection.
func (s *Server) OnTraffic(c gnet.Conn) gnet.Action {
	stream, ok := c.Context().(*transport.GnetStream)
	if !ok {
		s.logger.Warn("traffic on connection without stream", zap.Stringer("addr", c.RemoteAddr()))
		return gnet.Close
	}
	if err := stream.Deliver(c); err != nil {
		s.logger.Warn("reading traffic", zap.Error(err))
		return gnet.Close
	}
	return gnet.None
}

// OnClose is called when a connection is closed.
func (s *Server) OnClose(c gnet.Conn, err error) gnet.Action {
	if stream, ok := c.Context().(*transport.GnetStream); ok {
		stream.Shutdown(err)
	}
	return gnet.None
}

func transportName(stream transport.Stream) string {
	switch stream.(type) {
	case *transport.GnetStream:
		return "gnet"
	case *transport.TLSStream:
		return "tls"
	default:
		return "tcp"
	}
}

package h1

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/albertbausili/webserver/internal/transport"
	"go.uber.org/zap"
)

// State is a Connection lifecycle state.
type State int32

// Connection states, in lifecycle order.
const (
	StateAccepting State = iota
	StateHandshaking
	StateAwaitingRequest
	StateReading
	StateParsing
	StateProcessing
	StateResponding
	StateResetting
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepting:
		return "accepting"
	case StateHandshaking:
		return "handshaking"
	case StateAwaitingRequest:
		return "awaiting-request"
	case StateReading:
		return "reading"
	case StateParsing:
		return "parsing"
	case StateProcessing:
		return "processing"
	case StateResponding:
		return "responding"
	case StateResetting:
		return "resetting"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Handler turns a parsed request into a response. Serve runs off the
// connection's controller; ctx is cancelled if the connection closes first.
// Returning ErrDeferred leaves the request open until Server.Complete is
// called with resp.
type Handler interface {
	Serve(ctx context.Context, req *Request, resp *Response) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req *Request, resp *Response) error

// Serve calls f(ctx, req, resp).
func (f HandlerFunc) Serve(ctx context.Context, req *Request, resp *Response) error {
	return f(ctx, req, resp)
}

type eventKind int

const (
	evHandshake eventKind = iota + 1
	evRead
	evContinue
	evHandled
	evWrite
)

type event struct {
	kind eventKind
	data []byte
	n    int
	err  error
	resp *Response
}

type op int

const (
	opNone op = iota
	opHandshake
	opRead
	opWrite
)

func (o op) String() string {
	switch o {
	case opHandshake:
		return "handshake"
	case opRead:
		return "read"
	case opWrite:
		return "write"
	default:
		return "none"
	}
}

var (
	errTooLarge     = errors.New("request exceeds size limit")
	continueLine    = []byte("HTTP/1.1 100 Continue\r\n\r\n")
	lastConnection  atomic.Uint64
	unlimitedAmount = math.MaxInt
)

// Connection is the state machine serving one client stream. All fields
// except state and extended are owned by the connection's controller
// goroutine; accessors other than State, Extend, End, Ended and Done must
// only be called from that goroutine or before it starts.
type Connection struct {
	server *Server
	conf   *ConnConfig
	stream transport.Stream
	parser *Parser
	logger *zap.Logger

	identity uint64
	peer     string
	address  string
	command  string
	agent    string
	result   string
	user     string
	status   int
	sent     int

	buffer    []byte
	excess    []byte
	byteCount int

	ticked          time.Time
	extended        atomic.Int64
	requestStart    time.Time
	connectionStart time.Time
	duration        time.Duration
	requests        int

	processing  bool
	shouldClose bool
	hasReset    bool
	simple      bool
	quiet       bool
	ssl         bool
	handshake   bool
	continued   bool

	response  *Response
	release   func()
	refusal   *ConnError
	pending   op
	state     atomic.Int32
	reqCancel context.CancelFunc

	events   chan event
	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
	timer    *time.Timer
	ctx      context.Context
	cancel   context.CancelFunc
}

func newConnection(s *Server, stream transport.Stream, conf *ConnConfig, refusal *ConnError) *Connection {
	ctx, cancel := context.WithCancel(s.ctx)
	peer := ""
	if addr := stream.RemoteAddr(); addr != nil {
		peer = addr.String()
	}
	c := &Connection{
		server:   s,
		conf:     conf,
		stream:   stream,
		parser:   NewParser(),
		identity: lastConnection.Add(1),
		peer:     peer,
		address:  peer,
		quiet:    conf.IsQuiet(hostOnly(peer)),
		ssl:      transport.IsTLS(stream),
		refusal:  refusal,
		events:   make(chan event, 4),
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	c.logger = s.logger.With(zap.Uint64("conn", c.identity), zap.String("addr", peer))
	return c
}

// serve runs the controller until the connection is closed.
func (c *Connection) serve() {
	defer close(c.done)
	c.start()
	for c.State() != StateClosed {
		select {
		case ev := <-c.events:
			c.dispatch(ev)
		case <-c.timerC():
			c.timeout(c.server.now())
		case <-c.quit:
			c.end()
		}
	}
}

// post hands a completion to the controller. Completions arriving after the
// controller has exited are dropped.
func (c *Connection) post(ev event) {
	select {
	case c.events <- ev:
	case <-c.done:
	}
}

func (c *Connection) dispatch(ev event) {
	switch ev.kind {
	case evHandshake:
		c.onHandshake(ev.err)
	case evRead:
		c.onRead(ev.data, ev.err)
	case evContinue:
		c.onContinue(ev.err)
	case evHandled:
		c.onHandled(ev.resp, ev.err)
	case evWrite:
		c.onWrite(ev.err)
	}
}

func (c *Connection) start() {
	now := c.server.now()
	c.connectionStart = now
	c.ticked = now
	if t := c.conf.connectionTimeout; t > 0 {
		c.arm(t)
	}

	if c.refusal != nil {
		c.reject(503, c.refusal)
		return
	}

	if c.ssl {
		c.setState(StateHandshaking)
		c.handshake = true
		h := c.stream.(transport.Handshaker)
		c.issue(opHandshake, func() error {
			return c.server.bridge.Handshake(c.ctx, h, func(err error) {
				c.post(event{kind: evHandshake, err: err})
			})
		})
		return
	}
	c.awaitRequest()
}

// issue starts a bridge operation. At most one is outstanding at a time.
func (c *Connection) issue(o op, submit func() error) {
	if c.pending != opNone {
		c.logger.Error("operation issued while another is outstanding",
			zap.Stringer("op", o), zap.Stringer("pending", c.pending))
		c.end()
		return
	}
	c.pending = o
	if err := submit(); err != nil {
		c.pending = opNone
		c.fail(connError(TransportError, o.String(), err))
	}
}

func (c *Connection) onHandshake(err error) {
	if c.pending != opHandshake {
		return
	}
	c.pending = opNone
	c.handshake = false
	if err != nil {
		c.fail(connError(TransportError, "handshake", err))
		return
	}
	c.ticked = c.server.now()
	c.awaitRequest()
}

func (c *Connection) awaitRequest() {
	c.setState(StateAwaitingRequest)
	if len(c.buffer) > 0 {
		c.parse()
		return
	}
	c.read()
}

func (c *Connection) read() {
	c.setState(StateReading)
	size := c.conf.readBufferSize
	if remaining, status := c.moreBytes(0); status == 0 && remaining < size-1 {
		size = remaining + 1
	}
	c.issue(opRead, func() error {
		return c.server.bridge.Read(c.stream, size, func(data []byte, err error) {
			c.post(event{kind: evRead, data: data, err: err})
		})
	})
}

func (c *Connection) onRead(data []byte, err error) {
	if c.pending != opRead {
		return
	}
	c.pending = opNone
	if err != nil {
		if errors.Is(err, io.EOF) && len(c.buffer) == 0 {
			// peer closed between requests
			c.end()
			return
		}
		c.fail(connError(TransportError, "read", err))
		return
	}

	now := c.server.now()
	c.ticked = now
	if len(c.buffer) == 0 {
		c.requestStart = now
	}
	c.buffer = append(c.buffer, data...)
	c.moreBytes(len(data))
	c.parse()
}

// moreBytes accounts count further bytes toward the current request and
// returns how many more the applicable limits permit. A non-zero status means
// a limit has been exceeded and is the status to answer with. The request
// head is limited by MaxRequestSize. Once the head is parsed the body is
// limited by MaxBodySize, while chunk framing and trailers share the
// MaxRequestSize allowance with the head.
func (c *Connection) moreBytes(count int) (int, int) {
	c.byteCount += count
	if !c.parser.HeadersDone() {
		limit := c.conf.maxRequestSize
		if limit <= 0 {
			return unlimitedAmount, 0
		}
		if c.byteCount > limit {
			return 0, 431
		}
		return limit - c.byteCount, 0
	}

	bodyLeft := unlimitedAmount
	if limit := c.conf.maxBodySize; limit > 0 {
		used := c.parser.BodyRead()
		if used > int64(limit) {
			return 0, 413
		}
		bodyLeft = limit - int(used)
	}
	if limit := c.conf.maxRequestSize; limit > 0 {
		framing := c.byteCount - c.parser.HeaderLen() - int(c.parser.BodyRead())
		if framing < 0 {
			framing = 0
		}
		used := c.parser.HeaderLen() + framing
		if used > limit {
			return 0, 431
		}
		if bodyLeft == unlimitedAmount {
			return unlimitedAmount, 0
		}
		return bodyLeft + limit - used, 0
	}
	return bodyLeft, 0
}

func (c *Connection) parse() {
	c.setState(StateParsing)
	for {
		res := c.parser.Feed(c.buffer)
		switch res.Status {
		case NeedMore:
			if _, status := c.moreBytes(0); status != 0 {
				c.reject(status, connError(LimitExceeded, "read", errTooLarge))
				return
			}
			if c.needsContinue() {
				c.sendContinue()
				return
			}
			c.read()
			return

		case Malformed:
			c.reject(400, connError(ProtocolError, "parse", res.Err))
			return

		case HeadersComplete:
			if status, err := c.headers(); err != nil {
				c.reject(status, err)
				return
			}

		case BodyComplete:
			if rest := c.buffer[res.Consumed:]; len(rest) > 0 {
				c.excess = bytes.Clone(rest)
			}
			c.buffer = c.buffer[:res.Consumed]
			c.process()
			return
		}
	}
}

// headers records the descriptive attributes of a request whose head has
// been parsed and applies the size limits known at this point.
func (c *Connection) headers() (int, *ConnError) {
	req := c.parser.Request()
	c.hasReset = false
	c.simple = req.Simple
	c.command = req.Command()
	c.agent = req.Header("user-agent")
	c.user = basicUser(req.Header("authorization"))
	if c.conf.secureProxy {
		if fwd := req.Header("x-forwarded-for"); fwd != "" {
			first, _, _ := strings.Cut(fwd, ",")
			c.address = strings.TrimSpace(first)
		}
	}
	req.RemoteAddr = c.address

	if c.conf.verbose {
		c.logger.Debug("request", zap.String("command", c.command), zap.String("agent", c.agent))
	}

	if lim := c.conf.maxRequestSize; lim > 0 && c.parser.HeaderLen() > lim {
		return 431, connError(LimitExceeded, "parse", errTooLarge)
	}
	if lim := c.conf.maxBodySize; lim > 0 && req.ContentLength > int64(lim) {
		return 413, connError(LimitExceeded, "parse", fmt.Errorf("declared body of %d bytes: %w", req.ContentLength, errTooLarge))
	}
	return 0, nil
}

func (c *Connection) needsContinue() bool {
	if c.continued || !c.parser.HeadersDone() || c.parser.BodyRead() > 0 {
		return false
	}
	req := c.parser.Request()
	return req.Version == sHTTP11 && strings.EqualFold(req.Header("expect"), "100-continue")
}

func (c *Connection) sendContinue() {
	c.continued = true
	c.issue(opWrite, func() error {
		return c.server.bridge.Write(c.stream, continueLine, func(_ int, err error) {
			c.post(event{kind: evContinue, err: err})
		})
	})
}

func (c *Connection) onContinue(err error) {
	if c.pending != opWrite {
		return
	}
	c.pending = opNone
	if err != nil {
		c.fail(connError(TransportError, "write", err))
		return
	}
	c.ticked = c.server.now()
	c.read()
}

func (c *Connection) process() {
	c.setState(StateProcessing)
	c.processing = true

	req := c.parser.Request()
	resp := c.server.newResponse(c)
	c.response = resp

	ctx, cancel := context.WithCancel(c.ctx)
	c.reqCancel = cancel
	handler := c.server.handler
	err := c.server.bridge.Go(func() {
		err := invoke(ctx, handler, req, resp)
		if errors.Is(err, ErrDeferred) {
			return
		}
		c.post(event{kind: evHandled, resp: resp, err: err})
	})
	if errors.Is(err, ErrBusy) {
		cancel()
		c.reqCancel = nil
		c.reject(503, connError(LimitExceeded, "handle", err))
		return
	}
	if err != nil {
		c.onHandled(resp, err)
	}
}

func invoke(ctx context.Context, h Handler, req *Request, resp *Response) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return h.Serve(ctx, req, resp)
}

func (c *Connection) onHandled(resp *Response, err error) {
	if c.State() != StateProcessing || resp != c.response {
		return
	}
	if c.reqCancel != nil {
		c.reqCancel()
		c.reqCancel = nil
	}
	if err != nil {
		ce := connError(HandlerFailure, "handle", err)
		c.logger.Error("handler failed", zap.String("command", c.command), zap.Error(ce))
		rejectionsTotal.WithLabelValues(HandlerFailure.String()).Inc()
		resp.reset()
		_ = resp.String(500, "Internal Server Error")
	}
	c.respond()
}

// reject answers the current request with an error status and marks the
// connection for closing.
func (c *Connection) reject(status int, err *ConnError) {
	c.shouldClose = true
	rejectionsTotal.WithLabelValues(err.Kind.String()).Inc()
	if !c.quiet {
		c.logger.Warn("request rejected", zap.Int("status", status), zap.Error(err))
	}
	if c.response == nil {
		c.response = c.server.newResponse(c)
	}
	c.response.reset()
	_ = c.response.String(status, "%s", StatusText(status))
	c.respond()
}

func (c *Connection) respond() {
	c.setState(StateResponding)
	req := c.parser.Request()
	if !req.KeepAlive || c.limitReached(c.server.now(), c.requests+1) {
		c.shouldClose = true
	}

	resp := c.response
	c.status = resp.Status()
	c.result = resp.StatusLine()
	data, release := resp.encode(encodeOptions{
		version:   req.Version,
		keepAlive: !c.shouldClose,
		simple:    c.simple,
		head:      req.Method == "HEAD",
	})
	c.release = release
	c.sent = len(data)
	// A simple response is the bare body. Nothing delimits it, so a client
	// that keeps the connection open cannot tell where it ends.
	c.issue(opWrite, func() error {
		return c.server.bridge.Write(c.stream, data, func(n int, err error) {
			c.post(event{kind: evWrite, n: n, err: err})
		})
	})
}

func (c *Connection) onWrite(err error) {
	if c.pending != opWrite {
		return
	}
	c.pending = opNone
	if c.release != nil {
		c.release()
		c.release = nil
	}
	if err != nil {
		c.fail(connError(TransportError, "write", err))
		return
	}

	now := c.server.now()
	c.ticked = now
	start := c.requestStart
	if start.IsZero() {
		start = c.connectionStart
	}
	c.duration = now.Sub(start)
	c.requests++
	requestsTotal.WithLabelValues(strconv.Itoa(c.status)).Inc()
	requestDuration.Observe(c.duration.Seconds())

	if !c.quiet {
		c.server.audit(c.Audit())
	}
	if c.conf.verbose {
		fields := []zap.Field{zap.String("command", c.command), zap.String("result", c.result)}
		if c.conf.durations {
			fields = append(fields, zap.Duration("duration", c.duration))
		}
		c.logger.Debug("response sent", fields...)
	}

	c.server.forget(c.response)
	c.response = nil
	c.processing = false

	if c.shouldClose || c.limitReached(now, c.requests) {
		c.end()
		return
	}
	c.setState(StateResetting)
	if err := c.Reset(); err != nil {
		c.logger.Error("reset failed", zap.Error(err))
		c.end()
		return
	}
	c.awaitRequest()
}

// limitReached reports whether the connection must close once n requests
// have been served.
func (c *Connection) limitReached(now time.Time, n int) bool {
	if m := c.conf.maxConnectionRequests; m > 0 && n >= m {
		return true
	}
	if d := c.conf.maxConnectionDuration; d > 0 && now.Sub(c.connectionStart) >= d {
		return true
	}
	return false
}

// Reset clears per-request state so the connection can serve its next
// request. Bytes already received beyond the previous request become the
// start of the next one. It fails with ErrProcessing while a request is
// being handled.
func (c *Connection) Reset() error {
	if c.processing {
		return ErrProcessing
	}
	c.address = c.peer
	c.command = ""
	c.agent = ""
	c.result = ""
	c.user = ""
	c.status = 0
	c.sent = 0
	c.simple = false
	c.continued = false
	c.parser.Reset()
	c.buffer = c.excess
	c.excess = nil
	c.byteCount = len(c.buffer)
	c.requestStart = time.Time{}
	if len(c.buffer) > 0 {
		c.requestStart = c.server.now()
	}
	c.hasReset = true
	return nil
}

// Extend suppresses the idle timeout until when. A zero time removes the
// override. Safe to call from a handler.
func (c *Connection) Extend(when time.Time) {
	if when.IsZero() {
		c.extended.Store(0)
		return
	}
	c.extended.Store(when.UnixNano())
}

func (c *Connection) extendedUntil() time.Time {
	if ns := c.extended.Load(); ns != 0 {
		return time.Unix(0, ns)
	}
	return time.Time{}
}

// timeout is run when the idle timer fires. While an extension is in the
// future the timer is re-armed; otherwise an idle connection is closed
// whatever state it is in.
func (c *Connection) timeout(now time.Time) {
	if c.Ended() {
		return
	}
	limit := c.conf.connectionTimeout
	if limit <= 0 {
		return
	}
	if until := c.extendedUntil(); until.After(now) {
		c.arm(until.Sub(now))
		return
	}
	idle := now.Sub(c.ticked)
	if idle < limit {
		c.arm(limit - idle)
		return
	}
	if !c.quiet {
		c.logger.Info("connection timed out", zap.Stringer("state", c.State()), zap.Duration("idle", idle))
	}
	rejectionsTotal.WithLabelValues("timeout").Inc()
	c.end()
}

func (c *Connection) arm(d time.Duration) {
	if c.timer == nil {
		c.timer = time.NewTimer(d)
		return
	}
	c.timer.Reset(d)
}

func (c *Connection) timerC() <-chan time.Time {
	if c.timer == nil {
		return nil
	}
	return c.timer.C
}

func (c *Connection) fail(err *ConnError) {
	rejectionsTotal.WithLabelValues(err.Kind.String()).Inc()
	if !c.quiet {
		c.logger.Warn("connection failed", zap.Stringer("state", c.State()), zap.Error(err))
	}
	c.end()
}

// end closes the connection. It is safe in any state and idempotent.
func (c *Connection) end() {
	if c.Ended() {
		return
	}
	c.setState(StateClosing)
	if c.timer != nil {
		c.timer.Stop()
	}
	if c.reqCancel != nil {
		c.reqCancel()
		c.reqCancel = nil
	}
	c.cancel()
	if c.response != nil {
		c.server.forget(c.response)
		c.response = nil
	}
	// an outstanding write may still hold the encode buffer
	c.release = nil
	c.processing = false
	c.server.remove(c)
	if err := c.stream.Close(); err != nil && c.conf.verbose {
		c.logger.Debug("close", zap.Error(err))
	}
	if c.conf.durations {
		c.logger.Info("connection closed",
			zap.Int("requests", c.requests),
			zap.Duration("duration", c.ConnectionDuration(c.server.now())))
	} else if c.conf.verbose {
		c.logger.Debug("connection closed", zap.Int("requests", c.requests))
	}
	c.setState(StateClosed)
}

// End asks the controller to close the connection. Safe from any goroutine.
func (c *Connection) End() {
	c.quitOnce.Do(func() { close(c.quit) })
}

// Ended reports whether the connection is closing or closed.
func (c *Connection) Ended() bool {
	st := c.State()
	return st == StateClosing || st == StateClosed
}

// Done is closed when the controller has exited.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// State returns the current lifecycle state.
func (c *Connection) State() State {
	return State(c.state.Load())
}

func (c *Connection) setState(s State) {
	c.state.Store(int32(s))
}

// Audit returns a snapshot describing the current request.
func (c *Connection) Audit() Audit {
	now := c.server.now()
	return Audit{
		Connection:         c.identity,
		Time:               now,
		Address:            c.address,
		Command:            c.command,
		Agent:              c.agent,
		Result:             c.result,
		User:               c.user,
		Status:             c.status,
		Bytes:              c.byteCount,
		Sent:               c.sent,
		Requests:           c.requests,
		RequestDuration:    c.duration,
		ConnectionDuration: now.Sub(c.connectionStart),
	}
}

// Identity returns the connection identity, unique among live connections.
func (c *Connection) Identity() uint64 { return c.identity }

// Address returns the client address for the current request.
func (c *Connection) Address() string { return c.address }

// Excess returns bytes received beyond the current request.
func (c *Connection) Excess() []byte { return c.excess }

// HasReset reports whether the connection has reset and not yet parsed the
// head of its next request.
func (c *Connection) HasReset() bool { return c.hasReset }

// Processing reports whether a request is being handled.
func (c *Connection) Processing() bool { return c.processing }

// Quiet reports whether audit and warning output is suppressed.
func (c *Connection) Quiet() bool { return c.quiet }

// ShouldClose reports whether the connection closes after the current response.
func (c *Connection) ShouldClose() bool { return c.shouldClose }

// SetShouldClose marks the connection to close after the current response.
func (c *Connection) SetShouldClose(v bool) { c.shouldClose = v }

// Ticked returns the time of the last observed activity.
func (c *Connection) Ticked() time.Time { return c.ticked }

// Requests returns the number of requests completed on the connection.
func (c *Connection) Requests() int { return c.requests }

// ConnectionDuration returns the connection age at now.
func (c *Connection) ConnectionDuration(now time.Time) time.Duration {
	return now.Sub(c.connectionStart)
}

// RequestDuration returns the time since the current request started.
func (c *Connection) RequestDuration(now time.Time) time.Duration {
	if c.requestStart.IsZero() {
		return 0
	}
	return now.Sub(c.requestStart)
}

func basicUser(auth string) string {
	const prefix = "basic "
	if len(auth) <= len(prefix) || !strings.EqualFold(auth[:len(prefix)], prefix) {
		return ""
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(auth[len(prefix):]))
	if err != nil {
		return ""
	}
	user, _, _ := strings.Cut(string(raw), ":")
	return user
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

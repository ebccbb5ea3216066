package transport

import (
	"io"
	"net"
	"sync"

	"github.com/panjf2000/gnet/v2"
)

// GnetStream adapts an event-driven gnet connection to the blocking Stream
// interface. The event loop pushes inbound bytes with Deliver; Read blocks
// until bytes arrive or the stream is shut down. Write queues an AsyncWrite
// and waits for its completion callback.
type GnetStream struct {
	conn   gnet.Conn
	remote net.Addr

	mu    sync.Mutex
	cond  *sync.Cond
	inbox []byte
	err   error

	done     chan struct{}
	doneOnce sync.Once
}

// NewGnetStream creates a stream for c. It must be created on the event loop
// (typically in OnOpen).
func NewGnetStream(c gnet.Conn) *GnetStream {
	s := &GnetStream{
		conn:   c,
		remote: c.RemoteAddr(),
		done:   make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Deliver drains all inbound bytes from c into the stream. It is called from
// OnTraffic on the event loop and never blocks on readers.
func (s *GnetStream) Deliver(c gnet.Conn) error {
	buf, err := c.Next(-1)
	if err != nil {
		return err
	}
	if len(buf) == 0 {
		return nil
	}
	s.mu.Lock()
	if s.err == nil {
		// buf is only valid until OnTraffic returns
		s.inbox = append(s.inbox, buf...)
		s.cond.Broadcast()
	}
	s.mu.Unlock()
	return nil
}

// Buffered returns the number of delivered bytes not yet read.
func (s *GnetStream) Buffered() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inbox)
}

// Read implements io.Reader.
func (s *GnetStream) Read(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for len(s.inbox) == 0 && s.err == nil {
		s.cond.Wait()
	}
	if len(s.inbox) > 0 {
		n := copy(p, s.inbox)
		s.inbox = s.inbox[:copy(s.inbox, s.inbox[n:])]
		return n, nil
	}
	return 0, s.err
}

// Write implements io.Writer.
func (s *GnetStream) Write(p []byte) (int, error) {
	result := make(chan error, 1)
	err := s.conn.AsyncWrite(p, func(_ gnet.Conn, err error) error {
		result <- err
		return nil
	})
	if err != nil {
		return 0, err
	}
	select {
	case err = <-result:
		if err != nil {
			return 0, err
		}
		return len(p), nil
	case <-s.done:
		return 0, net.ErrClosed
	}
}

// RemoteAddr returns the peer address captured when the stream was opened.
func (s *GnetStream) RemoteAddr() net.Addr {
	return s.remote
}

// Close closes the underlying gnet connection and wakes blocked readers.
func (s *GnetStream) Close() error {
	s.shutdown(net.ErrClosed)
	return s.conn.Close()
}

// Shutdown records that the event loop closed the connection. Pending and
// future reads return io.EOF once the buffered bytes are drained.
func (s *GnetStream) Shutdown(err error) {
	if err == nil {
		err = io.EOF
	}
	s.shutdown(err)
}

func (s *GnetStream) shutdown(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.cond.Broadcast()
	s.mu.Unlock()
	s.doneOnce.Do(func() { close(s.done) })
}

// Package transport provides the byte-stream abstraction a connection is served over.
// Streams are blocking; callers that must not block run them on worker goroutines.
package transport

import (
	"context"
	"crypto/tls"
	"io"
	"net"
)

// Stream is a bidirectional byte stream to one client.
type Stream interface {
	io.ReadWriteCloser
	RemoteAddr() net.Addr
}

// Handshaker is implemented by streams that negotiate a session (TLS) before
// carrying request bytes.
type Handshaker interface {
	Handshake(ctx context.Context) error
}

// TLSStream wraps a server-side TLS connection.
type TLSStream struct {
	*tls.Conn
}

// NewTLSStream wraps c in a server-side TLS session using config.
// The handshake is not performed until Handshake is called.
func NewTLSStream(c net.Conn, config *tls.Config) *TLSStream {
	return &TLSStream{Conn: tls.Server(c, config)}
}

// Handshake runs the TLS server handshake.
func (s *TLSStream) Handshake(ctx context.Context) error {
	return s.HandshakeContext(ctx)
}

// IsTLS reports whether s negotiates TLS before carrying requests.
func IsTLS(s Stream) bool {
	_, ok := s.(Handshaker)
	return ok
}

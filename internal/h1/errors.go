package h1

import (
	"errors"
	"fmt"
)

var (
	// ErrProcessing is returned by Connection.Reset while a request is being handled.
	ErrProcessing = errors.New("h1: connection is processing a request")
	// ErrDeferred is returned by a Handler that will complete its response
	// later through Server.Complete.
	ErrDeferred = errors.New("h1: response deferred")
	// ErrClosed is returned when the connection owning a response is gone.
	ErrClosed = errors.New("h1: connection closed")
	// ErrBusy is the cause recorded for connections refused at the connection limit.
	ErrBusy = errors.New("h1: too many connections")
	// ErrServerClosed is returned by Server methods after Stop.
	ErrServerClosed = errors.New("h1: server closed")
)

// ErrorKind classifies what went wrong on a connection.
type ErrorKind int

const (
	// TransportError is a read, write or handshake failure. Always fatal.
	TransportError ErrorKind = iota + 1
	// ProtocolError is a malformed request.
	ProtocolError
	// LimitExceeded is a size, count or duration limit violation.
	LimitExceeded
	// HandlerFailure is an error or panic in the request handler.
	HandlerFailure
)

func (k ErrorKind) String() string {
	switch k {
	case TransportError:
		return "transport"
	case ProtocolError:
		return "protocol"
	case LimitExceeded:
		return "limit"
	case HandlerFailure:
		return "handler"
	default:
		return "unknown"
	}
}

// ConnError is an error raised inside a connection's state machine.
type ConnError struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *ConnError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("h1: %s error during %s", e.Kind, e.Op)
	}
	return fmt.Sprintf("h1: %s error during %s: %v", e.Kind, e.Op, e.Err)
}

func (e *ConnError) Unwrap() error {
	return e.Err
}

func connError(kind ErrorKind, op string, err error) *ConnError {
	return &ConnError{Kind: kind, Op: op, Err: err}
}

// KindOf returns the ErrorKind of err, or 0 if err is not a *ConnError.
func KindOf(err error) ErrorKind {
	var ce *ConnError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return 0
}

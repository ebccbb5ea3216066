package h1

import (
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestConnError(t *testing.T) {
	err := connError(TransportError, "read", io.ErrUnexpectedEOF)

	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Error("Expected ConnError to unwrap to its cause")
	}
	if err.Error() != "h1: transport error during read: unexpected EOF" {
		t.Errorf("Unexpected message %q", err.Error())
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{connError(ProtocolError, "parse", nil), ProtocolError},
		{fmt.Errorf("wrapped: %w", connError(LimitExceeded, "read", errTooLarge)), LimitExceeded},
		{errors.New("plain"), 0},
		{nil, 0},
	}

	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestErrorKind_String(t *testing.T) {
	tests := map[ErrorKind]string{
		TransportError: "transport",
		ProtocolError:  "protocol",
		LimitExceeded:  "limit",
		HandlerFailure: "handler",
		ErrorKind(0):   "unknown",
	}
	for k, want := range tests {
		if got := k.String(); got != want {
			t.Errorf("ErrorKind(%d).String() = %q, want %q", int(k), got, want)
		}
	}
}

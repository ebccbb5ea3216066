package h1

import (
	"context"
	"errors"
	"time"

	"github.com/albertbausili/webserver/internal/transport"
	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// Bridge runs blocking transport operations on a worker pool and reports
// each completion through a callback. Callers never block on the transport;
// the callback is where a result re-enters its connection's controller.
//
// Transport operations run on an unbounded pool so a parked keep-alive read
// never holds a slot. Handlers run on a separate pool of at most workers
// goroutines that refuses work when full instead of blocking the caller.
type Bridge struct {
	io       *ants.Pool
	handlers *ants.Pool
	logger   *zap.Logger
}

// NewBridge creates a bridge running at most workers handlers at once.
// workers <= 0 means unbounded.
func NewBridge(workers int, logger *zap.Logger) (*Bridge, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	panics := ants.WithPanicHandler(func(p any) {
		logger.Error("bridge worker panic", zap.Any("panic", p))
	})
	ioPool, err := ants.NewPool(-1, ants.WithExpiryDuration(10*time.Second), panics)
	if err != nil {
		return nil, err
	}
	handlers, err := ants.NewPool(workers,
		ants.WithExpiryDuration(10*time.Second),
		ants.WithNonblocking(true),
		panics,
	)
	if err != nil {
		ioPool.Release()
		return nil, err
	}
	return &Bridge{io: ioPool, handlers: handlers, logger: logger}, nil
}

// Read reads up to size bytes from s and calls done with the bytes read.
// A read that returns data together with an error reports the data only;
// the error surfaces on the next read.
func (b *Bridge) Read(s transport.Stream, size int, done func(data []byte, err error)) error {
	return b.io.Submit(func() {
		buf := make([]byte, size)
		n, err := s.Read(buf)
		if n > 0 {
			err = nil
		}
		done(buf[:n], err)
	})
}

// Write writes all of data to s and calls done with the count written.
func (b *Bridge) Write(s transport.Stream, data []byte, done func(n int, err error)) error {
	return b.io.Submit(func() {
		written := 0
		for written < len(data) {
			n, err := s.Write(data[written:])
			written += n
			if err != nil {
				done(written, err)
				return
			}
		}
		done(written, nil)
	})
}

// Handshake negotiates the stream's session and calls done with the outcome.
func (b *Bridge) Handshake(ctx context.Context, h transport.Handshaker, done func(err error)) error {
	return b.io.Submit(func() {
		done(h.Handshake(ctx))
	})
}

// Go runs fn on the handler pool. It fails with ErrBusy when every handler
// worker is taken.
func (b *Bridge) Go(fn func()) error {
	err := b.handlers.Submit(fn)
	if errors.Is(err, ants.ErrPoolOverload) {
		return ErrBusy
	}
	return err
}

// Running returns the number of busy handler workers.
func (b *Bridge) Running() int {
	return b.handlers.Running()
}

// Release stops both pools, waiting up to timeout for busy workers.
func (b *Bridge) Release(timeout time.Duration) error {
	herr := b.handlers.ReleaseTimeout(timeout)
	if err := b.io.ReleaseTimeout(timeout); err != nil {
		return err
	}
	return herr
}

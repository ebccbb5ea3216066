// Package webserver provides an HTTP/1.x server built around a per-connection
// state machine with keep-alive reuse, pipelining, size and time limits, and
// request auditing.
package webserver

import (
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/albertbausili/webserver/internal/h1"
	"go.uber.org/zap"
)

// Config holds the server configuration options.
type Config struct {
	Addr         string      // Plain listener address
	TLSAddr      string      // TLS listener address (optional)
	TLSConfig    *tls.Config // Required when TLSAddr is set
	Multicore    bool        // Enable multicore mode for the event loop
	NumEventLoop int         // Number of event loops (0 for auto-detect)
	ReusePort    bool        // Enable SO_REUSEPORT for load balancing
	Logger       *zap.Logger // Logger for server events

	Verbose     bool // Log every request at debug level
	Durations   bool // Include request and connection durations in logs
	ReverseDNS  bool // Flag for auditors that resolve client addresses
	SecureProxy bool // Trust X-Forwarded-For from the peer

	MaxBodySize           int           // Maximum request body in bytes (0 for unlimited)
	MaxRequestSize        int           // Maximum request line plus headers in bytes (0 for unlimited)
	MaxConnectionRequests int           // Requests served per connection (0 for unlimited)
	MaxConnectionDuration time.Duration // Connection age after which it closes between requests
	ConnectionTimeout     time.Duration // Idle time before a connection is closed
	ReadBufferSize        int           // Largest single read from a client
	MaxConnections        int           // Live connections before new ones get 503 (0 for unlimited)
	Workers               int           // Concurrent handler limit (0 for unbounded)
	QuietHosts            []string      // Client hosts excluded from auditing

	Auditor    Auditor // Receives one record per completed request
	AuditQueue int     // Buffered audit records before new ones are dropped
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		Addr:                  ":8080",
		Multicore:             true,
		NumEventLoop:          0, // Auto-detect
		ReusePort:             true,
		Logger:                zap.NewNop(),
		MaxBodySize:           4 << 20, // 4 MiB
		MaxRequestSize:        8 << 10, // 8 KiB
		MaxConnectionRequests: 100,
		MaxConnectionDuration: 10 * time.Second,
		ConnectionTimeout:     30 * time.Second,
		ReadBufferSize:        h1.DefaultReadBufferSize,
		MaxConnections:        128,
		AuditQueue:            h1.DefaultAuditQueue,
	}
}

// Validate checks and normalizes the configuration values.
func (c *Config) Validate() error {
	if c.Addr == "" && c.TLSAddr == "" {
		c.Addr = ":8080"
	}
	if c.TLSAddr != "" && c.TLSConfig == nil {
		return errors.New("webserver: TLSAddr requires TLSConfig")
	}
	if c.Logger == nil {
		c.Logger = zap.NewNop()
	}

	limits := []struct {
		name  string
		value int64
	}{
		{"MaxBodySize", int64(c.MaxBodySize)},
		{"MaxRequestSize", int64(c.MaxRequestSize)},
		{"MaxConnectionRequests", int64(c.MaxConnectionRequests)},
		{"MaxConnectionDuration", int64(c.MaxConnectionDuration)},
		{"ConnectionTimeout", int64(c.ConnectionTimeout)},
		{"MaxConnections", int64(c.MaxConnections)},
	}
	for _, l := range limits {
		if l.value < 0 {
			return fmt.Errorf("webserver: %s must not be negative, got %d", l.name, l.value)
		}
	}

	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = h1.DefaultReadBufferSize
	}
	if c.AuditQueue <= 0 {
		c.AuditQueue = h1.DefaultAuditQueue
	}
	return nil
}

// connConfig snapshots the per-connection policy.
func (c *Config) connConfig() *h1.ConnConfig {
	return h1.NewConnConfig(h1.Limits{
		Verbose:               c.Verbose,
		Durations:             c.Durations,
		ReverseDNS:            c.ReverseDNS,
		SecureProxy:           c.SecureProxy,
		MaxBodySize:           c.MaxBodySize,
		MaxRequestSize:        c.MaxRequestSize,
		MaxConnectionRequests: c.MaxConnectionRequests,
		MaxConnectionDuration: c.MaxConnectionDuration,
		ConnectionTimeout:     c.ConnectionTimeout,
		ReadBufferSize:        c.ReadBufferSize,
		QuietHosts:            c.QuietHosts,
	})
}

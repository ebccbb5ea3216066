package h1

import (
	"time"
)

// Limits holds the per-connection policy values. A zero size, duration or
// count means "no limit".
type Limits struct {
	Verbose               bool          // log each request at debug level
	Durations             bool          // include request and connection times in logs
	ReverseDNS            bool          // resolve client addresses (resolution is left to the caller)
	SecureProxy           bool          // trust X-Forwarded-For from the peer
	MaxBodySize           int           // maximum request body in bytes
	MaxRequestSize        int           // maximum request line, headers, chunk framing and trailers in bytes
	MaxConnectionRequests int           // requests served before the connection is closed
	MaxConnectionDuration time.Duration // connection age after which it is closed between requests
	ConnectionTimeout     time.Duration // idle time after which the connection is closed
	ReadBufferSize        int           // largest single read issued to the transport
	QuietHosts            []string      // peer addresses whose connections are not audited
}

// DefaultReadBufferSize is used when Limits.ReadBufferSize is zero.
const DefaultReadBufferSize = 16 << 10

// ConnConfig is an immutable snapshot of Limits shared by every connection
// created while it is current. A policy change produces a new ConnConfig;
// existing connections keep the one they were created with.
type ConnConfig struct {
	verbose               bool
	durations             bool
	reverse               bool
	secureProxy           bool
	maxBodySize           int
	maxRequestSize        int
	maxConnectionRequests int
	maxConnectionDuration time.Duration
	connectionTimeout     time.Duration
	readBufferSize        int
	quiet                 map[string]struct{}
}

// NewConnConfig snapshots l. Negative values are treated as zero.
func NewConnConfig(l Limits) *ConnConfig {
	c := &ConnConfig{
		verbose:               l.Verbose,
		durations:             l.Durations,
		reverse:               l.ReverseDNS,
		secureProxy:           l.SecureProxy,
		maxBodySize:           max(l.MaxBodySize, 0),
		maxRequestSize:        max(l.MaxRequestSize, 0),
		maxConnectionRequests: max(l.MaxConnectionRequests, 0),
		maxConnectionDuration: max(l.MaxConnectionDuration, 0),
		connectionTimeout:     max(l.ConnectionTimeout, 0),
		readBufferSize:        l.ReadBufferSize,
		quiet:                 make(map[string]struct{}, len(l.QuietHosts)),
	}
	if c.readBufferSize <= 0 {
		c.readBufferSize = DefaultReadBufferSize
	}
	for _, h := range l.QuietHosts {
		c.quiet[h] = struct{}{}
	}
	return c
}

// Limits returns a copy of the snapshot's values.
func (c *ConnConfig) Limits() Limits {
	l := Limits{
		Verbose:               c.verbose,
		Durations:             c.durations,
		ReverseDNS:            c.reverse,
		SecureProxy:           c.secureProxy,
		MaxBodySize:           c.maxBodySize,
		MaxRequestSize:        c.maxRequestSize,
		MaxConnectionRequests: c.maxConnectionRequests,
		MaxConnectionDuration: c.maxConnectionDuration,
		ConnectionTimeout:     c.connectionTimeout,
		ReadBufferSize:        c.readBufferSize,
	}
	for h := range c.quiet {
		l.QuietHosts = append(l.QuietHosts, h)
	}
	return l
}

// IsQuiet reports whether connections from host are exempt from auditing.
func (c *ConnConfig) IsQuiet(host string) bool {
	_, ok := c.quiet[host]
	return ok
}

package h1

import (
	"strings"
)

// Request is a parsed HTTP/1.x request. Body and header values remain valid
// until the connection resets for its next request.
type Request struct {
	Method  string
	Path    string
	Version string
	// Headers holds the request headers in wire order with lowercased names.
	Headers [][2]string
	Host    string
	// ContentLength is the declared body length, or -1 when not declared.
	ContentLength int64
	Chunked       bool
	KeepAlive     bool
	// Simple marks a request line without version: no headers, no body, and a
	// response consisting of the body only.
	Simple     bool
	Body       []byte
	RemoteAddr string
}

// Reset clears the request fields for reuse.
func (r *Request) Reset() {
	r.Method = ""
	r.Path = ""
	r.Version = ""
	r.Headers = nil
	r.Host = ""
	r.ContentLength = -1
	r.Chunked = false
	r.KeepAlive = false
	r.Simple = false
	r.Body = nil
	r.RemoteAddr = ""
}

// Header returns the first value of the named header, or "".
func (r *Request) Header(name string) string {
	for _, h := range r.Headers {
		if strings.EqualFold(h[0], name) {
			return h[1]
		}
	}
	return ""
}

// Values returns every value of the named header.
func (r *Request) Values(name string) []string {
	var vals []string
	for _, h := range r.Headers {
		if strings.EqualFold(h[0], name) {
			vals = append(vals, h[1])
		}
	}
	return vals
}

// Command returns the request line as it is recorded in audit entries.
func (r *Request) Command() string {
	if r.Method == "" {
		return ""
	}
	if r.Simple {
		return r.Method + " " + r.Path
	}
	return r.Method + " " + r.Path + " " + r.Version
}

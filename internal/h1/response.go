package h1

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"weak"

	"github.com/albertbausili/webserver/internal/date"
)

// Pre-allocated response fragments
var (
	statusLine200       = []byte("HTTP/1.1 200 OK\r\n")
	headerDate          = []byte("date: ")
	headerContentLength = []byte("content-length: ")
	headerConnection    = []byte("connection: ")
	headerKeepAlive     = []byte("keep-alive\r\n")
	headerClose         = []byte("close\r\n")
	headerSep           = []byte(": ")
	crlf                = []byte("\r\n")

	responseBufferPool = sync.Pool{
		New: func() any {
			b := make([]byte, 0, 4096)
			return &b
		},
	}
)

var lastResponseID atomic.Uint64

// Response is a response in progress. Its identity is assigned at creation
// and never changes; lookups key on ID only, never on content.
//
// The Connection owns its Response. The back reference is weak, so a
// Response retained by a handler never keeps its Connection alive.
type Response struct {
	id      uint64
	conn    weak.Pointer[Connection]
	status  int
	headers [][2]string
	body    bytes.Buffer
}

func newResponse(c *Connection) *Response {
	r := &Response{
		id:     lastResponseID.Add(1),
		status: 200,
	}
	if c != nil {
		r.conn = weak.Make(c)
	}
	return r
}

// NewResponse creates a response that belongs to no connection.
func NewResponse() *Response {
	return newResponse(nil)
}

// ID returns the response identity.
func (r *Response) ID() uint64 {
	return r.id
}

// Connection returns the connection the response belongs to, or nil once
// that connection has been released.
func (r *Response) Connection() *Connection {
	return r.conn.Value()
}

// Status returns the response status code.
func (r *Response) Status() int {
	return r.status
}

// SetStatus sets the response status code.
func (r *Response) SetStatus(code int) {
	r.status = code
}

// SetHeader replaces any values of the named header with value.
func (r *Response) SetHeader(name, value string) {
	name = strings.ToLower(name)
	r.DelHeader(name)
	r.headers = append(r.headers, [2]string{name, value})
}

// AddHeader appends a value for the named header.
func (r *Response) AddHeader(name, value string) {
	r.headers = append(r.headers, [2]string{strings.ToLower(name), value})
}

// DelHeader removes every value of the named header.
func (r *Response) DelHeader(name string) {
	kept := r.headers[:0]
	for _, h := range r.headers {
		if !strings.EqualFold(h[0], name) {
			kept = append(kept, h)
		}
	}
	r.headers = kept
}

// Header returns the first value of the named header, or "".
func (r *Response) Header(name string) string {
	for _, h := range r.headers {
		if strings.EqualFold(h[0], name) {
			return h[1]
		}
	}
	return ""
}

// Headers returns the response headers in insertion order.
func (r *Response) Headers() [][2]string {
	return r.headers
}

// Write appends p to the body.
func (r *Response) Write(p []byte) (int, error) {
	return r.body.Write(p)
}

// WriteString appends s to the body.
func (r *Response) WriteString(s string) (int, error) {
	return r.body.WriteString(s)
}

// Body returns the body accumulated so far.
func (r *Response) Body() []byte {
	return r.body.Bytes()
}

// SetBody replaces the body.
func (r *Response) SetBody(b []byte) {
	r.body.Reset()
	r.body.Write(b)
}

// String sets a text/plain response.
func (r *Response) String(status int, format string, values ...any) error {
	r.status = status
	r.SetHeader("content-type", "text/plain; charset=utf-8")
	r.body.Reset()
	_, err := fmt.Fprintf(&r.body, format, values...)
	return err
}

// JSON sets an application/json response.
func (r *Response) JSON(status int, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return r.Data(status, "application/json", data)
}

// Data sets a response with the given content type and body.
func (r *Response) Data(status int, contentType string, data []byte) error {
	r.status = status
	r.SetHeader("content-type", contentType)
	r.SetBody(data)
	return nil
}

// reset discards everything except identity.
func (r *Response) reset() {
	r.status = 200
	r.headers = r.headers[:0]
	r.body.Reset()
}

// StatusLine returns "CODE Reason" for the current status.
func (r *Response) StatusLine() string {
	return strconv.Itoa(r.status) + " " + StatusText(r.status)
}

type encodeOptions struct {
	version   string
	keepAlive bool
	simple    bool
	head      bool
}

// encode appends the wire form of the response to a pooled buffer. The
// returned release function gives the buffer back once it has been written.
func (r *Response) encode(opts encodeOptions) ([]byte, func()) {
	bufPtr := responseBufferPool.Get().(*[]byte)
	buf := (*bufPtr)[:0]
	release := func() {
		if cap(buf) <= 64<<10 {
			*bufPtr = buf[:0]
			responseBufferPool.Put(bufPtr)
		}
	}

	body := r.body.Bytes()
	if opts.simple {
		buf = append(buf, body...)
		return buf, release
	}

	version := opts.version
	if version != sHTTP10 {
		version = sHTTP11
	}
	if r.status == 200 && version == sHTTP11 {
		buf = append(buf, statusLine200...)
	} else {
		buf = append(buf, version...)
		buf = append(buf, ' ')
		buf = strconv.AppendInt(buf, int64(r.status), 10)
		buf = append(buf, ' ')
		buf = append(buf, StatusText(r.status)...)
		buf = append(buf, crlf...)
	}

	hasDate := false
	for _, h := range r.headers {
		switch h[0] {
		case "content-length", "connection", "transfer-encoding":
			// framing is owned by the connection
			continue
		case "date":
			hasDate = true
		}
		buf = append(buf, h[0]...)
		buf = append(buf, headerSep...)
		buf = append(buf, h[1]...)
		buf = append(buf, crlf...)
	}
	if !hasDate {
		buf = append(buf, headerDate...)
		buf = append(buf, date.Current()...)
		buf = append(buf, crlf...)
	}

	if bodyAllowed(r.status) {
		buf = append(buf, headerContentLength...)
		buf = strconv.AppendInt(buf, int64(len(body)), 10)
		buf = append(buf, crlf...)
	}

	buf = append(buf, headerConnection...)
	if opts.keepAlive {
		buf = append(buf, headerKeepAlive...)
	} else {
		buf = append(buf, headerClose...)
	}
	buf = append(buf, crlf...)

	if !opts.head && bodyAllowed(r.status) {
		buf = append(buf, body...)
	}
	return buf, release
}

// bodyAllowed reports whether a response with this status may carry a body.
func bodyAllowed(status int) bool {
	return status >= 200 && status != 204 && status != 304
}

// StatusText returns the reason phrase for common HTTP status codes.
func StatusText(code int) string {
	switch code {
	case 100:
		return "Continue"
	case 200:
		return "OK"
	case 201:
		return "Created"
	case 202:
		return "Accepted"
	case 204:
		return "No Content"
	case 206:
		return "Partial Content"
	case 301:
		return "Moved Permanently"
	case 302:
		return "Found"
	case 304:
		return "Not Modified"
	case 307:
		return "Temporary Redirect"
	case 308:
		return "Permanent Redirect"
	case 400:
		return "Bad Request"
	case 401:
		return "Unauthorized"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 408:
		return "Request Timeout"
	case 411:
		return "Length Required"
	case 413:
		return "Payload Too Large"
	case 414:
		return "URI Too Long"
	case 415:
		return "Unsupported Media Type"
	case 429:
		return "Too Many Requests"
	case 431:
		return "Request Header Fields Too Large"
	case 500:
		return "Internal Server Error"
	case 501:
		return "Not Implemented"
	case 502:
		return "Bad Gateway"
	case 503:
		return "Service Unavailable"
	case 504:
		return "Gateway Timeout"
	default:
		return "Unknown"
	}
}

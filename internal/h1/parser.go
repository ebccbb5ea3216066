// Package h1 implements the HTTP/1.x connection core: incremental request
// parsing, the per-connection state machine, response encoding and the server
// that owns the set of live connections.
package h1

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/net/http/httpguts"
)

// Status is the signal returned by Parser.Feed.
type Status int

const (
	// NeedMore means the buffer does not yet hold the next milestone.
	NeedMore Status = iota
	// HeadersComplete means the request line and headers are parsed.
	HeadersComplete
	// BodyComplete means the whole request is parsed; Result.Consumed is its length.
	BodyComplete
	// Malformed means the request cannot be parsed; Result.Err says why.
	Malformed
)

func (s Status) String() string {
	switch s {
	case NeedMore:
		return "need-more"
	case HeadersComplete:
		return "headers-complete"
	case BodyComplete:
		return "body-complete"
	case Malformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// Result is the outcome of one Feed call.
type Result struct {
	Status   Status
	Consumed int
	Err      error
}

// maxChunkLine bounds a chunk-size or trailer line.
const maxChunkLine = 4096

var (
	errRequestLine     = errors.New("invalid request line")
	errMissingHost     = errors.New("missing Host header")
	errDuplicateHost   = errors.New("duplicate Host header")
	errContentLength   = errors.New("invalid content-length")
	errTransferCoding  = errors.New("unsupported transfer-encoding")
	errChunkLineLength = errors.New("chunk line too long")
)

var (
	bGET    = []byte("GET")
	bHTTP11 = []byte("HTTP/1.1")
	bHTTP10 = []byte("HTTP/1.0")
	bRoot   = []byte("/")

	sGET    = "GET"
	sHTTP11 = "HTTP/1.1"
	sHTTP10 = "HTTP/1.0"
	sHTTP09 = "HTTP/0.9"
	sRoot   = "/"
)

type phase int

const (
	phaseHead phase = iota
	phaseBody
	phaseChunked
	phaseDone
)

// Parser is an incremental HTTP/1.x request parser. Feed is called with the
// whole buffer accumulated for the current request (it only ever grows
// between calls); the parser remembers how far it got, so the result does
// not depend on how the bytes were chunked on arrival.
type Parser struct {
	req       Request
	phase     phase
	scan      int // resume offset for the blank-line search
	headerLen int
	end       int

	// chunked body state
	pos      int
	trailer  bool
	chunks   []byte
	bodyRead int64
	pending  int64
}

// NewParser creates a parser ready for a first request.
func NewParser() *Parser {
	p := &Parser{}
	p.Reset()
	return p
}

// Reset prepares the parser for the next request.
func (p *Parser) Reset() {
	p.req.Reset()
	p.phase = phaseHead
	p.scan = 0
	p.headerLen = 0
	p.end = 0
	p.pos = 0
	p.trailer = false
	p.chunks = nil
	p.bodyRead = 0
	p.pending = 0
}

// Request returns the request being parsed.
func (p *Parser) Request() *Request {
	return &p.req
}

// HeadersDone reports whether HeadersComplete has been signalled.
func (p *Parser) HeadersDone() bool {
	return p.phase != phaseHead
}

// HeaderLen returns the size of the request line and headers once known.
func (p *Parser) HeaderLen() int {
	return p.headerLen
}

// BodyRead returns the number of body bytes received so far. For chunked
// bodies it includes the declared size of a chunk still in transit, so an
// oversized chunk is visible as soon as its size line arrives.
func (p *Parser) BodyRead() int64 {
	return p.bodyRead + p.pending
}

// Feed advances the parse over buf.
func (p *Parser) Feed(buf []byte) Result {
	switch p.phase {
	case phaseHead:
		n, err := p.parseHead(buf)
		if err != nil {
			return Result{Status: Malformed, Err: err}
		}
		if n == 0 {
			return Result{Status: NeedMore}
		}
		p.headerLen = n
		switch {
		case p.req.Chunked:
			p.phase = phaseChunked
			p.pos = n
		case p.req.ContentLength > 0:
			p.phase = phaseBody
		default:
			p.phase = phaseDone
			p.end = n
		}
		return Result{Status: HeadersComplete, Consumed: n}

	case phaseBody:
		have := int64(len(buf) - p.headerLen)
		if have < p.req.ContentLength {
			p.bodyRead = have
			return Result{Status: NeedMore}
		}
		p.bodyRead = p.req.ContentLength
		p.end = p.headerLen + int(p.req.ContentLength)
		p.req.Body = buf[p.headerLen:p.end:p.end]
		p.phase = phaseDone
		return Result{Status: BodyComplete, Consumed: p.end}

	case phaseChunked:
		return p.feedChunked(buf)

	default:
		return Result{Status: BodyComplete, Consumed: p.end}
	}
}

// parseHead returns the length of the request head, or 0 if incomplete.
func (p *Parser) parseHead(buf []byte) (int, error) {
	// Empty lines ahead of a request line are ignored.
	start := 0
	for start < len(buf) && (buf[start] == '\r' || buf[start] == '\n') {
		start++
	}
	line, next, ok := nextLine(buf, start)
	if !ok {
		return 0, nil
	}
	if err := p.parseRequestLine(line); err != nil {
		return 0, err
	}
	if p.req.Simple {
		return next, nil
	}

	end, ok := p.findHeadEnd(buf, next)
	if !ok {
		return 0, nil
	}

	p.req.Headers = make([][2]string, 0, 16)
	for pos := next; pos < end; {
		line, n, _ := nextLine(buf, pos)
		pos = n
		if len(line) == 0 {
			break
		}
		if err := p.parseHeader(line); err != nil {
			return 0, err
		}
	}

	if p.req.Version == sHTTP11 && p.req.Host == "" {
		return 0, errMissingHost
	}
	if p.req.Chunked {
		p.req.ContentLength = -1
	}
	return end, nil
}

// findHeadEnd looks for the blank line ending the header section, resuming
// where the previous call stopped.
func (p *Parser) findHeadEnd(buf []byte, from int) (int, bool) {
	pos := max(from, p.scan)
	for {
		line, next, ok := nextLine(buf, pos)
		if !ok {
			p.scan = pos
			return 0, false
		}
		if len(line) == 0 {
			return next, true
		}
		pos = next
	}
}

// parseRequestLine parses METHOD SP TARGET [SP VERSION].
func (p *Parser) parseRequestLine(line []byte) error {
	parts := bytes.Split(line, []byte(" "))
	if len(parts) != 2 && len(parts) != 3 {
		return errRequestLine
	}
	method, target := parts[0], parts[1]
	if len(method) == 0 || len(target) == 0 || !validToken(method) {
		return errRequestLine
	}

	if bytes.Equal(method, bGET) {
		p.req.Method = sGET
	} else {
		p.req.Method = string(method)
	}
	if bytes.Equal(target, bRoot) {
		p.req.Path = sRoot
	} else {
		p.req.Path = string(target)
	}

	if len(parts) == 2 {
		if p.req.Method != sGET {
			return errRequestLine
		}
		p.req.Version = sHTTP09
		p.req.Simple = true
		p.req.KeepAlive = true
		p.req.ContentLength = -1
		return nil
	}

	switch {
	case bytes.Equal(parts[2], bHTTP11):
		p.req.Version = sHTTP11
		p.req.KeepAlive = true
	case bytes.Equal(parts[2], bHTTP10):
		p.req.Version = sHTTP10
		p.req.KeepAlive = false
	default:
		return fmt.Errorf("unsupported HTTP version: %q", parts[2])
	}
	p.req.Simple = false
	p.req.ContentLength = -1
	return nil
}

// parseHeader handles a single "name: value" line.
func (p *Parser) parseHeader(line []byte) error {
	colon := bytes.IndexByte(line, ':')
	if colon <= 0 {
		return fmt.Errorf("invalid header line")
	}
	name := string(line[:colon])
	if !httpguts.ValidHeaderFieldName(name) {
		return fmt.Errorf("invalid header name %q", name)
	}
	value := string(bytes.TrimSpace(line[colon+1:]))
	if !httpguts.ValidHeaderFieldValue(value) {
		return fmt.Errorf("invalid value for header %q", name)
	}
	name = strings.ToLower(name)
	p.req.Headers = append(p.req.Headers, [2]string{name, value})

	switch name {
	case "host":
		if p.req.Host != "" {
			return errDuplicateHost
		}
		p.req.Host = value
	case "content-length":
		cl, ok := parseContentLength(value)
		if !ok {
			return errContentLength
		}
		if p.req.ContentLength >= 0 && p.req.ContentLength != cl {
			return errContentLength
		}
		p.req.ContentLength = cl
	case "transfer-encoding":
		codings := strings.Split(value, ",")
		if !strings.EqualFold(strings.TrimSpace(codings[len(codings)-1]), "chunked") {
			return errTransferCoding
		}
		p.req.Chunked = true
	case "connection":
		if httpguts.HeaderValuesContainsToken([]string{value}, "close") {
			p.req.KeepAlive = false
		} else if httpguts.HeaderValuesContainsToken([]string{value}, "keep-alive") {
			p.req.KeepAlive = true
		}
	}
	return nil
}

func (p *Parser) feedChunked(buf []byte) Result {
	for {
		line, next, ok := nextLine(buf, p.pos)
		if !ok {
			if len(buf)-p.pos > maxChunkLine {
				return Result{Status: Malformed, Err: errChunkLineLength}
			}
			return Result{Status: NeedMore}
		}

		if p.trailer {
			p.pos = next
			if len(line) == 0 {
				p.end = next
				p.req.Body = p.chunks
				p.phase = phaseDone
				return Result{Status: BodyComplete, Consumed: p.end}
			}
			continue
		}

		size, err := parseChunkSize(line)
		if err != nil {
			return Result{Status: Malformed, Err: err}
		}
		if size == 0 {
			p.trailer = true
			p.pos = next
			continue
		}

		if int64(len(buf)-next) < size+2 {
			p.pending = size
			return Result{Status: NeedMore}
		}
		dataEnd := next + int(size)
		if buf[dataEnd] != '\r' || buf[dataEnd+1] != '\n' {
			return Result{Status: Malformed, Err: fmt.Errorf("missing chunk terminator")}
		}
		p.chunks = append(p.chunks, buf[next:dataEnd]...)
		p.bodyRead += size
		p.pending = 0
		p.pos = dataEnd + 2
	}
}

// nextLine returns the line starting at from without its terminator (LF or
// CRLF) and the offset just past it.
func nextLine(buf []byte, from int) ([]byte, int, bool) {
	if from >= len(buf) {
		return nil, from, false
	}
	idx := bytes.IndexByte(buf[from:], '\n')
	if idx == -1 {
		return nil, from, false
	}
	line := buf[from : from+idx]
	if n := len(line); n > 0 && line[n-1] == '\r' {
		line = line[:n-1]
	}
	return line, from + idx + 1, true
}

// parseChunkSize parses a hex chunk size, ignoring chunk extensions.
func parseChunkSize(line []byte) (int64, error) {
	if semi := bytes.IndexByte(line, ';'); semi != -1 {
		line = line[:semi]
	}
	line = bytes.TrimSpace(line)
	if len(line) == 0 || len(line) > 15 {
		return 0, fmt.Errorf("invalid chunk size %q", line)
	}
	var n int64
	for _, c := range line {
		var d byte
		switch {
		case '0' <= c && c <= '9':
			d = c - '0'
		case 'a' <= c && c <= 'f':
			d = c - 'a' + 10
		case 'A' <= c && c <= 'F':
			d = c - 'A' + 10
		default:
			return 0, fmt.Errorf("invalid chunk size %q", line)
		}
		n = n<<4 | int64(d)
	}
	return n, nil
}

// parseContentLength parses a non-negative decimal without sign or spaces.
func parseContentLength(s string) (int64, bool) {
	if len(s) == 0 || len(s) > 18 {
		return 0, false
	}
	var n int64
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c < '0' || c > '9' {
			return 0, false
		}
		n = n*10 + int64(c-'0')
	}
	return n, true
}

func validToken(b []byte) bool {
	for _, c := range b {
		if !httpguts.IsTokenRune(rune(c)) {
			return false
		}
	}
	return true
}

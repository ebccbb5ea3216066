package h1

import (
	"strings"
	"testing"
)

// feedAll feeds data in pieces of size n, the way a slow client would deliver
// it, and returns the final result.
func feedAll(p *Parser, data string, n int) Result {
	var buf []byte
	var res Result
	for i := 0; i < len(data); i += n {
		end := min(i+n, len(data))
		buf = append(buf, data[i:end]...)
		for {
			res = p.Feed(buf)
			if res.Status != HeadersComplete {
				break
			}
		}
		if res.Status == BodyComplete || res.Status == Malformed {
			return res
		}
	}
	return res
}

func TestParser_SimpleGET(t *testing.T) {
	p := NewParser()
	buf := []byte("GET /index.html HTTP/1.1\r\nHost: example.com\r\nUser-Agent: test\r\n\r\n")

	res := p.Feed(buf)
	if res.Status != HeadersComplete {
		t.Fatalf("Expected HeadersComplete, got %v", res.Status)
	}
	res = p.Feed(buf)
	if res.Status != BodyComplete {
		t.Fatalf("Expected BodyComplete, got %v", res.Status)
	}
	if res.Consumed != len(buf) {
		t.Errorf("Expected consumed %d, got %d", len(buf), res.Consumed)
	}

	req := p.Request()
	if req.Method != "GET" {
		t.Errorf("Expected method GET, got %s", req.Method)
	}
	if req.Path != "/index.html" {
		t.Errorf("Expected path /index.html, got %s", req.Path)
	}
	if req.Host != "example.com" {
		t.Errorf("Expected host example.com, got %s", req.Host)
	}
	if req.Header("User-Agent") != "test" {
		t.Errorf("Expected user-agent test, got %s", req.Header("user-agent"))
	}
	if !req.KeepAlive {
		t.Error("Expected HTTP/1.1 request to keep alive")
	}
	if req.ContentLength != -1 {
		t.Errorf("Expected undeclared content length, got %d", req.ContentLength)
	}
}

func TestParser_ChunkingIndependence(t *testing.T) {
	data := "POST /submit HTTP/1.1\r\nHost: h\r\nContent-Length: 11\r\n\r\nhello world"

	for _, n := range []int{1, 2, 3, 7, 16, len(data)} {
		p := NewParser()
		res := feedAll(p, data, n)
		if res.Status != BodyComplete {
			t.Errorf("piece size %d: expected BodyComplete, got %v (%v)", n, res.Status, res.Err)
			continue
		}
		if res.Consumed != len(data) {
			t.Errorf("piece size %d: expected consumed %d, got %d", n, len(data), res.Consumed)
		}
		if got := string(p.Request().Body); got != "hello world" {
			t.Errorf("piece size %d: expected body %q, got %q", n, "hello world", got)
		}
	}
}

func TestParser_PipelinedBoundary(t *testing.T) {
	first := "GET /a HTTP/1.1\r\nHost: h\r\n\r\n"
	buf := []byte(first + "GET /b HTTP/1.1\r\nHost: h\r\n\r\n")

	p := NewParser()
	if res := p.Feed(buf); res.Status != HeadersComplete {
		t.Fatalf("Expected HeadersComplete, got %v", res.Status)
	}
	res := p.Feed(buf)
	if res.Status != BodyComplete {
		t.Fatalf("Expected BodyComplete, got %v", res.Status)
	}
	if res.Consumed != len(first) {
		t.Errorf("Expected boundary at %d, got %d", len(first), res.Consumed)
	}
	if p.Request().Path != "/a" {
		t.Errorf("Expected path /a, got %s", p.Request().Path)
	}
}

func TestParser_Chunked(t *testing.T) {
	data := "POST /up HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: chunked\r\n\r\n" +
		"5\r\nhello\r\n6;ext=1\r\n world\r\n0\r\nX-Trailer: v\r\n\r\n"

	for _, n := range []int{1, 5, len(data)} {
		p := NewParser()
		res := feedAll(p, data, n)
		if res.Status != BodyComplete {
			t.Fatalf("piece size %d: expected BodyComplete, got %v (%v)", n, res.Status, res.Err)
		}
		if res.Consumed != len(data) {
			t.Errorf("piece size %d: expected consumed %d, got %d", n, len(data), res.Consumed)
		}
		if got := string(p.Request().Body); got != "hello world" {
			t.Errorf("piece size %d: expected body %q, got %q", n, "hello world", got)
		}
		if !p.Request().Chunked {
			t.Error("Expected request to be marked chunked")
		}
	}
}

func TestParser_ChunkedPendingSize(t *testing.T) {
	p := NewParser()
	buf := []byte("POST / HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: chunked\r\n\r\n100\r\nab")

	if res := p.Feed(buf); res.Status != HeadersComplete {
		t.Fatalf("Expected HeadersComplete, got %v", res.Status)
	}
	if res := p.Feed(buf); res.Status != NeedMore {
		t.Fatalf("Expected NeedMore, got %v", res.Status)
	}
	if p.BodyRead() != 0x100 {
		t.Errorf("Expected declared chunk size to count as read, got %d", p.BodyRead())
	}
}

func TestParser_SimpleRequest(t *testing.T) {
	p := NewParser()
	buf := []byte("GET /old\r\n")

	if res := p.Feed(buf); res.Status != HeadersComplete {
		t.Fatalf("Expected HeadersComplete, got %v", res.Status)
	}
	res := p.Feed(buf)
	if res.Status != BodyComplete || res.Consumed != len(buf) {
		t.Fatalf("Expected BodyComplete at %d, got %v at %d", len(buf), res.Status, res.Consumed)
	}
	req := p.Request()
	if !req.Simple {
		t.Error("Expected simple request")
	}
	if req.Version != "HTTP/0.9" {
		t.Errorf("Expected version HTTP/0.9, got %s", req.Version)
	}
	if req.Command() != "GET /old" {
		t.Errorf("Expected command %q, got %q", "GET /old", req.Command())
	}
}

func TestParser_LeadingBlankLines(t *testing.T) {
	p := NewParser()
	res := feedAll(p, "\r\n\r\nGET / HTTP/1.0\r\n\r\n", 64)
	if res.Status != BodyComplete {
		t.Fatalf("Expected BodyComplete, got %v (%v)", res.Status, res.Err)
	}
	if p.Request().KeepAlive {
		t.Error("Expected HTTP/1.0 request without keep-alive to close")
	}
}

func TestParser_ConnectionHeader(t *testing.T) {
	tests := []struct {
		name string
		data string
		want bool
	}{
		{"1.1 default", "GET / HTTP/1.1\r\nHost: h\r\n\r\n", true},
		{"1.1 close", "GET / HTTP/1.1\r\nHost: h\r\nConnection: close\r\n\r\n", false},
		{"1.0 default", "GET / HTTP/1.0\r\n\r\n", false},
		{"1.0 keep-alive", "GET / HTTP/1.0\r\nConnection: Keep-Alive\r\n\r\n", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser()
			if res := feedAll(p, tt.data, len(tt.data)); res.Status != BodyComplete {
				t.Fatalf("Expected BodyComplete, got %v", res.Status)
			}
			if got := p.Request().KeepAlive; got != tt.want {
				t.Errorf("Expected keep-alive %v, got %v", tt.want, got)
			}
		})
	}
}

func TestParser_Malformed(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"bad request line", "GARBAGE\r\n\r\n"},
		{"too many parts", "GET / HTTP/1.1 extra\r\nHost: h\r\n\r\n"},
		{"simple non-GET", "POST /\r\n"},
		{"bad version", "GET / HTTP/2.0\r\nHost: h\r\n\r\n"},
		{"missing host", "GET / HTTP/1.1\r\n\r\n"},
		{"duplicate host", "GET / HTTP/1.1\r\nHost: a\r\nHost: b\r\n\r\n"},
		{"bad header", "GET / HTTP/1.1\r\nHost: h\r\nno colon here\r\n\r\n"},
		{"bad header name", "GET / HTTP/1.1\r\nHost: h\r\nBad Name: v\r\n\r\n"},
		{"bad content-length", "POST / HTTP/1.1\r\nHost: h\r\nContent-Length: -1\r\n\r\n"},
		{"conflicting content-length", "POST / HTTP/1.1\r\nHost: h\r\nContent-Length: 1\r\nContent-Length: 2\r\n\r\n"},
		{"unknown coding", "POST / HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: gzip\r\n\r\n"},
		{"bad chunk size", "POST / HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: chunked\r\n\r\nzz\r\n"},
		{"missing chunk terminator", "POST / HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: chunked\r\n\r\n2\r\nabXY"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewParser()
			res := feedAll(p, tt.data, len(tt.data))
			if res.Status != Malformed {
				t.Errorf("Expected Malformed, got %v", res.Status)
			}
			if res.Err == nil {
				t.Error("Expected an error describing the problem")
			}
		})
	}
}

func TestParser_ChunkLineTooLong(t *testing.T) {
	p := NewParser()
	data := "POST / HTTP/1.1\r\nHost: h\r\nTransfer-Encoding: chunked\r\n\r\n" + strings.Repeat("1", maxChunkLine+1)
	res := feedAll(p, data, len(data))
	if res.Status != Malformed {
		t.Errorf("Expected Malformed, got %v", res.Status)
	}
}

func TestParser_Reset(t *testing.T) {
	p := NewParser()
	feedAll(p, "POST / HTTP/1.1\r\nHost: h\r\nContent-Length: 2\r\n\r\nok", 64)

	p.Reset()
	if p.HeadersDone() {
		t.Error("Expected HeadersDone to be false after Reset")
	}
	if p.BodyRead() != 0 {
		t.Errorf("Expected BodyRead 0 after Reset, got %d", p.BodyRead())
	}
	if p.Request().Method != "" {
		t.Errorf("Expected empty method after Reset, got %s", p.Request().Method)
	}

	res := feedAll(p, "GET /next HTTP/1.1\r\nHost: h\r\n\r\n", 64)
	if res.Status != BodyComplete || p.Request().Path != "/next" {
		t.Errorf("Expected reused parser to parse /next, got %v %s", res.Status, p.Request().Path)
	}
}

func TestParseChunkSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"0", 0, false},
		{"a", 10, false},
		{"FF", 255, false},
		{"10;name=value", 16, false},
		{"", 0, true},
		{"g", 0, true},
		{"1234567890abcdef0", 0, true},
	}

	for _, tt := range tests {
		got, err := parseChunkSize([]byte(tt.in))
		if (err != nil) != tt.wantErr {
			t.Errorf("parseChunkSize(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseChunkSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

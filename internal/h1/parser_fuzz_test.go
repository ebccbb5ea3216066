package h1

import (
	"bytes"
	"testing"
)

func FuzzParser(f *testing.F) {
	f.Add([]byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"), 3)
	f.Add([]byte("POST /api HTTP/1.1\r\nContent-Length: 5\r\n\r\nhello"), 1)
	f.Add([]byte("PUT /x HTTP/1.1\r\nTransfer-Encoding: chunked\r\n\r\n5\r\nhello\r\n0\r\n\r\n"), 7)
	f.Add([]byte("GET /path\r\n"), 2)
	f.Add([]byte("\r\n\r\nGET / HTTP/1.0\r\n\r\n"), 4)
	f.Add([]byte("GET / HTTP/1.1\r\nHost:  spaced  \r\nConnection: close\r\n\r\nGET /next HTTP/1.1\r\n\r\n"), 5)
	f.Add([]byte("GET / HTTP/1.1\r\nContent-Length: 1\r\nContent-Length: 2\r\n\r\n"), 1)
	f.Add([]byte("INVALID\r\n\r\n"), 1)
	f.Add([]byte(""), 1)

	f.Fuzz(func(t *testing.T, data []byte, step int) {
		if step <= 0 || step > len(data) {
			step = len(data) + 1
		}

		whole := NewParser()
		want := feedAll(whole, string(data), len(data)+1)
		if want.Consumed > len(data) {
			t.Fatalf("Consumed %d of %d bytes", want.Consumed, len(data))
		}

		split := NewParser()
		got := feedAll(split, string(data), step)

		if want.Status != BodyComplete || got.Status != BodyComplete {
			return
		}
		if got.Consumed != want.Consumed {
			t.Errorf("Expected %d consumed regardless of chunking, got %d", want.Consumed, got.Consumed)
		}
		if !bytes.Equal(split.Request().Body, whole.Request().Body) {
			t.Errorf("Expected identical bodies, got %q and %q", split.Request().Body, whole.Request().Body)
		}
		req := whole.Request()
		if !req.Chunked && req.ContentLength >= 0 && int64(len(req.Body)) != req.ContentLength {
			t.Errorf("Expected body of %d bytes, got %d", req.ContentLength, len(req.Body))
		}
	})
}

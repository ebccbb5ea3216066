package h1

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"io"
	"math/big"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/albertbausili/webserver/internal/transport"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func selfSigned(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("GenerateKey() error = %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatalf("CreateCertificate() error = %v", err)
	}
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

func TestNewServer_NilHandler(t *testing.T) {
	if _, err := NewServer(nil, Config{}); err == nil {
		t.Error("Expected an error for a nil handler")
	}
}

func TestServer_TLS(t *testing.T) {
	cert := selfSigned(t)
	s := newTestServer(t, echoHandler, Limits{})

	clientConn, serverConn := net.Pipe()
	stream := transport.NewTLSStream(serverConn, &tls.Config{Certificates: []tls.Certificate{cert}})
	client := tls.Client(clientConn, &tls.Config{InsecureSkipVerify: true})
	tc, c := attach(t, s, client, stream)

	if !c.ssl {
		t.Error("Expected TLS stream to be marked ssl")
	}
	tc.send("GET /secure HTTP/1.1\r\nHost: h\r\n\r\n")
	res, body := tc.response(t, "GET")
	if res.StatusCode != 200 || body != "GET /secure|" {
		t.Errorf("Expected 200 over TLS, got %d %q", res.StatusCode, body)
	}
}

func TestServer_TLSHandshakeFailure(t *testing.T) {
	cert := selfSigned(t)
	s := newTestServer(t, echoHandler, Limits{})

	clientConn, serverConn := net.Pipe()
	stream := transport.NewTLSStream(serverConn, &tls.Config{Certificates: []tls.Certificate{cert}})
	tc, c := attach(t, s, clientConn, stream)

	go func() { _, _ = io.Copy(io.Discard, tc.br) }()
	tc.send("this is not a client hello\r\n\r\n")
	waitDone(t, c)
	if s.Len() != 0 {
		t.Errorf("Expected failed handshake to leave the live set, got %d", s.Len())
	}
}

func TestServer_ServeListener(t *testing.T) {
	s := newTestServer(t, echoHandler, Limits{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen() error = %v", err)
	}
	served := make(chan error, 1)
	go func() { served <- s.ServeListener(ln, nil) }()

	client := &http.Client{Timeout: 5 * time.Second}
	for _, path := range []string{"/x", "/y"} {
		res, err := client.Get("http://" + ln.Addr().String() + path)
		if err != nil {
			t.Fatalf("Get() error = %v", err)
		}
		body, _ := io.ReadAll(res.Body)
		_ = res.Body.Close()
		if string(body) != "GET "+path+"|" {
			t.Errorf("Expected %q, got %q", "GET "+path+"|", body)
		}
	}
	client.CloseIdleConnections()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	select {
	case err := <-served:
		if err != nil {
			t.Errorf("ServeListener() error = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Error("Expected ServeListener to return after Stop")
	}
}

func TestServer_StopEndsConnections(t *testing.T) {
	s := newTestServer(t, echoHandler, Limits{})
	_, c := dial(t, s)

	if s.Len() != 1 {
		t.Fatalf("Expected 1 live connection, got %d", s.Len())
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Stop(ctx); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
	if !c.Ended() {
		t.Error("Expected live connection to be ended by Stop")
	}
	if err := s.Stop(ctx); !errors.Is(err, ErrServerClosed) {
		t.Errorf("Expected ErrServerClosed on second Stop, got %v", err)
	}

	client, server := net.Pipe()
	defer client.Close()
	if _, err := s.Serve(server); !errors.Is(err, ErrServerClosed) {
		t.Errorf("Expected ErrServerClosed from Serve after Stop, got %v", err)
	}
}

func TestServer_SetConfig(t *testing.T) {
	s := newTestServer(t, echoHandler, Limits{MaxBodySize: 100})
	_, before := dial(t, s)

	s.SetConfig(NewConnConfig(Limits{MaxBodySize: 5}))
	_, after := dial(t, s)

	if before.conf.maxBodySize != 100 {
		t.Errorf("Expected existing connection to keep its config, got %d", before.conf.maxBodySize)
	}
	if after.conf.maxBodySize != 5 {
		t.Errorf("Expected new connection to observe new config, got %d", after.conf.maxBodySize)
	}

	s.SetConfig(nil)
	if s.Config().Limits().MaxBodySize != 5 {
		t.Error("Expected nil config to be ignored")
	}
}

func TestServer_Metrics(t *testing.T) {
	s := newTestServer(t, echoHandler, Limits{})
	okBefore := testutil.ToFloat64(requestsTotal.WithLabelValues("200"))
	tcpBefore := testutil.ToFloat64(connectionsTotal.WithLabelValues("tcp"))

	tc, c := dial(t, s)
	tc.send("GET / HTTP/1.1\r\nHost: h\r\nConnection: close\r\n\r\n")
	tc.response(t, "GET")
	waitDone(t, c)

	if got := testutil.ToFloat64(requestsTotal.WithLabelValues("200")) - okBefore; got != 1 {
		t.Errorf("Expected 1 more 200 response, got %v", got)
	}
	if got := testutil.ToFloat64(connectionsTotal.WithLabelValues("tcp")) - tcpBefore; got != 1 {
		t.Errorf("Expected 1 more tcp connection, got %v", got)
	}
}

func TestServer_AuditQueueFull(t *testing.T) {
	block := make(chan struct{})
	auditor := AuditorFunc(func(Audit) { <-block })
	s := newTestServer(t, echoHandler, Limits{}, func(c *Config) {
		c.Auditor = auditor
		c.AuditQueue = 1
	})
	defer close(block)

	before := testutil.ToFloat64(auditDropped)
	for i := 0; i < 4; i++ {
		s.audit(Audit{Connection: uint64(i)})
	}
	if got := testutil.ToFloat64(auditDropped) - before; got < 2 {
		t.Errorf("Expected records beyond the queue to be dropped, got %v drops", got)
	}
}

func TestTransportName(t *testing.T) {
	_, server := net.Pipe()
	defer server.Close()
	if got := transportName(server); got != "tcp" {
		t.Errorf("Expected tcp, got %s", got)
	}
	if got := transportName(transport.NewTLSStream(server, &tls.Config{})); got != "tls" {
		t.Errorf("Expected tls, got %s", got)
	}
}

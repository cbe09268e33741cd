package tlsprobe

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"
	"time"
)

// hostPort splits an httptest server URL into host and numeric port.
func hostPort(t *testing.T, rawURL string) (string, int) {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatal(err)
	}
	port, err := strconv.Atoi(u.Port())
	if err != nil {
		t.Fatal(err)
	}
	return u.Hostname(), port
}

func TestChainCapturesSelfSignedServer(t *testing.T) {
	// httptest's TLS server presents a self-signed certificate that would
	// fail normal verification; the fetcher must still capture it.
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer srv.Close()

	host, port := hostPort(t, srv.URL)
	chain := New(0, nil).Chain(context.Background(), host, port)

	if len(chain) == 0 {
		t.Fatal("expected at least the leaf certificate")
	}
	if chain[0] == nil {
		t.Fatal("leaf certificate is nil")
	}
}

func TestChainConnectionRefused(t *testing.T) {
	// Grab a port that is free by binding and immediately closing it.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	chain := New(time.Second, nil).Chain(context.Background(), "127.0.0.1", addr.Port)
	if chain != nil {
		t.Fatalf("expected nil chain on refused connection, got %d certs", len(chain))
	}
}

func TestChainNonTLSServer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer srv.Close()

	host, port := hostPort(t, srv.URL)
	chain := New(time.Second, nil).Chain(context.Background(), host, port)
	if chain != nil {
		t.Fatalf("expected nil chain against plaintext server, got %d certs", len(chain))
	}
}

func TestChainDefaultPort(t *testing.T) {
	// port ≤ 0 defaults to 443; the dial target is what matters here.
	var dialed string
	f := New(time.Second, nil)
	f.dial = func(_ context.Context, _, addr string) (net.Conn, error) {
		dialed = addr
		return nil, context.DeadlineExceeded
	}

	_ = f.Chain(context.Background(), "example.gov.pl", 0)
	if dialed != "example.gov.pl:443" {
		t.Errorf("dialed %q, want example.gov.pl:443", dialed)
	}
}

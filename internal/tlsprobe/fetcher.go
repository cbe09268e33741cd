// Package tlsprobe retrieves the certificate chain a server actually
// presents, independent of whether that chain would verify.
//
// The handshake deliberately skips verification: expired, revoked, and
// hostname-mismatched servers must still yield their certificates so the
// downstream checks can report exactly what is wrong.  The fetcher therefore
// never dials anything it intends to trust; it only looks.
package tlsprobe

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"log/slog"
	"net"
	"strconv"
	"time"
)

// DefaultTimeout bounds the combined TCP dial and TLS handshake.
const DefaultTimeout = 5 * time.Second

// Fetcher opens TLS handshakes and captures presented certificate chains.
type Fetcher struct {
	timeout time.Duration
	logger  *slog.Logger

	// dial is swappable for tests.
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

// New creates a Fetcher. timeout ≤ 0 defaults to DefaultTimeout; a nil logger
// falls back to slog.Default.
func New(timeout time.Duration, logger *slog.Logger) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	d := &net.Dialer{Timeout: timeout}
	return &Fetcher{
		timeout: timeout,
		logger:  logger,
		dial:    d.DialContext,
	}
}

// Chain connects to host:port, negotiates TLS with SNI = host and no chain
// verification, and returns the presented certificates leaf-first.  Network
// or handshake failure yields an empty slice; the error never crosses the
// component boundary.
func (f *Fetcher) Chain(ctx context.Context, host string, port int) []*x509.Certificate {
	if port <= 0 {
		port = 443
	}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	rawConn, err := f.dial(ctx, "tcp", addr)
	if err != nil {
		f.logger.Debug("tlsprobe: dial failed",
			slog.String("addr", addr), slog.Any("error", err))
		return nil
	}

	conn := tls.Client(rawConn, &tls.Config{
		ServerName: host,
		// Verification is performed downstream by certcheck; a failing chain
		// must still be captured.
		InsecureSkipVerify: true, //nolint:gosec
	})
	defer conn.Close()

	if err := conn.HandshakeContext(ctx); err != nil {
		f.logger.Debug("tlsprobe: handshake failed",
			slog.String("addr", addr), slog.Any("error", err))
		return nil
	}

	// PeerCertificates is leaf-first and includes any intermediates the
	// server sent, which gives the revocation probe an issuer to hash.
	return conn.ConnectionState().PeerCertificates
}

// Package certcheck inspects leaf certificates: hostname matching, validity
// windows, OCSP and CRL revocation probes, and metadata scoring.
//
// Revocation is best-effort by design: only a positive finding marks a
// certificate revoked, an unreachable responder or missing issuer is merely
// inconclusive.  Indeterminate must never upgrade to revoked, and equally
// never silently to trusted; the engine weighs the outcome.
package certcheck

import (
	"bytes"
	"context"
	"crypto/x509"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/ocsp"
)

const (
	ocspTimeout = 3 * time.Second
	crlTimeout  = 5 * time.Second

	// freshCertWindow is the age below which a certificate is treated as
	// suspiciously new (phishing kits rotate fresh certificates).
	freshCertWindow = 7 * 24 * time.Hour

	// expiryWarnWindow is the remaining validity below which a deduction
	// applies.
	expiryWarnWindow = 30 * 24 * time.Hour
)

// MatchHostname reports whether cert is valid for host, checking each SAN
// DNS name and then the subject CN.  Matching is case-insensitive and
// supports a single leftmost wildcard label: *.example.com matches
// a.example.com but neither example.com nor a.b.example.com.
func MatchHostname(cert *x509.Certificate, host string) bool {
	host = strings.ToLower(host)
	for _, san := range cert.DNSNames {
		if matchPattern(strings.ToLower(san), host) {
			return true
		}
	}
	if cn := strings.ToLower(cert.Subject.CommonName); cn != "" {
		return matchPattern(cn, host)
	}
	return false
}

// matchPattern matches a single certificate name pattern against host.
func matchPattern(pattern, host string) bool {
	if pattern == host {
		return true
	}
	suffix, ok := strings.CutPrefix(pattern, "*.")
	if !ok {
		return false
	}
	rest, ok := strings.CutSuffix(host, "."+suffix)
	if !ok {
		return false
	}
	// The wildcard covers exactly one label.
	return rest != "" && !strings.Contains(rest, ".")
}

// CheckValidity reports whether now falls inside cert's validity window,
// comparing in UTC, together with a human-readable reason.
func CheckValidity(cert *x509.Certificate, now time.Time) (bool, string) {
	now = now.UTC()
	if now.Before(cert.NotBefore) {
		return false, "Certificate not yet valid"
	}
	if now.After(cert.NotAfter) {
		return false, "Certificate expired"
	}
	return true, "Valid"
}

// Metadata is the outcome of the soft metadata scoring pass.
type Metadata struct {
	// Deduction is subtracted from the trust score (0–25).
	Deduction int
	// SelfSigned forces the score to zero when true.
	SelfSigned bool
	// Notes are human-readable findings for the log trail.
	Notes []string
}

// ScoreMetadata applies the soft heuristics: a deduction of 15 for a leaf
// younger than seven days, 10 for less than thirty days of remaining
// validity, and a self-signed flag when issuer and subject are byte-equal.
func ScoreMetadata(cert *x509.Certificate, now time.Time) Metadata {
	now = now.UTC()
	var m Metadata

	if now.Sub(cert.NotBefore) < freshCertWindow {
		m.Deduction += 15
		m.Notes = append(m.Notes, "Certificate was issued less than 7 days ago.")
	}
	if cert.NotAfter.Sub(now) < expiryWarnWindow {
		m.Deduction += 10
		m.Notes = append(m.Notes, "Certificate expires in less than 30 days.")
	}
	if bytes.Equal(cert.RawIssuer, cert.RawSubject) {
		m.SelfSigned = true
		m.Notes = append(m.Notes, "Certificate is self-signed.")
	}
	return m
}

// Revoker performs network revocation probes. It is safe for concurrent use.
type Revoker struct {
	ocspClient *http.Client
	crlClient  *http.Client
	logger     *slog.Logger
}

// NewRevoker creates a Revoker with the standard probe timeouts. A nil
// logger falls back to slog.Default.
func NewRevoker(logger *slog.Logger) *Revoker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Revoker{
		ocspClient: &http.Client{Timeout: ocspTimeout},
		crlClient:  &http.Client{Timeout: crlTimeout},
		logger:     logger,
	}
}

// CheckRevocation probes OCSP (when the leaf carries a responder URL and the
// issuer is known) and then CRL distribution points.  It returns revoked=true
// only on a positive finding; every inconclusive path returns
// (false, "Not Revoked").
func (r *Revoker) CheckRevocation(ctx context.Context, leaf, issuer *x509.Certificate) (bool, string) {
	if issuer != nil {
		for _, responder := range leaf.OCSPServer {
			status, err := r.probeOCSP(ctx, responder, leaf, issuer)
			if err != nil {
				r.logger.Debug("certcheck: ocsp probe inconclusive",
					slog.String("responder", responder), slog.Any("error", err))
				continue
			}
			if status == ocsp.Revoked {
				return true, "OCSP: Revoked"
			}
			// Good or Unknown: keep going, CRL may still know better.
		}
	}

	for _, crlURL := range leaf.CRLDistributionPoints {
		revoked, err := r.probeCRL(ctx, crlURL, leaf)
		if err != nil {
			r.logger.Debug("certcheck: crl probe inconclusive",
				slog.String("url", crlURL), slog.Any("error", err))
			continue
		}
		if revoked {
			return true, "CRL: Revoked"
		}
	}

	return false, "Not Revoked"
}

// probeOCSP sends one POST OCSP request (SHA-1 issuer name/key hashes, serial
// from the leaf) and returns the certificate status.
func (r *Revoker) probeOCSP(ctx context.Context, responder string, leaf, issuer *x509.Certificate) (int, error) {
	// nil options selects SHA-1, the hash OCSP responders universally accept.
	reqDER, err := ocsp.CreateRequest(leaf, issuer, nil)
	if err != nil {
		return 0, fmt.Errorf("create request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, responder, bytes.NewReader(reqDER))
	if err != nil {
		return 0, err
	}
	httpReq.Header.Set("Content-Type", "application/ocsp-request")

	resp, err := r.ocspClient.Do(httpReq)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("responder status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, err
	}
	parsed, err := ocsp.ParseResponseForCert(body, leaf, issuer)
	if err != nil {
		return 0, fmt.Errorf("parse response: %w", err)
	}
	return parsed.Status, nil
}

// probeCRL fetches one CRL and reports whether the leaf's serial appears in
// it.
func (r *Revoker) probeCRL(ctx context.Context, crlURL string, leaf *x509.Certificate) (bool, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, crlURL, nil)
	if err != nil {
		return false, err
	}
	resp, err := r.crlClient.Do(httpReq)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("fetch status %d", resp.StatusCode)
	}

	der, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return false, err
	}
	crl, err := x509.ParseRevocationList(der)
	if err != nil {
		return false, fmt.Errorf("parse crl: %w", err)
	}

	for _, entry := range crl.RevokedCertificateEntries {
		if entry.SerialNumber.Cmp(leaf.SerialNumber) == 0 {
			return true, nil
		}
	}
	return false, nil
}

// Package engine orchestrates the verification pipeline: trust-anchor
// lookup, TLS chain retrieval, certificate inspection, and revocation
// probing, reduced to a weighted trust score and a categorical verdict.
package engine

import (
	"context"
	"crypto/x509"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/govverify/broker/internal/certcheck"
)

// Verdict is the categorical outcome of a verification.
type Verdict string

const (
	VerdictTrusted Verdict = "TRUSTED"
	VerdictCaution Verdict = "CAUTION"
	VerdictUnsafe  Verdict = "UNSAFE"
	// VerdictError is reserved for transport-level failures surfaced by
	// callers; the engine itself never produces it.
	VerdictError Verdict = "ERROR"
)

// Result is the outcome of one pipeline run: the score, its verdict mapping,
// the ordered human-readable log trail, and the per-check details.
type Result struct {
	Score   int               `json:"score"`
	Verdict Verdict           `json:"verdict"`
	Logs    []string          `json:"logs"`
	Details map[string]string `json:"details"`
}

// TrustRegistry answers whether a URL is rooted in a trust anchor.
type TrustRegistry interface {
	IsTrusted(ctx context.Context, rawURL string) bool
}

// ChainFetcher retrieves the certificate chain a server presents.
type ChainFetcher interface {
	Chain(ctx context.Context, host string, port int) []*x509.Certificate
}

// RevocationChecker probes OCSP and CRL for a positive revocation finding.
type RevocationChecker interface {
	CheckRevocation(ctx context.Context, leaf, issuer *x509.Certificate) (revoked bool, reason string)
}

// Engine runs the deterministic verification pipeline. Each hard check
// short-circuits to score 0; the metadata pass only deducts.
type Engine struct {
	registry TrustRegistry
	fetcher  ChainFetcher
	revoker  RevocationChecker
	now      func() time.Time
}

// New wires an Engine from its three collaborators. A nil clock defaults to
// time.Now.
func New(registry TrustRegistry, fetcher ChainFetcher, revoker RevocationChecker, now func() time.Time) *Engine {
	if now == nil {
		now = time.Now
	}
	return &Engine{registry: registry, fetcher: fetcher, revoker: revoker, now: now}
}

// Verify runs the pipeline over url. webIP and mobileIP are recorded in the
// details for future IP correlation but carry no weight today.
func (e *Engine) Verify(ctx context.Context, rawURL, webIP, mobileIP string) Result {
	score := 100
	var logs []string

	u, err := url.Parse(rawURL)
	if err != nil || u.Hostname() == "" {
		return buildResult(0, []string{"Invalid URL"}, map[string]string{})
	}
	host := strings.ToLower(u.Hostname())
	port := 443
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			port = n
		}
	}

	details := map[string]string{
		"whitelist":       "UNKNOWN",
		"ssl_valid":       "UNKNOWN",
		"revocation":      "UNKNOWN",
		"hostname_match":  "UNKNOWN",
		"chain_integrity": "UNKNOWN",
	}
	if webIP != "" || mobileIP != "" {
		details["ip_correlation"] = fmt.Sprintf("web=%s mobile=%s", webIP, mobileIP)
	}

	// 1. Trust-anchor registry (weight 40, hard).
	if e.registry.IsTrusted(ctx, rawURL) {
		details["whitelist"] = "PASS"
		logs = append(logs, "Domain is in official whitelist.")
	} else {
		details["whitelist"] = "FAIL"
		logs = append(logs, "Domain NOT in official whitelist.")
		return buildResult(0, logs, details)
	}

	// 2. TLS chain retrievable (weight 10, hard).
	chain := e.fetcher.Chain(ctx, host, port)
	if len(chain) == 0 {
		details["ssl_valid"] = "FAIL"
		logs = append(logs, "Failed to retrieve SSL certificate.")
		return buildResult(0, logs, details)
	}
	details["ssl_valid"] = "PASS"
	leaf := chain[0]

	// 3. Validity window (hard).
	if ok, reason := certcheck.CheckValidity(leaf, e.now()); !ok {
		details["ssl_valid"] = fmt.Sprintf("FAIL (%s)", reason)
		logs = append(logs, fmt.Sprintf("Certificate validity check failed: %s", reason))
		return buildResult(0, logs, details)
	}

	// 4. Hostname match (weight 25, hard).
	if certcheck.MatchHostname(leaf, host) {
		details["hostname_match"] = "PASS"
		logs = append(logs, "Certificate matches hostname.")
	} else {
		details["hostname_match"] = "FAIL"
		logs = append(logs, "Certificate does NOT match hostname.")
		return buildResult(0, logs, details)
	}

	// 5. Revocation probe (weight 20, positive finding is hard).
	var issuer *x509.Certificate
	if len(chain) > 1 {
		issuer = chain[1]
	}
	if revoked, reason := e.revoker.CheckRevocation(ctx, leaf, issuer); revoked {
		details["revocation"] = fmt.Sprintf("FAIL (%s)", reason)
		logs = append(logs, fmt.Sprintf("Certificate is REVOKED: %s", reason))
		return buildResult(0, logs, details)
	}
	details["revocation"] = "PASS"
	logs = append(logs, "Certificate is NOT revoked (OCSP/CRL checked).")

	// 6. Metadata (weight 15, soft except self-signed).
	details["chain_integrity"] = "PASS"
	meta := certcheck.ScoreMetadata(leaf, e.now())
	logs = append(logs, meta.Notes...)
	if meta.SelfSigned {
		details["chain_integrity"] = "FAIL (self-signed)"
		return buildResult(0, logs, details)
	}
	score -= meta.Deduction
	if score < 0 {
		score = 0
	}

	return buildResult(score, logs, details)
}

// buildResult maps a score onto its verdict band.
func buildResult(score int, logs []string, details map[string]string) Result {
	var verdict Verdict
	switch {
	case score >= 90:
		verdict = VerdictTrusted
	case score >= 70:
		verdict = VerdictCaution
	default:
		verdict = VerdictUnsafe
	}
	if logs == nil {
		logs = []string{}
	}
	return Result{Score: score, Verdict: verdict, Logs: logs, Details: details}
}

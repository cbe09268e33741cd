// Package nonce generates and validates the single-use session identifiers
// that bind a browser session to a QR scan.  A nonce is 128 bits of
// cryptographic randomness rendered as 36-character lowercase hyphenated hex
// (canonical UUIDv4 text form).
package nonce

import (
	"strings"

	"github.com/google/uuid"
)

// maxLen bounds nonce input accepted from the wire.  Canonical nonces are 36
// characters; the generous ceiling keeps the guard independent of format
// changes while still rejecting abuse.
const maxLen = 100

// New returns a fresh 128-bit random nonce in canonical lowercase hyphenated
// hex form. It has no side effects.
func New() string {
	return uuid.NewString()
}

// Valid reports whether s is acceptable as a nonce at the transport boundary:
// non-empty, at most 100 characters, consisting only of lowercase hex digits
// and hyphens, and non-empty after stripping hyphens.
//
// Valid deliberately does not require full UUID shape; it is a cheap input
// guard, not an existence check; unknown nonces are rejected by the session
// lookup.
func Valid(s string) bool {
	if s == "" || len(s) > maxLen {
		return false
	}
	stripped := strings.ReplaceAll(s, "-", "")
	if stripped == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r == '-':
		default:
			return false
		}
	}
	return true
}

// Package logsanitize provides helpers for sanitizing untrusted values before logging.
package logsanitize

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Sanitize removes control characters from log field values to reduce
// the risk of log injection (CWE-117).
//
// Stripped ranges:
//   - C0 controls 0x00-0x1F (except horizontal tab 0x09)
//   - DEL 0x7F and C1 controls 0x80-0x9F
func Sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r < 0x20 && r != '\t' {
			return '_'
		}
		if r >= 0x7f && r <= 0x9f {
			return '_'
		}
		return r
	}, s)
}

// RedactToken returns a short fingerprint of a credential so log lines can be
// correlated without exposing the bearer value. The scheme prefix is kept.
func RedactToken(value string) string {
	if value == "" {
		return ""
	}

	scheme := ""
	if i := strings.IndexByte(value, ' '); i > 0 {
		scheme = Sanitize(value[:i]) + " "
		value = value[i+1:]
	}

	sum := sha256.Sum256([]byte(value))
	return scheme + "sha256:" + hex.EncodeToString(sum[:4])
}

package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/al-bashkir/dashboards-oidc-auth/internal/session"
)

// DefaultHeaderName is used when no credential header is configured.
const DefaultHeaderName = "authorization"

// HeaderDetector finds header credentials that differ from the ones a
// session already carries. It has no side effects.
type HeaderDetector struct {
	name string
}

// NewHeaderDetector returns a detector for the given header name, matched
// case-insensitively. An empty name falls back to DefaultHeaderName.
func NewHeaderDetector(name string) *HeaderDetector {
	name = strings.TrimSpace(name)
	if name == "" {
		slog.Warn("credential header not configured, using default",
			"header", DefaultHeaderName,
		)
		name = DefaultHeaderName
	}
	return &HeaderDetector{name: strings.ToLower(name)}
}

// Name returns the configured header name in lower case.
func (d *HeaderDetector) Name() string {
	return d.name
}

// Detect returns the header credentials of r, or nil when the header is
// absent or carries the same value as prev.
func (d *HeaderDetector) Detect(r *http.Request, prev *session.Credentials) *session.Credentials {
	value := strings.TrimSpace(r.Header.Get(d.name))
	if value == "" {
		return nil
	}

	if prev != nil && value == prev.AuthHeaderValue {
		return nil
	}

	return &session.Credentials{AuthHeaderValue: value}
}

// Package session provides the authenticated session model, its durable
// server-side store and the cookie transport that binds clients to it.
package session

import (
	"context"
	"strings"
	"time"
)

// AuthTypeOpenID tags sessions created by the OpenID Connect scheme.
// Sessions carrying any other tag are foreign to this gate.
const AuthTypeOpenID = "openid"

// BearerPrefix is the scheme prefix of authorization header values.
const BearerPrefix = "Bearer "

// Credentials is the material proving identity to the backend authenticator.
type Credentials struct {
	// AuthHeaderValue is the full header value, e.g. "Bearer <id_token>"
	AuthHeaderValue string

	// RefreshToken is the OAuth2 refresh token, empty when the provider issued none
	RefreshToken string
}

// Session represents an authenticated identity bound to a client cookie.
type Session struct {
	// ID is the durable store key carried by the session cookie (64-char hex string)
	ID string

	// Username is the resolved user name
	Username string

	// Credentials are forwarded to the upstream dashboard on every request
	Credentials Credentials

	// AuthType identifies the mechanism that produced the session
	AuthType string

	// ExpiresAt is the token claim expiry in epoch seconds, 0 when absent
	ExpiresAt int64

	// ExpiryTime is the sliding expiry in epoch milliseconds, 0 when absent.
	// Only used when ExpiresAt is 0.
	ExpiryTime int64

	// Roles and Tenant are the authorization data returned by the identity resolver
	Roles  []string
	Tenant string

	// CreatedAt is when the session was first stored
	CreatedAt time.Time
}

// Clone returns a copy that shares no mutable state with s.
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	if s.Roles != nil {
		c.Roles = make([]string, len(s.Roles))
		copy(c.Roles, s.Roles)
	}
	return &c
}

// BearerToken returns the raw token without the "Bearer " scheme.
func (s *Session) BearerToken() string {
	return TrimBearer(s.Credentials.AuthHeaderValue)
}

// EffectiveExpiry returns the claim expiry if set, else the sliding expiry if
// set. The boolean is false when the session never times out here.
func (s *Session) EffectiveExpiry() (time.Time, bool) {
	if s.ExpiresAt > 0 {
		return time.Unix(s.ExpiresAt, 0), true
	}
	if s.ExpiryTime > 0 {
		return time.UnixMilli(s.ExpiryTime), true
	}
	return time.Time{}, false
}

// Usable reports whether now is before the effective expiry.
func (s *Session) Usable(now time.Time) bool {
	exp, ok := s.EffectiveExpiry()
	if !ok {
		return true
	}
	return now.Before(exp)
}

// TrimBearer strips a case-insensitive "Bearer " prefix from a header value.
func TrimBearer(value string) string {
	if len(value) >= len(BearerPrefix) && strings.EqualFold(value[:len(BearerPrefix)], BearerPrefix) {
		return value[len(BearerPrefix):]
	}
	return value
}

type contextKey struct{}

// NewContext returns a context carrying the authenticated session.
func NewContext(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, contextKey{}, s)
}

// FromContext returns the session stored by NewContext, if any.
func FromContext(ctx context.Context) (*Session, bool) {
	s, ok := ctx.Value(contextKey{}).(*Session)
	return s, ok && s != nil
}

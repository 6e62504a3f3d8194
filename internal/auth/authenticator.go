// Package auth implements the OpenID Connect session authentication scheme:
// header credential detection, the session validity state machine, the
// per-request gate and the login and logout handlers.
package auth

import (
	"context"

	"github.com/al-bashkir/dashboards-oidc-auth/internal/oidc"
	"github.com/al-bashkir/dashboards-oidc-auth/internal/session"
)

// Identity is what the backend identity resolver returns for valid credentials.
type Identity struct {
	Username string
	Roles    []string
	Tenant   string
}

// Authenticator resolves credentials into an identity. It fails with an
// *Error of kind KindAuthentication, KindMissingTenant or KindMissingRole.
type Authenticator interface {
	Authenticate(ctx context.Context, headerName, headerValue string) (*Identity, error)
}

// AuthenticatorFunc adapts a function to Authenticator.
type AuthenticatorFunc func(ctx context.Context, headerName, headerValue string) (*Identity, error)

// Authenticate calls f.
func (f AuthenticatorFunc) Authenticate(ctx context.Context, headerName, headerValue string) (*Identity, error) {
	return f(ctx, headerName, headerValue)
}

// TokenRefresher exchanges a refresh token for a new token pair.
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*oidc.TokenResponse, error)
}

// TokenVerifier verifies a raw ID token and returns its payload.
type TokenVerifier interface {
	Verify(ctx context.Context, rawIDToken string) (*oidc.TokenPayload, error)
}

// LoginFlow is the OAuth2 authorization code helper used by the login handler.
type LoginFlow interface {
	StartAuthFlow(ctx context.Context) (*oidc.AuthFlowData, error)
	ExchangeCode(ctx context.Context, code, codeVerifier string) (*oidc.TokenData, error)
}

// SessionStore persists sessions by ID. *session.Store implements it.
type SessionStore interface {
	Create(sess *session.Session) (*session.Session, error)
	Get(sessionID string) (*session.Session, error)
	Save(sess *session.Session) error
	Delete(sessionID string)
}

// Package oidc implements the identity provider side of the gate: discovery,
// the authorization code flow with PKCE, ID token verification and the
// refresh_token grant.
package oidc

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/al-bashkir/dashboards-oidc-auth/internal/config"
)

// wellKnownSuffix is stripped from the configured connect URL to obtain the issuer.
const wellKnownSuffix = "/.well-known/openid-configuration"

// ProviderEndpoints are the endpoints discovered from the provider's
// well-known configuration. Immutable after discovery.
type ProviderEndpoints struct {
	AuthorizationEndpoint string
	TokenEndpoint         string

	// EndSessionEndpoint is empty when the provider does not advertise one
	EndSessionEndpoint string
}

// DiscoveryError reports a failed well-known configuration fetch. Without
// endpoints no login is possible, so it is fatal at startup.
type DiscoveryError struct {
	URL string
	Err error
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("OIDC discovery from %s failed: %v", e.URL, e.Err)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// Provider wraps the OIDC provider and OAuth2 configuration.
// It handles provider discovery, token exchange, refresh and ID token verification.
type Provider struct {
	oidcProvider *oidc.Provider
	oauth2Config *oauth2.Config
	verifier     *oidc.IDTokenVerifier
	endpoints    ProviderEndpoints
	httpClient   *http.Client
}

// NewProvider creates a new OIDC provider using the specified configuration.
// It performs OIDC discovery via the configured connect URL and sets up the
// OAuth2 configuration and ID token verifier. redirectURL is the callback
// registered with the provider.
func NewProvider(ctx context.Context, cfg *config.OIDCConfig, redirectURL string, httpClient *http.Client) (*Provider, error) {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	// Discover OIDC configuration from issuer
	issuer := IssuerFromConnectURL(cfg.ConnectURL)
	provider, err := oidc.NewProvider(oidc.ClientContext(ctx, httpClient), issuer)
	if err != nil {
		return nil, &DiscoveryError{URL: cfg.ConnectURL, Err: err}
	}

	var extra struct {
		EndSessionEndpoint string `json:"end_session_endpoint"`
	}
	if err := provider.Claims(&extra); err != nil {
		return nil, &DiscoveryError{URL: cfg.ConnectURL, Err: fmt.Errorf("failed to parse provider metadata: %w", err)}
	}

	endpoint := provider.Endpoint()

	// Create OAuth2 config
	oauth2Config := &oauth2.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     endpoint,
		Scopes:       cfg.Scopes,
	}

	// Create ID token verifier
	// This will verify the token signature, issuer, audience, and expiry
	verifier := provider.Verifier(&oidc.Config{
		ClientID: cfg.ClientID,
	})

	return &Provider{
		oidcProvider: provider,
		oauth2Config: oauth2Config,
		verifier:     verifier,
		endpoints: ProviderEndpoints{
			AuthorizationEndpoint: endpoint.AuthURL,
			TokenEndpoint:         endpoint.TokenURL,
			EndSessionEndpoint:    extra.EndSessionEndpoint,
		},
		httpClient: httpClient,
	}, nil
}

// Endpoints returns the discovered provider endpoints.
func (p *Provider) Endpoints() ProviderEndpoints {
	return p.endpoints
}

// Verify checks the signature, issuer, audience and expiry of a raw ID token
// and returns its decoded payload.
func (p *Provider) Verify(ctx context.Context, rawIDToken string) (*TokenPayload, error) {
	idToken, err := p.verifier.Verify(oidc.ClientContext(ctx, p.httpClient), rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}

	var claims map[string]interface{}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse claims: %w", err)
	}

	return &TokenPayload{
		Subject:   idToken.Subject,
		ExpiresAt: idToken.Expiry.Unix(),
		Claims:    claims,
	}, nil
}

// IssuerFromConnectURL derives the issuer from a well-known configuration URL.
// A URL without the well-known suffix is taken as the issuer itself.
func IssuerFromConnectURL(connectURL string) string {
	return strings.TrimSuffix(strings.TrimSuffix(connectURL, "/"), wellKnownSuffix)
}

// Package identity resolves validated credentials into users, roles and
// tenants for the session gate.
package identity

import (
	"fmt"
	"net/http"
	"slices"

	"github.com/al-bashkir/dashboards-oidc-auth/internal/auth"
	"github.com/al-bashkir/dashboards-oidc-auth/internal/config"
)

// New returns the resolver selected by cfg.Mode.
func New(cfg *config.IdentityConfig, verifier auth.TokenVerifier, client *http.Client) (auth.Authenticator, error) {
	switch cfg.Mode {
	case config.IdentityModeClaims, "":
		return NewClaimsResolver(verifier, cfg), nil
	case config.IdentityModeHTTP:
		return NewHTTPResolver(cfg, client), nil
	default:
		return nil, fmt.Errorf("unknown identity mode %q", cfg.Mode)
	}
}

// authorize enforces the role and tenant requirements on a resolved identity.
func authorize(cfg *config.IdentityConfig, id *auth.Identity, hasTenant bool) error {
	if len(cfg.RequiredRoles) > 0 && !hasAnyRole(id.Roles, cfg.RequiredRoles) {
		return auth.NewError(auth.KindMissingRole,
			fmt.Sprintf("user does not have required roles: %v", cfg.RequiredRoles), nil)
	}

	if cfg.RequireTenant && !hasTenant {
		return auth.NewError(auth.KindMissingTenant, "no tenant available", nil)
	}

	return nil
}

// hasAnyRole reports whether roles contains at least one of required.
func hasAnyRole(roles, required []string) bool {
	for _, role := range required {
		if slices.Contains(roles, role) {
			return true
		}
	}
	return false
}

package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/al-bashkir/dashboards-oidc-auth/internal/auth"
	"github.com/al-bashkir/dashboards-oidc-auth/internal/config"
	"github.com/al-bashkir/dashboards-oidc-auth/internal/session"
)

// ClaimsResolver resolves identities from the claims of a verified ID token.
// It validates the username claim and enforces role and tenant requirements.
type ClaimsResolver struct {
	verifier auth.TokenVerifier
	cfg      *config.IdentityConfig
}

// NewClaimsResolver creates a resolver that verifies bearer tokens with verifier.
func NewClaimsResolver(verifier auth.TokenVerifier, cfg *config.IdentityConfig) *ClaimsResolver {
	return &ClaimsResolver{
		verifier: verifier,
		cfg:      cfg,
	}
}

// Authenticate verifies the bearer token in headerValue and maps its claims
// to an identity.
//
// Note: the verifier already validates:
// - JWT signature via JWKS
// - Standard claims: iss, aud, exp
//
// This function adds:
// - Username claim extraction
// - Role and tenant enforcement
func (r *ClaimsResolver) Authenticate(ctx context.Context, headerName, headerValue string) (*auth.Identity, error) {
	value := strings.TrimSpace(headerValue)
	raw := session.TrimBearer(value)
	if raw == "" || raw == value {
		return nil, auth.NewError(auth.KindAuthentication, "expected a bearer token", nil)
	}

	payload, err := r.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, auth.NewError(auth.KindAuthentication, "token verification failed", err)
	}

	username, err := getClaimString(payload.Claims, r.cfg.UsernameClaim)
	if err != nil {
		return nil, auth.NewError(auth.KindAuthentication,
			fmt.Sprintf("username claim '%s' not found", r.cfg.UsernameClaim), err)
	}

	// A missing roles claim is only fatal when roles are required
	roles, _ := getRolesFromClaim(payload.Claims, r.cfg.RolesClaim)

	var tenant string
	if r.cfg.TenantClaim != "" {
		tenant, _ = getClaimString(payload.Claims, r.cfg.TenantClaim)
	}

	id := &auth.Identity{
		Username: username,
		Roles:    roles,
		Tenant:   tenant,
	}

	if err := authorize(r.cfg, id, tenant != ""); err != nil {
		return nil, err
	}

	return id, nil
}

// getClaimString extracts a string claim, supporting dot notation for nested claims.
// For example: "email", "preferred_username", "realm_access.roles"
func getClaimString(claims map[string]interface{}, path string) (string, error) {
	value, err := getNestedClaim(claims, path)
	if err != nil {
		return "", err
	}

	str, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("claim '%s' is not a string", path)
	}

	return str, nil
}

// getRolesFromClaim extracts roles as a slice of strings.
// Handles []string, []interface{} and a single comma separated string.
func getRolesFromClaim(claims map[string]interface{}, path string) ([]string, error) {
	value, err := getNestedClaim(claims, path)
	if err != nil {
		return nil, err
	}

	switch v := value.(type) {
	case []string:
		return v, nil
	case []interface{}:
		roles := make([]string, 0, len(v))
		for _, role := range v {
			if str, ok := role.(string); ok {
				roles = append(roles, str)
			}
		}
		return roles, nil
	case string:
		var roles []string
		for _, role := range strings.Split(v, ",") {
			if role = strings.TrimSpace(role); role != "" {
				roles = append(roles, role)
			}
		}
		return roles, nil
	default:
		return nil, fmt.Errorf("claim '%s' is not a string array", path)
	}
}

// getNestedClaim retrieves a claim using dot notation.
// For example: "realm_access.roles" navigates through the claims map.
func getNestedClaim(claims map[string]interface{}, path string) (interface{}, error) {
	if path == "" {
		return nil, fmt.Errorf("empty claim path")
	}

	parts := strings.Split(path, ".")

	var current interface{} = claims
	for i, part := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("claim path '%s' not found at level %d (%s)", path, i, part)
		}

		current, ok = m[part]
		if !ok {
			return nil, fmt.Errorf("claim '%s' not found in path '%s'", part, path)
		}
	}

	return current, nil
}

package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/hashicorp/go-cleanhttp"

	"github.com/al-bashkir/dashboards-oidc-auth/internal/auth"
	"github.com/al-bashkir/dashboards-oidc-auth/internal/config"
)

// maxAuthInfoSize caps the backend response body.
const maxAuthInfoSize = 1 << 20

// AuthInfo is the backend's description of an authenticated user.
type AuthInfo struct {
	UserName            string          `json:"user_name"`
	BackendRoles        []string        `json:"backend_roles"`
	Roles               []string        `json:"roles"`
	Tenants             map[string]bool `json:"tenants"`
	UserRequestedTenant *string         `json:"user_requested_tenant"`
}

// HTTPResolver asks the dashboard backend who the credentials belong to.
type HTTPResolver struct {
	url    string
	client *http.Client
	cfg    *config.IdentityConfig
}

// NewHTTPResolver creates a resolver calling cfg.AuthInfoURL. A nil client
// gets a pooled client.
func NewHTTPResolver(cfg *config.IdentityConfig, client *http.Client) *HTTPResolver {
	if client == nil {
		client = cleanhttp.DefaultPooledClient()
	}
	return &HTTPResolver{
		url:    cfg.AuthInfoURL,
		client: client,
		cfg:    cfg,
	}
}

// Authenticate forwards the credential header to the backend and maps the
// answer to an identity.
func (r *HTTPResolver) Authenticate(ctx context.Context, headerName, headerValue string) (*auth.Identity, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(headerName, headerValue)
	req.Header.Set("Accept", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, auth.NewError(auth.KindAuthentication, "identity backend unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, auth.NewError(auth.KindAuthentication, "credentials rejected by backend",
			fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode != http.StatusOK:
		return nil, auth.NewError(auth.KindAuthentication, "identity lookup failed",
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var info AuthInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxAuthInfoSize)).Decode(&info); err != nil {
		return nil, auth.NewError(auth.KindAuthentication, "invalid identity response", err)
	}
	if info.UserName == "" {
		return nil, auth.NewError(auth.KindAuthentication, "identity response has no user_name", nil)
	}

	if len(info.Roles) == 0 {
		return nil, auth.NewError(auth.KindMissingRole, "user has no roles", nil)
	}

	var tenant string
	if info.UserRequestedTenant != nil {
		tenant = *info.UserRequestedTenant
	}

	id := &auth.Identity{
		Username: info.UserName,
		Roles:    append(append([]string(nil), info.Roles...), info.BackendRoles...),
		Tenant:   tenant,
	}

	if err := authorize(r.cfg, id, tenant != "" || hasTenant(info.Tenants)); err != nil {
		return nil, err
	}

	return id, nil
}

func hasTenant(tenants map[string]bool) bool {
	for _, enabled := range tenants {
		if enabled {
			return true
		}
	}
	return false
}

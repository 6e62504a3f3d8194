package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config represents the complete application configuration
type Config struct {
	Listen   ListenConfig   `yaml:"listen"`
	Upstream UpstreamConfig `yaml:"upstream"`
	OIDC     OIDCConfig     `yaml:"oidc"`
	Session  SessionConfig  `yaml:"session"`
	Auth     AuthConfig     `yaml:"auth"`
	Identity IdentityConfig `yaml:"identity"`
	TLS      TLSConfig      `yaml:"tls"`
	Log      LogConfig      `yaml:"log"`
}

// ListenConfig defines where the gate listens for requests
type ListenConfig struct {
	HTTP      string  `yaml:"http"`       // HTTP server address (e.g., ":5601")
	RateLimit float64 `yaml:"rate_limit"` // requests per second per client IP, 0 disables
	RateBurst int     `yaml:"rate_burst"`
}

// UpstreamConfig defines the dashboard that authenticated requests are proxied to
type UpstreamConfig struct {
	URL string `yaml:"url"`
}

// OIDCConfig defines OIDC/OAuth2 settings for the identity provider
type OIDCConfig struct {
	ConnectURL            string   `yaml:"connect_url"`             // well-known configuration URL
	ClientID              string   `yaml:"client_id"`               // OIDC client ID
	ClientSecret          string   `yaml:"client_secret"`           // OIDC client secret (empty for public clients)
	Scopes                []string `yaml:"scopes"`                  // OIDC scopes
	RootCA                string   `yaml:"root_ca"`                 // PEM bundle trusted for IdP TLS
	VerifyHostnames       bool     `yaml:"verify_hostnames"`        // verify IdP certificate hostnames
	LogoutURL             string   `yaml:"logout_url"`              // overrides the discovered end_session_endpoint
	BaseRedirectURL       string   `yaml:"base_redirect_url"`       // external URL of this gate
	Header                string   `yaml:"header"`                  // header carrying bearer credentials
	DiscoveryTimeout      int      `yaml:"discovery_timeout"`       // seconds
	RefreshTimeout        int      `yaml:"refresh_timeout"`         // seconds
	VerifyRefreshedTokens bool     `yaml:"verify_refreshed_tokens"` // verify signatures of refreshed ID tokens
}

// SessionConfig defines session cookie and lifetime behavior
type SessionConfig struct {
	CookieName  string `yaml:"cookie_name"`
	TTL         int    `yaml:"ttl"`          // sliding session lifetime in seconds, 0 disables
	KeepAlive   bool   `yaml:"keepalive"`    // extend the sliding lifetime on every request
	Secure      bool   `yaml:"secure"`       // set the Secure cookie attribute
	FlowTimeout int    `yaml:"flow_timeout"` // pending login lifetime in seconds
}

// AuthConfig defines routing of the request gate
type AuthConfig struct {
	BasePath              string   `yaml:"base_path"`
	IgnoreRoutes          []string `yaml:"ignore_routes"`          // passed through without authentication
	UnauthenticatedRoutes []string `yaml:"unauthenticated_routes"` // served with the service identity
}

// IdentityConfig defines how validated credentials are resolved into users and roles
type IdentityConfig struct {
	Mode          string   `yaml:"mode"`           // claims or http
	AuthInfoURL   string   `yaml:"authinfo_url"`   // backend endpoint for http mode
	UsernameClaim string   `yaml:"username_claim"` // claim to use as username
	RolesClaim    string   `yaml:"roles_claim"`    // dot path to roles in token
	RequiredRoles []string `yaml:"required_roles"` // at least one must be present
	TenantClaim   string   `yaml:"tenant_claim"`   // claim naming the selected tenant
	RequireTenant bool     `yaml:"require_tenant"`
}

// TLSConfig defines TLS settings for the HTTP server
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// LogConfig defines logging settings
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// Identity resolver modes
const (
	IdentityModeClaims = "claims"
	IdentityModeHTTP   = "http"
)

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Read file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Parse YAML
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Apply environment variable overrides
	cfg.applyEnvOverrides()

	// Validate
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// DefaultConfig returns a configuration with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			HTTP:      ":5601",
			RateLimit: 100,
			RateBurst: 200,
		},
		OIDC: OIDCConfig{
			Scopes:                []string{"openid", "profile", "email"},
			VerifyHostnames:       true,
			DiscoveryTimeout:      30,
			RefreshTimeout:        10,
			VerifyRefreshedTokens: true,
		},
		Session: SessionConfig{
			CookieName:  "security_authentication",
			TTL:         0,
			KeepAlive:   true,
			FlowTimeout: 600, // 10 minutes
		},
		Auth: AuthConfig{
			IgnoreRoutes:          []string{"/health"},
			UnauthenticatedRoutes: []string{"/api/status"},
		},
		Identity: IdentityConfig{
			Mode:          IdentityModeClaims,
			UsernameClaim: "preferred_username",
			RolesClaim:    "realm_access.roles",
			TenantClaim:   "tenant",
		},
		TLS: TLSConfig{
			Enabled: false,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// applyEnvOverrides applies environment variable overrides
func (c *Config) applyEnvOverrides() {
	// OIDC overrides
	if v := os.Getenv("DOA_OIDC_CONNECT_URL"); v != "" {
		c.OIDC.ConnectURL = v
	}
	if v := os.Getenv("DOA_OIDC_CLIENT_ID"); v != "" {
		c.OIDC.ClientID = v
	}
	if v := os.Getenv("DOA_OIDC_CLIENT_SECRET"); v != "" {
		c.OIDC.ClientSecret = v
	}
	if v := os.Getenv("DOA_OIDC_BASE_REDIRECT_URL"); v != "" {
		c.OIDC.BaseRedirectURL = v
	}

	// Session overrides
	if v := os.Getenv("DOA_SESSION_TTL"); v != "" {
		if ttl, err := strconv.Atoi(v); err == nil {
			c.Session.TTL = ttl
		}
	}

	// Log overrides
	if v := os.Getenv("DOA_LOG_LEVEL"); v != "" {
		c.Log.Level = v
	}
	if v := os.Getenv("DOA_LOG_FORMAT"); v != "" {
		c.Log.Format = v
	}

	// Listen overrides
	if v := os.Getenv("DOA_LISTEN_HTTP"); v != "" {
		c.Listen.HTTP = v
	}
	if v := os.Getenv("DOA_UPSTREAM_URL"); v != "" {
		c.Upstream.URL = v
	}
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Validate OIDC config
	if c.OIDC.ConnectURL == "" {
		return fmt.Errorf("oidc.connect_url is required")
	}
	if !isHTTPURL(c.OIDC.ConnectURL) {
		return fmt.Errorf("oidc.connect_url must be a valid HTTP(S) URL")
	}

	if c.OIDC.ClientID == "" {
		return fmt.Errorf("oidc.client_id is required")
	}

	if c.OIDC.BaseRedirectURL == "" {
		return fmt.Errorf("oidc.base_redirect_url is required")
	}
	if !isHTTPURL(c.OIDC.BaseRedirectURL) {
		return fmt.Errorf("oidc.base_redirect_url must be a valid HTTP(S) URL")
	}

	if c.OIDC.LogoutURL != "" && !isHTTPURL(c.OIDC.LogoutURL) {
		return fmt.Errorf("oidc.logout_url must be a valid HTTP(S) URL")
	}

	if len(c.OIDC.Scopes) == 0 {
		return fmt.Errorf("oidc.scopes must contain at least 'openid'")
	}
	hasOpenID := false
	for _, scope := range c.OIDC.Scopes {
		if scope == "openid" {
			hasOpenID = true
			break
		}
	}
	if !hasOpenID {
		return fmt.Errorf("oidc.scopes must include 'openid'")
	}

	if c.OIDC.RootCA != "" {
		if _, err := os.Stat(c.OIDC.RootCA); err != nil {
			return fmt.Errorf("oidc.root_ca not found: %w", err)
		}
	}

	if c.OIDC.DiscoveryTimeout <= 0 {
		return fmt.Errorf("oidc.discovery_timeout must be positive")
	}
	if c.OIDC.RefreshTimeout <= 0 {
		return fmt.Errorf("oidc.refresh_timeout must be positive")
	}

	// Validate session config
	if c.Session.CookieName == "" {
		return fmt.Errorf("session.cookie_name is required")
	}
	if c.Session.TTL < 0 {
		return fmt.Errorf("session.ttl must not be negative")
	}
	if c.Session.FlowTimeout <= 0 {
		return fmt.Errorf("session.flow_timeout must be positive")
	}

	// Validate auth config
	if c.Auth.BasePath != "" {
		if !strings.HasPrefix(c.Auth.BasePath, "/") || strings.HasSuffix(c.Auth.BasePath, "/") {
			return fmt.Errorf("auth.base_path must start with '/' and must not end with '/'")
		}
	}

	// Validate identity config
	switch c.Identity.Mode {
	case IdentityModeClaims:
		if c.Identity.UsernameClaim == "" {
			return fmt.Errorf("identity.username_claim is required")
		}
	case IdentityModeHTTP:
		if !isHTTPURL(c.Identity.AuthInfoURL) {
			return fmt.Errorf("identity.authinfo_url must be a valid HTTP(S) URL")
		}
	default:
		return fmt.Errorf("identity.mode must be one of: claims, http")
	}

	// Validate upstream config
	if c.Upstream.URL == "" {
		return fmt.Errorf("upstream.url is required")
	}
	if !isHTTPURL(c.Upstream.URL) {
		return fmt.Errorf("upstream.url must be a valid HTTP(S) URL")
	}

	// Validate TLS config
	if c.TLS.Enabled {
		if c.TLS.CertFile == "" || c.TLS.KeyFile == "" {
			return fmt.Errorf("tls.cert_file and tls.key_file are required when TLS is enabled")
		}

		// Check if files exist
		if _, err := os.Stat(c.TLS.CertFile); err != nil {
			return fmt.Errorf("tls.cert_file not found: %w", err)
		}
		if _, err := os.Stat(c.TLS.KeyFile); err != nil {
			return fmt.Errorf("tls.key_file not found: %w", err)
		}
	}

	// Validate log config
	validLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}

	validFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: json, text")
	}

	// Validate listen config
	if c.Listen.HTTP == "" {
		return fmt.Errorf("listen.http is required")
	}
	if c.Listen.RateLimit < 0 || c.Listen.RateBurst < 0 {
		return fmt.Errorf("listen.rate_limit and listen.rate_burst must not be negative")
	}
	if c.Listen.RateLimit > 0 && c.Listen.RateBurst == 0 {
		return fmt.Errorf("listen.rate_burst must be positive when rate limiting is enabled")
	}

	return nil
}

// isHTTPURL reports whether s parses as an absolute http or https URL.
func isHTTPURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

// SetupLogging configures the global slog logger based on the LogConfig.
func SetupLogging(cfg *LogConfig) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stderr, opts)
	default:
		handler = slog.NewJSONHandler(os.Stderr, opts)
	}

	slog.SetDefault(slog.New(handler))
}

// Redact returns a deep-enough copy of the config with secrets redacted for safe logging
func (c *Config) Redact() *Config {
	redacted := *c
	// Deep copy slices to avoid sharing underlying arrays with the original
	if c.OIDC.Scopes != nil {
		redacted.OIDC.Scopes = make([]string, len(c.OIDC.Scopes))
		copy(redacted.OIDC.Scopes, c.OIDC.Scopes)
	}
	if c.Identity.RequiredRoles != nil {
		redacted.Identity.RequiredRoles = make([]string, len(c.Identity.RequiredRoles))
		copy(redacted.Identity.RequiredRoles, c.Identity.RequiredRoles)
	}
	if redacted.OIDC.ClientSecret != "" {
		redacted.OIDC.ClientSecret = "[REDACTED]"
	}
	return &redacted
}

package httpserver

import (
	"context"
	"crypto/tls"
	"embed"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/al-bashkir/dashboards-oidc-auth/internal/auth"
	"github.com/al-bashkir/dashboards-oidc-auth/internal/config"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Routes are the handlers the server dispatches to.
type Routes struct {
	// Login and Logout serve the login entry point and the logout endpoint
	Login  http.Handler
	Logout http.Handler

	// Gate wraps Upstream; every path not served by the gate itself goes through it
	Gate     func(http.Handler) http.Handler
	Upstream http.Handler
}

// Server is the HTTP front of the gate: it serves the login, logout and
// error pages and proxies everything else to the dashboard.
type Server struct {
	cfg        *config.Config
	httpServer *http.Server
	mux        *http.ServeMux
	templates  *template.Template
	limiter    *IPRateLimiter
	version    string
}

// NewServer creates a new HTTP server
func NewServer(cfg *config.Config, routes Routes, version string) (*Server, error) {
	// Parse templates
	templates, err := template.ParseFS(templatesFS, "templates/*.html")
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		mux:       http.NewServeMux(),
		templates: templates,
		version:   version,
	}

	base := cfg.Auth.BasePath

	// Register routes
	s.mux.Handle("/health", securityHeadersMiddleware(http.HandlerFunc(s.handleHealth)))
	s.mux.Handle(base+auth.CustomErrorPath, securityHeadersMiddleware(http.HandlerFunc(s.handleCustomError)))
	if routes.Login != nil {
		s.mux.Handle(base+auth.LoginPath, securityHeadersMiddleware(routes.Login))
	}
	if routes.Logout != nil {
		s.mux.Handle(base+auth.LogoutPath, securityHeadersMiddleware(routes.Logout))
	}
	if routes.Upstream != nil {
		upstream := routes.Upstream
		if routes.Gate != nil {
			upstream = routes.Gate(upstream)
		}
		s.mux.Handle("/", upstream)
	}

	// Wrap with middleware
	handler := loggingMiddleware(s.mux)
	handler = recoveryMiddleware(handler)
	if cfg.Listen.RateLimit > 0 {
		s.limiter = newIPRateLimiter(rate.Limit(cfg.Listen.RateLimit), cfg.Listen.RateBurst)
		handler = rateLimitMiddleware(s.limiter, handler)
	}
	handler = requestIDMiddleware(handler)

	// Create HTTP server. No write timeout: proxied dashboard requests
	// may stream for a long time.
	s.httpServer = &http.Server{
		Addr:              cfg.Listen.HTTP,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Configure TLS if enabled
	if cfg.TLS.Enabled {
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CipherSuites: []uint16{
				tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
				tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
				tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
			},
		}
	}

	return s, nil
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start starts the HTTP server
func (s *Server) Start() error {
	slog.Info("starting HTTP server",
		"addr", s.cfg.Listen.HTTP,
		"tls", s.cfg.TLS.Enabled,
		"base_path", s.cfg.Auth.BasePath,
	)

	if s.cfg.TLS.Enabled {
		return s.httpServer.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
	}

	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down HTTP server")
	if s.limiter != nil {
		s.limiter.Stop()
	}
	return s.httpServer.Shutdown(ctx)
}

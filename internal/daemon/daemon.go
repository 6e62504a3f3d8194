// Package daemon wires the gate's components together and runs them.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-multierror"

	"github.com/al-bashkir/dashboards-oidc-auth/internal/auth"
	"github.com/al-bashkir/dashboards-oidc-auth/internal/config"
	"github.com/al-bashkir/dashboards-oidc-auth/internal/httpserver"
	"github.com/al-bashkir/dashboards-oidc-auth/internal/identity"
	"github.com/al-bashkir/dashboards-oidc-auth/internal/oidc"
	"github.com/al-bashkir/dashboards-oidc-auth/internal/session"
)

// shutdownTimeout bounds how long in-flight requests may take to finish.
const shutdownTimeout = 30 * time.Second

// Daemon represents the main process that coordinates all components.
type Daemon struct {
	cfg          *config.Config
	oidcProvider *oidc.Provider
	store        *session.Store
	flows        *session.FlowStore
	gate         *auth.Gate
	httpServer   *httpserver.Server
}

// New creates a new daemon with all components initialized. Provider
// discovery happens here; without it no login is possible, so a failure
// is returned and the process should not start.
func New(cfg *config.Config, version string) (*Daemon, error) {
	httpClient, err := oidc.NewHTTPClient(&cfg.OIDC)
	if err != nil {
		return nil, fmt.Errorf("failed to create identity provider client: %w", err)
	}

	// Initialize OIDC provider
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.OIDC.DiscoveryTimeout)*time.Second)
	defer cancel()

	base := cfg.Auth.BasePath
	redirectURL := strings.TrimSuffix(cfg.OIDC.BaseRedirectURL, "/") + base + auth.LoginPath

	oidcProvider, err := oidc.NewProvider(ctx, &cfg.OIDC, redirectURL, httpClient)
	if err != nil {
		var discoveryErr *oidc.DiscoveryError
		if errors.As(err, &discoveryErr) {
			slog.Error("OIDC discovery failed", "connect_url", discoveryErr.URL, "error", discoveryErr.Err)
		}
		return nil, fmt.Errorf("failed to initialize OIDC provider: %w", err)
	}

	endpoints := oidcProvider.Endpoints()
	slog.Info("OIDC provider initialized",
		"connect_url", cfg.OIDC.ConnectURL,
		"client_id", cfg.OIDC.ClientID,
		"token_endpoint", endpoints.TokenEndpoint,
		"end_session", endpoints.EndSessionEndpoint != "",
	)

	resolver, err := identity.New(&cfg.Identity, oidcProvider, cleanhttp.DefaultPooledClient())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize identity resolver: %w", err)
	}

	upstream, err := httpserver.NewUpstreamProxy(cfg.Upstream.URL)
	if err != nil {
		return nil, err
	}

	store := session.NewStore()
	flows := session.NewFlowStore(time.Duration(cfg.Session.FlowTimeout) * time.Second)

	ttl := time.Duration(cfg.Session.TTL) * time.Second
	detector := auth.NewHeaderDetector(cfg.OIDC.Header)
	cookies := session.Cookies{
		Name:   cfg.Session.CookieName,
		Path:   base,
		Secure: cfg.Session.Secure,
	}

	refreshTimeout := time.Duration(cfg.OIDC.RefreshTimeout) * time.Second
	vcfg := auth.ValidatorConfig{
		Store:          store,
		Detector:       detector,
		Resolver:       resolver,
		Refresher:      oidcProvider.Refresher(refreshTimeout),
		TTL:            ttl,
		KeepAlive:      cfg.Session.KeepAlive,
		RefreshTimeout: refreshTimeout,
	}
	if cfg.OIDC.VerifyRefreshedTokens {
		vcfg.Verifier = oidcProvider
	}
	validator := auth.NewValidator(vcfg)

	gate := auth.NewGate(auth.GateConfig{
		Store:                 store,
		Cookies:               cookies,
		Validator:             validator,
		Detector:              detector,
		Resolver:              resolver,
		BasePath:              base,
		IgnoreRoutes:          cfg.Auth.IgnoreRoutes,
		UnauthenticatedRoutes: cfg.Auth.UnauthenticatedRoutes,
		TTL:                   ttl,
	})

	login := auth.NewLoginHandler(auth.LoginConfig{
		Flow:     oidcProvider,
		Flows:    flows,
		Store:    store,
		Cookies:  cookies,
		Resolver: resolver,
		Detector: detector,
		BasePath: base,
		TTL:      ttl,
	})

	logout := auth.NewLogoutHandler(auth.LogoutConfig{
		Store:              store,
		Cookies:            cookies,
		LogoutURL:          cfg.OIDC.LogoutURL,
		EndSessionEndpoint: endpoints.EndSessionEndpoint,
		BaseRedirectURL:    cfg.OIDC.BaseRedirectURL,
		BasePath:           base,
	})

	slog.Info("session store initialized",
		"ttl", ttl,
		"keepalive", cfg.Session.KeepAlive,
		"header", detector.Name(),
	)

	// Initialize HTTP server
	httpServer, err := httpserver.NewServer(cfg, httpserver.Routes{
		Login:    login,
		Logout:   logout,
		Gate:     gate.Wrap,
		Upstream: upstream,
	}, version)
	if err != nil {
		store.Stop()
		return nil, fmt.Errorf("failed to initialize HTTP server: %w", err)
	}

	slog.Info("HTTP server initialized",
		"listen", cfg.Listen.HTTP,
		"upstream", cfg.Upstream.URL,
		"tls", cfg.TLS.Enabled,
	)

	return &Daemon{
		cfg:          cfg,
		oidcProvider: oidcProvider,
		store:        store,
		flows:        flows,
		gate:         gate,
		httpServer:   httpServer,
	}, nil
}

// Run starts all daemon components and blocks until a shutdown signal is
// received.
func (d *Daemon) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return d.RunContext(ctx)
}

// RunContext serves until ctx is done or the HTTP server fails, then shuts
// everything down.
func (d *Daemon) RunContext(ctx context.Context) error {
	slog.Info("starting dashboards OIDC auth gate")

	// Start HTTP server in a goroutine (it blocks on ListenAndServe)
	httpErrCh := make(chan error, 1)
	go func() {
		if err := d.httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			httpErrCh <- err
		}
		close(httpErrCh)
	}()

	var runErr error
	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received", "reason", context.Cause(ctx))
	case err, ok := <-httpErrCh:
		if ok && err != nil {
			slog.Error("HTTP server failed", "error", err)
			runErr = fmt.Errorf("HTTP server failed: %w", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := d.shutdown(shutdownCtx); err != nil {
		slog.Error("error during shutdown", "error", err)
		runErr = multierror.Append(runErr, err).ErrorOrNil()
	}

	slog.Info("daemon shutdown complete")
	return runErr
}

// shutdown stops the HTTP server and then the session store.
func (d *Daemon) shutdown(ctx context.Context) error {
	var result *multierror.Error

	if err := d.httpServer.Shutdown(ctx); err != nil {
		result = multierror.Append(result, fmt.Errorf("stopping HTTP server: %w", err))
	}

	slog.Info("stopping session store", "sessions", d.store.Count(), "pending_logins", d.flows.Count())
	d.store.Stop()

	return result.ErrorOrNil()
}

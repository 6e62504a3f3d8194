package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/al-bashkir/dashboards-oidc-auth/internal/auth"
	"github.com/al-bashkir/dashboards-oidc-auth/internal/config"
	"github.com/al-bashkir/dashboards-oidc-auth/internal/daemon"
	"github.com/al-bashkir/dashboards-oidc-auth/internal/oidc"
)

// Version information (set via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// Global flags
var (
	configFile string
	logLevel   string
	logFormat  string
)

// Exit codes
const (
	ExitSuccess = 0
	ExitError   = 1
	ExitConfig  = 3
)

var rootCmd = &cobra.Command{
	Use:   "dashboards-oidc-auth",
	Short: "OpenID Connect session gate for dashboards",
	Long: `Authenticating reverse proxy for a dashboards web application.

Browsers sign in through an OpenID Connect provider using the authorization
code flow with PKCE. The gate keeps the resulting tokens in a server-side
session, refreshes them when they expire and forwards every authenticated
request to the dashboard with the bearer credential attached.

API clients may instead send credentials in the configured header; the gate
validates them and binds them to a session of its own.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the authentication gate",
	Long: `Start the gate.

The gate:
  - Discovers the provider's endpoints (fails to start if discovery fails)
  - Serves the login, logout and error pages
  - Validates, refreshes and expires sessions on every request
  - Proxies authenticated requests to the dashboard

This mode is typically run as a systemd service or container entrypoint.`,
	RunE: runServe,
}

// overrideExitCode is set by subcommands (check-config) so main() can
// call os.Exit() after cobra finishes.  This avoids calling os.Exit() inside
// RunE which would bypass deferred functions.  -1 means "use default".
var overrideExitCode = -1

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Fetch and print the provider's endpoints",
	Long: `Perform OpenID Connect discovery with the configured connect URL and
client TLS settings, then print the endpoints the gate would use.

Exit codes:
  0 = Discovery succeeded
  1 = Discovery failed
  3 = Configuration error`,
	RunE: runDiscover,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Display version information",
	Long:  `Display version, commit hash, and build date.`,
	Run:   runVersion,
}

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate configuration file",
	Long: `Load and validate the configuration file without starting the gate.

Checks for:
  - Valid YAML syntax
  - Required fields present
  - Valid URLs and paths
  - Logical consistency

Exit codes:
  0 = Configuration is valid
  3 = Configuration error`,
	RunE: runCheckConfig,
}

func init() {
	// Global flags (available to all commands)
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "/etc/dashboards-oidc-auth/config.yaml",
		"Path to configuration file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level (debug, info, warn, error) - overrides config file")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "",
		"Log format (json, text) - overrides config file")

	// Add subcommands
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(checkConfigCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitError)
	}

	// If a subcommand set a specific exit code, use it.
	// This is done outside RunE so deferred functions run properly.
	if overrideExitCode >= 0 {
		os.Exit(overrideExitCode)
	}
}

// loadConfig loads the configuration and applies the log flag overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	// Override log settings from flags if provided
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}

	return cfg, nil
}

// runServe starts the gate
func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Initialize structured logging based on config
	config.SetupLogging(&cfg.Log)

	slog.Info("starting dashboards OIDC auth gate",
		"version", version,
		"commit", commit,
		"build_date", buildDate,
		"config", configFile,
	)

	// Create and run daemon
	d, err := daemon.New(cfg, version)
	if err != nil {
		slog.Error("failed to create daemon", "error", err)
		return fmt.Errorf("failed to create daemon: %w", err)
	}

	return d.Run()
}

// runDiscover prints the endpoints discovered from the provider
func runDiscover(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed:\n")
		fmt.Fprintf(os.Stderr, "   %v\n", err)
		overrideExitCode = ExitConfig
		return nil
	}

	config.SetupLogging(&cfg.Log)

	httpClient, err := oidc.NewHTTPClient(&cfg.OIDC)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.OIDC.DiscoveryTimeout)*time.Second)
	defer cancel()

	redirectURL := strings.TrimSuffix(cfg.OIDC.BaseRedirectURL, "/") + cfg.Auth.BasePath + auth.LoginPath
	provider, err := oidc.NewProvider(ctx, &cfg.OIDC, redirectURL, httpClient)
	if err != nil {
		return err
	}

	endpoints := provider.Endpoints()
	fmt.Printf("Issuer:                 %s\n", oidc.IssuerFromConnectURL(cfg.OIDC.ConnectURL))
	fmt.Printf("Authorization endpoint: %s\n", endpoints.AuthorizationEndpoint)
	fmt.Printf("Token endpoint:         %s\n", endpoints.TokenEndpoint)
	if endpoints.EndSessionEndpoint != "" {
		fmt.Printf("End session endpoint:   %s\n", endpoints.EndSessionEndpoint)
	} else {
		fmt.Printf("End session endpoint:   [NOT ADVERTISED]\n")
	}
	if cfg.OIDC.LogoutURL != "" {
		fmt.Printf("Logout URL override:    %s\n", cfg.OIDC.LogoutURL)
	}
	fmt.Printf("Redirect URL:           %s\n", redirectURL)

	return nil
}

// runVersion displays version information
func runVersion(cmd *cobra.Command, args []string) {
	fmt.Printf("dashboards-oidc-auth version %s\n", version)
	fmt.Printf("  Commit:     %s\n", commit)
	fmt.Printf("  Build date: %s\n", buildDate)
	fmt.Printf("  Go version: %s\n", getGoVersion())
}

// runCheckConfig validates the configuration
func runCheckConfig(cmd *cobra.Command, args []string) error {
	fmt.Printf("Checking configuration: %s\n\n", configFile)

	// Load configuration
	loaded, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed:\n")
		fmt.Fprintf(os.Stderr, "   %v\n", err)
		overrideExitCode = ExitConfig
		return nil // exit code handled via overrideExitCode
	}
	cfg := loaded.Redact()

	// Print configuration summary (with secrets redacted)
	fmt.Println("✅ Configuration is valid")
	fmt.Println()
	fmt.Println("Configuration summary:")
	fmt.Printf("  Connect URL:       %s\n", cfg.OIDC.ConnectURL)
	fmt.Printf("  Client ID:         %s\n", cfg.OIDC.ClientID)
	fmt.Printf("  Client Secret:     %s\n", secretState(cfg.OIDC.ClientSecret))
	fmt.Printf("  Base Redirect URL: %s\n", cfg.OIDC.BaseRedirectURL)
	fmt.Printf("  Scopes:            %v\n", cfg.OIDC.Scopes)
	fmt.Printf("  Auth Header:       %s\n", orDefault(cfg.OIDC.Header, auth.DefaultHeaderName))
	fmt.Printf("  Base Path:         %s\n", orDefault(cfg.Auth.BasePath, "/"))
	fmt.Printf("  Upstream:          %s\n", cfg.Upstream.URL)
	fmt.Printf("  HTTP Listen:       %s\n", cfg.Listen.HTTP)
	fmt.Printf("  Identity Mode:     %s\n", cfg.Identity.Mode)
	fmt.Printf("  Required Roles:    %v\n", cfg.Identity.RequiredRoles)
	fmt.Printf("  Session TTL:       %d seconds\n", cfg.Session.TTL)
	fmt.Printf("  Keepalive:         %v\n", cfg.Session.KeepAlive)
	fmt.Printf("  Log Level:         %s\n", cfg.Log.Level)
	fmt.Printf("  Log Format:        %s\n", cfg.Log.Format)
	fmt.Printf("  TLS Enabled:       %v\n", cfg.TLS.Enabled)

	fmt.Println("\n✅ Ready to start gate")

	return nil
}

func secretState(secret string) string {
	if secret == "" {
		return "[NOT SET] (public client with PKCE)"
	}
	return secret
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// getGoVersion returns the Go version used to build the binary
func getGoVersion() string {
	return runtime.Version()
}

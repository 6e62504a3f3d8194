package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/al-bashkir/dashboards-oidc-auth/internal/config"
	"github.com/al-bashkir/dashboards-oidc-auth/internal/oidc"
	"github.com/al-bashkir/dashboards-oidc-auth/internal/oidc/oidctest"
)

func testConfig(connectURL string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.Listen.HTTP = "127.0.0.1:0"
	cfg.Upstream.URL = "http://127.0.0.1:5602"
	cfg.OIDC.ConnectURL = connectURL
	cfg.OIDC.ClientID = "dashboards"
	cfg.OIDC.BaseRedirectURL = "https://dash.example"
	cfg.OIDC.DiscoveryTimeout = 5
	cfg.Auth.BasePath = "/dash"
	return cfg
}

func newTestDaemon(t *testing.T, cfg *config.Config) *Daemon {
	t.Helper()

	d, err := New(cfg, "test")
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(d.store.Stop)
	return d
}

func TestNew_DiscoveryFailure(t *testing.T) {
	dead := httptest.NewServer(http.NotFoundHandler())
	connectURL := dead.URL + "/realms/test/.well-known/openid-configuration"
	dead.Close()

	_, err := New(testConfig(connectURL), "test")
	if err == nil {
		t.Fatal("expected error, got nil")
	}

	var discoveryErr *oidc.DiscoveryError
	if !errors.As(err, &discoveryErr) {
		t.Fatalf("expected DiscoveryError, got %v", err)
	}
	if discoveryErr.URL != connectURL {
		t.Errorf("DiscoveryError.URL = %q, want %q", discoveryErr.URL, connectURL)
	}
}

func TestNew_InvalidUpstream(t *testing.T) {
	idp := oidctest.New(t)
	cfg := testConfig(idp.ConnectURL())
	cfg.Upstream.URL = "dashboards"

	if _, err := New(cfg, "test"); err == nil {
		t.Fatal("expected error for upstream without scheme")
	}
}

func TestNew_UnauthenticatedRequestRedirectsToLogin(t *testing.T) {
	idp := oidctest.New(t)
	d := newTestDaemon(t, testConfig(idp.ConnectURL()))

	req := httptest.NewRequest("GET", "/dash/app/discover?x=1", nil)
	w := httptest.NewRecorder()
	d.httpServer.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusFound {
		t.Fatalf("expected status 302, got %d", w.Code)
	}
	want := "/dash/auth/openid/login?nextUrl=" + url.QueryEscape("/dash/app/discover?x=1")
	if got := w.Header().Get("Location"); got != want {
		t.Fatalf("Location = %q, want %q", got, want)
	}
}

func TestNew_LoginStartsAuthorizationFlow(t *testing.T) {
	idp := oidctest.New(t)
	d := newTestDaemon(t, testConfig(idp.ConnectURL()))

	req := httptest.NewRequest("GET", "/dash/auth/openid/login?nextUrl=%2Fdash%2Fapp%2Fdiscover", nil)
	w := httptest.NewRecorder()
	d.httpServer.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusFound {
		t.Fatalf("expected status 302, got %d", w.Code)
	}

	loc, err := url.Parse(w.Header().Get("Location"))
	if err != nil {
		t.Fatalf("invalid Location: %v", err)
	}
	if !strings.HasPrefix(loc.String(), idp.Issuer+"/auth") {
		t.Fatalf("expected redirect to authorization endpoint, got %s", loc)
	}

	q := loc.Query()
	if got := q.Get("redirect_uri"); got != "https://dash.example/dash/auth/openid/login" {
		t.Errorf("redirect_uri = %q", got)
	}
	if q.Get("code_challenge") == "" {
		t.Error("expected PKCE code_challenge")
	}
	if d.flows.Count() != 1 {
		t.Errorf("expected 1 pending login, got %d", d.flows.Count())
	}
}

func TestNew_LogoutUsesDiscoveredEndSession(t *testing.T) {
	idp := oidctest.New(t)
	d := newTestDaemon(t, testConfig(idp.ConnectURL()))

	req := httptest.NewRequest("POST", "/dash/auth/logout", nil)
	w := httptest.NewRecorder()
	d.httpServer.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}

	var body struct {
		RedirectURL string `json:"redirectURL"`
	}
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}

	want := idp.EndSessionURL() + "?post_logout_redirect_uri=https://dash.example/dash/app/kibana"
	if body.RedirectURL != want {
		t.Errorf("redirectURL = %q, want %q", body.RedirectURL, want)
	}
}

func TestNew_IgnoredRoutePassesThrough(t *testing.T) {
	var hits int
	dashboard := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		if r.Header.Get("Authorization") != "" {
			t.Error("expected no credentials on ignored route")
		}
	}))
	t.Cleanup(dashboard.Close)

	idp := oidctest.New(t)
	cfg := testConfig(idp.ConnectURL())
	cfg.Upstream.URL = dashboard.URL
	cfg.Auth.IgnoreRoutes = []string{"/ui/favicon.png"}
	d := newTestDaemon(t, cfg)

	w := httptest.NewRecorder()
	d.httpServer.Handler().ServeHTTP(w, httptest.NewRequest("GET", "/dash/ui/favicon.png", nil))

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if hits != 1 {
		t.Fatalf("expected 1 upstream request, got %d", hits)
	}
}

func TestRunContext_StopsOnCancel(t *testing.T) {
	idp := oidctest.New(t)
	d := newTestDaemon(t, testConfig(idp.ConnectURL()))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- d.RunContext(ctx)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected clean shutdown, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for RunContext to return")
	}
}

func TestRunContext_HTTPServerStartFailureReturnsError(t *testing.T) {
	idp := oidctest.New(t)
	cfg := testConfig(idp.ConnectURL())
	cfg.Listen.HTTP = "127.0.0.1:-1" // invalid port -> ListenAndServe fails immediately
	d := newTestDaemon(t, cfg)

	done := make(chan error, 1)
	go func() {
		done <- d.RunContext(context.Background())
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected RunContext to fail, got nil")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for RunContext to return")
	}
}

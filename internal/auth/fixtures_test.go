package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/al-bashkir/dashboards-oidc-auth/internal/config"
	"github.com/al-bashkir/dashboards-oidc-auth/internal/oidc"
	"github.com/al-bashkir/dashboards-oidc-auth/internal/oidc/oidctest"
	"github.com/al-bashkir/dashboards-oidc-auth/internal/session"
)

const testCookieName = "security_authentication"

// fakeResolver records every header value it is asked to authenticate.
type fakeResolver struct {
	mu       sync.Mutex
	calls    []string
	err      error
	identity *Identity
}

func (f *fakeResolver) Authenticate(ctx context.Context, headerName, headerValue string) (*Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, headerValue)
	if f.err != nil {
		return nil, f.err
	}
	if f.identity != nil {
		return f.identity, nil
	}
	return &Identity{Username: "alice", Roles: []string{"admin"}, Tenant: "global"}, nil
}

func (f *fakeResolver) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeResolver) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// countingStore counts store mutations.
type countingStore struct {
	*session.Store
	saves   atomic.Int32
	deletes atomic.Int32
}

func (c *countingStore) Save(sess *session.Session) error {
	c.saves.Add(1)
	return c.Store.Save(sess)
}

func (c *countingStore) Delete(sessionID string) {
	c.deletes.Add(1)
	c.Store.Delete(sessionID)
}

func (c *countingStore) resetCounters() {
	c.saves.Store(0)
	c.deletes.Store(0)
}

type fixture struct {
	t        *testing.T
	idp      *oidctest.IdP
	store    *countingStore
	resolver *fakeResolver
	detector *HeaderDetector
	cookies  session.Cookies
	now      time.Time
	vcfg     ValidatorConfig
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	idp := oidctest.New(t)
	store := &countingStore{Store: session.NewStore()}
	t.Cleanup(store.Stop)

	f := &fixture{
		t:        t,
		idp:      idp,
		store:    store,
		resolver: &fakeResolver{},
		detector: NewHeaderDetector("authorization"),
		cookies:  session.Cookies{Name: testCookieName, Path: "/"},
		now:      time.Now().Truncate(time.Second),
	}
	f.vcfg = ValidatorConfig{
		Store:          store,
		Detector:       f.detector,
		Resolver:       f.resolver,
		Refresher:      oidc.NewRefresher(idp.Issuer+"/token", idp.ClientID, "secret", idp.Server.Client(), 5*time.Second),
		RefreshTimeout: 5 * time.Second,
		Now:            func() time.Time { return f.now },
	}
	return f
}

func (f *fixture) validator() *Validator {
	return NewValidator(f.vcfg)
}

func (f *fixture) gate(v *Validator, mutate ...func(*GateConfig)) *Gate {
	cfg := GateConfig{
		Store:                 f.store,
		Cookies:               f.cookies,
		Validator:             v,
		Detector:              f.detector,
		Resolver:              f.resolver,
		IgnoreRoutes:          []string{"/health"},
		UnauthenticatedRoutes: []string{"/api/status"},
		TTL:                   f.vcfg.TTL,
		Now:                   f.vcfg.Now,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	return NewGate(cfg)
}

func (f *fixture) provider() *oidc.Provider {
	f.t.Helper()

	p, err := oidc.NewProvider(context.Background(), &config.OIDCConfig{
		ConnectURL:   f.idp.ConnectURL(),
		ClientID:     f.idp.ClientID,
		ClientSecret: "secret",
		Scopes:       []string{"openid", "profile"},
	}, "http://app.example/auth/openid/login", f.idp.Server.Client())
	require.NoError(f.t, err)
	return p
}

// save persists sess and returns the stored copy.
func (f *fixture) save(sess *session.Session) *session.Session {
	f.t.Helper()

	if sess.AuthType == "" {
		sess.AuthType = session.AuthTypeOpenID
	}
	stored, err := f.store.Create(sess)
	require.NoError(f.t, err)
	f.store.resetCounters()
	return stored
}

func (f *fixture) request(method, target string, sessionID string) *http.Request {
	r := httptest.NewRequest(method, target, nil)
	if sessionID != "" {
		r.AddCookie(&http.Cookie{Name: testCookieName, Value: sessionID})
	}
	return r
}

// tokenResponse makes the IdP token endpoint answer with body.
func (f *fixture) tokenResponse(status int, body string) {
	f.idp.SetTokenHandler(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})
}

func findCookie(resp *http.Response, name string) *http.Cookie {
	for _, c := range resp.Cookies() {
		if c.Name == name {
			return c
		}
	}
	return nil
}

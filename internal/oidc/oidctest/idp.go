// Package oidctest provides an in-process OpenID Connect provider for tests.
package oidctest

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const keyID = "test-key"

// IdP is a fake identity provider serving discovery, JWKS, token and
// end-session endpoints. ID tokens are signed with RS256.
type IdP struct {
	Server   *httptest.Server
	Issuer   string
	ClientID string

	key *rsa.PrivateKey

	mu           sync.Mutex
	tokenHandler http.HandlerFunc
	endSession   bool
	subject      string

	tokenCalls atomic.Int32
}

// Option configures the IdP.
type Option func(*IdP)

// WithoutEndSession omits end_session_endpoint from discovery.
func WithoutEndSession() Option {
	return func(i *IdP) {
		i.endSession = false
	}
}

// WithSubject sets the subject and preferred_username of issued tokens.
func WithSubject(sub string) Option {
	return func(i *IdP) {
		i.subject = sub
	}
}

// New starts a provider that is shut down when the test ends.
func New(t testing.TB, opts ...Option) *IdP {
	t.Helper()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	idp := &IdP{
		ClientID:   "dashboards",
		key:        key,
		endSession: true,
		subject:    "alice",
	}
	for _, opt := range opts {
		opt(idp)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/realms/test/.well-known/openid-configuration", idp.handleDiscovery)
	mux.HandleFunc("/realms/test/keys", idp.handleKeys)
	mux.HandleFunc("/realms/test/token", idp.handleToken)

	idp.Server = httptest.NewServer(mux)
	idp.Issuer = idp.Server.URL + "/realms/test"
	t.Cleanup(idp.Server.Close)

	return idp
}

// ConnectURL returns the well-known configuration URL.
func (i *IdP) ConnectURL() string {
	return i.Issuer + "/.well-known/openid-configuration"
}

// EndSessionURL returns the advertised end-session endpoint.
func (i *IdP) EndSessionURL() string {
	return i.Issuer + "/logout"
}

// TokenCalls returns how many requests reached the token endpoint.
func (i *IdP) TokenCalls() int {
	return int(i.tokenCalls.Load())
}

// SetTokenHandler replaces the token endpoint behavior.
func (i *IdP) SetTokenHandler(h http.HandlerFunc) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.tokenHandler = h
}

// Claims returns default claims for an ID token expiring after ttl.
func (i *IdP) Claims(ttl time.Duration) map[string]interface{} {
	now := time.Now()
	i.mu.Lock()
	sub := i.subject
	i.mu.Unlock()
	return map[string]interface{}{
		"iss":                i.Issuer,
		"aud":                i.ClientID,
		"sub":                sub,
		"preferred_username": sub,
		"iat":                now.Unix(),
		"exp":                now.Add(ttl).Unix(),
	}
}

// Sign returns an RS256 JWT over claims, verifiable via the JWKS endpoint.
func (i *IdP) Sign(t testing.TB, claims map[string]interface{}) string {
	t.Helper()

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims(claims))
	token.Header["kid"] = keyID

	signed, err := token.SignedString(i.key)
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

// Unsigned returns a JWT-shaped token over claims with a bogus signature.
func Unsigned(t testing.TB, claims map[string]interface{}) string {
	t.Helper()

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"RS256","typ":"JWT"}`))
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("failed to marshal claims: %v", err)
	}
	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + "." +
		base64.RawURLEncoding.EncodeToString([]byte("fakesignature"))
}

func (i *IdP) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	doc := map[string]interface{}{
		"issuer":                                i.Issuer,
		"authorization_endpoint":                i.Issuer + "/auth",
		"token_endpoint":                        i.Issuer + "/token",
		"jwks_uri":                              i.Issuer + "/keys",
		"id_token_signing_alg_values_supported": []string{"RS256"},
	}
	i.mu.Lock()
	if i.endSession {
		doc["end_session_endpoint"] = i.EndSessionURL()
	}
	i.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(doc)
}

func (i *IdP) handleKeys(w http.ResponseWriter, r *http.Request) {
	pub := i.key.PublicKey
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"keys": []map[string]string{{
			"kty": "RSA",
			"kid": keyID,
			"alg": "RS256",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		}},
	})
}

func (i *IdP) handleToken(w http.ResponseWriter, r *http.Request) {
	i.tokenCalls.Add(1)

	i.mu.Lock()
	h := i.tokenHandler
	i.mu.Unlock()
	if h != nil {
		h(w, r)
		return
	}

	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var refreshToken string
	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		refreshToken = "refresh-1"
	case "refresh_token":
		refreshToken = r.PostForm.Get("refresh_token") + "-next"
	default:
		http.Error(w, `{"error":"unsupported_grant_type"}`, http.StatusBadRequest)
		return
	}

	token := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims(i.Claims(time.Hour)))
	token.Header["kid"] = keyID
	idToken, err := token.SignedString(i.key)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"access_token":  "access-" + refreshToken,
		"token_type":    "Bearer",
		"expires_in":    3600,
		"id_token":      idToken,
		"refresh_token": refreshToken,
	})
}

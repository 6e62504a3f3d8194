package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/al-bashkir/dashboards-oidc-auth/internal/oidc"
	"github.com/al-bashkir/dashboards-oidc-auth/internal/oidc/oidctest"
	"github.com/al-bashkir/dashboards-oidc-auth/internal/session"
)

func TestValidate_ForeignAuthType(t *testing.T) {
	for _, authType := range []string{"saml", "basicauth", "proxy"} {
		t.Run(authType, func(t *testing.T) {
			f := newFixture(t)
			stored := f.save(&session.Session{
				Username:    "alice",
				AuthType:    authType,
				Credentials: session.Credentials{AuthHeaderValue: "Bearer x"},
			})

			out := f.validator().Validate(context.Background(), f.request(http.MethodGet, "/app/kibana", ""), stored)

			assert.Equal(t, Invalid, out.Kind)
			assert.True(t, errors.Is(out.Err, ErrInvalidSession))
			_, err := f.store.Get(stored.ID)
			assert.ErrorIs(t, err, session.ErrNotFound)
			assert.Empty(t, f.resolver.Calls())
		})
	}
}

func TestValidate_HeaderReauthentication(t *testing.T) {
	f := newFixture(t)
	stored := f.save(&session.Session{
		Username: "bob",
		Credentials: session.Credentials{
			AuthHeaderValue: "Bearer old",
			RefreshToken:    "rt-old",
		},
		// Expired claims must not matter once a new header shows up
		ExpiresAt: f.now.Add(-time.Hour).Unix(),
	})

	r := f.request(http.MethodGet, "/app/kibana", stored.ID)
	r.Header.Set("Authorization", "Bearer new")

	out := f.validator().Validate(context.Background(), r, stored)

	require.Equal(t, Reauthenticated, out.Kind)
	assert.Equal(t, []string{"Bearer new"}, f.resolver.Calls())
	assert.Equal(t, stored.ID, out.Session.ID)
	assert.Equal(t, "alice", out.Session.Username)
	assert.Equal(t, "Bearer new", out.Session.Credentials.AuthHeaderValue)
	assert.Empty(t, out.Session.Credentials.RefreshToken)
	assert.Zero(t, out.Session.ExpiresAt)
	assert.Zero(t, f.idp.TokenCalls())

	got, err := f.store.Get(stored.ID)
	require.NoError(t, err)
	assert.Equal(t, "Bearer new", got.Credentials.AuthHeaderValue)
}

func TestValidate_HeaderReauthenticationUsesTokenExpiry(t *testing.T) {
	f := newFixture(t)
	stored := f.save(&session.Session{Credentials: session.Credentials{AuthHeaderValue: "Bearer old"}})

	exp := f.now.Add(30 * time.Minute).Unix()
	jwt := oidctest.Unsigned(t, map[string]interface{}{"sub": "alice", "exp": exp})

	r := f.request(http.MethodGet, "/", stored.ID)
	r.Header.Set("Authorization", "Bearer "+jwt)

	out := f.validator().Validate(context.Background(), r, stored)

	require.Equal(t, Reauthenticated, out.Kind)
	assert.Equal(t, exp, out.Session.ExpiresAt)
}

func TestValidate_HeaderReauthenticationFailure(t *testing.T) {
	f := newFixture(t)
	f.resolver.Fail(ErrMissingRole)
	stored := f.save(&session.Session{Credentials: session.Credentials{AuthHeaderValue: "Bearer old"}})

	r := f.request(http.MethodGet, "/", stored.ID)
	r.Header.Set("Authorization", "Bearer new")

	out := f.validator().Validate(context.Background(), r, stored)

	assert.Equal(t, Invalid, out.Kind)
	assert.Equal(t, KindMissingRole, KindOf(out.Err))
	_, err := f.store.Get(stored.ID)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestValidate_UnclassifiedResolverFailure(t *testing.T) {
	f := newFixture(t)
	f.resolver.Fail(fmt.Errorf("backend unavailable"))
	stored := f.save(&session.Session{Credentials: session.Credentials{AuthHeaderValue: "Bearer old"}})

	r := f.request(http.MethodGet, "/", stored.ID)
	r.Header.Set("Authorization", "Bearer new")

	out := f.validator().Validate(context.Background(), r, stored)

	assert.Equal(t, Invalid, out.Kind)
	assert.Equal(t, KindAuthentication, KindOf(out.Err))
}

func TestValidate_SameHeaderIsNotReauthenticated(t *testing.T) {
	f := newFixture(t)
	stored := f.save(&session.Session{
		Credentials: session.Credentials{AuthHeaderValue: "Bearer same"},
		ExpiresAt:   f.now.Add(time.Hour).Unix(),
	})

	r := f.request(http.MethodGet, "/", stored.ID)
	r.Header.Set("Authorization", "Bearer same")

	out := f.validator().Validate(context.Background(), r, stored)

	assert.Equal(t, Valid, out.Kind)
	assert.Empty(t, f.resolver.Calls())
}

func TestValidate_RefreshOnClaimExpiry(t *testing.T) {
	f := newFixture(t)
	stored := f.save(&session.Session{
		Username: "alice",
		Credentials: session.Credentials{
			AuthHeaderValue: "Bearer expired",
			RefreshToken:    "rt-old",
		},
		ExpiresAt: f.now.Add(-time.Second).Unix(),
	})

	newExp := f.now.Add(time.Hour).Unix()
	idToken := oidctest.Unsigned(t, map[string]interface{}{"sub": "alice", "exp": newExp})

	var form struct {
		sync.Mutex
		grantType, refreshToken string
	}
	f.idp.SetTokenHandler(func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		form.Lock()
		form.grantType = r.PostForm.Get("grant_type")
		form.refreshToken = r.PostForm.Get("refresh_token")
		form.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{
			"id_token":      idToken,
			"refresh_token": "R",
		})
	})

	out := f.validator().Validate(context.Background(), f.request(http.MethodGet, "/", stored.ID), stored)

	require.Equal(t, Reauthenticated, out.Kind, "err: %v", out.Err)
	assert.Equal(t, stored.ID, out.Session.ID)
	assert.Equal(t, newExp, out.Session.ExpiresAt)
	assert.Equal(t, "R", out.Session.Credentials.RefreshToken)
	assert.Equal(t, "Bearer "+idToken, out.Session.Credentials.AuthHeaderValue)
	assert.Equal(t, session.AuthTypeOpenID, out.Session.AuthType)
	assert.Equal(t, []string{"Bearer " + idToken}, f.resolver.Calls())

	form.Lock()
	assert.Equal(t, "refresh_token", form.grantType)
	assert.Equal(t, "rt-old", form.refreshToken)
	form.Unlock()

	got, err := f.store.Get(stored.ID)
	require.NoError(t, err)
	assert.Equal(t, "R", got.Credentials.RefreshToken)
	assert.Equal(t, newExp, got.ExpiresAt)
}

func TestValidate_RefreshKeepsRefreshTokenWhenNotRotated(t *testing.T) {
	f := newFixture(t)
	stored := f.save(&session.Session{
		Credentials: session.Credentials{AuthHeaderValue: "Bearer expired", RefreshToken: "rt-old"},
		ExpiresAt:   f.now.Unix(),
	})

	idToken := oidctest.Unsigned(t, map[string]interface{}{"exp": f.now.Add(time.Hour).Unix()})
	f.tokenResponse(http.StatusOK, `{"id_token":"`+idToken+`"}`)

	out := f.validator().Validate(context.Background(), f.request(http.MethodGet, "/", stored.ID), stored)

	require.Equal(t, Reauthenticated, out.Kind)
	assert.Equal(t, "rt-old", out.Session.Credentials.RefreshToken)
}

func TestValidate_RefreshWithoutExpiryFallsBackToTTL(t *testing.T) {
	f := newFixture(t)
	f.vcfg.TTL = 15 * time.Minute
	stored := f.save(&session.Session{
		Credentials: session.Credentials{AuthHeaderValue: "Bearer expired", RefreshToken: "rt"},
		ExpiresAt:   f.now.Add(-time.Minute).Unix(),
	})

	idToken := oidctest.Unsigned(t, map[string]interface{}{"sub": "alice"})
	f.tokenResponse(http.StatusOK, `{"id_token":"`+idToken+`","refresh_token":"rt2"}`)

	out := f.validator().Validate(context.Background(), f.request(http.MethodGet, "/", stored.ID), stored)

	require.Equal(t, Reauthenticated, out.Kind)
	assert.Zero(t, out.Session.ExpiresAt)
	assert.Equal(t, f.now.Add(15*time.Minute).UnixMilli(), out.Session.ExpiryTime)
}

func TestValidate_RefreshFailure(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"rejected grant", http.StatusBadRequest, `{"error":"invalid_grant"}`},
		{"server error", http.StatusInternalServerError, `oops`},
		{"missing id_token", http.StatusOK, `{"refresh_token":"R"}`},
		{"undecodable id_token", http.StatusOK, `{"id_token":"not-a-jwt"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			stored := f.save(&session.Session{
				Credentials: session.Credentials{AuthHeaderValue: "Bearer expired", RefreshToken: "rt"},
				ExpiresAt:   f.now.Add(-time.Second).Unix(),
			})
			f.tokenResponse(tt.status, tt.body)

			out := f.validator().Validate(context.Background(), f.request(http.MethodGet, "/", stored.ID), stored)

			assert.False(t, out.OK())
			assert.Equal(t, Expired, out.Kind)
			assert.True(t, errors.Is(out.Err, ErrSessionExpired), "got %v", out.Err)
			assert.Equal(t, KindSessionExpired, KindOf(out.Err))
			_, err := f.store.Get(stored.ID)
			assert.ErrorIs(t, err, session.ErrNotFound)
		})
	}
}

func TestValidate_RefreshFailureKeepsRefreshError(t *testing.T) {
	f := newFixture(t)
	stored := f.save(&session.Session{
		Credentials: session.Credentials{AuthHeaderValue: "Bearer expired", RefreshToken: "rt"},
		ExpiresAt:   f.now.Add(-time.Second).Unix(),
	})
	f.tokenResponse(http.StatusUnauthorized, `{"error":"invalid_client"}`)

	out := f.validator().Validate(context.Background(), f.request(http.MethodGet, "/", stored.ID), stored)

	var refreshErr *oidc.RefreshError
	require.True(t, errors.As(out.Err, &refreshErr))
	assert.Equal(t, http.StatusUnauthorized, refreshErr.StatusCode)
}

func TestValidate_RefreshedTokenSignatureVerified(t *testing.T) {
	f := newFixture(t)
	f.vcfg.Verifier = f.provider()

	t.Run("forged token rejected", func(t *testing.T) {
		stored := f.save(&session.Session{
			Credentials: session.Credentials{AuthHeaderValue: "Bearer expired", RefreshToken: "rt"},
			ExpiresAt:   f.now.Add(-time.Second).Unix(),
		})
		forged := oidctest.Unsigned(t, f.idp.Claims(time.Hour))
		f.tokenResponse(http.StatusOK, `{"id_token":"`+forged+`"}`)

		out := f.validator().Validate(context.Background(), f.request(http.MethodGet, "/", stored.ID), stored)

		assert.Equal(t, Expired, out.Kind)
		assert.Equal(t, KindSessionExpired, KindOf(out.Err))
	})

	t.Run("signed token accepted", func(t *testing.T) {
		stored := f.save(&session.Session{
			Credentials: session.Credentials{AuthHeaderValue: "Bearer expired", RefreshToken: "rt"},
			ExpiresAt:   f.now.Add(-time.Second).Unix(),
		})
		claims := f.idp.Claims(time.Hour)
		signed := f.idp.Sign(t, claims)
		f.tokenResponse(http.StatusOK, `{"id_token":"`+signed+`","refresh_token":"rt2"}`)

		out := f.validator().Validate(context.Background(), f.request(http.MethodGet, "/", stored.ID), stored)

		require.Equal(t, Reauthenticated, out.Kind, "err: %v", out.Err)
		assert.Equal(t, claims["exp"], out.Session.ExpiresAt)
	})
}

func TestValidate_ExpiredWithoutRefreshToken(t *testing.T) {
	f := newFixture(t)
	stored := f.save(&session.Session{
		Credentials: session.Credentials{AuthHeaderValue: "Bearer expired"},
		ExpiresAt:   f.now.Unix(),
	})

	out := f.validator().Validate(context.Background(), f.request(http.MethodGet, "/", stored.ID), stored)

	assert.Equal(t, Expired, out.Kind)
	assert.True(t, errors.Is(out.Err, ErrSessionExpired))
	assert.Zero(t, f.idp.TokenCalls())
	assert.Empty(t, f.resolver.Calls())
	_, err := f.store.Get(stored.ID)
	assert.ErrorIs(t, err, session.ErrNotFound)
}

func TestValidate_IdempotentForNonExpiringSession(t *testing.T) {
	f := newFixture(t)
	stored := f.save(&session.Session{
		Username:    "alice",
		Credentials: session.Credentials{AuthHeaderValue: "Bearer stable"},
	})
	v := f.validator()

	first := v.Validate(context.Background(), f.request(http.MethodGet, "/", stored.ID), stored)
	second := v.Validate(context.Background(), f.request(http.MethodGet, "/", stored.ID), first.Session)

	assert.Equal(t, Valid, first.Kind)
	assert.Equal(t, Valid, second.Kind)
	assert.Equal(t, first.Session.Credentials, second.Session.Credentials)
	assert.Zero(t, f.store.saves.Load())
	assert.Zero(t, f.store.deletes.Load())
}

func TestValidate_ClaimExpiryNotReached(t *testing.T) {
	f := newFixture(t)
	f.vcfg.TTL = time.Minute
	f.vcfg.KeepAlive = true
	stored := f.save(&session.Session{
		Credentials: session.Credentials{AuthHeaderValue: "Bearer ok", RefreshToken: "rt"},
		ExpiresAt:   f.now.Add(time.Second).Unix(),
	})

	out := f.validator().Validate(context.Background(), f.request(http.MethodGet, "/", stored.ID), stored)

	assert.Equal(t, Valid, out.Kind)
	assert.Zero(t, out.Session.ExpiryTime)
	assert.Zero(t, f.store.saves.Load())
	assert.Zero(t, f.idp.TokenCalls())
}

func TestValidate_SlidingExtension(t *testing.T) {
	f := newFixture(t)
	ttl := 10 * time.Minute
	f.vcfg.TTL = ttl
	f.vcfg.KeepAlive = true
	v := f.validator()

	t0 := f.now
	stored := f.save(&session.Session{
		Credentials: session.Credentials{AuthHeaderValue: "Bearer opaque"},
		ExpiryTime:  t0.Add(ttl).UnixMilli(),
	})

	out := v.Validate(context.Background(), f.request(http.MethodGet, "/", stored.ID), stored)
	require.Equal(t, Valid, out.Kind)
	assert.Equal(t, t0.Add(ttl).UnixMilli(), out.Session.ExpiryTime)

	f.now = t0.Add(ttl / 2)
	current, err := f.store.Get(stored.ID)
	require.NoError(t, err)

	out = v.Validate(context.Background(), f.request(http.MethodGet, "/", stored.ID), current)
	require.Equal(t, Valid, out.Kind)
	assert.Equal(t, t0.Add(ttl/2).Add(ttl).UnixMilli(), out.Session.ExpiryTime)

	current, err = f.store.Get(stored.ID)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(ttl/2).Add(ttl).UnixMilli(), current.ExpiryTime)
	assert.Equal(t, stored.ID, current.ID)
}

func TestValidate_SlidingExpiry(t *testing.T) {
	tests := []struct {
		name       string
		expiryTime func(now time.Time) int64
	}{
		{"lapsed", func(now time.Time) int64 { return now.Add(-time.Millisecond).UnixMilli() }},
		{"exactly now", func(now time.Time) int64 { return now.UnixMilli() }},
		{"missing", func(time.Time) int64 { return 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.vcfg.TTL = time.Minute
			f.vcfg.KeepAlive = true
			stored := f.save(&session.Session{
				Credentials: session.Credentials{AuthHeaderValue: "Bearer opaque"},
				ExpiryTime:  tt.expiryTime(f.now),
			})

			out := f.validator().Validate(context.Background(), f.request(http.MethodGet, "/", stored.ID), stored)

			assert.Equal(t, Expired, out.Kind)
			_, err := f.store.Get(stored.ID)
			assert.ErrorIs(t, err, session.ErrNotFound)
		})
	}
}

func TestValidate_SlidingWithoutKeepAlive(t *testing.T) {
	f := newFixture(t)
	f.vcfg.TTL = time.Minute
	expiry := f.now.Add(30 * time.Second).UnixMilli()
	stored := f.save(&session.Session{
		Credentials: session.Credentials{AuthHeaderValue: "Bearer opaque"},
		ExpiryTime:  expiry,
	})

	out := f.validator().Validate(context.Background(), f.request(http.MethodGet, "/", stored.ID), stored)

	assert.Equal(t, Valid, out.Kind)
	assert.Equal(t, expiry, out.Session.ExpiryTime)
	assert.Zero(t, f.store.saves.Load())
}

func TestValidate_ConcurrentRefreshIsDeduplicated(t *testing.T) {
	f := newFixture(t)
	stored := f.save(&session.Session{
		Credentials: session.Credentials{AuthHeaderValue: "Bearer expired", RefreshToken: "rt"},
		ExpiresAt:   f.now.Add(-time.Second).Unix(),
	})

	idToken := oidctest.Unsigned(t, map[string]interface{}{"exp": f.now.Add(time.Hour).Unix()})
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.idp.SetTokenHandler(func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() { close(started) })
		<-release
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id_token":"` + idToken + `","refresh_token":"rt2"}`))
	})

	v := f.validator()
	const callers = 5
	outcomes := make(chan Outcome, callers)
	for i := 0; i < callers; i++ {
		go func() {
			outcomes <- v.Validate(context.Background(), f.request(http.MethodGet, "/", stored.ID), stored)
		}()
	}

	<-started
	time.Sleep(100 * time.Millisecond)
	close(release)

	for i := 0; i < callers; i++ {
		out := <-outcomes
		assert.Equal(t, Reauthenticated, out.Kind)
		assert.Equal(t, "rt2", out.Session.Credentials.RefreshToken)
	}
	assert.Equal(t, 1, f.idp.TokenCalls())
}

func TestValidate_LateCallerReusesRefreshedSession(t *testing.T) {
	f := newFixture(t)
	stored := f.save(&session.Session{
		Credentials: session.Credentials{AuthHeaderValue: "Bearer expired", RefreshToken: "rt-old"},
		ExpiresAt:   f.now.Add(-time.Second).Unix(),
	})
	// Read by a second request before the first one refreshed
	late := stored.Clone()

	idToken := oidctest.Unsigned(t, map[string]interface{}{"exp": f.now.Add(time.Hour).Unix()})
	f.tokenResponse(http.StatusOK, `{"id_token":"`+idToken+`","refresh_token":"rt-new"}`)

	v := f.validator()
	first := v.Validate(context.Background(), f.request(http.MethodGet, "/", stored.ID), stored)
	require.Equal(t, Reauthenticated, first.Kind, "err: %v", first.Err)

	// rt-old has been rotated away
	f.tokenResponse(http.StatusBadRequest, `{"error":"invalid_grant"}`)

	second := v.Validate(context.Background(), f.request(http.MethodGet, "/", stored.ID), late)

	require.Equal(t, Reauthenticated, second.Kind, "err: %v", second.Err)
	assert.Equal(t, "rt-new", second.Session.Credentials.RefreshToken)
	assert.Equal(t, "Bearer "+idToken, second.Session.Credentials.AuthHeaderValue)
	assert.Equal(t, 1, f.idp.TokenCalls())

	got, err := f.store.Get(stored.ID)
	require.NoError(t, err)
	assert.Equal(t, "rt-new", got.Credentials.RefreshToken)
}

func TestValidate_RefreshOfDeletedSessionSkipsTokenCall(t *testing.T) {
	f := newFixture(t)
	stored := f.save(&session.Session{
		Credentials: session.Credentials{AuthHeaderValue: "Bearer expired", RefreshToken: "rt"},
		ExpiresAt:   f.now.Add(-time.Second).Unix(),
	})
	f.store.Delete(stored.ID)

	out := f.validator().Validate(context.Background(), f.request(http.MethodGet, "/", stored.ID), stored)

	assert.Equal(t, Expired, out.Kind)
	assert.True(t, errors.Is(out.Err, ErrSessionExpired), "got %v", out.Err)
	assert.Zero(t, f.idp.TokenCalls())
}

func TestValidate_AbortedRequestLetsRefreshFinish(t *testing.T) {
	f := newFixture(t)
	stored := f.save(&session.Session{
		Credentials: session.Credentials{AuthHeaderValue: "Bearer expired", RefreshToken: "rt"},
		ExpiresAt:   f.now.Add(-time.Second).Unix(),
	})

	idToken := oidctest.Unsigned(t, map[string]interface{}{"exp": f.now.Add(time.Hour).Unix()})
	started := make(chan struct{})
	release := make(chan struct{})
	f.idp.SetTokenHandler(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id_token":"` + idToken + `","refresh_token":"rt2"}`))
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan Outcome, 1)
	go func() {
		done <- f.validator().Validate(ctx, f.request(http.MethodGet, "/", stored.ID), stored)
	}()

	<-started
	cancel()
	out := <-done
	close(release)

	assert.Equal(t, Invalid, out.Kind)
	assert.ErrorIs(t, out.Err, context.Canceled)

	require.Eventually(t, func() bool {
		got, err := f.store.Get(stored.ID)
		return err == nil && got.Credentials.RefreshToken == "rt2"
	}, 5*time.Second, 10*time.Millisecond)
}

func TestValidate_NilSession(t *testing.T) {
	f := newFixture(t)

	out := f.validator().Validate(context.Background(), f.request(http.MethodGet, "/", ""), nil)

	assert.Equal(t, Invalid, out.Kind)
	assert.Zero(t, f.store.deletes.Load())
}

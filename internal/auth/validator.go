package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/al-bashkir/dashboards-oidc-auth/internal/logsanitize"
	"github.com/al-bashkir/dashboards-oidc-auth/internal/oidc"
	"github.com/al-bashkir/dashboards-oidc-auth/internal/session"
)

// defaultRefreshTimeout bounds a refresh when none is configured.
const defaultRefreshTimeout = 10 * time.Second

// OutcomeKind is the result of validating a session.
type OutcomeKind int

const (
	// Valid means the session can be used, possibly after a sliding extension.
	Valid OutcomeKind = iota
	// Reauthenticated means the session was rebuilt from header credentials
	// or a token refresh.
	Reauthenticated
	// Expired means the session timed out and has been cleared.
	Expired
	// Invalid means the session was rejected and has been cleared.
	Invalid
)

func (k OutcomeKind) String() string {
	switch k {
	case Valid:
		return "valid"
	case Reauthenticated:
		return "reauthenticated"
	case Expired:
		return "expired"
	default:
		return "invalid"
	}
}

// Outcome is the result of Validate. Session is set for Valid and
// Reauthenticated outcomes, Err for Expired and Invalid ones.
type Outcome struct {
	Kind    OutcomeKind
	Session *session.Session
	Err     error

	// RejectedHeader is the header value the resolver refused while
	// re-authenticating, empty otherwise
	RejectedHeader string
}

// OK reports whether the request may proceed with Session.
func (o Outcome) OK() bool {
	return o.Kind == Valid || o.Kind == Reauthenticated
}

// ValidatorConfig holds the dependencies of a Validator.
type ValidatorConfig struct {
	Store     SessionStore
	Detector  *HeaderDetector
	Resolver  Authenticator
	Refresher TokenRefresher

	// Verifier checks refreshed ID tokens; when nil they are only decoded
	Verifier TokenVerifier

	// TTL is the sliding session lifetime, 0 disables it
	TTL       time.Duration
	KeepAlive bool

	RefreshTimeout time.Duration
	Now            func() time.Time
}

// Validator decides whether a stored session is still usable. It keeps no
// per-session state; refreshes of the same session are deduplicated.
type Validator struct {
	cfg       ValidatorConfig
	refreshes singleflight.Group
}

// NewValidator creates a validator.
func NewValidator(cfg ValidatorConfig) *Validator {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = defaultRefreshTimeout
	}
	if cfg.Detector == nil {
		cfg.Detector = NewHeaderDetector("")
	}
	return &Validator{cfg: cfg}
}

// Validate runs the session through the validity state machine:
//
//  1. foreign auth type: invalid
//  2. differing header credentials: re-authenticate with them
//  3. claim expiry reached: refresh, or expired without a refresh token
//  4. sliding expiry configured: expired when lapsed, else extended on keep-alive
//  5. otherwise valid and unchanged
//
// Every Expired or Invalid outcome has removed the session from the store
// before Validate returns.
func (v *Validator) Validate(ctx context.Context, r *http.Request, sess *session.Session) Outcome {
	if sess == nil {
		return Outcome{Kind: Invalid, Err: ErrInvalidSession}
	}

	if sess.AuthType != session.AuthTypeOpenID {
		slog.Debug("rejecting foreign session",
			"session_id", sess.ID,
			"auth_type", logsanitize.Sanitize(sess.AuthType),
		)
		return v.reject(sess, Invalid, NewError(KindInvalidSession, "session has a foreign auth type", nil))
	}

	if creds := v.cfg.Detector.Detect(r, &sess.Credentials); creds != nil {
		return v.reauthenticate(ctx, sess, creds)
	}

	now := v.cfg.Now()

	if sess.ExpiresAt > 0 {
		if now.Unix() < sess.ExpiresAt {
			return Outcome{Kind: Valid, Session: sess}
		}
		if sess.Credentials.RefreshToken == "" {
			return v.reject(sess, Expired, ErrSessionExpired)
		}
		return v.refresh(ctx, sess)
	}

	if v.cfg.TTL > 0 {
		if sess.ExpiryTime == 0 || now.UnixMilli() >= sess.ExpiryTime {
			return v.reject(sess, Expired, ErrSessionExpired)
		}
		if v.cfg.KeepAlive {
			extended := sess.Clone()
			extended.ExpiryTime = now.Add(v.cfg.TTL).UnixMilli()
			if err := v.cfg.Store.Save(extended); err != nil {
				// Cleared by a concurrent request or logout
				return v.reject(sess, Invalid, NewError(KindInvalidSession, "session vanished", err))
			}
			return Outcome{Kind: Valid, Session: extended}
		}
	}

	return Outcome{Kind: Valid, Session: sess}
}

// reauthenticate replaces the session with one built from header credentials.
func (v *Validator) reauthenticate(ctx context.Context, sess *session.Session, creds *session.Credentials) Outcome {
	identity, err := v.cfg.Resolver.Authenticate(ctx, v.cfg.Detector.Name(), creds.AuthHeaderValue)
	if err != nil {
		slog.Info("header re-authentication failed",
			"session_id", sess.ID,
			"credential", logsanitize.RedactToken(creds.AuthHeaderValue),
			"error", err,
		)
		out := v.reject(sess, Invalid, classify(err))
		out.RejectedHeader = creds.AuthHeaderValue
		return out
	}

	rebuilt := newSession(identity, *creds, headerExpiry(creds.AuthHeaderValue), v.cfg.TTL, v.cfg.Now())
	rebuilt.ID = sess.ID

	if err := v.cfg.Store.Save(rebuilt); err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			return v.reject(sess, Invalid, NewError(KindInvalidSession, "failed to store session", err))
		}
		created, cerr := v.cfg.Store.Create(rebuilt)
		if cerr != nil {
			return Outcome{Kind: Invalid, Err: NewError(KindInvalidSession, "failed to store session", cerr)}
		}
		rebuilt = created
	}

	slog.Info("session re-authenticated from header",
		"session_id", rebuilt.ID,
		"username", logsanitize.Sanitize(rebuilt.Username),
	)

	return Outcome{Kind: Reauthenticated, Session: rebuilt}
}

// refresh rebuilds a claim-expired session from a refresh_token grant.
// Concurrent refreshes of one session share a single token endpoint call.
// The call is detached from ctx so it completes and updates the store even
// when the triggering request is aborted; the aborted request itself gets an
// Invalid outcome carrying the context error.
func (v *Validator) refresh(ctx context.Context, sess *session.Session) Outcome {
	ch := v.refreshes.DoChan(sess.ID, func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), v.cfg.RefreshTimeout)
		defer cancel()
		return v.doRefresh(rctx, sess)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Outcome{Kind: Expired, Err: res.Err}
		}
		return Outcome{Kind: Reauthenticated, Session: res.Val.(*session.Session).Clone()}
	case <-ctx.Done():
		return Outcome{Kind: Invalid, Err: ctx.Err()}
	}
}

func (v *Validator) doRefresh(ctx context.Context, sess *session.Session) (*session.Session, error) {
	fail := func(err error) (*session.Session, error) {
		v.cfg.Store.Delete(sess.ID)
		slog.Info("session refresh failed",
			"session_id", sess.ID,
			"username", logsanitize.Sanitize(sess.Username),
			"error", err,
		)
		return nil, NewError(KindSessionExpired, "session expired", err)
	}

	// sess may be a snapshot taken before an earlier flight rotated the
	// refresh token. Work from the stored copy instead.
	current, err := v.cfg.Store.Get(sess.ID)
	if err != nil {
		return nil, NewError(KindSessionExpired, "session expired", err)
	}
	if current.ExpiresAt != sess.ExpiresAt || current.Credentials.RefreshToken != sess.Credentials.RefreshToken {
		if current.ExpiresAt > 0 && v.cfg.Now().Unix() < current.ExpiresAt {
			slog.Debug("session already refreshed", "session_id", current.ID)
			return current, nil
		}
	}
	sess = current

	tokens, err := v.cfg.Refresher.Refresh(ctx, sess.Credentials.RefreshToken)
	if err != nil {
		return fail(NewError(KindRefresh, "token refresh failed", err))
	}

	payload, err := v.decodeRefreshed(ctx, tokens.IDToken)
	if err != nil {
		return fail(err)
	}

	bearer := session.BearerPrefix + tokens.IDToken
	identity, err := v.cfg.Resolver.Authenticate(ctx, v.cfg.Detector.Name(), bearer)
	if err != nil {
		return fail(err)
	}

	refreshToken := tokens.RefreshToken
	if refreshToken == "" {
		refreshToken = sess.Credentials.RefreshToken
	}

	rebuilt := newSession(identity, session.Credentials{
		AuthHeaderValue: bearer,
		RefreshToken:    refreshToken,
	}, payload.ExpiresAt, v.cfg.TTL, v.cfg.Now())
	rebuilt.ID = sess.ID
	rebuilt.AuthType = sess.AuthType

	if err := v.cfg.Store.Save(rebuilt); err != nil {
		// Logged out while refreshing; do not resurrect
		return fail(fmt.Errorf("failed to store refreshed session: %w", err))
	}

	slog.Info("session refreshed",
		"session_id", rebuilt.ID,
		"username", logsanitize.Sanitize(rebuilt.Username),
		"expires_at", rebuilt.ExpiresAt,
	)

	return rebuilt, nil
}

func (v *Validator) decodeRefreshed(ctx context.Context, rawIDToken string) (*oidc.TokenPayload, error) {
	if v.cfg.Verifier != nil {
		return v.cfg.Verifier.Verify(ctx, rawIDToken)
	}
	return oidc.DecodeClaims(rawIDToken)
}

// reject clears the session from the store and returns a failed outcome.
func (v *Validator) reject(sess *session.Session, kind OutcomeKind, err error) Outcome {
	v.cfg.Store.Delete(sess.ID)
	return Outcome{Kind: kind, Err: err}
}

// newSession builds a session for identity. A claim expiry takes precedence
// over the sliding ttl.
func newSession(identity *Identity, creds session.Credentials, claimExpiry int64, ttl time.Duration, now time.Time) *session.Session {
	sess := &session.Session{
		Username:    identity.Username,
		Credentials: creds,
		AuthType:    session.AuthTypeOpenID,
		Roles:       append([]string(nil), identity.Roles...),
		Tenant:      identity.Tenant,
	}

	switch {
	case claimExpiry > 0:
		sess.ExpiresAt = claimExpiry
	case ttl > 0:
		sess.ExpiryTime = now.Add(ttl).UnixMilli()
	}

	return sess
}

// headerExpiry returns the exp claim of a bearer JWT, or 0 when the header
// does not carry a decodable token.
func headerExpiry(headerValue string) int64 {
	payload, err := oidc.DecodeClaims(session.TrimBearer(headerValue))
	if err != nil {
		return 0
	}
	return payload.ExpiresAt
}

// classify returns err as an *Error, treating unclassified resolver
// failures as rejected credentials.
func classify(err error) error {
	if KindOf(err) != KindUnknown {
		return err
	}
	return NewError(KindAuthentication, "authentication failed", err)
}

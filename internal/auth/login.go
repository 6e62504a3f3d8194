package auth

import (
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/al-bashkir/dashboards-oidc-auth/internal/logsanitize"
	"github.com/al-bashkir/dashboards-oidc-auth/internal/session"
)

// LoginConfig holds the dependencies of a LoginHandler.
type LoginConfig struct {
	Flow     LoginFlow
	Flows    *session.FlowStore
	Store    SessionStore
	Cookies  session.Cookies
	Resolver Authenticator
	Detector *HeaderDetector

	BasePath string
	TTL      time.Duration
	Now      func() time.Time
}

// LoginHandler serves the login entry point. Without a code parameter it
// starts an authorization flow; with one it completes it.
type LoginHandler struct {
	cfg      LoginConfig
	redirect UnauthenticatedRedirect
}

// NewLoginHandler creates a login handler.
func NewLoginHandler(cfg LoginConfig) *LoginHandler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Detector == nil {
		cfg.Detector = NewHeaderDetector("")
	}
	return &LoginHandler{
		cfg:      cfg,
		redirect: UnauthenticatedRedirect{BasePath: cfg.BasePath},
	}
}

func (h *LoginHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	q := r.URL.Query()

	if idpErr := q.Get("error"); idpErr != "" {
		slog.Warn("identity provider returned an error",
			"error", logsanitize.Sanitize(idpErr),
			"description", logsanitize.Sanitize(q.Get("error_description")),
		)
		h.fail(w, r, NewError(KindAuthentication, "identity provider error", nil))
		return
	}

	if q.Get("code") == "" {
		h.start(w, r, q.Get("nextUrl"))
		return
	}

	h.callback(w, r, q.Get("code"), q.Get("state"))
}

// start redirects the user to the identity provider.
func (h *LoginHandler) start(w http.ResponseWriter, r *http.Request, nextURL string) {
	flow, err := h.cfg.Flow.StartAuthFlow(r.Context())
	if err != nil {
		slog.Error("failed to start auth flow", "error", err)
		h.fail(w, r, err)
		return
	}

	h.cfg.Flows.Put(flow.State, flow.CodeVerifier, nextURL)

	slog.Debug("auth flow started",
		"next_url", logsanitize.Sanitize(nextURL),
	)

	http.Redirect(w, r, flow.AuthURL, http.StatusFound)
}

// callback completes an authorization flow and establishes the session.
func (h *LoginHandler) callback(w http.ResponseWriter, r *http.Request, code, state string) {
	ctx := r.Context()

	if state == "" {
		slog.Warn("login callback missing state")
		h.fail(w, r, NewError(KindAuthentication, "missing state", nil))
		return
	}

	pending, err := h.cfg.Flows.Take(state)
	if err != nil {
		slog.Warn("login callback with unknown state", "error", err)
		h.fail(w, r, NewError(KindAuthentication, "unknown login state", err))
		return
	}

	tokens, err := h.cfg.Flow.ExchangeCode(ctx, code, pending.CodeVerifier)
	if err != nil {
		slog.Error("code exchange failed", "error", err)
		h.fail(w, r, NewError(KindAuthentication, "code exchange failed", err))
		return
	}

	bearer := session.BearerPrefix + tokens.IDToken
	identity, err := h.cfg.Resolver.Authenticate(ctx, h.cfg.Detector.Name(), bearer)
	if err != nil {
		slog.Info("login rejected by identity resolver", "error", err)
		h.fail(w, r, err)
		return
	}

	var claimExpiry int64
	if tokens.Payload != nil {
		claimExpiry = tokens.Payload.ExpiresAt
	}

	sess := newSession(identity, session.Credentials{
		AuthHeaderValue: bearer,
		RefreshToken:    tokens.RefreshToken,
	}, claimExpiry, h.cfg.TTL, h.cfg.Now())

	stored, err := h.cfg.Store.Create(sess)
	if err != nil {
		slog.Error("failed to store session", "error", err)
		h.fail(w, r, err)
		return
	}

	// A new login replaces whatever session the client had
	if oldID, ok := h.cfg.Cookies.SessionID(r); ok {
		h.cfg.Store.Delete(oldID)
	}
	h.cfg.Cookies.Set(w, stored.ID)

	slog.Info("login succeeded",
		"session_id", stored.ID,
		"username", logsanitize.Sanitize(stored.Username),
		"roles", len(stored.Roles),
	)

	http.Redirect(w, r, h.nextURL(pending.NextURL), http.StatusFound)
}

// fail redirects to the error page for err. Unclassified failures go to
// the generic auth error page since redirecting to login would loop.
func (h *LoginHandler) fail(w http.ResponseWriter, r *http.Request, err error) {
	errorType := ErrorTypeAuthError
	switch KindOf(err) {
	case KindMissingTenant:
		errorType = ErrorTypeMissingTenant
	case KindMissingRole:
		errorType = ErrorTypeMissingRole
	}
	http.Redirect(w, r, h.redirect.ErrorPage(errorType), http.StatusFound)
}

// nextURL returns next if it is a local path under the base path, else
// the landing page.
func (h *LoginHandler) nextURL(next string) string {
	landing := h.cfg.BasePath + LandingPath
	if !IsLocalURL(next, h.cfg.BasePath) {
		if next != "" {
			slog.Warn("ignoring unsafe nextUrl", "next_url", logsanitize.Sanitize(next))
		}
		return landing
	}
	return next
}

// IsLocalURL reports whether next is a same-origin absolute path under
// basePath.
func IsLocalURL(next, basePath string) bool {
	if next == "" || !strings.HasPrefix(next, "/") || strings.HasPrefix(next, "//") {
		return false
	}
	if strings.ContainsAny(next, "\\\r\n") {
		return false
	}

	u, err := url.Parse(next)
	if err != nil || u.Scheme != "" || u.Host != "" || u.User != nil {
		return false
	}

	if basePath == "" {
		return true
	}
	cleaned := path.Clean(u.Path)
	return cleaned == basePath || strings.HasPrefix(cleaned, basePath+"/")
}

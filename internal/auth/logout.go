package auth

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/al-bashkir/dashboards-oidc-auth/internal/logsanitize"
	"github.com/al-bashkir/dashboards-oidc-auth/internal/session"
)

// LogoutConfig holds the dependencies of a LogoutHandler.
type LogoutConfig struct {
	Store   SessionStore
	Cookies session.Cookies

	// LogoutURL overrides the discovered end-session endpoint
	LogoutURL          string
	EndSessionEndpoint string

	BaseRedirectURL string
	BasePath        string
}

// LogoutHandler ends the local session and tells the client where to go
// to end the provider session. It makes no network calls.
type LogoutHandler struct {
	cfg LogoutConfig
}

// NewLogoutHandler creates a logout handler.
func NewLogoutHandler(cfg LogoutConfig) *LogoutHandler {
	return &LogoutHandler{cfg: cfg}
}

func (h *LogoutHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var token string
	if id, ok := h.cfg.Cookies.SessionID(r); ok {
		if sess, err := h.cfg.Store.Get(id); err == nil {
			token = sess.BearerToken()
			slog.Info("logout",
				"session_id", id,
				"username", logsanitize.Sanitize(sess.Username),
			)
		}
		h.cfg.Store.Delete(id)
	}
	h.cfg.Cookies.Clear(w)

	writeJSON(w, http.StatusOK, map[string]string{
		"redirectURL": h.EndSessionURL(token),
	})
}

// EndSessionURL returns the provider logout URL, or "" when neither a
// custom logout URL nor an end-session endpoint is known. The custom URL
// gets no id_token_hint.
func (h *LogoutHandler) EndSessionURL(idToken string) string {
	postLogout := "post_logout_redirect_uri=" +
		strings.TrimSuffix(h.cfg.BaseRedirectURL, "/") + h.cfg.BasePath + LandingPath

	if h.cfg.LogoutURL != "" {
		return appendQuery(h.cfg.LogoutURL, postLogout)
	}

	if h.cfg.EndSessionEndpoint == "" {
		return ""
	}

	query := postLogout
	if idToken != "" {
		query += "&id_token_hint=" + url.QueryEscape(idToken)
	}
	return appendQuery(h.cfg.EndSessionEndpoint, query)
}

func appendQuery(base, query string) string {
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + query
}

package auth

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// Routes relative to the base path.
const (
	LoginPath       = "/auth/openid/login"
	LogoutPath      = "/auth/logout"
	CustomErrorPath = "/customerror"
	LandingPath     = "/app/kibana"
)

// Error page types understood by the custom error page.
const (
	ErrorTypeMissingTenant = "missingTenant"
	ErrorTypeMissingRole   = "missingRole"
	ErrorTypeAuthError     = "authError"
)

// UnauthenticatedRedirect picks the response for requests that could not
// be authenticated.
type UnauthenticatedRedirect struct {
	BasePath string
}

// Location returns where a browser request that failed with err goes.
// Unclassified failures send the user back through login with the
// original request as nextUrl.
func (u UnauthenticatedRedirect) Location(r *http.Request, err error) string {
	switch KindOf(err) {
	case KindMissingTenant:
		return u.ErrorPage(ErrorTypeMissingTenant)
	case KindMissingRole:
		return u.ErrorPage(ErrorTypeMissingRole)
	case KindAuthentication:
		return u.ErrorPage(ErrorTypeAuthError)
	case KindUnknown, KindInvalidSession, KindSessionExpired, KindRefresh, KindDiscovery:
		return u.LoginURL(r.URL.RequestURI())
	default:
		return u.LoginURL(r.URL.RequestURI())
	}
}

// ErrorPage returns the custom error page URL for errorType.
func (u UnauthenticatedRedirect) ErrorPage(errorType string) string {
	return u.BasePath + CustomErrorPath + "?type=" + errorType
}

// LoginURL returns the login entry point that returns to next afterwards.
func (u UnauthenticatedRedirect) LoginURL(next string) string {
	return u.BasePath + LoginPath + "?nextUrl=" + url.QueryEscape(next)
}

// Respond writes the unauthenticated response: a 401 JSON body for AJAX
// requests, a redirect otherwise.
func (u UnauthenticatedRedirect) Respond(w http.ResponseWriter, r *http.Request, err error) {
	if expectsJSON(r) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{
			"message":    "Session expired",
			"redirectTo": "login",
		})
		return
	}

	http.Redirect(w, r, u.Location(r, err), http.StatusFound)
}

// expectsJSON classifies a request as AJAX.
func expectsJSON(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "application/json") ||
		strings.Contains(r.Header.Get("Content-Type"), "application/json")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

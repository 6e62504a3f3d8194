package httpserver

import (
	"log/slog"
	"net/http"

	"github.com/al-bashkir/dashboards-oidc-auth/internal/auth"
)

// errorPage is the content of the custom error page for one error type.
type errorPage struct {
	Title   string
	Message string
}

var errorPages = map[string]errorPage{
	auth.ErrorTypeMissingTenant: {
		Title:   "No tenant available",
		Message: "You are signed in, but no tenant is available for your account. Contact your administrator.",
	},
	auth.ErrorTypeMissingRole: {
		Title:   "No roles available",
		Message: "You are signed in, but your account has no roles assigned. Contact your administrator.",
	},
	auth.ErrorTypeAuthError: {
		Title:   "Authentication failed",
		Message: "An error occurred while signing you in. Please try again.",
	},
}

// handleCustomError renders the error page selected by the type parameter.
func (s *Server) handleCustomError(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	page, ok := errorPages[r.URL.Query().Get("type")]
	if !ok {
		page = errorPages[auth.ErrorTypeAuthError]
	}

	s.renderError(w, page)
}

// renderError renders the error page
func (s *Server) renderError(w http.ResponseWriter, page errorPage) {
	data := map[string]string{
		"Title":    page.Title,
		"Error":    page.Message,
		"LoginURL": s.cfg.Auth.BasePath + auth.LoginPath,
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)

	if err := s.templates.ExecuteTemplate(w, "error.html", data); err != nil {
		slog.Error("failed to render error template", "error", err)
	}
}

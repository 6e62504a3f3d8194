package session

import (
	"net/http"
)

// Cookies is the cookie transport binding a client to its stored session.
// The cookie only carries the session ID.
type Cookies struct {
	Name   string
	Path   string
	Secure bool
}

// SessionID returns the session ID carried by the request, if any.
func (c Cookies) SessionID(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(c.Name)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	return cookie.Value, true
}

// Set writes the session cookie on the response.
func (c Cookies) Set(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    sessionID,
		Path:     c.path(),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Clear expires the session cookie on the client.
func (c Cookies) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    "",
		Path:     c.path(),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

func (c Cookies) path() string {
	if c.Path == "" {
		return "/"
	}
	return c.Path
}

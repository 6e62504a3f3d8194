package auth

import (
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/al-bashkir/dashboards-oidc-auth/internal/logsanitize"
	"github.com/al-bashkir/dashboards-oidc-auth/internal/session"
)

// Service identity given to requests on unauthenticated routes.
const (
	ServiceUsername = "dashboards_service"
	AuthTypeService = "service"
)

// DecisionKind is what the gate does with a request.
type DecisionKind int

const (
	// PassThrough forwards the request without authentication.
	PassThrough DecisionKind = iota
	// Authenticated forwards the request with a session.
	Authenticated
	// Unauthenticated answers with a redirect or a 401.
	Unauthenticated
	// Aborted means the client went away; nothing is written.
	Aborted
)

// Decision is the result of Gate.Decide.
type Decision struct {
	Kind    DecisionKind
	Session *session.Session

	// SetCookie binds Session.ID to the client
	SetCookie bool

	// ClearCookie removes a cookie whose session is gone
	ClearCookie bool

	Err error
}

// GateConfig holds the dependencies of a Gate.
type GateConfig struct {
	Store     SessionStore
	Cookies   session.Cookies
	Validator *Validator
	Detector  *HeaderDetector
	Resolver  Authenticator

	BasePath              string
	IgnoreRoutes          []string
	UnauthenticatedRoutes []string

	TTL time.Duration
	Now func() time.Time
}

// Gate authenticates every proxied request.
type Gate struct {
	cfg      GateConfig
	ignore   map[string]struct{}
	allow    map[string]struct{}
	redirect UnauthenticatedRedirect
}

// NewGate creates a gate.
func NewGate(cfg GateConfig) *Gate {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Detector == nil {
		cfg.Detector = NewHeaderDetector("")
	}
	return &Gate{
		cfg:      cfg,
		ignore:   routeSet(cfg.IgnoreRoutes),
		allow:    routeSet(cfg.UnauthenticatedRoutes),
		redirect: UnauthenticatedRedirect{BasePath: cfg.BasePath},
	}
}

func routeSet(routes []string) map[string]struct{} {
	set := make(map[string]struct{}, len(routes))
	for _, r := range routes {
		set[r] = struct{}{}
	}
	return set
}

// Decide authenticates r. Validation, including any refresh, completes
// before the decision is returned.
func (g *Gate) Decide(r *http.Request) Decision {
	route := g.route(r.URL.Path)

	if _, ok := g.ignore[route]; ok {
		return Decision{Kind: PassThrough}
	}

	if _, ok := g.allow[route]; ok {
		return Decision{Kind: Authenticated, Session: serviceSession()}
	}

	ctx := r.Context()
	var lastErr error
	var clearCookie bool
	var rejected string

	if id, ok := g.cfg.Cookies.SessionID(r); ok {
		sess, err := g.cfg.Store.Get(id)
		if err != nil {
			clearCookie = true
			lastErr = NewError(KindInvalidSession, "session not found", err)
		} else {
			out := g.cfg.Validator.Validate(ctx, r, sess)
			if ctx.Err() != nil {
				return Decision{Kind: Aborted, Err: ctx.Err()}
			}
			if out.OK() {
				return Decision{
					Kind:      Authenticated,
					Session:   out.Session,
					SetCookie: out.Session.ID != id,
				}
			}
			clearCookie = true
			lastErr = out.Err
			rejected = out.RejectedHeader
		}
	}

	// A header the validator just saw refused is not tried again
	if creds := g.cfg.Detector.Detect(r, nil); creds != nil && creds.AuthHeaderValue != rejected {
		sess, err := g.authenticateHeader(r, creds)
		if ctx.Err() != nil {
			return Decision{Kind: Aborted, Err: ctx.Err()}
		}
		if err == nil {
			return Decision{Kind: Authenticated, Session: sess, SetCookie: true}
		}
		lastErr = err
	}

	return Decision{Kind: Unauthenticated, ClearCookie: clearCookie, Err: lastErr}
}

// authenticateHeader creates a new cookie session from header credentials.
func (g *Gate) authenticateHeader(r *http.Request, creds *session.Credentials) (*session.Session, error) {
	identity, err := g.cfg.Resolver.Authenticate(r.Context(), g.cfg.Detector.Name(), creds.AuthHeaderValue)
	if err != nil {
		slog.Info("header authentication failed",
			"path", logsanitize.Sanitize(r.URL.Path),
			"credential", logsanitize.RedactToken(creds.AuthHeaderValue),
			"error", err,
		)
		return nil, classify(err)
	}

	sess := newSession(identity, *creds, headerExpiry(creds.AuthHeaderValue), g.cfg.TTL, g.cfg.Now())
	stored, err := g.cfg.Store.Create(sess)
	if err != nil {
		return nil, NewError(KindInvalidSession, "failed to store session", err)
	}

	slog.Info("session created from header",
		"session_id", stored.ID,
		"username", logsanitize.Sanitize(stored.Username),
	)

	return stored, nil
}

// route strips the base path from p.
func (g *Gate) route(p string) string {
	if g.cfg.BasePath == "" {
		return p
	}
	if p == g.cfg.BasePath {
		return "/"
	}
	if strings.HasPrefix(p, g.cfg.BasePath+"/") {
		return strings.TrimPrefix(p, g.cfg.BasePath)
	}
	return p
}

// Wrap returns a handler that gates next. Authenticated requests carry the
// session in their context and its credentials in the upstream header.
func (g *Gate) Wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d := g.Decide(r)

		switch d.Kind {
		case PassThrough:
			next.ServeHTTP(w, r)

		case Authenticated:
			if d.SetCookie {
				g.cfg.Cookies.Set(w, d.Session.ID)
			}
			ctx := session.NewContext(r.Context(), d.Session)
			upstream := r.Clone(ctx)
			if v := d.Session.Credentials.AuthHeaderValue; v != "" {
				upstream.Header.Set(g.cfg.Detector.Name(), v)
			}
			next.ServeHTTP(w, upstream)

		case Unauthenticated:
			if d.ClearCookie {
				g.cfg.Cookies.Clear(w)
			}
			g.redirect.Respond(w, r, d.Err)

		case Aborted:
			slog.Debug("request aborted during authentication",
				"path", logsanitize.Sanitize(r.URL.Path),
				"error", d.Err,
			)
		}
	})
}

func serviceSession() *session.Session {
	return &session.Session{
		Username: ServiceUsername,
		AuthType: AuthTypeService,
	}
}

package auth

import (
	"errors"
)

// ErrorKind classifies authentication failures. The unauthenticated
// handler switches over it to pick the user-facing outcome.
type ErrorKind int

const (
	// KindUnknown is the zero value; treated like an unclassified failure.
	KindUnknown ErrorKind = iota
	// KindAuthentication means the backend rejected the credentials.
	KindAuthentication
	// KindMissingTenant means the user is authenticated but has no tenant.
	KindMissingTenant
	// KindMissingRole means the user is authenticated but has no roles.
	KindMissingRole
	// KindInvalidSession means the session is foreign or malformed.
	KindInvalidSession
	// KindSessionExpired means the session timed out and could not be refreshed.
	KindSessionExpired
	// KindRefresh means the token endpoint call failed.
	KindRefresh
	// KindDiscovery means the provider configuration could not be fetched.
	KindDiscovery
)

func (k ErrorKind) String() string {
	switch k {
	case KindAuthentication:
		return "authentication"
	case KindMissingTenant:
		return "missing_tenant"
	case KindMissingRole:
		return "missing_role"
	case KindInvalidSession:
		return "invalid_session"
	case KindSessionExpired:
		return "session_expired"
	case KindRefresh:
		return "refresh"
	case KindDiscovery:
		return "discovery"
	default:
		return "unknown"
	}
}

// Error is a classified authentication failure.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Message != "" {
		if e.Err != nil {
			return e.Message + ": " + e.Err.Error()
		}
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return e.Kind.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// NewError returns a classified error wrapping err.
func NewError(kind ErrorKind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Sentinel errors for the resolver contract.
var (
	ErrAuthentication = &Error{Kind: KindAuthentication, Message: "authentication failed"}
	ErrMissingTenant  = &Error{Kind: KindMissingTenant, Message: "no tenant available"}
	ErrMissingRole    = &Error{Kind: KindMissingRole, Message: "no roles available"}
	ErrSessionExpired = &Error{Kind: KindSessionExpired, Message: "session expired"}
	ErrInvalidSession = &Error{Kind: KindInvalidSession, Message: "invalid session"}
)

// Is lets errors.Is match on kind, so wrapped or re-created errors compare
// equal to the sentinels above.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || e == nil {
		return false
	}
	return t.Kind == e.Kind && t.Err == nil
}

package session

import (
	"fmt"
	"sync"
	"time"
)

// PendingLogin tracks an authorization flow between the redirect to the
// identity provider and its callback.
type PendingLogin struct {
	// State is the OIDC state parameter for CSRF protection
	State string

	// CodeVerifier is the PKCE code verifier (stored to verify the code later)
	CodeVerifier string

	// NextURL is where the user goes after a successful login
	NextURL string

	// ExpiresAt is when this pending login will expire
	ExpiresAt time.Time
}

// FlowStore keeps pending logins keyed by state with a fixed lifetime.
type FlowStore struct {
	mu      sync.Mutex
	pending map[string]*PendingLogin
	timeout time.Duration
	now     func() time.Time
}

// NewFlowStore creates a store whose entries live for timeout.
func NewFlowStore(timeout time.Duration) *FlowStore {
	return &FlowStore{
		pending: make(map[string]*PendingLogin),
		timeout: timeout,
		now:     time.Now,
	}
}

// Put remembers a pending login under its state.
func (f *FlowStore) Put(state, codeVerifier, nextURL string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	now := f.now()
	f.evictExpired(now)

	f.pending[state] = &PendingLogin{
		State:        state,
		CodeVerifier: codeVerifier,
		NextURL:      nextURL,
		ExpiresAt:    now.Add(f.timeout),
	}
}

// Take removes and returns the pending login for state. A state can be
// redeemed only once.
func (f *FlowStore) Take(state string) (*PendingLogin, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	p, ok := f.pending[state]
	if !ok {
		return nil, fmt.Errorf("login not found for state")
	}
	delete(f.pending, state)

	if !f.now().Before(p.ExpiresAt) {
		return nil, fmt.Errorf("login expired")
	}

	return p, nil
}

// Count returns the number of pending logins.
func (f *FlowStore) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// evictExpired must be called with mu held.
func (f *FlowStore) evictExpired(now time.Time) {
	for state, p := range f.pending {
		if !now.Before(p.ExpiresAt) {
			delete(f.pending, state)
		}
	}
}

package session

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrNotFound is returned when no session exists for an ID.
var ErrNotFound = errors.New("session not found")

// Store keeps authenticated sessions in-memory, keyed by session ID.
// It is thread-safe; callers always receive and hand over copies.
type Store struct {
	mu            sync.RWMutex
	sessions      map[string]*Session // sessionID -> Session
	now           func() time.Time
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	stopOnce      sync.Once
}

// NewStore creates a new session store.
// It automatically starts a background cleanup goroutine that runs every minute.
func NewStore() *Store {
	s := &Store{
		sessions:      make(map[string]*Session),
		now:           time.Now,
		cleanupTicker: time.NewTicker(1 * time.Minute),
		stopCleanup:   make(chan struct{}),
	}

	// Start cleanup goroutine
	go s.cleanupLoop()

	return s
}

// Stop stops the store's cleanup goroutine.
// Call this when shutting down the gate.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		s.cleanupTicker.Stop()
		close(s.stopCleanup)
	})
}

// Create stores a new session under a freshly generated ID.
// The session ID is generated using crypto/rand (64 hex characters).
func (s *Store) Create(sess *Session) (*Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	stored := sess.Clone()
	stored.ID = sessionID
	stored.CreatedAt = s.now()

	s.mu.Lock()
	s.sessions[sessionID] = stored
	s.mu.Unlock()

	return stored.Clone(), nil
}

// Get retrieves a copy of the session with the given ID.
func (s *Store) Get(sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}

	return sess.Clone(), nil
}

// Save replaces the stored session that has the same ID.
// Saving a session whose ID was deleted meanwhile fails with ErrNotFound,
// so a late writer cannot resurrect a cleared session.
func (s *Store) Save(sess *Session) error {
	if sess == nil || sess.ID == "" {
		return fmt.Errorf("session has no ID")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.sessions[sess.ID]
	if !ok {
		return ErrNotFound
	}

	stored := sess.Clone()
	stored.CreatedAt = current.CreatedAt
	s.sessions[sess.ID] = stored

	return nil
}

// Delete removes a session from the store.
func (s *Store) Delete(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.sessions, sessionID)
}

// Count returns the current number of stored sessions.
// Useful for monitoring and testing.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// generateSessionID generates a cryptographically secure random session ID.
// The ID is 64 hex characters (32 random bytes).
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

package session

import (
	"log/slog"
	"time"
)

// staleRefreshWindow bounds how long a claim-expired session that still
// holds a refresh token is kept around waiting for the client to return.
const staleRefreshWindow = 24 * time.Hour

// maxUnboundedAge bounds sessions that carry neither a claim nor a sliding
// expiry, e.g. ones created from an opaque header token with no ttl set.
const maxUnboundedAge = 24 * time.Hour

// cleanupLoop runs in a background goroutine and periodically removes dead sessions.
// It runs every minute (configured by cleanupTicker) and stops when the stopCleanup channel is closed.
func (s *Store) cleanupLoop() {
	for {
		select {
		case <-s.cleanupTicker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanup removes sessions that can no longer be validated successfully:
// sliding sessions past their expiry, claim-expired sessions without a
// refresh token, claim-expired sessions idle past staleRefreshWindow, and
// sessions without any expiry older than maxUnboundedAge.
func (s *Store) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	expiredCount := 0

	for sessionID, sess := range s.sessions {
		if !dead(sess, now) {
			continue
		}
		slog.Debug("evicting expired session",
			"session_id", sessionID,
			"username", sess.Username,
		)
		delete(s.sessions, sessionID)
		expiredCount++
	}

	if expiredCount > 0 {
		slog.Info("cleaned up expired sessions", "count", expiredCount)
	}
}

func dead(sess *Session, now time.Time) bool {
	switch {
	case sess.ExpiresAt > 0:
		exp := time.Unix(sess.ExpiresAt, 0)
		if now.Before(exp) {
			return false
		}
		return sess.Credentials.RefreshToken == "" || now.Sub(exp) > staleRefreshWindow
	case sess.ExpiryTime > 0:
		return !now.Before(time.UnixMilli(sess.ExpiryTime))
	default:
		return now.Sub(sess.CreatedAt) > maxUnboundedAge
	}
}

package rest

import (
	"sync"
	"time"
)

// Session caches the backend auth token. Concurrent refreshes are allowed;
// the last writer wins.
type Session struct {
	mu       sync.RWMutex
	token    string
	issuedAt time.Time
	logins   int
}

// Token returns the cached token, or "" when the session is invalid.
func (s *Session) Token() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.token
}

// Valid reports whether a token is cached.
func (s *Session) Valid() bool {
	return s.Token() != ""
}

// IssuedAt returns when the cached token was obtained.
func (s *Session) IssuedAt() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.issuedAt
}

// Logins returns how many tokens have been installed over the session's life.
func (s *Session) Logins() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.logins
}

func (s *Session) set(token string, at time.Time) {
	s.mu.Lock()
	s.token = token
	s.issuedAt = at
	s.logins++
	s.mu.Unlock()
}

// invalidate drops the cached token if it still equals stale. A token
// installed by a concurrent refresh is left alone.
func (s *Session) invalidate(stale string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" || s.token != stale {
		return false
	}
	s.token = ""
	s.issuedAt = time.Time{}
	return true
}

// Clear drops the cached token unconditionally.
func (s *Session) Clear() {
	s.mu.Lock()
	s.token = ""
	s.issuedAt = time.Time{}
	s.mu.Unlock()
}

package crypto

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// DefaultSessionTTL is the sliding idle timeout for HTTP sessions.
	DefaultSessionTTL = time.Hour
	// MinSweepInterval bounds how often expired sessions are purged.
	MinSweepInterval = 5 * time.Minute
)

type httpSession struct {
	key       []byte
	createdAt time.Time
	lastUsed  time.Time
}

// HTTPSessionStore maps opaque tokens to symmetric keys for the stateless
// request/response channel. Expiry is sliding: every successful lookup
// refreshes the idle timer.
type HTTPSessionStore struct {
	ttl    time.Duration
	sweep  time.Duration
	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	sessions  map[string]*httpSession
	lastSweep time.Time
}

// NewHTTPSessionStore creates a store with the given idle timeout and sweep
// interval. Values below the defaults are clamped up.
func NewHTTPSessionStore(ttl, sweep time.Duration, logger *slog.Logger) *HTTPSessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if sweep < MinSweepInterval {
		sweep = MinSweepInterval
	}
	return &HTTPSessionStore{
		ttl:      ttl,
		sweep:    sweep,
		logger:   logger.With("component", "httpsession"),
		now:      time.Now,
		sessions: make(map[string]*httpSession),
	}
}

// Create stores a session key and returns its opaque token.
func (s *HTTPSessionStore) Create(key []byte) (string, error) {
	if len(key) != KeySize {
		return "", ErrKeySize
	}

	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate session token: %w", err)
	}
	token := base64.RawURLEncoding.EncodeToString(raw)

	k := make([]byte, KeySize)
	copy(k, key)

	now := s.now()
	s.mu.Lock()
	s.sessions[token] = &httpSession{key: k, createdAt: now, lastUsed: now}
	s.sweepLocked(now)
	s.mu.Unlock()

	s.logger.Debug("http session created")
	return token, nil
}

// Key returns the session key for token, refreshing its idle timer. It
// returns false for unknown or expired tokens; an expired session is removed.
func (s *HTTPSessionStore) Key(token string) ([]byte, bool) {
	if token == "" {
		return nil, false
	}

	now := s.now()
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[token]
	if !ok {
		return nil, false
	}
	if now.Sub(sess.lastUsed) > s.ttl {
		delete(s.sessions, token)
		s.logger.Debug("http session expired")
		return nil, false
	}
	sess.lastUsed = now
	return sess.key, true
}

// Revoke removes a session immediately.
func (s *HTTPSessionStore) Revoke(token string) {
	s.mu.Lock()
	delete(s.sessions, token)
	s.mu.Unlock()
}

// Len returns the number of live sessions.
func (s *HTTPSessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// StartSweeper runs the periodic purge until ctx is canceled. It is the only
// background activity in the store and never blocks request handling beyond
// the map mutex.
func (s *HTTPSessionStore) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(s.sweep)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.mu.Lock()
				s.sweepLocked(s.now())
				s.mu.Unlock()
			}
		}
	}()
}

// sweepLocked purges idle sessions, at most once per sweep interval.
func (s *HTTPSessionStore) sweepLocked(now time.Time) {
	if now.Sub(s.lastSweep) < s.sweep {
		return
	}
	s.lastSweep = now

	purged := 0
	for token, sess := range s.sessions {
		if now.Sub(sess.lastUsed) > s.ttl {
			delete(s.sessions, token)
			purged++
		}
	}
	if purged > 0 {
		s.logger.Info("purged expired http sessions", "count", purged)
	}
}

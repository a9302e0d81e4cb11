package crypto

import (
	"crypto/rand"
	"log/slog"
	"testing"
	"time"
)

func newTestHTTPStore(t *testing.T) (*HTTPSessionStore, *time.Time) {
	t.Helper()
	s := NewHTTPSessionStore(DefaultSessionTTL, MinSweepInterval, slog.Default())
	now := time.Now()
	s.now = func() time.Time { return now }
	return s, &now
}

func newSessionKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		t.Fatal(err)
	}
	return key
}

func TestHTTPSessionCreateAndLookup(t *testing.T) {
	s, _ := newTestHTTPStore(t)
	key := newSessionKey(t)

	token, err := s.Create(key)
	if err != nil {
		t.Fatal(err)
	}
	if token == "" {
		t.Fatal("empty token")
	}

	got, ok := s.Key(token)
	if !ok {
		t.Fatal("session not found")
	}
	if string(got) != string(key) {
		t.Error("key mismatch")
	}

	if _, ok := s.Key("no-such-token"); ok {
		t.Error("lookup of unknown token succeeded")
	}
	if _, ok := s.Key(""); ok {
		t.Error("lookup of empty token succeeded")
	}
}

func TestHTTPSessionRejectsBadKey(t *testing.T) {
	s, _ := newTestHTTPStore(t)
	if _, err := s.Create(make([]byte, 16)); err == nil {
		t.Error("Create accepted a 16-byte key")
	}
}

func TestHTTPSessionExpiry(t *testing.T) {
	s, now := newTestHTTPStore(t)
	token, err := s.Create(newSessionKey(t))
	if err != nil {
		t.Fatal(err)
	}

	// Idle past the TTL: gone.
	*now = now.Add(DefaultSessionTTL + time.Second)
	if _, ok := s.Key(token); ok {
		t.Error("expired session still resolvable")
	}
	// Expired lookup removes the entry.
	if s.Len() != 0 {
		t.Errorf("expired session not removed, len=%d", s.Len())
	}
}

func TestHTTPSessionSlidingWindow(t *testing.T) {
	s, now := newTestHTTPStore(t)
	token, err := s.Create(newSessionKey(t))
	if err != nil {
		t.Fatal(err)
	}

	// Use at t+30m refreshes the idle timer.
	*now = now.Add(30 * time.Minute)
	if _, ok := s.Key(token); !ok {
		t.Fatal("session lost before TTL")
	}

	// A lookup just inside the refreshed window still succeeds.
	*now = now.Add(DefaultSessionTTL - time.Second)
	if _, ok := s.Key(token); !ok {
		t.Error("sliding window not applied")
	}
}

func TestHTTPSessionSweep(t *testing.T) {
	s, now := newTestHTTPStore(t)
	if _, err := s.Create(newSessionKey(t)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create(newSessionKey(t)); err != nil {
		t.Fatal(err)
	}

	*now = now.Add(DefaultSessionTTL + time.Minute)
	s.mu.Lock()
	s.sweepLocked(*now)
	s.mu.Unlock()

	if s.Len() != 0 {
		t.Errorf("sweep left %d sessions", s.Len())
	}
}

func TestHTTPSessionSweepBounded(t *testing.T) {
	s, now := newTestHTTPStore(t)
	token, err := s.Create(newSessionKey(t))
	if err != nil {
		t.Fatal(err)
	}

	// A sweep attempt inside the minimum interval is a no-op, even if
	// entries have already expired.
	*now = now.Add(DefaultSessionTTL + time.Second)
	s.mu.Lock()
	s.lastSweep = now.Add(-time.Minute)
	s.sweepLocked(*now)
	expiredKept := len(s.sessions) == 1
	s.mu.Unlock()
	if !expiredKept {
		t.Error("sweep ran again within the minimum interval")
	}

	s.Revoke(token)
	if s.Len() != 0 {
		t.Error("revoke did not remove session")
	}
}

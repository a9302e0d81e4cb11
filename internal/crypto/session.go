package crypto

import (
	"errors"
	"sync"
)

// ErrNoSession is returned when a connection has no installed session key.
var ErrNoSession = errors.New("no crypto session for connection")

// SessionStore maps live connections to their symmetric session keys. A key
// is installed exactly once per connection, after a successful key exchange,
// and removed when the connection closes.
type SessionStore struct {
	mu   sync.RWMutex
	keys map[string][]byte
}

// NewSessionStore creates an empty SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{keys: make(map[string][]byte)}
}

// Put installs the session key for a connection. The key must be 32 bytes.
func (s *SessionStore) Put(connID string, key []byte) error {
	if len(key) != KeySize {
		return ErrKeySize
	}
	k := make([]byte, KeySize)
	copy(k, key)

	s.mu.Lock()
	s.keys[connID] = k
	s.mu.Unlock()
	return nil
}

// Has reports whether a session key exists for the connection.
func (s *SessionStore) Has(connID string) bool {
	s.mu.RLock()
	_, ok := s.keys[connID]
	s.mu.RUnlock()
	return ok
}

// Delete removes the connection's session key.
func (s *SessionStore) Delete(connID string) {
	s.mu.Lock()
	delete(s.keys, connID)
	s.mu.Unlock()
}

// Seal encrypts plaintext with the connection's session key.
func (s *SessionStore) Seal(connID string, plaintext []byte) (string, error) {
	s.mu.RLock()
	key, ok := s.keys[connID]
	s.mu.RUnlock()
	if !ok {
		return "", ErrNoSession
	}
	return Seal(key, plaintext)
}

// Open decrypts a sealed blob with the connection's session key.
func (s *SessionStore) Open(connID string, encoded string) ([]byte, error) {
	s.mu.RLock()
	key, ok := s.keys[connID]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrNoSession
	}
	return Open(key, encoded)
}

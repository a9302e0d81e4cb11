// Package crypto implements the per-connection authenticated encryption,
// the RSA key-exchange service, and the short-lived HTTP session key store.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// KeySize is the required symmetric key length (AES-256).
	KeySize = 32
	// NonceSize is the GCM nonce length in the wire format.
	NonceSize = 12
	// TagSize is the GCM authentication tag length.
	TagSize = 16
)

var (
	// ErrKeySize is returned when a symmetric key is not exactly 32 bytes.
	ErrKeySize = errors.New("session key must be 32 bytes")
	// ErrDecrypt is returned for any open failure: truncated input, tag
	// mismatch, or wrong key. Callers never see partial plaintext.
	ErrDecrypt = errors.New("decrypt failed")
)

// Seal encrypts plaintext with AES-256-GCM under key and returns the base64
// encoding of nonce(12) || ciphertext || tag(16). A fresh random nonce is
// generated per call.
func Seal(key, plaintext []byte) (string, error) {
	if len(key) != KeySize {
		return "", ErrKeySize
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("init gcm: %w", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open decodes and decrypts a blob produced by Seal. Inputs shorter than
// nonce+tag (28 bytes) are rejected before any cipher work.
func Open(key []byte, encoded string) ([]byte, error) {
	if len(key) != KeySize {
		return nil, ErrKeySize
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64", ErrDecrypt)
	}
	if len(raw) < NonceSize+TagSize {
		return nil, fmt.Errorf("%w: input too short (%d bytes)", ErrDecrypt, len(raw))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}

	plaintext, err := aead.Open(nil, raw[:NonceSize], raw[NonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plaintext, nil
}

// DeriveKey derives a 32-byte key from a passphrase with PBKDF2-HMAC-SHA256.
// Used only for the legacy pre-handshake compatibility key.
func DeriveKey(passphrase, salt string) []byte {
	return pbkdf2.Key([]byte(passphrase), []byte(salt), 100_000, KeySize, sha256.New)
}

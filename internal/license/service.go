// Package license decides whether a login phone is authorized to use the
// relay, and generates license keys for new grants.
package license

import (
	"context"
	"crypto/rand"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/pairlink/pairlink/internal/store"
)

// Verification failure reasons, surfaced verbatim in login results.
const (
	ReasonNotFound = "license not found"
	ReasonRevoked  = "license revoked"
	ReasonExpired  = "license expired"
	ReasonMismatch = "license key mismatch"
)

// Key alphabet segments. A generated key carries 4 uppercase, 4 lowercase,
// 6 digits, and 6 specials, shuffled.
const (
	upperChars   = "ABCDEFGHIJKLMNOPQRSTUVWXYZ"
	lowerChars   = "abcdefghijklmnopqrstuvwxyz"
	digitChars   = "0123456789"
	specialChars = "!@#$%^&*"

	keyLength = 20
)

// Verdict is the outcome of a license check.
type Verdict struct {
	OK               bool
	Reason           string // empty when OK
	ManagePermission bool
	License          *store.License // nil when not found
}

// Service verifies and issues licenses.
type Service struct {
	store  store.Store
	logger *slog.Logger
}

// NewService creates a license service backed by the given store.
func NewService(st store.Store, logger *slog.Logger) *Service {
	return &Service{
		store:  st,
		logger: logger.With("component", "license"),
	}
}

// Verify checks a phone/key pair against the stored license. An active
// license whose expiry has passed is flipped to expired before the verdict
// is returned, so subsequent reads see the real status.
func (s *Service) Verify(ctx context.Context, phone, key string) (Verdict, error) {
	lic, err := s.store.GetLicenseByPhone(ctx, phone)
	if err != nil {
		return Verdict{}, fmt.Errorf("lookup license: %w", err)
	}
	if lic == nil {
		return Verdict{Reason: ReasonNotFound}, nil
	}

	if expired := s.reapExpired(ctx, lic); expired {
		return Verdict{Reason: ReasonExpired, License: lic}, nil
	}

	switch lic.Status {
	case store.StatusRevoked:
		return Verdict{Reason: ReasonRevoked, License: lic}, nil
	case store.StatusExpired:
		return Verdict{Reason: ReasonExpired, License: lic}, nil
	}

	if lic.LicenseKey != key {
		s.logger.Warn("license key mismatch", "phone", phone)
		return Verdict{Reason: ReasonMismatch, License: lic}, nil
	}

	return Verdict{OK: true, ManagePermission: lic.ManagePermission, License: lic}, nil
}

// Get returns the license bound to a phone, flipping stale expiries on read.
// A missing license yields (nil, nil).
func (s *Service) Get(ctx context.Context, phone string) (*store.License, error) {
	lic, err := s.store.GetLicenseByPhone(ctx, phone)
	if err != nil {
		return nil, fmt.Errorf("lookup license: %w", err)
	}
	if lic == nil {
		return nil, nil
	}
	s.reapExpired(ctx, lic)
	return lic, nil
}

// reapExpired flips an active license past its expiry to expired, both in
// memory and in the store. Reports whether the license is now expired.
func (s *Service) reapExpired(ctx context.Context, lic *store.License) bool {
	if lic.Status != store.StatusActive || lic.ExpiresAt == nil {
		return false
	}
	if time.Now().Before(*lic.ExpiresAt) {
		return false
	}
	lic.Status = store.StatusExpired
	if err := s.store.UpdateLicenseStatus(ctx, lic.ID, store.StatusExpired); err != nil {
		s.logger.Error("failed to persist license expiry", "phone", lic.Phone, "error", err)
	}
	return true
}

// GenerateKey produces a 20-character license key: 4 uppercase letters,
// 4 lowercase letters, 6 digits, and 6 special characters, shuffled with
// crypto/rand.
func GenerateKey() (string, error) {
	var chars []byte
	for _, seg := range []struct {
		alphabet string
		count    int
	}{
		{upperChars, 4},
		{lowerChars, 4},
		{digitChars, 6},
		{specialChars, 6},
	} {
		for i := 0; i < seg.count; i++ {
			c, err := randByte(seg.alphabet)
			if err != nil {
				return "", err
			}
			chars = append(chars, c)
		}
	}

	// Fisher-Yates with crypto/rand indices.
	for i := len(chars) - 1; i > 0; i-- {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(i+1)))
		if err != nil {
			return "", fmt.Errorf("shuffle key: %w", err)
		}
		j := n.Int64()
		chars[i], chars[j] = chars[j], chars[i]
	}
	return string(chars), nil
}

// ValidKey reports whether a key has the generated shape: 20 characters with
// the expected count from each alphabet segment.
func ValidKey(key string) bool {
	if len(key) != keyLength {
		return false
	}
	var upper, lower, digit, special int
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'A' && c <= 'Z':
			upper++
		case c >= 'a' && c <= 'z':
			lower++
		case c >= '0' && c <= '9':
			digit++
		case strings.IndexByte(specialChars, c) >= 0:
			special++
		default:
			return false
		}
	}
	return upper == 4 && lower == 4 && digit == 6 && special == 6
}

func randByte(alphabet string) (byte, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(int64(len(alphabet))))
	if err != nil {
		return 0, fmt.Errorf("generate key: %w", err)
	}
	return alphabet[n.Int64()], nil
}

// Package auth issues and validates bearer tokens for the management API.
// Tokens are granted against the license store: a valid phone/key pair earns
// a JWT carrying the phone and its manage permission.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/pairlink/pairlink/internal/license"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUnauthorized       = errors.New("unauthorized")
)

// Claims represents the JWT token claims.
type Claims struct {
	Phone  string `json:"phn"`
	Manage bool   `json:"mgr"`
	jwt.RegisteredClaims
}

// Identity is the authenticated caller of an API request.
type Identity struct {
	Phone  string
	Manage bool
}

// Service handles authentication operations.
type Service struct {
	licenses  *license.Service
	jwtSecret []byte
	jwtExpiry time.Duration
}

// NewService creates a new auth service.
func NewService(licenses *license.Service, secret string, expiry time.Duration) *Service {
	return &Service{
		licenses:  licenses,
		jwtSecret: []byte(secret),
		jwtExpiry: expiry,
	}
}

// Login verifies a phone/key pair against the license store and returns a
// signed JWT. Any license failure maps to ErrInvalidCredentials; the caller
// never learns which part was wrong.
func (s *Service) Login(ctx context.Context, phone, key string) (string, error) {
	v, err := s.licenses.Verify(ctx, phone, key)
	if err != nil {
		return "", fmt.Errorf("verify license: %w", err)
	}
	if !v.OK {
		return "", ErrInvalidCredentials
	}
	return s.generateToken(phone, v.ManagePermission)
}

// ValidateToken validates a bearer token and returns the caller's identity.
func (s *Service) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	return &Identity{Phone: claims.Phone, Manage: claims.Manage}, nil
}

func (s *Service) generateToken(phone string, manage bool) (string, error) {
	claims := &Claims{
		Phone:  phone,
		Manage: manage,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.jwtExpiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

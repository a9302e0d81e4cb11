package auth

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/pairlink/pairlink/internal/license"
	"github.com/pairlink/pairlink/internal/store"
)

func newTestAuthService(t *testing.T) (*Service, store.Store) {
	t.Helper()
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })

	gate := license.NewService(s, slog.Default())
	svc := NewService(gate, "test-secret-at-least-32-chars-long", time.Hour)
	return svc, s
}

func grantLicense(t *testing.T, s store.Store, phone, key string, manage bool) {
	t.Helper()
	lic := &store.License{
		Phone:            phone,
		LicenseKey:       key,
		ManagePermission: manage,
		Status:           store.StatusActive,
	}
	if err := s.CreateLicense(context.Background(), lic); err != nil {
		t.Fatalf("CreateLicense: %v", err)
	}
}

func TestLoginSuccess(t *testing.T) {
	svc, s := newTestAuthService(t)
	ctx := context.Background()

	grantLicense(t, s, "13800000001", "good-key", true)

	token, err := svc.Login(ctx, "13800000001", "good-key")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if token == "" {
		t.Fatal("Login returned empty token")
	}

	ident, err := svc.ValidateToken(ctx, token)
	if err != nil {
		t.Fatalf("ValidateToken: %v", err)
	}
	if ident.Phone != "13800000001" {
		t.Errorf("Phone: got %q, want %q", ident.Phone, "13800000001")
	}
	if !ident.Manage {
		t.Error("Manage: got false, want true")
	}
}

func TestLoginFailures(t *testing.T) {
	svc, s := newTestAuthService(t)
	ctx := context.Background()

	grantLicense(t, s, "13800000001", "good-key", false)

	// Wrong key, unknown phone, and revoked license all map to the same
	// credential error.
	if _, err := svc.Login(ctx, "13800000001", "bad-key"); err != ErrInvalidCredentials {
		t.Errorf("wrong key: err = %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.Login(ctx, "00000000000", "good-key"); err != ErrInvalidCredentials {
		t.Errorf("unknown phone: err = %v, want ErrInvalidCredentials", err)
	}
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	svc, _ := newTestAuthService(t)
	ctx := context.Background()

	for _, tok := range []string{"", "not-a-jwt", "a.b.c"} {
		if _, err := svc.ValidateToken(ctx, tok); err != ErrUnauthorized {
			t.Errorf("ValidateToken(%q): err = %v, want ErrUnauthorized", tok, err)
		}
	}
}

func TestValidateTokenRejectsWrongSecret(t *testing.T) {
	svc, s := newTestAuthService(t)
	ctx := context.Background()

	grantLicense(t, s, "13800000001", "good-key", false)
	token, err := svc.Login(ctx, "13800000001", "good-key")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}

	gate := license.NewService(s, slog.Default())
	other := NewService(gate, "a-completely-different-signing-key", time.Hour)
	if _, err := other.ValidateToken(ctx, token); err != ErrUnauthorized {
		t.Errorf("token signed with other secret accepted: %v", err)
	}
}

func TestValidateTokenRejectsExpired(t *testing.T) {
	s, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	grantLicense(t, s, "13800000001", "good-key", false)

	gate := license.NewService(s, slog.Default())
	svc := NewService(gate, "test-secret-at-least-32-chars-long", -time.Minute)

	token, err := svc.Login(context.Background(), "13800000001", "good-key")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, err := svc.ValidateToken(context.Background(), token); err != ErrUnauthorized {
		t.Errorf("expired token accepted: %v", err)
	}
}

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoadConfig(t *testing.T) {
	configJSON := `{
		"server": {
			"addr": ":8080",
			"allowed_origins": ["http://localhost:3000"],
			"max_body_bytes": 65536
		},
		"auth": {
			"jwt_secret": "my-super-secret-jwt-key-at-least-32",
			"jwt_expiry": "2h"
		},
		"storage": {
			"driver": "postgres",
			"dsn": "postgres://localhost/pairlink"
		},
		"session": {
			"http_session_ttl": "30m",
			"sweep_interval": "1m",
			"write_timeout": "5s",
			"max_message_bytes": 32768,
			"plaintext_fallback": true
		},
		"crypto": {
			"key_dir": "/var/lib/pairlink",
			"legacy_passphrase": "shared-passphrase"
		},
		"logging": {
			"level": "debug",
			"format": "text"
		}
	}`

	path := writeTempConfig(t, configJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Server.Addr != ":8080" {
		t.Errorf("Server.Addr: got %q, want %q", cfg.Server.Addr, ":8080")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "http://localhost:3000" {
		t.Errorf("Server.AllowedOrigins: got %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Server.MaxBodyBytes != 65536 {
		t.Errorf("Server.MaxBodyBytes: got %d, want 65536", cfg.Server.MaxBodyBytes)
	}
	if cfg.Auth.JWTExpiry.Duration != 2*time.Hour {
		t.Errorf("Auth.JWTExpiry: got %v, want 2h", cfg.Auth.JWTExpiry.Duration)
	}
	if cfg.Storage.Driver != "postgres" {
		t.Errorf("Storage.Driver: got %q, want %q", cfg.Storage.Driver, "postgres")
	}
	if cfg.Session.HTTPSessionTTL.Duration != 30*time.Minute {
		t.Errorf("Session.HTTPSessionTTL: got %v, want 30m", cfg.Session.HTTPSessionTTL.Duration)
	}
	if cfg.Session.SweepInterval.Duration != time.Minute {
		t.Errorf("Session.SweepInterval: got %v, want 1m", cfg.Session.SweepInterval.Duration)
	}
	if cfg.Session.WriteTimeout.Duration != 5*time.Second {
		t.Errorf("Session.WriteTimeout: got %v, want 5s", cfg.Session.WriteTimeout.Duration)
	}
	if !cfg.Session.PlaintextFallback {
		t.Error("Session.PlaintextFallback: got false, want true")
	}
	if cfg.Crypto.KeyDir != "/var/lib/pairlink" {
		t.Errorf("Crypto.KeyDir: got %q", cfg.Crypto.KeyDir)
	}
	if cfg.Crypto.LegacyPassphrase != "shared-passphrase" {
		t.Errorf("Crypto.LegacyPassphrase: got %q", cfg.Crypto.LegacyPassphrase)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "text" {
		t.Errorf("Logging: got %q/%q, want debug/text", cfg.Logging.Level, cfg.Logging.Format)
	}
}

func TestDurationNumericSeconds(t *testing.T) {
	configJSON := `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "my-secret-key-for-testing-purposes"},
		"session": {"http_session_ttl": 3600, "sweep_interval": 300}
	}`

	path := writeTempConfig(t, configJSON)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Session.HTTPSessionTTL.Duration != time.Hour {
		t.Errorf("numeric TTL: got %v, want 1h", cfg.Session.HTTPSessionTTL.Duration)
	}
	if cfg.Session.SweepInterval.Duration != 5*time.Minute {
		t.Errorf("numeric sweep: got %v, want 5m", cfg.Session.SweepInterval.Duration)
	}
}

func TestValidateRequired(t *testing.T) {
	cases := []struct {
		name string
		json string
	}{
		{"missing addr", `{"server": {}, "auth": {"jwt_secret": "some-secret-value-long-enough-32ch"}}`},
		{"missing secret", `{"server": {"addr": ":8080"}, "auth": {}}`},
		{"short secret", `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "short"}}`},
		{"weak secret", `{"server": {"addr": ":8080"}, "auth": {"jwt_secret": "local-dev-secret-for-testing-only-32chars!"}}`},
		{"tls cert without key", `{"server": {"addr": ":8080", "tls_cert": "cert.pem"}, "auth": {"jwt_secret": "my-secret-key-for-testing-purposes"}}`},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			path := writeTempConfig(t, c.json)
			if _, err := Load(path); err == nil {
				t.Fatalf("expected error for %s, got nil", c.name)
			}
		})
	}
}

func TestApplyDefaults(t *testing.T) {
	minimal := `{
		"server": {"addr": ":8080"},
		"auth": {"jwt_secret": "my-secret-key-for-testing-purposes"}
	}`

	path := writeTempConfig(t, minimal)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Auth.JWTExpiry.Duration != 24*time.Hour {
		t.Errorf("default JWTExpiry: got %v, want 24h", cfg.Auth.JWTExpiry.Duration)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("default Storage.Driver: got %q, want %q", cfg.Storage.Driver, "sqlite")
	}
	if cfg.Storage.DSN != "pairlink.db" {
		t.Errorf("default Storage.DSN: got %q, want %q", cfg.Storage.DSN, "pairlink.db")
	}
	if cfg.Session.HTTPSessionTTL.Duration != time.Hour {
		t.Errorf("default HTTPSessionTTL: got %v, want 1h", cfg.Session.HTTPSessionTTL.Duration)
	}
	if cfg.Session.SweepInterval.Duration != 5*time.Minute {
		t.Errorf("default SweepInterval: got %v, want 5m", cfg.Session.SweepInterval.Duration)
	}
	if cfg.Session.WriteTimeout.Duration != 10*time.Second {
		t.Errorf("default WriteTimeout: got %v, want 10s", cfg.Session.WriteTimeout.Duration)
	}
	if cfg.Session.MaxMessageBytes != 1024*1024 {
		t.Errorf("default MaxMessageBytes: got %d, want 1MB", cfg.Session.MaxMessageBytes)
	}
	if cfg.Session.PlaintextFallback {
		t.Error("default PlaintextFallback: got true, want false")
	}
	if cfg.Crypto.KeyDir != "." {
		t.Errorf("default KeyDir: got %q, want %q", cfg.Crypto.KeyDir, ".")
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("default Logging: got %q/%q, want info/json", cfg.Logging.Level, cfg.Logging.Format)
	}
	if cfg.Server.MaxBodyBytes != 1024*1024 {
		t.Errorf("default MaxBodyBytes: got %d, want 1MB", cfg.Server.MaxBodyBytes)
	}
}

func TestGenerateRandomSecret(t *testing.T) {
	a, err := GenerateRandomSecret()
	if err != nil {
		t.Fatalf("GenerateRandomSecret: %v", err)
	}
	b, err := GenerateRandomSecret()
	if err != nil {
		t.Fatalf("GenerateRandomSecret: %v", err)
	}
	if len(a) != 64 {
		t.Errorf("secret length: got %d, want 64", len(a))
	}
	if a == b {
		t.Error("two generated secrets are identical")
	}
}

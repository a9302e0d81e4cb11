package wizard

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pairlink/pairlink/internal/config"
	"github.com/pairlink/pairlink/pkg/cli"
)

func TestWizard_SQLite(t *testing.T) {
	input := strings.Join([]string{
		":9090",              // listen address
		"1",                  // storage: sqlite (first option)
		"./data/pairlink.db", // sqlite path
		"/etc/pairlink/keys", // key dir
		"n",                  // no legacy passphrase
		"n",                  // no plaintext fallback
	}, "\n") + "\n"

	out := &bytes.Buffer{}
	p := &cli.Prompter{In: strings.NewReader(input), Out: out}

	tmpDir := t.TempDir()
	outputPath := filepath.Join(tmpDir, "pairlink.json")

	w := New(p)
	if err := w.Run(outputPath); err != nil {
		t.Fatalf("wizard.Run() error: %v", err)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}

	var cfg config.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}

	if cfg.Server.Addr != ":9090" {
		t.Errorf("server.addr = %q, want %q", cfg.Server.Addr, ":9090")
	}
	if len(cfg.Auth.JWTSecret) < 32 {
		t.Errorf("auth.jwt_secret length = %d, want >= 32", len(cfg.Auth.JWTSecret))
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("storage.driver = %q, want %q", cfg.Storage.Driver, "sqlite")
	}
	if cfg.Storage.DSN != "./data/pairlink.db" {
		t.Errorf("storage.dsn = %q, want %q", cfg.Storage.DSN, "./data/pairlink.db")
	}
	if cfg.Crypto.KeyDir != "/etc/pairlink/keys" {
		t.Errorf("crypto.key_dir = %q, want %q", cfg.Crypto.KeyDir, "/etc/pairlink/keys")
	}
	if cfg.Crypto.LegacyPassphrase != "" {
		t.Errorf("crypto.legacy_passphrase = %q, want empty", cfg.Crypto.LegacyPassphrase)
	}
	if cfg.Session.PlaintextFallback {
		t.Error("session.plaintext_fallback = true, want false")
	}
}

func TestWizard_PostgresWithLegacyFallback(t *testing.T) {
	input := strings.Join([]string{
		":8080", // listen address (default)
		"2",     // storage: postgres
		"postgres://pairlink:pass@db:5432/pairlink", // DSN
		".",                 // key dir (default)
		"y",                 // enable legacy passphrase
		"shared-passphrase", // passphrase (plain read: stdin is not a tty)
		"y",                 // allow plaintext fallback
	}, "\n") + "\n"

	out := &bytes.Buffer{}
	p := &cli.Prompter{In: strings.NewReader(input), Out: out}

	tmpDir := t.TempDir()
	outputPath := filepath.Join(tmpDir, "pairlink.json")

	w := New(p)
	if err := w.Run(outputPath); err != nil {
		t.Fatalf("wizard.Run() error: %v", err)
	}

	data, err := os.ReadFile(outputPath)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}

	var cfg config.Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		t.Fatalf("unmarshal config: %v", err)
	}

	if cfg.Storage.Driver != "postgres" {
		t.Errorf("storage.driver = %q, want %q", cfg.Storage.Driver, "postgres")
	}
	if cfg.Storage.DSN != "postgres://pairlink:pass@db:5432/pairlink" {
		t.Errorf("storage.dsn = %q", cfg.Storage.DSN)
	}
	if cfg.Crypto.LegacyPassphrase != "shared-passphrase" {
		t.Errorf("crypto.legacy_passphrase = %q, want %q", cfg.Crypto.LegacyPassphrase, "shared-passphrase")
	}
	if !cfg.Session.PlaintextFallback {
		t.Error("session.plaintext_fallback = false, want true")
	}
}

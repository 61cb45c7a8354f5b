package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mtzanidakis/hive/internal/config"
	"github.com/mtzanidakis/hive/internal/engine"
	"github.com/mtzanidakis/hive/internal/store"
	"github.com/mtzanidakis/hive/internal/vault"
)

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	db, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "hive.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestNewLogger(t *testing.T) {
	tests := []struct {
		level string
		debug bool
		warn  bool
	}{
		{"debug", true, true},
		{"info", false, true},
		{"warn", false, true},
		{"error", false, false},
		{"bogus", false, true},
	}
	for _, tt := range tests {
		l := newLogger(config.LogConfig{Level: tt.level})
		ctx := context.Background()
		if got := l.Enabled(ctx, -4); got != tt.debug {
			t.Errorf("%s: debug enabled = %v", tt.level, got)
		}
		if got := l.Enabled(ctx, 4); got != tt.warn {
			t.Errorf("%s: warn enabled = %v", tt.level, got)
		}
	}
}

func TestNewTokenizer(t *testing.T) {
	if _, ok := newTokenizer(config.EngineConfig{Tokenizer: "chars"}, nil).(engine.CharTokenizer); !ok {
		t.Error("expected char tokenizer")
	}
	if _, ok := newTokenizer(config.EngineConfig{Tokenizer: "tiktoken", Model: "gpt-4o-mini"}, nil).(*engine.Tiktoken); !ok {
		t.Error("expected tiktoken tokenizer")
	}
}

func TestResolveSecrets(t *testing.T) {
	db := newTestStore(t)
	v := vault.New("passphrase")
	var out bytes.Buffer
	if err := vaultSet(&out, db, v, []string{"openai", "--value", "sk-test"}); err != nil {
		t.Fatalf("set: %v", err)
	}

	cfg := config.Default()
	cfg.Vault.Passphrase = "passphrase"
	cfg.Engine.APIKey = "secret:openai"
	cfg.Web.Auth = "plain"
	if err := resolveSecrets(cfg, db); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cfg.Engine.APIKey != "sk-test" {
		t.Errorf("api key = %q", cfg.Engine.APIKey)
	}
	if cfg.Web.Auth != "plain" {
		t.Errorf("plain value changed to %q", cfg.Web.Auth)
	}
}

func TestResolveSecretsErrors(t *testing.T) {
	db := newTestStore(t)

	cfg := config.Default()
	cfg.Telegram.Token = "secret:telegram"
	err := resolveSecrets(cfg, db)
	if err == nil || !strings.Contains(err.Error(), "HIVE_VAULT_PASSPHRASE") {
		t.Errorf("expected passphrase error, got %v", err)
	}

	cfg.Vault.Passphrase = "passphrase"
	if err := resolveSecrets(cfg, db); err == nil {
		t.Error("expected error for missing secret")
	}

	// Nothing to resolve needs no passphrase.
	if err := resolveSecrets(config.Default(), db); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mtzanidakis/hive/internal/vault"
)

func TestVaultCommands(t *testing.T) {
	db := newTestStore(t)
	v := vault.New("passphrase")
	var out bytes.Buffer

	if err := vaultList(&out, db); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out.String(), "No secrets stored") {
		t.Errorf("unexpected empty list output %q", out.String())
	}

	out.Reset()
	if err := vaultSet(&out, db, v, []string{"openai", "--value", "sk-1", "--description", "engine key"}); err != nil {
		t.Fatalf("set: %v", err)
	}

	keyFile := filepath.Join(t.TempDir(), "token")
	if err := os.WriteFile(keyFile, []byte("tg-token\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := vaultSet(&out, db, v, []string{"telegram", "--file", keyFile}); err != nil {
		t.Fatalf("set file: %v", err)
	}

	out.Reset()
	if err := vaultList(&out, db); err != nil {
		t.Fatal(err)
	}
	list := out.String()
	for _, want := range []string{"openai", "engine key", "telegram"} {
		if !strings.Contains(list, want) {
			t.Errorf("list missing %q:\n%s", want, list)
		}
	}
	if strings.Contains(list, "sk-1") {
		t.Error("list leaked a secret value")
	}

	out.Reset()
	if err := vaultGet(&out, db, v, []string{"openai"}); err != nil {
		t.Fatalf("get: %v", err)
	}
	if out.String() != "sk-1\n" {
		t.Errorf("get = %q", out.String())
	}

	out.Reset()
	if err := vaultGet(&out, db, vault.New("wrong"), []string{"openai"}); err == nil {
		t.Error("expected decrypt error with wrong passphrase")
	}

	if err := vaultDelete(&out, db, []string{"openai"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := vaultGet(&out, db, v, []string{"openai"}); err == nil {
		t.Error("expected error for deleted secret")
	}
}

func TestVaultSetUsage(t *testing.T) {
	db := newTestStore(t)
	v := vault.New("passphrase")
	var out bytes.Buffer

	if err := vaultSet(&out, db, v, []string{"name"}); err == nil {
		t.Error("expected usage error")
	}
	if err := vaultSet(&out, db, v, []string{"name", "--bogus", "x"}); err == nil {
		t.Error("expected flag error")
	}
	if err := vaultSet(&out, db, v, []string{"name", "--file", "/nonexistent"}); err == nil {
		t.Error("expected read error")
	}
}

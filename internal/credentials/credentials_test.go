package credentials

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetGetRemove(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "intentcode")
	s := Open(dir)

	if _, err := s.Get("openai"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.Set("openai", "sk-secret"); err != nil {
		t.Fatalf("Set: %v", err)
	}
	got, err := s.Get("openai")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got != "sk-secret" {
		t.Errorf("got %q", got)
	}

	raw, err := os.ReadFile(filepath.Join(dir, fileName))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(raw), "sk-secret") {
		t.Error("credential stored in plaintext")
	}

	info, err := os.Stat(filepath.Join(dir, keyName))
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("key mode = %v, want 0600", info.Mode().Perm())
	}

	if err := s.Set("anthropic", "ak"); err != nil {
		t.Fatal(err)
	}
	names, _ := s.List()
	if len(names) != 2 || names[0] != "anthropic" || names[1] != "openai" {
		t.Errorf("List = %v", names)
	}

	if err := s.Remove("openai"); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove("openai"); err != nil {
		t.Errorf("removing twice should be a no-op, got %v", err)
	}
	if _, err := s.Get("openai"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound after remove, got %v", err)
	}
}

func TestWrongKey(t *testing.T) {
	dir := t.TempDir()
	s := Open(dir)
	if err := s.Set("openai", "sk"); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, keyName), make([]byte, 32), 0600); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get("openai"); err == nil {
		t.Error("expected decryption failure with a different key")
	}
}

package identity

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCreatesAndPersistsIdentity(t *testing.T) {
	dir := t.TempDir()
	id1, err := Load(dir, false)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if id1.SecretKeyHex == "" || id1.PublicKeyHex == "" {
		t.Fatalf("expected generated keypair, got %+v", id1)
	}

	id2, err := Load(dir, false)
	if err != nil {
		t.Fatalf("second Load: %v", err)
	}
	if id2.SecretKeyHex != id1.SecretKeyHex {
		t.Fatalf("expected persisted identity to survive reload")
	}
}

func TestLoadEphemeralNeverPersists(t *testing.T) {
	dir := t.TempDir()
	id, err := Load(dir, true)
	if err != nil {
		t.Fatalf("Load ephemeral: %v", err)
	}
	if !id.Ephemeral {
		t.Fatalf("expected Ephemeral flag set")
	}
	if _, err := os.Stat(path(dir)); !os.IsNotExist(err) {
		t.Fatalf("expected ephemeral identity to leave no file on disk")
	}
}

func TestLoadRejectsUnsafePermissions(t *testing.T) {
	dir := t.TempDir()
	if _, err := Load(dir, false); err != nil {
		t.Fatalf("seed Load: %v", err)
	}
	if err := os.Chmod(path(dir), 0o644); err != nil {
		t.Fatalf("chmod: %v", err)
	}
	if _, err := Load(dir, false); err == nil {
		t.Fatalf("expected group/world-readable identity.json to be refused")
	}
}

func TestLoadRejectsSymlink(t *testing.T) {
	dir := t.TempDir()
	real := filepath.Join(dir, "real.json")
	if err := os.WriteFile(real, []byte(`{"secretKey":"00"}`), 0o600); err != nil {
		t.Fatalf("write real file: %v", err)
	}
	if err := os.Symlink(real, path(dir)); err != nil {
		t.Fatalf("symlink: %v", err)
	}
	if _, err := Load(dir, false); err == nil {
		t.Fatalf("expected symlinked identity.json to be refused")
	}
}

func TestRandomTopicIsHexAndVaries(t *testing.T) {
	a, err := RandomTopic()
	if err != nil {
		t.Fatalf("RandomTopic: %v", err)
	}
	b, err := RandomTopic()
	if err != nil {
		t.Fatalf("RandomTopic: %v", err)
	}
	if len(a) != 8 {
		t.Fatalf("expected an 8-char hex topic, got %q", a)
	}
	if a == b {
		t.Fatalf("expected two calls to produce different topics")
	}
}

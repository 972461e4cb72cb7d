package identity

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

func TestEncodeDecodePublicRoundTrip(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		t.Fatalf("GetPublicKey: %v", err)
	}

	npub, err := EncodePublic(pk)
	if err != nil {
		t.Fatalf("EncodePublic: %v", err)
	}
	decoded, err := Decode(npub, KindPublic)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded != pk {
		t.Fatalf("expected round trip to recover %q, got %q", pk, decoded)
	}
}

func TestDecodeRejectsWrongKind(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	nsec, err := EncodePrivate(sk)
	if err != nil {
		t.Fatalf("EncodePrivate: %v", err)
	}
	if _, err := Decode(nsec, KindPublic); err == nil {
		t.Fatalf("expected nsec decoded as npub to be rejected")
	}
}

func TestNormalizePubkeyAcceptsHexAndNpub(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)
	npub, _ := EncodePublic(pk)

	got, err := NormalizePubkey(pk)
	if err != nil || got != pk {
		t.Fatalf("expected raw hex to pass through unchanged, got %q, %v", got, err)
	}

	got, err = NormalizePubkey(npub)
	if err != nil || got != pk {
		t.Fatalf("expected npub to normalize to hex %q, got %q, %v", pk, got, err)
	}
}

func TestNormalizePubkeyRejectsGarbage(t *testing.T) {
	if _, err := NormalizePubkey("not-a-valid-key"); err == nil {
		t.Fatalf("expected garbage input to be rejected")
	}
}

func TestResolveTargetPassesThroughHexAndNpub(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)
	npub, _ := EncodePublic(pk)

	dir := t.TempDir()
	if got, err := ResolveTarget(dir, pk); err != nil || got != pk {
		t.Fatalf("expected raw hex to resolve unchanged, got %q, %v", got, err)
	}
	if got, err := ResolveTarget(dir, npub); err != nil || got != pk {
		t.Fatalf("expected npub to resolve to hex, got %q, %v", got, err)
	}
}

func TestResolveTargetFallsBackToContactsAlias(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)

	dir := t.TempDir()
	aliases := map[string]string{"alice": pk}
	data, _ := json.Marshal(aliases)
	if err := os.WriteFile(contactsPath(dir), data, 0o644); err != nil {
		t.Fatalf("write contacts.json: %v", err)
	}

	got, err := ResolveTarget(dir, "alice")
	if err != nil || got != pk {
		t.Fatalf("expected alias to resolve to pubkey, got %q, %v", got, err)
	}
}

func TestResolveTargetUnknownAliasErrors(t *testing.T) {
	if _, err := ResolveTarget(t.TempDir(), "nobody"); err != ErrUnknownTarget {
		t.Fatalf("expected ErrUnknownTarget for an unresolvable alias, got %v", err)
	}
}

package cryptutil

import (
	"path/filepath"
	"testing"

	"github.com/nbd-wtf/go-nostr"
)

func TestEnvelopeSealOpenRoundTrip(t *testing.T) {
	key, err := LoadOrCreateKey(filepath.Join(t.TempDir(), ".storage_key"))
	if err != nil {
		t.Fatalf("LoadOrCreateKey: %v", err)
	}
	env, err := NewEnvelope(key)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	sealed, err := env.Seal([]byte("hello world"))
	if err != nil {
		t.Fatalf("Seal: %v", err)
	}
	plain, err := env.Open(sealed)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if string(plain) != "hello world" {
		t.Fatalf("expected round trip to recover plaintext, got %q", plain)
	}
}

func TestEnvelopeOpenRejectsTampered(t *testing.T) {
	key, _ := LoadOrCreateKey(filepath.Join(t.TempDir(), ".storage_key"))
	env, _ := NewEnvelope(key)
	sealed, _ := env.Seal([]byte("hello"))

	tampered := sealed[:len(sealed)-2] + "xx"
	if _, err := env.Open(tampered); err != ErrDecrypt {
		t.Fatalf("expected ErrDecrypt for tampered ciphertext, got %v", err)
	}
}

func TestLoadOrCreateKeyPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".storage_key")

	k1, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("first LoadOrCreateKey: %v", err)
	}
	k2, err := LoadOrCreateKey(path)
	if err != nil {
		t.Fatalf("second LoadOrCreateKey: %v", err)
	}
	if string(k1) != string(k2) {
		t.Fatalf("expected persisted key to be stable across loads")
	}
}

func TestGroupKeyRoundTrip(t *testing.T) {
	gk, err := DeriveGroupKey("group-topic-1")
	if err != nil {
		t.Fatalf("DeriveGroupKey: %v", err)
	}
	sealed, err := EncryptGroup(gk, []byte("group message"))
	if err != nil {
		t.Fatalf("EncryptGroup: %v", err)
	}
	plain, err := DecryptGroup(gk, sealed)
	if err != nil {
		t.Fatalf("DecryptGroup: %v", err)
	}
	if string(plain) != "group message" {
		t.Fatalf("expected round trip, got %q", plain)
	}
}

func TestGroupKeyDerivationIsDeterministic(t *testing.T) {
	gk1, _ := DeriveGroupKey("same-topic")
	gk2, _ := DeriveGroupKey("same-topic")
	if string(gk1.Key) != string(gk2.Key) {
		t.Fatalf("expected same topic to derive the same key")
	}
	gk3, _ := DeriveGroupKey("different-topic")
	if string(gk1.Key) == string(gk3.Key) {
		t.Fatalf("expected different topics to derive different keys")
	}
}

func TestDMEncryptDecryptRoundTrip(t *testing.T) {
	senderSK := nostr.GeneratePrivateKey()
	recipientSK := nostr.GeneratePrivateKey()
	recipientPK, _ := nostr.GetPublicKey(recipientSK)
	senderPK, _ := nostr.GetPublicKey(senderSK)

	sealed, err := EncryptDM("secret message", senderSK, recipientPK)
	if err != nil {
		t.Fatalf("EncryptDM: %v", err)
	}
	plain, err := DecryptDM(sealed, recipientSK, senderPK)
	if err != nil {
		t.Fatalf("DecryptDM: %v", err)
	}
	if plain != "secret message" {
		t.Fatalf("expected round trip, got %q", plain)
	}
}

func TestSignVerifyPayloadRoundTrip(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)

	env, err := SignPayload(map[string]any{"type": "ping"}, 12345, sk)
	if err != nil {
		t.Fatalf("SignPayload: %v", err)
	}
	if err := VerifyPayload(env, pk); err != nil {
		t.Fatalf("VerifyPayload: %v", err)
	}
}

func TestVerifyPayloadRejectsWrongKey(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	otherSK := nostr.GeneratePrivateKey()
	otherPK, _ := nostr.GetPublicKey(otherSK)

	env, _ := SignPayload(map[string]any{"type": "ping"}, 12345, sk)
	if err := VerifyPayload(env, otherPK); err != ErrBadSignature {
		t.Fatalf("expected ErrBadSignature for mismatched key, got %v", err)
	}
}

func TestVerifyPayloadRejectsTamperedTimestamp(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	pk, _ := nostr.GetPublicKey(sk)

	env, _ := SignPayload(map[string]any{"type": "ping"}, 12345, sk)
	env.Timestamp = 99999
	if err := VerifyPayload(env, pk); err != ErrBadSignature {
		t.Fatalf("expected ErrBadSignature for tampered timestamp, got %v", err)
	}
}

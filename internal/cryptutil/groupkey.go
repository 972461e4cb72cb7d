package cryptutil

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// groupSalt is the fixed HKDF salt for group-key derivation.
const groupSalt = "agent-p2p-group-v2"

// GroupKey holds the per-group AEAD key and 16-byte IV prefix derived
// from a group's topic.
type GroupKey struct {
	Key      []byte // 32 bytes
	IVPrefix []byte // 16 bytes
}

// DeriveGroupKey runs HKDF-SHA256 over topic with the fixed salt,
// producing a 32-byte AEAD key (info "encryption") and a 16-byte IV
// prefix (info "iv"). The prefix plus an 8-byte per-message random
// value forms the 24-byte XChaCha20-Poly1305 nonce.
func DeriveGroupKey(topic string) (GroupKey, error) {
	key := make([]byte, 32)
	if err := readHKDF(topic, "encryption", key); err != nil {
		return GroupKey{}, err
	}
	ivPrefix := make([]byte, 16)
	if err := readHKDF(topic, "iv", ivPrefix); err != nil {
		return GroupKey{}, err
	}
	return GroupKey{Key: key, IVPrefix: ivPrefix}, nil
}

func readHKDF(topic, info string, out []byte) error {
	r := hkdf.New(sha256.New, []byte(topic), []byte(groupSalt), []byte(info))
	if _, err := io.ReadFull(r, out); err != nil {
		return fmt.Errorf("cryptutil: hkdf derive %q: %w", info, err)
	}
	return nil
}

// ErrGroupDecrypt is returned when a group ciphertext fails to
// authenticate or is malformed.
var ErrGroupDecrypt = errors.New("cryptutil: group decryption failed")

// EncryptGroup seals plaintext for a group, returning the wire format
// base64(iv8_random):base64(AEAD-encrypt(payload, key, ivPrefix||iv8_random)).
func EncryptGroup(gk GroupKey, plaintext []byte) (string, error) {
	aead, err := chacha20poly1305.NewX(gk.Key)
	if err != nil {
		return "", fmt.Errorf("cryptutil: group aead init: %w", err)
	}
	random8 := make([]byte, 8)
	if _, err := rand.Read(random8); err != nil {
		return "", fmt.Errorf("cryptutil: group iv: %w", err)
	}
	nonce := append(append([]byte{}, gk.IVPrefix...), random8...)
	if len(nonce) != aead.NonceSize() {
		return "", fmt.Errorf("cryptutil: group nonce size mismatch: got %d want %d", len(nonce), aead.NonceSize())
	}
	sealed := aead.Seal(nil, nonce, plaintext, nil)
	return fmt.Sprintf("%s:%s",
		base64.StdEncoding.EncodeToString(random8),
		base64.StdEncoding.EncodeToString(sealed)), nil
}

// DecryptGroup reverses EncryptGroup.
func DecryptGroup(gk GroupKey, content string) ([]byte, error) {
	parts := strings.SplitN(content, ":", 2)
	if len(parts) != 2 {
		return nil, ErrGroupDecrypt
	}
	random8, err := base64.StdEncoding.DecodeString(parts[0])
	if err != nil || len(random8) != 8 {
		return nil, ErrGroupDecrypt
	}
	sealed, err := base64.StdEncoding.DecodeString(parts[1])
	if err != nil {
		return nil, ErrGroupDecrypt
	}
	aead, err := chacha20poly1305.NewX(gk.Key)
	if err != nil {
		return nil, fmt.Errorf("cryptutil: group aead init: %w", err)
	}
	nonce := append(append([]byte{}, gk.IVPrefix...), random8...)
	if len(nonce) != aead.NonceSize() {
		return nil, ErrGroupDecrypt
	}
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, ErrGroupDecrypt
	}
	return plaintext, nil
}

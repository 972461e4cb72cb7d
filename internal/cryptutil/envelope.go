// Package cryptutil implements the core's process-local cryptography:
// encrypt-at-rest of the message log (L6), group-key derivation (L7),
// and the signed-payload codec (M8).
package cryptutil

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

const pbkdf2Iterations = 100_000

// ErrDecrypt is returned when an envelope fails to authenticate.
var ErrDecrypt = errors.New("cryptutil: decryption failed")

// Envelope encrypts/decrypts message-log lines at rest with a
// process-local AEAD key. The key is either a random 32
// bytes persisted to .storage_key (0600) or derived via PBKDF2-SHA256
// from AGENT_PULSE_KEY_PASSWORD.
type Envelope struct {
	aead   cipher.AEAD
	keyHex string
}

// LoadOrCreateKey resolves the storage key: env-derived if
// AGENT_PULSE_KEY_PASSWORD is set, else the persisted random key at
// keyPath (created with 0600 permissions if absent).
func LoadOrCreateKey(keyPath string) ([]byte, error) {
	if pw := os.Getenv("AGENT_PULSE_KEY_PASSWORD"); pw != "" {
		salt := []byte("agent-pulse-storage-key-v1")
		return pbkdf2.Key([]byte(pw), salt, pbkdf2Iterations, 32, sha256.New), nil
	}

	data, err := os.ReadFile(keyPath)
	if err == nil {
		key, decErr := hex.DecodeString(string(trimNewline(data)))
		if decErr == nil && len(key) == 32 {
			return key, nil
		}
		return nil, fmt.Errorf("cryptutil: malformed storage key at %s", keyPath)
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("cryptutil: read storage key: %w", err)
	}

	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("cryptutil: generate storage key: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(hex.EncodeToString(key)), 0o600); err != nil {
		return nil, fmt.Errorf("cryptutil: persist storage key: %w", err)
	}
	return key, nil
}

func trimNewline(b []byte) []byte {
	for len(b) > 0 && (b[len(b)-1] == '\n' || b[len(b)-1] == '\r') {
		b = b[:len(b)-1]
	}
	return b
}

// NewEnvelope builds an Envelope from a 32-byte key.
func NewEnvelope(key []byte) (*Envelope, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("cryptutil: init aead: %w", err)
	}
	return &Envelope{aead: aead, keyHex: hex.EncodeToString(key)}, nil
}

// Seal encrypts plaintext and returns base64(nonce||ciphertext||tag),
// the on-disk format used by the messages.jsonl line store.
func (e *Envelope) Seal(plaintext []byte) (string, error) {
	nonce := make([]byte, e.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("cryptutil: nonce: %w", err)
	}
	sealed := e.aead.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Open reverses Seal.
func (e *Envelope) Open(encoded string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("cryptutil: base64 decode: %w", err)
	}
	ns := e.aead.NonceSize()
	if len(raw) < ns {
		return nil, ErrDecrypt
	}
	nonce, ciphertext := raw[:ns], raw[ns:]
	plaintext, err := e.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plaintext, nil
}

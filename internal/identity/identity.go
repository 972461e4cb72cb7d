// Package identity implements the worker's long-term keypair: load,
// create, and (with explicit authorization) export.
package identity

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/keyer"

	"github.com/agent-pulse/agent-pulse/internal/store"
)

// record is the on-disk shape of identity.json.
type record struct {
	SecretKey string `json:"secretKey"`
}

// Identity is immutable after Load returns. In ephemeral mode it
// exists only in process memory — Load never reads or writes the
// on-disk record in that case — ephemeral always overrides any saved
// identity.
type Identity struct {
	SecretKeyHex string
	PublicKeyHex string
	Ephemeral    bool

	Keyer nostr.Keyer
}

// path returns the identity.json path within dataDir.
func path(dataDir string) string {
	return filepath.Join(dataDir, "identity.json")
}

// Load reads dataDir/identity.json if present (requiring owner-only
// permissions and a non-symlink target), or generates and persists a
// fresh keypair. When ephemeral is true, a random keypair is generated
// in memory and nothing is read from or written to disk.
func Load(dataDir string, ephemeral bool) (*Identity, error) {
	if ephemeral {
		return fromSecretKey(nostr.GeneratePrivateKey(), true)
	}

	p := path(dataDir)
	fi, err := os.Lstat(p)
	switch {
	case err == nil:
		if fi.Mode()&os.ModeSymlink != 0 {
			return nil, fmt.Errorf("identity: %s is a symlink, refusing to load", p)
		}
		if fi.Mode().Perm()&0o077 != 0 {
			return nil, fmt.Errorf("identity: %s has unsafe permissions %v, expected owner-only", p, fi.Mode().Perm())
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("identity: read %s: %w", p, err)
		}
		var rec record
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("identity: parse %s: %w", p, err)
		}
		return fromSecretKey(rec.SecretKey, false)

	case os.IsNotExist(err):
		sk := nostr.GeneratePrivateKey()
		if err := persist(dataDir, sk); err != nil {
			return nil, err
		}
		return fromSecretKey(sk, false)

	default:
		return nil, fmt.Errorf("identity: stat %s: %w", p, err)
	}
}

func persist(dataDir, sk string) error {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return fmt.Errorf("identity: mkdir %s: %w", dataDir, err)
	}
	data, err := json.Marshal(record{SecretKey: sk})
	if err != nil {
		return fmt.Errorf("identity: marshal: %w", err)
	}
	if err := store.WriteFileAtomic(path(dataDir), data, 0o600); err != nil {
		return fmt.Errorf("identity: persist: %w", err)
	}
	return nil
}

func fromSecretKey(sk string, ephemeral bool) (*Identity, error) {
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		return nil, fmt.Errorf("identity: derive public key: %w", err)
	}
	kr, err := keyer.NewPlainKeySigner(sk)
	if err != nil {
		return nil, fmt.Errorf("identity: init signer: %w", err)
	}
	return &Identity{SecretKeyHex: sk, PublicKeyHex: pk, Ephemeral: ephemeral, Keyer: kr}, nil
}

// randomTopic returns 4 random bytes as an 8-character hex string,
// used as a group's topic when the caller doesn't supply one.
func randomTopic() (string, error) {
	b := make([]byte, 4)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// RandomTopic is the exported form of randomTopic, used by the worker's
// create_group handler when the command carries no topic.
func RandomTopic() (string, error) { return randomTopic() }

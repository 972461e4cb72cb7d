package identity

import (
	"errors"
	"path/filepath"

	"github.com/agent-pulse/agent-pulse/internal/store"
)

// ErrUnknownTarget is returned when target is neither a valid hex/npub
// key nor a known alias in the contacts book.
var ErrUnknownTarget = errors.New("identity: target is not a known pubkey or contact alias")

// contactsPath returns the external contacts book's location. The
// core never writes this file — it is maintained by the contacts-book
// collaborator and only ever read here.
func contactsPath(dataDir string) string {
	return filepath.Join(dataDir, "contacts.json")
}

// ResolveTarget accepts a raw hex pubkey, an npub, or a contacts-book
// alias, returning the canonical hex pubkey. A target that is already
// a valid hex/npub key is normalized directly without consulting the
// contacts file; only unrecognized strings fall back to an alias
// lookup, so the core never needs the contacts file to exist.
func ResolveTarget(dataDir, target string) (string, error) {
	if hexKey, err := NormalizePubkey(target); err == nil {
		return hexKey, nil
	}

	var aliases map[string]string
	if err := store.ReadJSON(contactsPath(dataDir), &aliases); err != nil {
		return "", err
	}
	aliased, ok := aliases[target]
	if !ok {
		return "", ErrUnknownTarget
	}
	return NormalizePubkey(aliased)
}

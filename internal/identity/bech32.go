package identity

import (
	"errors"
	"fmt"

	"github.com/nbd-wtf/go-nostr/nip19"
)

// ErrKeyTypeMismatch is returned by Decode when the bech32 prefix
// doesn't match the kind the caller expected.
var ErrKeyTypeMismatch = errors.New("identity: bech32 prefix does not match expected key type")

// KeyKind distinguishes the two bech32 key encodings this core
// consumes.
type KeyKind string

const (
	KindPublic  KeyKind = "npub"
	KindPrivate KeyKind = "nsec"
)

// EncodePublic renders a hex public key as npub1....
func EncodePublic(hexPK string) (string, error) {
	s, err := nip19.EncodePublicKey(hexPK)
	if err != nil {
		return "", fmt.Errorf("identity: encode npub: %w", err)
	}
	return s, nil
}

// EncodePrivate renders a hex secret key as nsec1....
func EncodePrivate(hexSK string) (string, error) {
	s, err := nip19.EncodePrivateKey(hexSK)
	if err != nil {
		return "", fmt.Errorf("identity: encode nsec: %w", err)
	}
	return s, nil
}

// Decode parses a bech32 string, requiring its prefix to match
// expectedKind, and returns the decoded hex value.
func Decode(bech32 string, expectedKind KeyKind) (string, error) {
	prefix, value, err := nip19.Decode(bech32)
	if err != nil {
		return "", fmt.Errorf("identity: decode bech32: %w", err)
	}
	if prefix != string(expectedKind) {
		return "", fmt.Errorf("%w: got prefix %q, want %q", ErrKeyTypeMismatch, prefix, expectedKind)
	}
	hexVal, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("identity: unexpected bech32 payload type %T", value)
	}
	return hexVal, nil
}

// NormalizePubkey accepts either a 64-char hex pubkey or an npub and
// returns the canonical hex form.
func NormalizePubkey(target string) (string, error) {
	if isHex64(target) {
		return target, nil
	}
	hexVal, err := Decode(target, KindPublic)
	if err != nil {
		return "", err
	}
	return hexVal, nil
}

func isHex64(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		if !((r >= '0' && r <= '9') || (r >= 'a' && r <= 'f') || (r >= 'A' && r <= 'F')) {
			return false
		}
	}
	return true
}

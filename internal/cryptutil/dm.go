package cryptutil

import (
	"fmt"

	"github.com/nbd-wtf/go-nostr/nip04"
)

// EncryptDM encrypts plaintext for recipientPubkeyHex using the
// deployed DM scheme: AES-CBC under an ECDH shared secret,
// serialized as "<base64 ciphertext>?iv=<base64 iv>".
func EncryptDM(plaintext, senderSKHex, recipientPubkeyHex string) (string, error) {
	shared, err := nip04.ComputeSharedSecret(recipientPubkeyHex, senderSKHex)
	if err != nil {
		return "", fmt.Errorf("cryptutil: dm shared secret: %w", err)
	}
	ciphertext, err := nip04.Encrypt(plaintext, shared)
	if err != nil {
		return "", fmt.Errorf("cryptutil: dm encrypt: %w", err)
	}
	return ciphertext, nil
}

// DecryptDM reverses EncryptDM: recipientSKHex is our own key,
// senderPubkeyHex is the claimed author.
func DecryptDM(content, recipientSKHex, senderPubkeyHex string) (string, error) {
	shared, err := nip04.ComputeSharedSecret(senderPubkeyHex, recipientSKHex)
	if err != nil {
		return "", fmt.Errorf("cryptutil: dm shared secret: %w", err)
	}
	plaintext, err := nip04.Decrypt(content, shared)
	if err != nil {
		return "", fmt.Errorf("cryptutil: dm decrypt: %w", err)
	}
	return plaintext, nil
}

package cryptutil

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// ErrBadSignature is returned by VerifyPayload when the signature does
// not validate.
var ErrBadSignature = errors.New("cryptutil: invalid payload signature")

// SignedEnvelope wraps a signed application payload:
// {content, timestamp, signature}.
type SignedEnvelope struct {
	Content   any    `json:"content"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature,omitempty"`
}

// canonicalize produces deterministic JSON (keys sorted at every
// nesting level) for signing, matching the event canonicalization
// applied to the payload instead of the wire event.
func canonicalize(v any) ([]byte, error) {
	normalized, err := sortKeys(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(normalized)
}

// sortKeys round-trips v through JSON so map keys come back sorted by
// encoding/json's own marshal order (Go maps already marshal with
// sorted string keys), and recurses into nested structures explicitly
// to guarantee the same for []any/map[string]any built by hand.
func sortKeys(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	return normalize(generic), nil
}

func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		ordered := make(orderedMap, 0, len(t))
		for _, k := range keys {
			ordered = append(ordered, kv{k, normalize(t[k])})
		}
		return ordered
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = normalize(e)
		}
		return out
	default:
		return v
	}
}

type kv struct {
	Key   string
	Value any
}
type orderedMap []kv

// MarshalJSON emits {"k1":v1,"k2":v2,...} in the recorded key order,
// which is already sorted by normalize.
func (o orderedMap) MarshalJSON() ([]byte, error) {
	buf := []byte{'{'}
	for i, e := range o {
		if i > 0 {
			buf = append(buf, ',')
		}
		kb, err := json.Marshal(e.Key)
		if err != nil {
			return nil, err
		}
		vb, err := json.Marshal(e.Value)
		if err != nil {
			return nil, err
		}
		buf = append(buf, kb...)
		buf = append(buf, ':')
		buf = append(buf, vb...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// SignPayload signs content+timestamp with sk (hex, 32 bytes) using
// Schnorr over SHA-256 of the canonicalized {content,timestamp} pair,
// returning a populated SignedEnvelope.
func SignPayload(content any, timestampMS int64, skHex string) (SignedEnvelope, error) {
	env := SignedEnvelope{Content: content, Timestamp: timestampMS}
	digest, err := payloadDigest(env)
	if err != nil {
		return env, err
	}
	skBytes, err := hex.DecodeString(skHex)
	if err != nil || len(skBytes) != 32 {
		return env, fmt.Errorf("cryptutil: invalid secret key")
	}
	priv, _ := btcec.PrivKeyFromBytes(skBytes)
	sig, err := schnorr.Sign(priv, digest)
	if err != nil {
		return env, fmt.Errorf("cryptutil: sign payload: %w", err)
	}
	env.Signature = hex.EncodeToString(sig.Serialize())
	return env, nil
}

// VerifyPayload checks env.Signature against the content+timestamp
// under pkHex (32-byte x-only hex pubkey).
func VerifyPayload(env SignedEnvelope, pkHex string) error {
	if env.Signature == "" {
		return ErrBadSignature
	}
	unsigned := SignedEnvelope{Content: env.Content, Timestamp: env.Timestamp}
	digest, err := payloadDigest(unsigned)
	if err != nil {
		return err
	}
	sigBytes, err := hex.DecodeString(env.Signature)
	if err != nil {
		return ErrBadSignature
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return ErrBadSignature
	}
	pkBytes, err := hex.DecodeString(pkHex)
	if err != nil {
		return ErrBadSignature
	}
	pub, err := schnorr.ParsePubKey(pkBytes)
	if err != nil {
		return ErrBadSignature
	}
	if !sig.Verify(digest, pub) {
		return ErrBadSignature
	}
	return nil
}

func payloadDigest(env SignedEnvelope) ([]byte, error) {
	canon, err := canonicalize(map[string]any{
		"content":   env.Content,
		"timestamp": env.Timestamp,
	})
	if err != nil {
		return nil, fmt.Errorf("cryptutil: canonicalize payload: %w", err)
	}
	sum := sha256.Sum256(canon)
	return sum[:], nil
}

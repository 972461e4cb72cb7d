// Package dispatch implements the subscription/dispatch engine (M4):
// every inbound relay event passes through a single
// serial pipeline — dedup, signature verification, replay check,
// own-echo filter, sender rate limit, decrypt, payload parse, nonce
// check, and routing to the message log, a group's history, or the
// known-peers cache.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path/filepath"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/agent-pulse/agent-pulse/internal/cryptutil"
	"github.com/agent-pulse/agent-pulse/internal/group"
	"github.com/agent-pulse/agent-pulse/internal/identity"
	"github.com/agent-pulse/agent-pulse/internal/lru"
	"github.com/agent-pulse/agent-pulse/internal/relay"
	"github.com/agent-pulse/agent-pulse/internal/store"
	"github.com/agent-pulse/agent-pulse/internal/types"
)

// maxPayloadDepth bounds recursive decode of an event's content to
// guard against maliciously nested JSON.
const maxPayloadDepth = 32

// replayWindowPastYear is the "clearly a missed historical fetch"
// exemption from the replay-window check.
const replayWindowPastYear = 365 * 24 * time.Hour

// dangerousKeys are rejected anywhere in a decrypted payload to guard
// against prototype-pollution-style attacks on downstream consumers.
var dangerousKeys = map[string]struct{}{
	"__proto__":   {},
	"constructor": {},
	"prototype":   {},
}

// Opts configures a Dispatcher's bounded caches and policy knobs.
type Opts struct {
	DedupCacheSize   int
	KnownPeersCache  int
	NonceWindowCache int
	MessageRateLimit float64 // messages/sec per sender, sustained
	MessageBurst     int
	ReplayWindow     time.Duration
	WebhookURL       string
}

// PeerInfo is what the dispatcher remembers about a pubkey it has
// seen traffic from.
type PeerInfo struct {
	PubKey   string `json:"pubkey"`
	LastSeen int64  `json:"lastSeen"`
}

// Dispatcher owns the dedup/replay/rate-limit state and routes
// verified events to storage. It is instance-scoped, constructed once
// by the worker supervisor.
type Dispatcher struct {
	log zerolog.Logger

	id     *identity.Identity
	groups *group.Manager
	pool   *relay.Pool

	msgLogPath string
	webhookURL string
	envelope   *cryptutil.Envelope

	dedup        *lru.Cache[string, struct{}]
	replay       *lru.Cache[string, int64]
	knownPeers   *lru.Cache[string, PeerInfo]
	replayWindow time.Duration

	limitersMu sync.Mutex
	limiters   *lru.Cache[string, *rate.Limiter]
	rateLimit  float64
	rateBurst  int

	httpClient *http.Client
}

// New constructs a Dispatcher rooted at dataDir. envelope encrypts the
// message log at rest.
func New(log zerolog.Logger, dataDir string, id *identity.Identity, groups *group.Manager, pool *relay.Pool, envelope *cryptutil.Envelope, opts Opts) *Dispatcher {
	if opts.DedupCacheSize <= 0 {
		opts.DedupCacheSize = 2048
	}
	if opts.KnownPeersCache <= 0 {
		opts.KnownPeersCache = 1024
	}
	if opts.NonceWindowCache <= 0 {
		opts.NonceWindowCache = 4096
	}
	if opts.MessageRateLimit <= 0 {
		opts.MessageRateLimit = 30
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = int(opts.MessageRateLimit)
	}
	if opts.ReplayWindow <= 0 {
		opts.ReplayWindow = 5 * time.Minute
	}

	return &Dispatcher{
		log:          log.With().Str("component", "dispatcher").Logger(),
		id:           id,
		groups:       groups,
		pool:         pool,
		msgLogPath:   filepath.Join(dataDir, "messages.jsonl"),
		webhookURL:   opts.WebhookURL,
		envelope:     envelope,
		dedup:        lru.New[string, struct{}](opts.DedupCacheSize),
		replay:       lru.New[string, int64](opts.NonceWindowCache),
		knownPeers:   lru.New[string, PeerInfo](opts.KnownPeersCache),
		replayWindow: opts.ReplayWindow,
		limiters:     lru.New[string, *rate.Limiter](opts.KnownPeersCache),
		rateLimit:    opts.MessageRateLimit,
		rateBurst:    opts.MessageBurst,
		httpClient:   &http.Client{Timeout: 5 * time.Second},
	}
}

// Handle is the single entry point invoked by a relay session's
// EventHandler for every incoming event.
func (d *Dispatcher) Handle(relayURL string, evt nostr.Event) {
	if !d.dedup.PutIfAbsent(evt.ID, struct{}{}) {
		d.log.Debug().Str("id", evt.ID).Msg("duplicate event dropped")
		return
	}

	ok, err := relay.VerifyEvent(evt)
	if err != nil || !ok {
		d.log.Warn().Str("id", evt.ID).Err(err).Msg("signature verification failed, dropping event")
		return
	}

	if !d.withinReplayWindow(evt.CreatedAt.Time()) {
		d.log.Warn().Str("id", evt.ID).Msg("event outside replay window, dropping")
		return
	}

	if evt.PubKey == d.id.PublicKeyHex {
		return // our own publish, echoed back by the relay
	}

	if !d.allowSender(evt.PubKey) {
		d.log.Warn().Str("from", evt.PubKey).Msg("sender exceeded rate limit, dropping event")
		return
	}

	topic := relay.EventTopic(evt)
	var groupRec *types.Group
	isGroup := false
	for _, g := range d.groups.List() {
		if g.Topic == topic {
			groupRec, isGroup = g, true
			break
		}
	}

	var plaintext []byte
	if isGroup {
		gk, gerr := cryptutil.DeriveGroupKey(groupRec.Topic)
		if gerr != nil {
			d.log.Error().Err(gerr).Msg("group key derivation failed")
			return
		}
		decrypted, derr := cryptutil.DecryptGroup(gk, evt.Content)
		if derr != nil {
			// legacy fallback: treat content as already-plaintext
			plaintext = []byte(evt.Content)
		} else {
			plaintext = decrypted
		}
	} else if decrypted, derr := cryptutil.DecryptDM(evt.Content, d.id.SecretKeyHex, evt.PubKey); derr == nil {
		plaintext = []byte(decrypted)
	} else {
		plaintext = []byte(evt.Content)
	}

	payload, err := parseEnvelope(plaintext, evt.PubKey)
	if err != nil {
		d.log.Warn().Str("id", evt.ID).Err(err).Msg("payload parse/verify failed, dropping event")
		return
	}

	if payload.Nonce != "" {
		nonceKey := evt.PubKey + ":" + payload.Nonce
		if _, seen := d.replay.Get(nonceKey); seen {
			d.log.Warn().Str("from", evt.PubKey).Msg("replayed nonce dropped")
			return
		}
		d.replay.Put(nonceKey, payload.TS)
	}

	d.touchPeer(evt.PubKey)

	if payload.Type == types.PayloadPing || payload.Type == types.PayloadAnnounce {
		return // presence-only traffic updates known-peers and nothing else
	}

	msg := types.StoredMessage{
		ID:         evt.ID,
		From:       evt.PubKey,
		Content:    payload,
		Timestamp:  payload.TS,
		ReceivedAt: time.Now().UnixMilli(),
		IsGroup:    isGroup,
	}

	if isGroup {
		if err := d.groups.CanSendMessage(groupRec.ID, evt.PubKey); err != nil {
			d.log.Warn().Str("from", evt.PubKey).Str("group", groupRec.ID).Msg("message from banned/muted member dropped")
			return
		}
		msg.GroupID = groupRec.ID
		d.groups.TouchLastSeen(groupRec.ID, evt.PubKey)
		rec := types.GroupHistoryRecord{StoredMessage: msg, SavedAt: time.Now().UnixMilli()}
		if err := d.groups.AppendHistory(groupRec.ID, rec); err != nil {
			d.log.Error().Err(err).Msg("failed to append group history")
		}
	}

	valid := true
	msg.SignatureValid = &valid
	if err := d.appendMessageLog(msg); err != nil {
		d.log.Error().Err(err).Msg("failed to append message log")
	}

	if d.webhookURL != "" {
		go d.postWebhook(msg)
	}
}

// withinReplayWindow rejects events whose created_at is further than
// replayWindow from now, unless it is so
// old (>= 1 year) that it is clearly a historical backfill rather than
// a replay attempt.
func (d *Dispatcher) withinReplayWindow(createdAt time.Time) bool {
	age := time.Since(createdAt)
	if age < 0 {
		age = -age
	}
	if age <= d.replayWindow {
		return true
	}
	return age >= replayWindowPastYear
}

// appendMessageLog encrypts msg at rest and appends it to messages.jsonl.
func (d *Dispatcher) appendMessageLog(msg types.StoredMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("dispatch: marshal stored message: %w", err)
	}
	sealed, err := d.envelope.Seal(data)
	if err != nil {
		return fmt.Errorf("dispatch: seal message log line: %w", err)
	}
	return store.AppendLine(d.msgLogPath, []byte(sealed), 0o600)
}

// allowSender applies a per-sender token bucket (H4), creating one
// lazily on first contact.
func (d *Dispatcher) allowSender(pubkey string) bool {
	d.limitersMu.Lock()
	lim, ok := d.limiters.Get(pubkey)
	if !ok {
		lim = rate.NewLimiter(rate.Limit(d.rateLimit), d.rateBurst)
		d.limiters.Put(pubkey, lim)
	}
	d.limitersMu.Unlock()
	return lim.Allow()
}

func (d *Dispatcher) touchPeer(pubkey string) {
	d.knownPeers.Put(pubkey, PeerInfo{PubKey: pubkey, LastSeen: time.Now().UnixMilli()})
}

// LastSeen reports when pubkey was last observed, if known.
func (d *Dispatcher) LastSeen(pubkey string) (int64, bool) {
	info, ok := d.knownPeers.Get(pubkey)
	if !ok {
		return 0, false
	}
	return info.LastSeen, true
}

func (d *Dispatcher) postWebhook(msg types.StoredMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		d.log.Error().Err(err).Msg("failed to marshal webhook payload")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.webhookURL, bytes.NewReader(body))
	if err != nil {
		d.log.Error().Err(err).Msg("failed to build webhook request")
		return
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := d.httpClient.Do(req)
	if err != nil {
		d.log.Warn().Err(err).Msg("webhook delivery failed")
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		d.log.Warn().Int("status", resp.StatusCode).Msg("webhook returned non-2xx")
	}
}

// parseEnvelope safe-parses the decrypted content as a
// cryptutil.SignedEnvelope, verifies its signature against senderPubkey
// when present, and extracts the inner application Payload. An
// envelope with no signature is accepted as-is — not
// every payload (e.g. a plain-text legacy message) carries one.
func parseEnvelope(raw []byte, senderPubkey string) (types.Payload, error) {
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return types.Payload{}, fmt.Errorf("dispatch: parse content: %w", err)
	}
	if err := checkSafe(generic, 0); err != nil {
		return types.Payload{}, err
	}

	var env cryptutil.SignedEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Content == nil {
		// not an envelope at all (e.g. a bare user string) — treat the
		// whole thing as payload text
		if s, ok := generic.(string); ok {
			return types.Payload{TS: time.Now().UnixMilli(), Text: s}, nil
		}
		return types.Payload{TS: time.Now().UnixMilli(), Text: string(raw)}, nil
	}

	if env.Signature != "" {
		if err := cryptutil.VerifyPayload(env, senderPubkey); err != nil {
			return types.Payload{}, fmt.Errorf("dispatch: inner signature invalid: %w", err)
		}
	}

	contentBytes, err := json.Marshal(env.Content)
	if err != nil {
		return types.Payload{}, fmt.Errorf("dispatch: re-marshal envelope content: %w", err)
	}
	var payload types.Payload
	if err := json.Unmarshal(contentBytes, &payload); err != nil {
		// content wasn't a structured Payload (e.g. a plain string) —
		// carry it through as text
		var text string
		if err := json.Unmarshal(contentBytes, &text); err == nil {
			return types.Payload{TS: env.Timestamp, Text: text}, nil
		}
		return types.Payload{}, fmt.Errorf("dispatch: parse envelope content: %w", err)
	}
	if payload.TS == 0 {
		payload.TS = env.Timestamp
	}
	return payload, nil
}

// checkSafe walks a generically-decoded JSON value, rejecting
// dangerous keys and nesting beyond maxPayloadDepth.
func checkSafe(v any, depth int) error {
	if depth > maxPayloadDepth {
		return fmt.Errorf("dispatch: payload nesting exceeds %d levels", maxPayloadDepth)
	}
	switch t := v.(type) {
	case map[string]any:
		for k, val := range t {
			if _, bad := dangerousKeys[k]; bad {
				return fmt.Errorf("dispatch: payload contains forbidden key %q", k)
			}
			if err := checkSafe(val, depth+1); err != nil {
				return err
			}
		}
	case []any:
		for _, e := range t {
			if err := checkSafe(e, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

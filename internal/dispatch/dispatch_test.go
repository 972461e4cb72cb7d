package dispatch

import (
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/agent-pulse/agent-pulse/internal/lru"
)

func TestWithinReplayWindowRecentAccepted(t *testing.T) {
	d := &Dispatcher{replayWindow: 5 * time.Minute}
	if !d.withinReplayWindow(time.Now().Add(-30 * time.Second)) {
		t.Fatalf("expected a recent event to be within the replay window")
	}
}

func TestWithinReplayWindowTooOldRejected(t *testing.T) {
	d := &Dispatcher{replayWindow: 5 * time.Minute}
	if d.withinReplayWindow(time.Now().Add(-1 * time.Hour)) {
		t.Fatalf("expected an hour-old event to be rejected as a possible replay")
	}
}

func TestWithinReplayWindowHistoricalBackfillAccepted(t *testing.T) {
	d := &Dispatcher{replayWindow: 5 * time.Minute}
	if !d.withinReplayWindow(time.Now().Add(-2 * replayWindowPastYear)) {
		t.Fatalf("expected a clearly historical event to be accepted as backfill")
	}
}

func TestAllowSenderRateLimits(t *testing.T) {
	d := &Dispatcher{
		limiters:  lru.New[string, *rate.Limiter](16),
		rateLimit: 1,
		rateBurst: 1,
	}
	if !d.allowSender("sender1") {
		t.Fatalf("expected first message from a fresh sender to be allowed")
	}
	if d.allowSender("sender1") {
		t.Fatalf("expected immediate second message to exceed burst of 1")
	}
}

func TestAllowSenderTracksSendersIndependently(t *testing.T) {
	d := &Dispatcher{
		limiters:  lru.New[string, *rate.Limiter](16),
		rateLimit: 1,
		rateBurst: 1,
	}
	d.allowSender("sender1")
	if !d.allowSender("sender2") {
		t.Fatalf("expected a different sender to have its own bucket")
	}
}

func TestParseEnvelopePlainTextFallback(t *testing.T) {
	payload, err := parseEnvelope([]byte(`"just some text"`), "pubkey")
	if err != nil {
		t.Fatalf("parseEnvelope: %v", err)
	}
	if payload.Text != "just some text" {
		t.Fatalf("expected plain string to fall back to Text, got %+v", payload)
	}
}

func TestParseEnvelopeStructuredPayload(t *testing.T) {
	raw := []byte(`{"content":{"text":"hi","ts":1700000000000},"timestamp":1700000000000}`)
	payload, err := parseEnvelope(raw, "pubkey")
	if err != nil {
		t.Fatalf("parseEnvelope: %v", err)
	}
	if payload.Text != "hi" {
		t.Fatalf("expected inner payload text to surface, got %+v", payload)
	}
}

func TestParseEnvelopeRejectsDangerousKeys(t *testing.T) {
	raw := []byte(`{"__proto__":{"polluted":true}}`)
	if _, err := parseEnvelope(raw, "pubkey"); err == nil {
		t.Fatalf("expected payload containing __proto__ to be rejected")
	}
}

func TestCheckSafeRejectsDeepNesting(t *testing.T) {
	var v any = "leaf"
	for i := 0; i < maxPayloadDepth+5; i++ {
		v = []any{v}
	}
	if err := checkSafe(v, 0); err == nil {
		t.Fatalf("expected nesting beyond %d levels to be rejected", maxPayloadDepth)
	}
}

func TestCheckSafeAcceptsOrdinaryPayload(t *testing.T) {
	v := map[string]any{"a": []any{1, 2, map[string]any{"b": "c"}}}
	if err := checkSafe(v, 0); err != nil {
		t.Fatalf("expected ordinary nested payload to be accepted, got %v", err)
	}
}

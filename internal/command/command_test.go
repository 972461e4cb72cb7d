package command

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/agent-pulse/agent-pulse/internal/types"
)

// fakeLock is a no-op Locker for tests that don't need real
// cross-process exclusion, matching the subset of store.Lock's API
// Inbox depends on.
type fakeLock struct{}

func (fakeLock) WithLock(_ time.Duration, fn func() error) error { return fn() }

func TestSubmitAssignsIDAndDrains(t *testing.T) {
	ib := New(zerolog.Nop(), t.TempDir(), fakeLock{}, time.Second)

	id, err := ib.Submit(Command{Kind: KindSend, Target: "peer", Content: "hi"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if id == "" {
		t.Fatalf("expected an assigned ID")
	}

	cmds, err := ib.Drain()
	if err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if len(cmds) != 1 || cmds[0].ID != id {
		t.Fatalf("expected one drained command with matching id, got %+v", cmds)
	}

	cmds2, err := ib.Drain()
	if err != nil {
		t.Fatalf("second Drain: %v", err)
	}
	if len(cmds2) != 0 {
		t.Fatalf("expected Drain to be idempotent once emptied, got %+v", cmds2)
	}
}

func TestPostResultAndPollResults(t *testing.T) {
	ib := New(zerolog.Nop(), t.TempDir(), fakeLock{}, time.Second)

	if err := ib.PostResult(Result{ID: "cmd1", OK: true}); err != nil {
		t.Fatalf("PostResult: %v", err)
	}
	results, err := ib.PollResults()
	if err != nil {
		t.Fatalf("PollResults: %v", err)
	}
	if len(results) != 1 || results[0].ID != "cmd1" || !results[0].OK {
		t.Fatalf("unexpected results: %+v", results)
	}

	results2, _ := ib.PollResults()
	if len(results2) != 0 {
		t.Fatalf("expected results to be cleared after poll, got %+v", results2)
	}
}

func TestTakeResultLeavesOthersInPlace(t *testing.T) {
	ib := New(zerolog.Nop(), t.TempDir(), fakeLock{}, time.Second)

	if err := ib.PostResult(Result{ID: "cmd1", OK: true}); err != nil {
		t.Fatalf("PostResult cmd1: %v", err)
	}
	if err := ib.PostResult(Result{ID: "cmd2", OK: true}); err != nil {
		t.Fatalf("PostResult cmd2: %v", err)
	}

	r, ok, err := ib.TakeResult("cmd1")
	if err != nil || !ok || r.ID != "cmd1" {
		t.Fatalf("expected cmd1 to be taken, got %+v, %v, %v", r, ok, err)
	}

	if _, ok, _ := ib.TakeResult("cmd1"); ok {
		t.Fatalf("expected cmd1 to be consumed, not reappear")
	}

	r2, ok, err := ib.TakeResult("cmd2")
	if err != nil || !ok || r2.ID != "cmd2" {
		t.Fatalf("expected cmd2 to survive cmd1's take, got %+v, %v, %v", r2, ok, err)
	}
}

func TestTakeResultMissingIDReturnsFalse(t *testing.T) {
	ib := New(zerolog.Nop(), t.TempDir(), fakeLock{}, time.Second)
	_, ok, err := ib.TakeResult("nope")
	if err != nil || ok {
		t.Fatalf("expected no match for an empty outbox, got ok=%v err=%v", ok, err)
	}
}

func TestPostFaultSetsSuggestion(t *testing.T) {
	ib := New(zerolog.Nop(), t.TempDir(), fakeLock{}, time.Second)

	err := ib.PostFault("cmd1", types.NewFault(types.CodeRelayAllFailed, "no relays"))
	if err != nil {
		t.Fatalf("PostFault: %v", err)
	}
	results, _ := ib.PollResults()
	if len(results) != 1 || results[0].OK {
		t.Fatalf("expected a failed result, got %+v", results)
	}
	if results[0].Message != "no relays" {
		t.Fatalf("expected message passthrough, got %q", results[0].Message)
	}
}

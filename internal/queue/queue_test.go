package queue

import (
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/agent-pulse/agent-pulse/internal/types"
)

func testOpts() Opts {
	o := DefaultOpts()
	o.MaxSize = 3
	o.MaxRetries = 3
	o.BaseDelay = 10 * time.Millisecond
	o.Factor = 2.0
	o.CompactEvery = 2
	return o
}

func TestEnqueueDue(t *testing.T) {
	dir := t.TempDir()
	q, err := New(zerolog.Nop(), dir, testOpts())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	msg, err := q.Enqueue(types.QueuedSend, "target", "hello", "")
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	due := q.Due(time.Now())
	if len(due) != 1 || due[0].ID != msg.ID {
		t.Fatalf("expected newly enqueued entry to be immediately due, got %v", due)
	}
}

func TestFailBacksOffThenExhausts(t *testing.T) {
	dir := t.TempDir()
	q, err := New(zerolog.Nop(), dir, testOpts())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	msg, _ := q.Enqueue(types.QueuedSend, "target", "hi", "")

	if err := q.Fail(msg.ID, nil); err != nil {
		t.Fatalf("first Fail should not exhaust: %v", err)
	}
	if err := q.Fail(msg.ID, nil); err != nil {
		t.Fatalf("second Fail should not exhaust: %v", err)
	}
	err = q.Fail(msg.ID, nil)
	if err == nil {
		t.Fatalf("expected third Fail to exhaust retries")
	}
	if q.Len() != 0 {
		t.Fatalf("expected exhausted entry to be removed, len=%d", q.Len())
	}
}

func TestSucceedRemoves(t *testing.T) {
	dir := t.TempDir()
	q, _ := New(zerolog.Nop(), dir, testOpts())
	msg, _ := q.Enqueue(types.QueuedSend, "target", "hi", "")
	q.Succeed(msg.ID)
	if q.Len() != 0 {
		t.Fatalf("expected len 0 after Succeed, got %d", q.Len())
	}
}

func TestMaxSizeEvictsOldest(t *testing.T) {
	dir := t.TempDir()
	q, _ := New(zerolog.Nop(), dir, testOpts())
	first, _ := q.Enqueue(types.QueuedSend, "a", "1", "")
	q.Enqueue(types.QueuedSend, "b", "2", "")
	q.Enqueue(types.QueuedSend, "c", "3", "")
	q.Enqueue(types.QueuedSend, "d", "4", "")

	if q.Len() != 3 {
		t.Fatalf("expected queue capped at MaxSize 3, got %d", q.Len())
	}
	for _, msg := range q.Due(time.Now()) {
		if msg.ID == first.ID {
			t.Fatalf("expected oldest entry to have been evicted")
		}
	}
}

func TestSweepExpired(t *testing.T) {
	dir := t.TempDir()
	opts := testOpts()
	opts.TTL = time.Millisecond
	q, _ := New(zerolog.Nop(), dir, opts)
	q.Enqueue(types.QueuedSend, "a", "1", "")

	time.Sleep(5 * time.Millisecond)
	removed := q.SweepExpired(time.Now())
	if removed != 1 {
		t.Fatalf("expected 1 expired entry removed, got %d", removed)
	}
	if q.Len() != 0 {
		t.Fatalf("expected queue empty after sweep, got %d", q.Len())
	}
}

func TestReloadFromDisk(t *testing.T) {
	dir := t.TempDir()
	q1, _ := New(zerolog.Nop(), dir, testOpts())
	q1.Enqueue(types.QueuedSend, "a", "1", "")
	q1.Enqueue(types.QueuedGroupSend, "g1", "2", "topic")

	q2, err := New(zerolog.Nop(), dir, testOpts())
	if err != nil {
		t.Fatalf("reload New: %v", err)
	}
	if q2.Len() != 2 {
		t.Fatalf("expected 2 entries reloaded from disk, got %d", q2.Len())
	}
}

package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// writeDeadPid overwrites dir/pid with a pid value very unlikely to be
// a live process, simulating a crashed lock holder.
func writeDeadPid(dir string) error {
	return os.WriteFile(filepath.Join(dir, "pid"), []byte("999999"), 0o600)
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), ".lock.d"))
	if err := l.Acquire(time.Second); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	if err := l.Acquire(time.Second); err != nil {
		t.Fatalf("expected Acquire to succeed again after Release: %v", err)
	}
	l.Release()
}

func TestAcquireTimesOutWhileHeld(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".lock.d")
	holder := New(dir)
	if err := holder.Acquire(time.Second); err != nil {
		t.Fatalf("holder Acquire: %v", err)
	}
	defer holder.Release()

	// The recorded holder pid is this process's own, which
	// reclaimIfStale never treats as stale, so the waiter must time out.
	waiter := New(dir)
	err := waiter.Acquire(30 * time.Millisecond)
	if err != ErrLockTimeout {
		t.Fatalf("expected ErrLockTimeout while held, got %v", err)
	}
}

func TestWithLockRunsAndReleases(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), ".lock.d"))
	ran := false
	err := l.WithLock(time.Second, func() error {
		ran = true
		return nil
	})
	if err != nil {
		t.Fatalf("WithLock: %v", err)
	}
	if !ran {
		t.Fatalf("expected fn to run")
	}
	if err := l.Acquire(time.Second); err != nil {
		t.Fatalf("expected lock released after WithLock, Acquire failed: %v", err)
	}
	l.Release()
}

func TestWithLockPropagatesFnError(t *testing.T) {
	l := New(filepath.Join(t.TempDir(), ".lock.d"))
	sentinel := ErrLockTimeout // reuse as a distinguishable error value
	err := l.WithLock(time.Second, func() error { return sentinel })
	if err != sentinel {
		t.Fatalf("expected fn's error to propagate, got %v", err)
	}
}

func TestStaleLockIsReclaimed(t *testing.T) {
	dir := filepath.Join(t.TempDir(), ".lock.d")
	if err := New(dir).Acquire(time.Second); err != nil {
		t.Fatalf("seed Acquire: %v", err)
	}
	// Overwrite the recorded pid with one that cannot be alive.
	if err := writeDeadPid(dir); err != nil {
		t.Fatalf("writeDeadPid: %v", err)
	}

	l := New(dir)
	if err := l.Acquire(time.Second); err != nil {
		t.Fatalf("expected stale lock to be reclaimed, got %v", err)
	}
	l.Release()
}

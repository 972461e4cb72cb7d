package service

import (
	"os"
	"strconv"
	"testing"
)

func TestIsRunningNoPidFile(t *testing.T) {
	dir := t.TempDir()
	running, pid, err := IsRunning(dir)
	if err != nil {
		t.Fatalf("IsRunning: %v", err)
	}
	if running || pid != 0 {
		t.Fatalf("expected not running with no pid file, got running=%v pid=%d", running, pid)
	}
}

func TestWritePIDFileThenIsRunning(t *testing.T) {
	dir := t.TempDir()
	if err := WritePIDFile(dir); err != nil {
		t.Fatalf("WritePIDFile: %v", err)
	}
	running, pid, err := IsRunning(dir)
	if err != nil {
		t.Fatalf("IsRunning: %v", err)
	}
	if !running || pid != os.Getpid() {
		t.Fatalf("expected running with our own pid, got running=%v pid=%d", running, pid)
	}
}

func TestIsRunningStalePidIsNotRunning(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(PIDPath(dir), []byte(strconv.Itoa(999999)), 0o644); err != nil {
		t.Fatalf("seed stale pid file: %v", err)
	}
	running, _, err := IsRunning(dir)
	if err != nil {
		t.Fatalf("IsRunning: %v", err)
	}
	if running {
		t.Fatalf("expected a pid with no live process to report not running")
	}
}

func TestGetStatusNotRunning(t *testing.T) {
	st, err := GetStatus(t.TempDir())
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if st.Running {
		t.Fatalf("expected Status.Running false for empty data dir")
	}
}

func TestGetStatusRunningWithoutHealthFile(t *testing.T) {
	dir := t.TempDir()
	WritePIDFile(dir)
	st, err := GetStatus(dir)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if !st.Running || st.PID != os.Getpid() {
		t.Fatalf("expected running status with our pid, got %+v", st)
	}
	if st.Health != nil {
		t.Fatalf("expected nil Health when health.json absent, got %+v", st.Health)
	}
}

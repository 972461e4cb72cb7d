// Package service implements the CLI-side control of the worker
// process (H3): start spawns a detached worker and waits
// for it to report ready, stop signals it and waits for exit, and
// status reports the PID-file liveness check plus the last heartbeat.
package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agent-pulse/agent-pulse/internal/store"
	"github.com/agent-pulse/agent-pulse/internal/types"
	"github.com/agent-pulse/agent-pulse/internal/worker"
)

// pidFilename is the worker's liveness file, written by the worker
// itself on startup and removed on clean shutdown.
const pidFilename = "server.pid"

// PIDPath returns the full path to the worker's pid file under dataDir.
func PIDPath(dataDir string) string { return filepath.Join(dataDir, pidFilename) }

func healthPath(dataDir string) string { return filepath.Join(dataDir, "health.json") }

// Status summarizes the worker's running state for the CLI `status`
// command.
type Status struct {
	Running bool          `json:"running"`
	PID     int           `json:"pid,omitempty"`
	Health  *worker.Health `json:"health,omitempty"`
}

// Start spawns binaryPath as a detached worker process, passing
// through configPath and ephemeral, then polls for up to 5 seconds for
// the worker to write its pid file.
func Start(ctx context.Context, dataDir, binaryPath, configPath string, ephemeral bool) error {
	if running, _, err := IsRunning(dataDir); err != nil {
		return err
	} else if running {
		return types.NewFault(types.CodeServiceAlreadyRunning, "worker is already running")
	}

	args := []string{}
	if configPath != "" {
		args = append(args, "-config", configPath)
	}
	if ephemeral {
		args = append(args, "-ephemeral")
	}

	cmd := exec.Command(binaryPath, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}
	devNull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return types.NewFault(types.CodeServiceStartFailed, err.Error())
	}
	defer devNull.Close()
	cmd.Stdin = devNull
	cmd.Stdout = devNull
	cmd.Stderr = devNull

	if err := cmd.Start(); err != nil {
		return types.NewFault(types.CodeServiceStartFailed, err.Error())
	}
	// Detach: the worker outlives this process, so we don't Wait() on it.
	go cmd.Process.Release()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if running, _, err := IsRunning(dataDir); err == nil && running {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return types.NewFault(types.CodeServiceStartFailed, "worker did not report ready within 5s")
}

// Stop signals the running worker with SIGTERM and waits up to 2
// seconds for the pid file to disappear.
func Stop(dataDir string) error {
	running, pid, err := IsRunning(dataDir)
	if err != nil {
		return err
	}
	if !running {
		return types.NewFault(types.CodeServiceNotRunning, "worker is not running")
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return types.NewFault(types.CodeServiceStopFailed, err.Error())
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return types.NewFault(types.CodeServiceStopFailed, err.Error())
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if running, _, _ := IsRunning(dataDir); !running {
			return nil
		}
		time.Sleep(50 * time.Millisecond)
	}
	return types.NewFault(types.CodeServiceStopFailed, "worker did not exit within 2s of SIGTERM")
}

// IsRunning reads the pid file and checks liveness via kill(pid, 0). A
// missing pid file means not running; a present-but-stale one is
// treated as not running (and left for the next Start to overwrite).
func IsRunning(dataDir string) (bool, int, error) {
	data, err := os.ReadFile(PIDPath(dataDir))
	if err != nil {
		if os.IsNotExist(err) {
			return false, 0, nil
		}
		return false, 0, fmt.Errorf("service: read pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false, 0, nil
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false, 0, nil
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		if errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH) {
			return false, 0, nil
		}
	}
	return true, pid, nil
}

// WritePIDFile is called by the worker itself on startup.
func WritePIDFile(dataDir string) error {
	return store.WriteFileAtomic(PIDPath(dataDir), []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// GetStatus assembles a full Status, including the last-known health
// document if the worker appears to be running.
func GetStatus(dataDir string) (Status, error) {
	running, pid, err := IsRunning(dataDir)
	if err != nil {
		return Status{}, err
	}
	st := Status{Running: running, PID: pid}
	if !running {
		return st, nil
	}
	var h worker.Health
	if err := store.ReadJSON(healthPath(dataDir), &h); err == nil && h.PID != 0 {
		st.Health = &h
	}
	return st, nil
}

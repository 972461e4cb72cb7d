// Package command implements the durable command/response channel
// between the CLI and the worker (M5): commands are
// appended to a JSONL inbox under the cross-process lock, drained by
// the worker on each poll cycle, and results are appended to a
// separate JSONL outbox.
package command

import (
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agent-pulse/agent-pulse/internal/store"
	"github.com/agent-pulse/agent-pulse/internal/types"
)

// Kind enumerates the commands a caller may submit.
type Kind string

const (
	KindSend         Kind = "send"
	KindGroupSend    Kind = "group_send"
	KindJoinGroup    Kind = "join_group"
	KindLeaveGroup   Kind = "leave_group"
	KindCreateGroup  Kind = "create_group"
	KindStatus       Kind = "status"
	KindStop         Kind = "stop"
	KindRelayRecover Kind = "relay_recover"
)

// Command is one inbox entry.
type Command struct {
	ID        string         `json:"id"`
	Kind      Kind           `json:"kind"`
	Target    string         `json:"target,omitempty"`
	Content   string         `json:"content,omitempty"`
	Topic     string         `json:"topic,omitempty"`
	Name      string         `json:"name,omitempty"`
	SubmittedAt int64        `json:"submittedAt"`
	Extra     map[string]any `json:"extra,omitempty"`
}

// Result is one outbox entry, correlated to a Command by ID.
type Result struct {
	ID          string         `json:"id"`
	OK          bool           `json:"ok"`
	Code        types.FaultCode `json:"code,omitempty"`
	Message     string         `json:"message,omitempty"`
	Suggestion  string         `json:"suggestion,omitempty"`
	Data        any            `json:"data,omitempty"`
	CompletedAt int64          `json:"completedAt"`
}

// Inbox manages the command/result file pair under dataDir, guarded by
// the supplied lock for cross-process safety.
type Inbox struct {
	log          zerolog.Logger
	commandsPath string
	resultsPath  string
	lockTimeout  time.Duration
	acquire      func(timeout time.Duration, fn func() error) error
}

// Locker matches store.Lock's WithLock method, accepted as an
// interface so tests can substitute a fake.
type Locker interface {
	WithLock(timeout time.Duration, fn func() error) error
}

// New constructs an Inbox backed by lock for cross-process exclusion.
func New(log zerolog.Logger, dataDir string, lock Locker, lockTimeout time.Duration) *Inbox {
	return &Inbox{
		log:          log.With().Str("component", "command_inbox").Logger(),
		commandsPath: filepath.Join(dataDir, "commands.jsonl"),
		resultsPath:  filepath.Join(dataDir, "results.jsonl"),
		lockTimeout:  lockTimeout,
		acquire:      lock.WithLock,
	}
}

// Submit appends cmd to the inbox (CLI side), assigning an ID if the
// caller omitted one.
func (ib *Inbox) Submit(cmd Command) (string, error) {
	if cmd.ID == "" {
		cmd.ID = uuid.NewString()
	}
	if cmd.SubmittedAt == 0 {
		cmd.SubmittedAt = time.Now().UnixMilli()
	}
	err := ib.acquire(ib.lockTimeout, func() error {
		return store.AppendJSONLine(ib.commandsPath, cmd, 0o600)
	})
	if err != nil {
		return "", types.NewFault(types.CodeLockTimeout, err.Error())
	}
	return cmd.ID, nil
}

// Drain reads and clears every pending command (worker side), under
// the lock, returning them in submission order.
func (ib *Inbox) Drain() ([]Command, error) {
	var cmds []Command
	err := ib.acquire(ib.lockTimeout, func() error {
		var err error
		cmds, err = store.ReadJSONLines[Command](ib.commandsPath)
		if err != nil {
			return err
		}
		return store.Truncate(ib.commandsPath)
	})
	if err != nil {
		return nil, types.NewFault(types.CodeLockTimeout, err.Error())
	}
	return cmds, nil
}

// PostResult appends a Result to the outbox (worker side).
func (ib *Inbox) PostResult(res Result) error {
	if res.CompletedAt == 0 {
		res.CompletedAt = time.Now().UnixMilli()
	}
	err := ib.acquire(ib.lockTimeout, func() error {
		return store.AppendJSONLine(ib.resultsPath, res, 0o600)
	})
	if err != nil {
		return types.NewFault(types.CodeLockTimeout, err.Error())
	}
	return nil
}

// PostFault is a convenience wrapper translating a *types.Fault into a
// failed Result for cmdID.
func (ib *Inbox) PostFault(cmdID string, fault *types.Fault) error {
	return ib.PostResult(Result{
		ID:         cmdID,
		OK:         false,
		Code:       fault.Code,
		Message:    fault.Message,
		Suggestion: types.Suggestion(fault.Code),
	})
}

// TakeResult removes and returns the result matching id from the
// outbox, if present, rewriting every other pending result back so a
// concurrent caller waiting on a different ID never loses it. Used by
// submitAndWait-style polling instead of PollResults' wholesale
// truncate, which would race two concurrent CLI invocations against
// each other.
func (ib *Inbox) TakeResult(id string) (Result, bool, error) {
	var found Result
	matched := false
	err := ib.acquire(ib.lockTimeout, func() error {
		results, err := store.ReadJSONLines[Result](ib.resultsPath)
		if err != nil {
			return err
		}
		remaining := make([]Result, 0, len(results))
		for _, r := range results {
			if !matched && r.ID == id {
				found = r
				matched = true
				continue
			}
			remaining = append(remaining, r)
		}
		if !matched {
			return nil
		}
		return store.WriteJSONLines(ib.resultsPath, remaining, 0o600)
	})
	if err != nil {
		return Result{}, false, types.NewFault(types.CodeLockTimeout, err.Error())
	}
	return found, matched, nil
}

// PollResults reads and clears every pending result (CLI side), under
// the lock.
func (ib *Inbox) PollResults() ([]Result, error) {
	var results []Result
	err := ib.acquire(ib.lockTimeout, func() error {
		var err error
		results, err = store.ReadJSONLines[Result](ib.resultsPath)
		if err != nil {
			return err
		}
		return store.Truncate(ib.resultsPath)
	})
	if err != nil {
		return nil, types.NewFault(types.CodeLockTimeout, err.Error())
	}
	return results, nil
}

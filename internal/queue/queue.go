// Package queue implements the durable offline retry queue (M6, spec
// §4.8): messages that could not be delivered are persisted to a
// line-appended JSONL file and retried with exponential backoff until
// delivered, expired, or exhausted.
package queue

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agent-pulse/agent-pulse/internal/store"
	"github.com/agent-pulse/agent-pulse/internal/types"
)

// Opts configures a Queue's limits.
type Opts struct {
	MaxSize       int
	MaxRetries    int
	BaseDelay     time.Duration
	Factor        float64
	TTL           time.Duration
	CompactEvery  int // compact the backing file after this many dead entries accumulate
}

// DefaultOpts mirrors the worker's default configuration.
func DefaultOpts() Opts {
	return Opts{
		MaxSize:      10000,
		MaxRetries:   3,
		BaseDelay:    2 * time.Second,
		Factor:       2.0,
		TTL:          24 * time.Hour,
		CompactEvery: 500,
	}
}

// Queue is the in-memory view of the retry queue, backed by path on
// disk. All mutation goes through the mutex. Enqueue and Fail append
// the entry's new state to the file; removals write nothing and reach
// the file only when compaction rewrites it with the live entries
// (after CompactEvery removals, or on Flush).
type Queue struct {
	log  zerolog.Logger
	path string
	opts Opts

	mu       sync.Mutex
	entries  map[string]*types.QueuedMessage
	order    []string // FIFO arrival order, for MaxSize eviction
	deadSinceCompact int
}

// New constructs a Queue rooted at dataDir, loading any persisted
// entries from offline_queue.jsonl.
func New(log zerolog.Logger, dataDir string, opts Opts) (*Queue, error) {
	q := &Queue{
		log:     log.With().Str("component", "retry_queue").Logger(),
		path:    filepath.Join(dataDir, "offline_queue.jsonl"),
		opts:    opts,
		entries: make(map[string]*types.QueuedMessage),
	}
	records, err := store.ReadJSONLines[types.QueuedMessage](q.path)
	if err != nil {
		return nil, err
	}
	for i := range records {
		rec := records[i]
		q.entries[rec.ID] = &rec
		q.order = append(q.order, rec.ID)
	}
	return q, nil
}

// Enqueue adds a new message to the queue, evicting the oldest entry
// if MaxSize is exceeded.
func (q *Queue) Enqueue(msgType types.QueuedMessageType, target, content, topic string) (*types.QueuedMessage, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now().UnixMilli()
	msg := &types.QueuedMessage{
		ID:          uuid.NewString(),
		Type:        msgType,
		Target:      target,
		Content:     content,
		Topic:       topic,
		RetryCount:  0,
		CreatedAt:   now,
		NextRetryAt: now,
	}

	if len(q.order) >= q.opts.MaxSize {
		oldestID := q.order[0]
		q.order = q.order[1:]
		delete(q.entries, oldestID)
		q.log.Warn().Str("evicted", oldestID).Msg("retry queue full, evicted oldest entry")
	}

	q.entries[msg.ID] = msg
	q.order = append(q.order, msg.ID)
	if err := q.appendLocked(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

func (q *Queue) appendLocked(msg *types.QueuedMessage) error {
	return store.AppendJSONLine(q.path, msg, 0o644)
}

// Due returns every entry whose NextRetryAt has passed, oldest first.
func (q *Queue) Due(now time.Time) []*types.QueuedMessage {
	q.mu.Lock()
	defer q.mu.Unlock()

	nowMS := now.UnixMilli()
	var due []*types.QueuedMessage
	for _, id := range q.order {
		msg, ok := q.entries[id]
		if !ok {
			continue
		}
		if msg.NextRetryAt <= nowMS {
			due = append(due, msg)
		}
	}
	return due
}

// Succeed removes a message from the queue after successful delivery.
func (q *Queue) Succeed(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeLocked(id)
}

func (q *Queue) removeLocked(id string) {
	if _, ok := q.entries[id]; !ok {
		return
	}
	delete(q.entries, id)
	q.deadSinceCompact++
	if q.deadSinceCompact >= q.opts.CompactEvery {
		q.compactLocked()
	}
}

// Fail records a delivery failure, scheduling the next retry with
// exponential backoff: nextRetryAt = now + base*factor^(retryCount-1)
//. Once RetryCount reaches MaxRetries, the entry
// is dropped and CodeMessageRetryExhausted is returned.
func (q *Queue) Fail(id string, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	msg, ok := q.entries[id]
	if !ok {
		return nil
	}
	msg.RetryCount++
	if cause != nil {
		msg.LastError = cause.Error()
	}

	if msg.RetryCount >= q.opts.MaxRetries {
		q.removeLocked(id)
		return types.NewFault(types.CodeMessageRetryExhausted, "message "+id+" exhausted retries")
	}

	delay := q.opts.BaseDelay
	for i := 1; i < msg.RetryCount; i++ {
		delay = time.Duration(float64(delay) * q.opts.Factor)
	}
	msg.NextRetryAt = time.Now().Add(delay).UnixMilli()
	return q.appendLocked(msg)
}

// SweepExpired drops entries older than TTL, returning the number
// removed.
func (q *Queue) SweepExpired(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	cutoff := now.Add(-q.opts.TTL).UnixMilli()
	removed := 0
	for _, id := range q.order {
		msg, ok := q.entries[id]
		if !ok {
			continue
		}
		if msg.CreatedAt < cutoff {
			q.removeLocked(id)
			removed++
		}
	}
	return removed
}

// Len returns the number of live entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// compactLocked rewrites the backing file to contain only live
// entries, discarding superseded/removed lines (DESIGN.md open
// question: line-appended format with periodic compaction).
func (q *Queue) compactLocked() {
	live := make([]*types.QueuedMessage, 0, len(q.entries))
	newOrder := make([]string, 0, len(q.entries))
	for _, id := range q.order {
		if msg, ok := q.entries[id]; ok {
			live = append(live, msg)
			newOrder = append(newOrder, id)
		}
	}
	q.order = newOrder

	if err := store.Truncate(q.path); err != nil {
		q.log.Error().Err(err).Msg("failed to truncate retry queue for compaction")
		return
	}
	for _, msg := range live {
		if err := q.appendLocked(msg); err != nil {
			q.log.Error().Err(err).Msg("failed to rewrite retry queue entry during compaction")
			return
		}
	}
	q.deadSinceCompact = 0
}

// Flush forces a compaction regardless of the dead-entry threshold,
// called on graceful shutdown.
func (q *Queue) Flush() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.compactLocked()
}

// Package worker implements the background service supervisor (H1)
// and health heartbeat (H2): it wires every L/M-layer component
// together, drives the periodic timers, and shuts down gracefully on
// signal.
package worker

import (
	"context"
	"encoding/json"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/agent-pulse/agent-pulse/internal/command"
	"github.com/agent-pulse/agent-pulse/internal/config"
	"github.com/agent-pulse/agent-pulse/internal/cryptutil"
	"github.com/agent-pulse/agent-pulse/internal/dispatch"
	"github.com/agent-pulse/agent-pulse/internal/group"
	"github.com/agent-pulse/agent-pulse/internal/identity"
	"github.com/agent-pulse/agent-pulse/internal/queue"
	"github.com/agent-pulse/agent-pulse/internal/relay"
	"github.com/agent-pulse/agent-pulse/internal/store"
	"github.com/agent-pulse/agent-pulse/internal/types"
)

// Health is the heartbeat document written to dataDir/health.json on
// every tick.
type Health struct {
	PID             int    `json:"pid"`
	StartedAt       int64  `json:"startedAt"`
	LastHeartbeat   int64  `json:"lastHeartbeat"`
	ConnectedRelays int    `json:"connectedRelays"`
	QueueDepth      int    `json:"queueDepth"`
	MessagesHandled int64  `json:"messagesHandled"`
	PublicKey       string `json:"publicKey"`
}

// Worker owns every long-lived component and the goroutines that drive
// them. It is constructed once per process by cmd/agentpulsed.
type Worker struct {
	log zerolog.Logger
	cfg config.Config

	id         *identity.Identity
	pool       *relay.Pool
	groups     *group.Manager
	dispatcher *dispatch.Dispatcher
	retryQueue *queue.Queue
	inbox      *command.Inbox
	lock       *store.Lock

	healthPath string
	pidPath    string
	startedAt  time.Time
	runCancel  context.CancelFunc

	cmdLimiter *rate.Limiter

	handlersMu      sync.Mutex
	commandHandlers map[command.Kind]func(command.Command) command.Result
}

// New assembles a Worker from its already-constructed components.
// pidPath is the liveness file the worker removes on clean shutdown;
// it is resolved by the caller (cmd/agentpulsed, via internal/service)
// to avoid an import cycle between worker and service.
func New(log zerolog.Logger, cfg config.Config, id *identity.Identity, pool *relay.Pool, groups *group.Manager, dispatcher *dispatch.Dispatcher, retryQueue *queue.Queue, inbox *command.Inbox, lock *store.Lock, pidPath string) *Worker {
	w := &Worker{
		log:             log.With().Str("component", "worker").Logger(),
		cfg:             cfg,
		id:              id,
		pool:            pool,
		groups:          groups,
		dispatcher:      dispatcher,
		retryQueue:      retryQueue,
		inbox:           inbox,
		lock:            lock,
		healthPath:      filepath.Join(cfg.DataDir, "health.json"),
		pidPath:         pidPath,
		cmdLimiter:      rate.NewLimiter(rate.Limit(cfg.CommandRateLimit), cfg.CommandRateBurst),
		commandHandlers: make(map[command.Kind]func(command.Command) command.Result),
	}
	w.registerDefaultHandlers()
	return w
}

// RegisterHandler overrides or adds a command handler, used by
// cmd/agentpulsed to wire the handlers it defines itself.
func (w *Worker) RegisterHandler(kind command.Kind, fn func(command.Command) command.Result) {
	w.handlersMu.Lock()
	defer w.handlersMu.Unlock()
	w.commandHandlers[kind] = fn
}

func (w *Worker) registerDefaultHandlers() {
	w.commandHandlers[command.KindStatus] = w.handleStatus
	w.commandHandlers[command.KindStop] = w.handleStop
}

// RequestStop cancels Run's context, driving the same graceful
// shutdown path used for SIGTERM/SIGINT: ticker goroutines observe the
// cancellation on their next select and Run proceeds to shutdown().
func (w *Worker) RequestStop() {
	if w.runCancel != nil {
		w.runCancel()
	}
}

func (w *Worker) handleStop(cmd command.Command) command.Result {
	defer w.RequestStop()
	return command.Result{OK: true}
}

// Run blocks until ctx is cancelled or SIGTERM/SIGINT is received,
// driving the command-poll, health-heartbeat, retry-sweep, and
// TTL-cleanup timers.
func (w *Worker) Run(ctx context.Context) error {
	w.startedAt = time.Now()

	baseCtx, baseCancel := context.WithCancel(ctx)
	defer baseCancel()
	w.runCancel = baseCancel

	sigCtx, stop := signal.NotifyContext(baseCtx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.runTicker(sigCtx, w.cfg.CommandPollInterval, w.pollCommands)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.runTicker(sigCtx, w.cfg.HealthInterval, w.writeHealth)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.runTicker(sigCtx, w.cfg.RetryInterval, w.sweepRetryQueue)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.runTicker(sigCtx, w.cfg.TTLSweepInterval, w.sweepTTL)
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		w.runTicker(sigCtx, w.cfg.PingInterval, w.sendPing)
	}()

	w.log.Info().Str("pubkey", w.id.PublicKeyHex).Msg("worker started")
	<-sigCtx.Done()
	w.log.Info().Msg("shutdown signal received, draining")

	wg.Wait()
	return w.shutdown()
}

func (w *Worker) runTicker(ctx context.Context, interval time.Duration, fn func()) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

func (w *Worker) pollCommands() {
	cmds, err := w.inbox.Drain()
	if err != nil {
		w.log.Error().Err(err).Msg("failed to drain command inbox")
		return
	}
	for _, cmd := range cmds {
		w.dispatchCommand(cmd)
	}
}

// dispatchCommand applies the global command-rate token bucket (H4),
// separate from the dispatcher's per-sender DM limiter, before routing
// to the registered handler.
func (w *Worker) dispatchCommand(cmd command.Command) {
	if !w.cmdLimiter.Allow() {
		w.postResult(command.Result{
			ID:         cmd.ID,
			OK:         false,
			Code:       types.CodeRateLimited,
			Message:    "command rate limit exceeded",
			Suggestion: types.Suggestion(types.CodeRateLimited),
		})
		return
	}

	w.handlersMu.Lock()
	fn, ok := w.commandHandlers[cmd.Kind]
	w.handlersMu.Unlock()

	var res command.Result
	if !ok {
		res = command.Result{ID: cmd.ID, OK: false, Message: "unknown command: " + string(cmd.Kind)}
	} else {
		res = fn(cmd)
	}
	res.ID = cmd.ID
	w.postResult(res)
}

func (w *Worker) postResult(res command.Result) {
	if err := w.inbox.PostResult(res); err != nil {
		w.log.Error().Err(err).Str("cmd", res.ID).Msg("failed to post command result")
	}
}

func (w *Worker) handleStatus(cmd command.Command) command.Result {
	return command.Result{
		OK: true,
		Data: Health{
			PID:             os.Getpid(),
			StartedAt:       w.startedAt.UnixMilli(),
			LastHeartbeat:   time.Now().UnixMilli(),
			ConnectedRelays: w.pool.ConnectedCount(),
			QueueDepth:      w.retryQueue.Len(),
			PublicKey:       w.id.PublicKeyHex,
		},
	}
}

func (w *Worker) writeHealth() {
	h := Health{
		PID:             os.Getpid(),
		StartedAt:       w.startedAt.UnixMilli(),
		LastHeartbeat:   time.Now().UnixMilli(),
		ConnectedRelays: w.pool.ConnectedCount(),
		QueueDepth:      w.retryQueue.Len(),
		PublicKey:       w.id.PublicKeyHex,
	}
	if err := store.WriteJSONAtomic(w.healthPath, h, 0o644); err != nil {
		w.log.Error().Err(err).Msg("failed to write health heartbeat")
	}
}

func (w *Worker) sweepRetryQueue() {
	due := w.retryQueue.Due(time.Now())
	for _, msg := range due {
		w.log.Debug().Str("id", msg.ID).Int("attempt", msg.RetryCount+1).Msg("retrying queued message")
		if err := w.redeliver(msg); err != nil {
			if ferr := w.retryQueue.Fail(msg.ID, err); ferr != nil {
				w.log.Warn().Str("id", msg.ID).Err(ferr).Msg("message exhausted retries, dropping")
			}
			continue
		}
		w.retryQueue.Succeed(msg.ID)
	}
}

// redeliver re-attempts one queued message against the top three
// healthy relays (multi-path publish).
func (w *Worker) redeliver(msg *types.QueuedMessage) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	signed, err := cryptutil.SignPayload(msg.Content, msg.CreatedAt, w.id.SecretKeyHex)
	if err != nil {
		return err
	}
	plain, err := json.Marshal(signed)
	if err != nil {
		return err
	}

	var content string
	var topic string
	switch msg.Type {
	case types.QueuedGroupSend:
		g, ok := w.groups.Get(msg.Target)
		if !ok {
			return types.NewFault(types.CodeGroupNotFound, "group "+msg.Target+" no longer exists")
		}
		gk, err := cryptutil.DeriveGroupKey(g.Topic)
		if err != nil {
			return err
		}
		sealed, err := cryptutil.EncryptGroup(gk, plain)
		if err != nil {
			return err
		}
		content = sealed
		topic = g.Topic
	default:
		sealed, err := cryptutil.EncryptDM(string(plain), w.id.SecretKeyHex, msg.Target)
		if err != nil {
			return err
		}
		content = sealed
		topic = msg.Target
	}

	evt, err := relay.BuildEvent(topic, content, w.id.SecretKeyHex)
	if err != nil {
		return err
	}

	targets := w.pool.MultiPathRelays(3)
	if len(targets) == 0 {
		return types.NewFault(types.CodeRelayAllFailed, "no healthy relays available")
	}
	_, ok := w.pool.Publish(ctx, targets, evt, 5*time.Second)
	if !ok {
		return types.NewFault(types.CodeNetworkSendFailed, "all relay publish attempts failed")
	}
	return nil
}

// sendPing broadcasts a lightweight presence payload on the agent's own
// topic and every joined group's topic, reusing the announce path so
// peers' known-peers cache refreshes lastSeen without a full message.
func (w *Worker) sendPing() {
	topics := []string{w.id.PublicKeyHex}
	for _, g := range w.groups.List() {
		topics = append(topics, g.Topic)
	}

	targets := w.pool.MultiPathRelays(2)
	if len(targets) == 0 {
		return
	}

	payload := types.Payload{Type: types.PayloadPing, From: w.id.PublicKeyHex, TS: time.Now().UnixMilli()}
	signed, err := cryptutil.SignPayload(payload, payload.TS, w.id.SecretKeyHex)
	if err != nil {
		w.log.Error().Err(err).Msg("failed to sign ping payload")
		return
	}
	body, err := json.Marshal(signed)
	if err != nil {
		w.log.Error().Err(err).Msg("failed to marshal ping payload")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, topic := range topics {
		evt, err := relay.BuildEvent(topic, string(body), w.id.SecretKeyHex)
		if err != nil {
			w.log.Error().Err(err).Str("topic", topic).Msg("failed to build ping event")
			continue
		}
		w.pool.Publish(ctx, targets, evt, 3*time.Second)
	}
}

func (w *Worker) sweepTTL() {
	removed := w.retryQueue.SweepExpired(time.Now())
	if removed > 0 {
		w.log.Info().Int("removed", removed).Msg("expired queued messages")
	}
}

func (w *Worker) shutdown() error {
	w.pool.Flush()
	w.pool.CloseAll()
	w.retryQueue.Flush()
	if err := os.Remove(w.pidPath); err != nil && !os.IsNotExist(err) {
		w.log.Warn().Err(err).Msg("failed to remove pid file")
	}
	if err := os.Remove(w.healthPath); err != nil && !os.IsNotExist(err) {
		w.log.Warn().Err(err).Msg("failed to remove health file")
	}
	w.log.Info().Msg("worker stopped")
	return nil
}

// Command agentpulsed is the agent-pulse background worker: it holds
// the persistent identity, the relay pool, the group manager, and the
// command inbox, and runs until stopped.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/agent-pulse/agent-pulse/internal/command"
	"github.com/agent-pulse/agent-pulse/internal/config"
	"github.com/agent-pulse/agent-pulse/internal/cryptutil"
	"github.com/agent-pulse/agent-pulse/internal/dispatch"
	"github.com/agent-pulse/agent-pulse/internal/group"
	"github.com/agent-pulse/agent-pulse/internal/identity"
	"github.com/agent-pulse/agent-pulse/internal/queue"
	"github.com/agent-pulse/agent-pulse/internal/relay"
	"github.com/agent-pulse/agent-pulse/internal/service"
	"github.com/agent-pulse/agent-pulse/internal/store"
	"github.com/agent-pulse/agent-pulse/internal/types"
	"github.com/agent-pulse/agent-pulse/internal/worker"
)

func main() {
	configFlag := flag.String("config", "", "path to config file")
	ephemeralFlag := flag.Bool("ephemeral", false, "use an in-memory identity instead of the persisted one")
	debugFlag := flag.Bool("debug", false, "enable debug-level logging")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
	if *debugFlag {
		log = log.Level(zerolog.DebugLevel)
	} else {
		log = log.Level(zerolog.InfoLevel)
	}

	cfg, err := config.Load(*configFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	if *ephemeralFlag {
		cfg.Ephemeral = true
	}
	log.Info().Int("relays", len(cfg.Relays)).Str("data_dir", cfg.DataDir).Msg("config loaded")

	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		log.Fatal().Err(err).Msg("failed to create data directory")
	}

	if running, pid, _ := service.IsRunning(cfg.DataDir); running {
		fmt.Fprintf(os.Stderr, "worker already running (pid %d)\n", pid)
		os.Exit(1)
	}

	id, err := identity.Load(cfg.DataDir, cfg.Ephemeral)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load identity")
	}
	log.Info().Str("pubkey", id.PublicKeyHex).Bool("ephemeral", id.Ephemeral).Msg("identity loaded")

	lock := store.New(cfg.DataDir + "/.lock.d")

	pool := relay.NewPool(log, relay.Opts{
		StatsPath:          relay.DefaultStatsPath(cfg.DataDir),
		MinHealthyRelays:   cfg.MinHealthyRelays,
		BlacklistThreshold: cfg.BlacklistThreshold,
	})

	groups, err := group.New(log, cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load group manager")
	}

	retryQueue, err := queue.New(log, cfg.DataDir, queue.Opts{
		MaxSize:      cfg.MaxQueueSize,
		MaxRetries:   cfg.MaxRetries,
		BaseDelay:    cfg.RetryBase,
		Factor:       cfg.RetryFactor,
		TTL:          cfg.QueueTTL,
		CompactEvery: 500,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load retry queue")
	}

	storageKey, err := cryptutil.LoadOrCreateKey(filepath.Join(cfg.DataDir, ".storage_key"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load storage key")
	}
	envelope, err := cryptutil.NewEnvelope(storageKey)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init storage envelope")
	}

	dispatcher := dispatch.New(log, cfg.DataDir, id, groups, pool, envelope, dispatch.Opts{
		DedupCacheSize:   cfg.DedupCacheSize,
		KnownPeersCache:  cfg.KnownPeersCache,
		NonceWindowCache: cfg.NonceWindowCache,
		MessageRateLimit: float64(cfg.MessageRateLimit) / cfg.RateLimitWindow.Seconds(),
		MessageBurst:     cfg.MessageRateLimit,
		ReplayWindow:     cfg.ReplayWindow,
		WebhookURL:       cfg.WebhookURL,
	})

	inbox := command.New(log, cfg.DataDir, lock, cfg.LockTimeout)

	w := worker.New(log, cfg, id, pool, groups, dispatcher, retryQueue, inbox, lock, service.PIDPath(cfg.DataDir))
	registerHandlers(w, cfg, id, groups, retryQueue, pool, dispatcher)

	ctx := context.Background()
	for _, url := range cfg.Relays {
		pool.EnsureSession(ctx, id.SecretKeyHex, url, dispatcher.Handle)
	}
	refreshTopics(pool, id, groups)

	if err := service.WritePIDFile(cfg.DataDir); err != nil {
		log.Fatal().Err(err).Msg("failed to write pid file")
	}

	if err := w.Run(ctx); err != nil {
		log.Error().Err(err).Msg("worker exited with error")
		os.Exit(1)
	}
}

// refreshTopics rebuilds the single combined subscription filter (own
// pubkey plus every joined group's topic) and pushes it to every
// session, since a session carries exactly one filter at a time.
func refreshTopics(pool *relay.Pool, id *identity.Identity, groups *group.Manager) {
	topics := []string{id.PublicKeyHex}
	for _, g := range groups.List() {
		topics = append(topics, g.Topic)
	}
	pool.BroadcastFilter(relay.TopicsFilter(topics, 300))
}

// registerHandlers wires the command kinds whose handlers live here
// rather than in internal/worker: send, group_send, join/leave/create
// group, and relay_recover.
func registerHandlers(w *worker.Worker, cfg config.Config, id *identity.Identity, groups *group.Manager, retryQueue *queue.Queue, pool *relay.Pool, dispatcher *dispatch.Dispatcher) {
	_ = dispatcher

	w.RegisterHandler(command.KindSend, func(cmd command.Command) command.Result {
		target, err := identity.ResolveTarget(cfg.DataDir, cmd.Target)
		if err != nil {
			return faultResult(types.NewFault(types.CodeInvalidPubkey, err.Error()))
		}
		signed, err := cryptutil.SignPayload(cmd.Content, time.Now().UnixMilli(), id.SecretKeyHex)
		if err != nil {
			return faultResult(types.NewFault(types.CodeInternalError, err.Error()))
		}
		plain, err := json.Marshal(signed)
		if err != nil {
			return faultResult(types.NewFault(types.CodeInternalError, err.Error()))
		}
		sealed, err := cryptutil.EncryptDM(string(plain), id.SecretKeyHex, target)
		if err != nil {
			return faultResult(types.NewFault(types.CodeInvalidArgs, err.Error()))
		}
		evt, err := relay.BuildEvent(target, sealed, id.SecretKeyHex)
		if err != nil {
			return faultResult(types.NewFault(types.CodeInvalidArgs, err.Error()))
		}
		targets := pool.MultiPathRelays(3)
		if len(targets) == 0 {
			retryQueue.Enqueue(types.QueuedSend, target, cmd.Content, "")
			return faultResult(types.NewFault(types.CodeRelayAllFailed, "no healthy relays, message queued"))
		}
		if _, ok := pool.Publish(context.Background(), targets, evt, 5*time.Second); !ok {
			retryQueue.Enqueue(types.QueuedSend, target, cmd.Content, "")
			return faultResult(types.NewFault(types.CodeNetworkSendFailed, "publish failed, message queued"))
		}
		return command.Result{OK: true}
	})

	w.RegisterHandler(command.KindGroupSend, func(cmd command.Command) command.Result {
		if err := groups.CanSendMessage(cmd.Target, id.PublicKeyHex); err != nil {
			return faultResult(err.(*types.Fault))
		}
		g, _ := groups.Get(cmd.Target)
		gk, err := cryptutil.DeriveGroupKey(g.Topic)
		if err != nil {
			return faultResult(types.NewFault(types.CodeInternalError, err.Error()))
		}
		signed, err := cryptutil.SignPayload(cmd.Content, time.Now().UnixMilli(), id.SecretKeyHex)
		if err != nil {
			return faultResult(types.NewFault(types.CodeInternalError, err.Error()))
		}
		plain, err := json.Marshal(signed)
		if err != nil {
			return faultResult(types.NewFault(types.CodeInternalError, err.Error()))
		}
		sealed, err := cryptutil.EncryptGroup(gk, plain)
		if err != nil {
			return faultResult(types.NewFault(types.CodeInternalError, err.Error()))
		}
		evt, err := relay.BuildEvent(g.Topic, sealed, id.SecretKeyHex)
		if err != nil {
			return faultResult(types.NewFault(types.CodeInvalidArgs, err.Error()))
		}
		targets := pool.MultiPathRelays(3)
		if len(targets) == 0 {
			retryQueue.Enqueue(types.QueuedGroupSend, g.ID, cmd.Content, g.Topic)
			return faultResult(types.NewFault(types.CodeRelayAllFailed, "no healthy relays, message queued"))
		}
		if _, ok := pool.Publish(context.Background(), targets, evt, 5*time.Second); !ok {
			retryQueue.Enqueue(types.QueuedGroupSend, g.ID, cmd.Content, g.Topic)
			return faultResult(types.NewFault(types.CodeNetworkSendFailed, "publish failed, message queued"))
		}
		rec := types.GroupHistoryRecord{
			StoredMessage: types.StoredMessage{
				ID: evt.ID, From: id.PublicKeyHex, Content: cmd.Content,
				Timestamp: time.Now().UnixMilli(), ReceivedAt: time.Now().UnixMilli(),
				IsGroup: true, GroupID: g.ID,
			},
			SavedAt: time.Now().UnixMilli(),
		}
		groups.AppendHistory(g.ID, rec)
		return command.Result{OK: true}
	})

	w.RegisterHandler(command.KindJoinGroup, func(cmd command.Command) command.Result {
		g, err := groups.JoinGroup(cmd.Target, cmd.Topic, id.PublicKeyHex, cmd.Name)
		if err != nil {
			return faultResult(err.(*types.Fault))
		}
		refreshTopics(pool, id, groups)
		return command.Result{OK: true, Data: g}
	})

	w.RegisterHandler(command.KindLeaveGroup, func(cmd command.Command) command.Result {
		if err := groups.LeaveGroup(cmd.Target, id.PublicKeyHex); err != nil {
			return faultResult(err.(*types.Fault))
		}
		refreshTopics(pool, id, groups)
		return command.Result{OK: true}
	})

	w.RegisterHandler(command.KindRelayRecover, func(cmd command.Command) command.Result {
		known := false
		for _, s := range pool.Stats().Snapshot() {
			if s.URL == cmd.Target {
				known = true
				break
			}
		}
		if !known {
			return faultResult(types.NewFault(types.CodeInvalidArgs, "unknown relay: "+cmd.Target))
		}
		pool.Recover(cmd.Target)
		return command.Result{OK: true}
	})

	w.RegisterHandler(command.KindCreateGroup, func(cmd command.Command) command.Result {
		topic := cmd.Topic
		if topic == "" {
			var err error
			topic, err = identity.RandomTopic()
			if err != nil {
				return faultResult(types.NewFault(types.CodeInternalError, err.Error()))
			}
		}
		g, err := groups.CreateGroup(cmd.Target, topic, cmd.Name, id.PublicKeyHex)
		if err != nil {
			return faultResult(err.(*types.Fault))
		}
		refreshTopics(pool, id, groups)
		return command.Result{OK: true, Data: g}
	})
}

func faultResult(f *types.Fault) command.Result {
	return command.Result{
		OK:         false,
		Code:       f.Code,
		Message:    f.Message,
		Suggestion: types.Suggestion(f.Code),
	}
}

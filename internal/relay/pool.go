package relay

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog"

	"github.com/agent-pulse/agent-pulse/internal/store"
)

// PublishResult is one relay's outcome for a single publish attempt.
type PublishResult struct {
	URL     string
	Latency time.Duration
	Err     error
}

// Pool owns every relay Session, the shared stats table, and the
// blacklist. It is instance-scoped — constructed once by the
// worker supervisor and injected into the dispatcher/command inbox,
// never a package-level singleton.
type Pool struct {
	log zerolog.Logger

	statsPath      string
	debounceEvery  int
	debounceAfter  time.Duration
	minHealthy     int
	blacklistThresh int

	stats    *StatsTable
	sessions *xsync.MapOf[string, *Session]

	dirty      bool
	dirtyCount int
	mu         sync.Mutex
	saveTimer  *time.Timer
}

// Opts configures a new Pool.
type Opts struct {
	StatsPath          string
	DebounceEveryNOps  int
	DebounceAfter      time.Duration
	MinHealthyRelays   int
	BlacklistThreshold int
}

// NewPool constructs an empty Pool and loads any persisted stats from
// opts.StatsPath.
func NewPool(log zerolog.Logger, opts Opts) *Pool {
	if opts.DebounceEveryNOps <= 0 {
		opts.DebounceEveryNOps = 10
	}
	if opts.DebounceAfter <= 0 {
		opts.DebounceAfter = 2 * time.Second
	}
	if opts.MinHealthyRelays <= 0 {
		opts.MinHealthyRelays = 2
	}
	if opts.BlacklistThreshold <= 0 {
		opts.BlacklistThreshold = 10
	}

	p := &Pool{
		log:             log.With().Str("component", "relay_pool").Logger(),
		statsPath:       opts.StatsPath,
		debounceEvery:   opts.DebounceEveryNOps,
		debounceAfter:   opts.DebounceAfter,
		minHealthy:      opts.MinHealthyRelays,
		blacklistThresh: opts.BlacklistThreshold,
		stats:           NewStatsTable(),
		sessions:        xsync.NewMapOf[string, *Session](),
	}

	var persisted []Stats
	if opts.StatsPath != "" {
		if err := store.ReadJSON(opts.StatsPath, &persisted); err != nil {
			p.log.Warn().Err(err).Msg("failed to load persisted relay stats")
		} else if persisted != nil {
			p.stats.Restore(persisted)
		}
	}
	return p
}

// EnsureSession returns the Session for url, creating and starting it
// if this is the first reference.
func (p *Pool) EnsureSession(ctx context.Context, sk string, url string, onEvent EventHandler) *Session {
	s, loaded := p.sessions.LoadOrCompute(url, func() *Session {
		return newSession(ctx, p.log, sk, url, p.stats, p.blacklistThresh, onEvent)
	})
	if !loaded {
		go s.run(ctx)
	}
	return s
}

// CloseSession tears down and forgets the session for url (idle_group
// leave, or worker shutdown for all).
func (p *Pool) CloseSession(url string) {
	if s, ok := p.sessions.LoadAndDelete(url); ok {
		s.Close()
	}
}

// CloseAll tears down every live session for a graceful shutdown.
func (p *Pool) CloseAll() {
	p.sessions.Range(func(url string, s *Session) bool {
		s.Close()
		return true
	})
}

// SetFilter updates (or installs) the subscription filter for url,
// re-sent on every reconnect by the session itself.
func (p *Pool) SetFilter(url string, filter nostr.Filter) {
	if s, ok := p.sessions.Load(url); ok {
		s.SetFilter(filter)
	}
}

// BroadcastFilter installs filter on every known session. Used whenever
// the agent's topic set changes (a group is joined or left), since a
// session carries only one filter at a time.
func (p *Pool) BroadcastFilter(filter nostr.Filter) {
	p.sessions.Range(func(_ string, s *Session) bool {
		s.SetFilter(filter)
		return true
	})
}

// healthyRelays returns every non-blacklisted relay the pool knows
// about whose score is above zero, sorted by score descending. Relays
// marked unhealthy are kept, ranked by their reduced score; there is
// no minimum-score cutoff.
func (p *Pool) healthyRelays() []string {
	type scored struct {
		url   string
		score float64
	}
	var candidates []scored
	p.sessions.Range(func(url string, s *Session) bool {
		if p.stats.IsBlacklisted(url) {
			return true
		}
		sc := p.stats.Score(url)
		if sc <= 0 {
			return true
		}
		candidates = append(candidates, scored{url, sc})
		return true
	})
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.url
	}
	return out
}

// HealthyRelays is the exported form of healthyRelays.
func (p *Pool) HealthyRelays() []string { return p.healthyRelays() }

// MultiPathRelays returns the top n healthy relays for multi-path
// publish, warning (not failing) if fewer than MinHealthyRelays exist.
func (p *Pool) MultiPathRelays(n int) []string {
	healthy := p.healthyRelays()
	if len(healthy) < p.minHealthy {
		p.log.Warn().Int("healthy", len(healthy)).Int("min", p.minHealthy).Msg("fewer than minimum healthy relays available")
	}
	if n > len(healthy) {
		n = len(healthy)
	}
	return healthy[:n]
}

// BestRelay returns the top-scoring healthy relay, or "" if none.
func (p *Pool) BestRelay() string {
	healthy := p.healthyRelays()
	if len(healthy) == 0 {
		return ""
	}
	return healthy[0]
}

// Publish attempts to deliver evt via every url in targets concurrently,
// succeeding if at least one relay acknowledges within perAttempt.
// Every attempt (success or failure) is recorded against the stats
// table regardless of the overall outcome.
func (p *Pool) Publish(ctx context.Context, targets []string, evt nostr.Event, perAttempt time.Duration) ([]PublishResult, bool) {
	results := make([]PublishResult, len(targets))
	var wg sync.WaitGroup
	for i, url := range targets {
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()
			results[i] = p.publishOne(ctx, url, evt, perAttempt)
		}(i, url)
	}
	wg.Wait()

	ok := false
	for _, r := range results {
		if r.Err == nil {
			ok = true
		}
	}
	p.markDirty()
	return results, ok
}

func (p *Pool) publishOne(ctx context.Context, url string, evt nostr.Event, timeout time.Duration) PublishResult {
	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	s, ok := p.sessions.Load(url)
	if !ok {
		return PublishResult{URL: url, Err: fmt.Errorf("relay: no session for %s", url)}
	}
	err := s.Publish(attemptCtx, evt)
	latency := time.Since(start)
	if err != nil {
		p.stats.RecordFailure(url, p.blacklistThresh)
		return PublishResult{URL: url, Latency: latency, Err: err}
	}
	p.stats.RecordSuccess(url, latency)
	return PublishResult{URL: url, Latency: latency}
}

// markDirty schedules a debounced persistence write: immediately after
// debounceEvery operations, or debounceAfter after the last write,
// whichever comes first.
func (p *Pool) markDirty() {
	if p.statsPath == "" {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dirty = true
	p.dirtyCount++
	if p.dirtyCount >= p.debounceEvery {
		p.dirtyCount = 0
		go p.Flush()
		return
	}
	if p.saveTimer == nil {
		p.saveTimer = time.AfterFunc(p.debounceAfter, func() { p.Flush() })
	} else {
		p.saveTimer.Reset(p.debounceAfter)
	}
}

// Flush persists the stats table immediately, regardless of the
// debounce schedule. Called on shutdown.
func (p *Pool) Flush() {
	if p.statsPath == "" {
		return
	}
	p.mu.Lock()
	if !p.dirty {
		p.mu.Unlock()
		return
	}
	p.dirty = false
	p.dirtyCount = 0
	p.mu.Unlock()

	snapshot := p.stats.Snapshot()
	if err := store.WriteJSONAtomic(p.statsPath, snapshot, 0o644); err != nil {
		p.log.Error().Err(err).Msg("failed to persist relay stats")
	}
}

// Recover clears url's blacklist state (CLI `relay-recover`).
func (p *Pool) Recover(url string) {
	p.stats.Recover(url)
	p.markDirty()
}

// Stats exposes the underlying StatsTable for reporting (CLI
// `relay-status`/`relay-health`).
func (p *Pool) Stats() *StatsTable { return p.stats }

// ConnectedCount reports how many sessions currently hold an open
// connection.
func (p *Pool) ConnectedCount() int {
	n := 0
	p.sessions.Range(func(_ string, s *Session) bool {
		if s.State() == Connected || s.State() == Subscribed {
			n++
		}
		return true
	})
	return n
}

// DefaultStatsPath builds the canonical relay_stats.json path under a
// data directory.
func DefaultStatsPath(dataDir string) string {
	return filepath.Join(dataDir, "relay_stats.json")
}

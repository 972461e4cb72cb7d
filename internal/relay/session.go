package relay

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/rs/zerolog"
)

// State is a Session's position in the connection lifecycle.
type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Subscribed
	Closing
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Subscribed:
		return "subscribed"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// EventHandler receives every verified-shape event a session's
// subscription yields. The dispatcher is the only real implementation.
type EventHandler func(relayURL string, evt nostr.Event)

const (
	connectTimeout  = 10 * time.Second
	backoffBase     = 500 * time.Millisecond
	backoffCap      = 60 * time.Second
	backoffJitter   = 0.20
)

// Session owns one WebSocket connection to one relay: connect,
// subscribe, publish, and reconnect-with-backoff.
type Session struct {
	url   string
	sk    string
	stats *StatsTable
	threshold int
	onEvent   EventHandler
	log       zerolog.Logger

	mu      sync.Mutex
	state   State
	filter  nostr.Filter
	hasFilter bool
	relay   *nostr.Relay
	sub     *nostr.Subscription
	cancel  context.CancelFunc
	attempt int
}

func newSession(ctx context.Context, log zerolog.Logger, sk, url string, stats *StatsTable, threshold int, onEvent EventHandler) *Session {
	return &Session{
		url:       url,
		sk:        sk,
		stats:     stats,
		threshold: threshold,
		onEvent:   onEvent,
		log:       log.With().Str("relay", url).Logger(),
		state:     Disconnected,
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SetFilter installs the subscription filter to use on this (and every
// future) connect. If already Subscribed, re-subscribes immediately.
func (s *Session) SetFilter(filter nostr.Filter) {
	s.mu.Lock()
	s.filter = filter
	s.hasFilter = true
	relay := s.relay
	state := s.state
	s.mu.Unlock()

	if state == Subscribed && relay != nil {
		s.subscribeLocked(relay, filter)
	}
}

// run drives the session's connect/subscribe/reconnect loop until ctx
// is cancelled or Close is called.
func (s *Session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		start := time.Now()
		s.setState(Connecting)

		connectCtx, connectCancel := context.WithTimeout(ctx, connectTimeout)
		r, err := nostr.RelayConnect(connectCtx, s.url)
		connectCancel()

		if err != nil {
			s.stats.RecordFailure(s.url, s.threshold)
			s.log.Debug().Err(err).Msg("connect failed")
			if !s.sleepBackoff(ctx) {
				return
			}
			continue
		}

		s.stats.RecordSuccess(s.url, time.Since(start))
		s.mu.Lock()
		s.relay = r
		s.attempt = 0
		filter, hasFilter := s.filter, s.hasFilter
		s.mu.Unlock()
		s.setState(Connected)

		var done <-chan struct{}
		if hasFilter {
			done = s.subscribeLocked(r, filter)
		} else {
			// No filter installed yet (SetFilter hasn't been called for
			// this relay). Nothing to listen on until it is; the
			// subscription will be (re)opened in place once SetFilter runs.
			done = make(chan struct{})
		}
		s.setState(Subscribed)

		// Block until the subscription ends (relay closed the
		// connection) or the context is cancelled.
		select {
		case <-done:
		case <-ctx.Done():
		}

		s.mu.Lock()
		s.relay = nil
		s.sub = nil
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			s.setState(Disconnected)
			return
		default:
		}

		s.setState(Disconnected)
		if !s.sleepBackoff(ctx) {
			return
		}
	}
}

// subscribeLocked opens a subscription for filter and returns a channel
// closed when the subscription's event stream ends (relay dropped the
// connection or the subscription was cancelled).
func (s *Session) subscribeLocked(r *nostr.Relay, filter nostr.Filter) <-chan struct{} {
	done := make(chan struct{})
	sub, err := r.Subscribe(context.Background(), nostr.Filters{filter})
	if err != nil {
		s.log.Warn().Err(err).Msg("subscribe failed")
		close(done)
		return done
	}
	s.mu.Lock()
	s.sub = sub
	s.mu.Unlock()

	go func() {
		defer close(done)
		for evt := range sub.Events {
			if evt == nil {
				continue
			}
			s.onEvent(s.url, *evt)
		}
	}()
	return done
}

// sleepBackoff waits base*2^attempt ms, capped, with +/-20% jitter,
// then increments attempt. Returns false if ctx was cancelled during
// the wait.
func (s *Session) sleepBackoff(ctx context.Context) bool {
	s.mu.Lock()
	attempt := s.attempt
	s.attempt++
	s.mu.Unlock()

	delay := backoffBase << uint(min(attempt, 10))
	if delay > backoffCap {
		delay = backoffCap
	}
	jitter := 1 + (rand.Float64()*2-1)*backoffJitter
	wait := time.Duration(float64(delay) * jitter)

	select {
	case <-time.After(wait):
		return true
	case <-ctx.Done():
		return false
	}
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}

// Publish sends the already-signed evt through the current connection.
// Returns an error if the session has no live connection.
func (s *Session) Publish(ctx context.Context, evt nostr.Event) error {
	s.mu.Lock()
	r := s.relay
	s.mu.Unlock()
	if r == nil {
		return errNotConnected{url: s.url}
	}
	return r.Publish(ctx, evt)
}

type errNotConnected struct{ url string }

func (e errNotConnected) Error() string { return "relay: not connected: " + e.url }

// Close idempotently tears the session down: cancels its run loop,
// closes the subscription and connection, and marks it Closing then
// Disconnected.
func (s *Session) Close() {
	s.mu.Lock()
	if s.state == Closing {
		s.mu.Unlock()
		return
	}
	s.state = Closing
	cancel := s.cancel
	sub := s.sub
	r := s.relay
	s.mu.Unlock()

	if sub != nil {
		sub.Unsub()
	}
	if r != nil {
		r.Close()
	}
	if cancel != nil {
		cancel()
	}
	s.setState(Disconnected)
}

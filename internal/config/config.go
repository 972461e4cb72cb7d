// Package config loads the worker's bootstrap configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the worker's static bootstrap configuration, loaded once at
// start. Apart from Ephemeral, which cmd/agentpulsed sets from its
// -ephemeral flag, nothing here is mutated after Load returns.
type Config struct {
	DataDir string   `toml:"data_dir"`
	Relays  []string `toml:"relays"`

	CommandPollInterval time.Duration `toml:"-"`
	CommandPollMillis   int64         `toml:"command_poll_ms"`

	HealthInterval time.Duration `toml:"-"`
	HealthMillis   int64         `toml:"health_interval_ms"`

	RetryInterval time.Duration `toml:"-"`
	RetryMillis   int64         `toml:"retry_interval_ms"`

	TTLSweepInterval time.Duration `toml:"-"`
	TTLSweepMillis   int64         `toml:"ttl_sweep_interval_ms"`

	PingInterval time.Duration `toml:"-"`
	PingMillis   int64         `toml:"ping_interval_ms"`

	LockTimeout time.Duration `toml:"-"`
	LockMillis  int64         `toml:"lock_timeout_ms"`

	ReplayWindow time.Duration `toml:"-"`
	ReplayMillis int64         `toml:"replay_window_ms"`

	MaxQueueSize int           `toml:"max_queue_size"`
	MaxRetries   int           `toml:"max_retries"`
	RetryBase    time.Duration `toml:"-"`
	RetryBaseMS  int64         `toml:"retry_base_ms"`
	RetryFactor  float64       `toml:"retry_factor"`
	QueueTTL     time.Duration `toml:"-"`
	QueueTTLMS   int64         `toml:"queue_ttl_ms"`

	DedupCacheSize   int `toml:"dedup_cache_size"`
	KnownPeersCache  int `toml:"known_peers_cache_size"`
	NonceWindowCache int `toml:"nonce_window_cache_size"`

	MessageRateLimit int           `toml:"message_rate_limit"`
	RateLimitWindow  time.Duration `toml:"-"`
	RateLimitMS      int64         `toml:"rate_limit_window_ms"`

	BlacklistThreshold int `toml:"blacklist_threshold"`
	MinHealthyRelays   int `toml:"min_healthy_relays"`

	CommandRateLimit int `toml:"command_rate_limit"`
	CommandRateBurst int `toml:"command_rate_burst"`

	WebhookURL string `toml:"-"`
	Ephemeral  bool   `toml:"-"`
}

// Default returns the out-of-the-box configuration.
func Default() Config {
	c := Config{
		Relays: []string{
			"wss://relay.damus.io",
			"wss://relay.nostr.band",
			"wss://nos.lol",
		},
		CommandPollMillis:  500,
		HealthMillis:       5000,
		RetryMillis:        1000,
		TTLSweepMillis:     60_000,
		PingMillis:         120_000,
		LockMillis:         1000,
		ReplayMillis:       5 * 60 * 1000,
		MaxQueueSize:       10_000,
		MaxRetries:         3,
		RetryBaseMS:        2000,
		RetryFactor:        2.0,
		QueueTTLMS:         24 * 3600 * 1000,
		DedupCacheSize:      2048,
		KnownPeersCache:     1024,
		NonceWindowCache:    4096,
		MessageRateLimit:    30,
		RateLimitMS:         60_000,
		BlacklistThreshold:  10,
		MinHealthyRelays:    2,
		CommandRateLimit:    5,
		CommandRateBurst:    10,
	}
	c.resolveDurations()
	return c
}

func (c *Config) resolveDurations() {
	c.CommandPollInterval = time.Duration(c.CommandPollMillis) * time.Millisecond
	c.HealthInterval = time.Duration(c.HealthMillis) * time.Millisecond
	c.RetryInterval = time.Duration(c.RetryMillis) * time.Millisecond
	c.TTLSweepInterval = time.Duration(c.TTLSweepMillis) * time.Millisecond
	c.PingInterval = time.Duration(c.PingMillis) * time.Millisecond
	c.LockTimeout = time.Duration(c.LockMillis) * time.Millisecond
	c.ReplayWindow = time.Duration(c.ReplayMillis) * time.Millisecond
	c.RetryBase = time.Duration(c.RetryBaseMS) * time.Millisecond
	c.QueueTTL = time.Duration(c.QueueTTLMS) * time.Millisecond
	c.RateLimitWindow = time.Duration(c.RateLimitMS) * time.Millisecond
}

// DefaultDataDir returns the per-install data directory used when the
// config doesn't override it: ~/.local/share/agent-pulse (or
// AGENT_PULSE_DATA_DIR, if set).
func DefaultDataDir() string {
	if d := os.Getenv("AGENT_PULSE_DATA_DIR"); d != "" {
		return d
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".agent-pulse"
	}
	return filepath.Join(home, ".local", "share", "agent-pulse")
}

// Load reads the TOML config at path, applying defaults for anything
// unset. A missing file is not an error — Default() with env overlays
// applied is returned.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return cfg, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := toml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if cfg.DataDir == "" {
		cfg.DataDir = DefaultDataDir()
	}
	if len(cfg.Relays) == 0 {
		cfg.Relays = Default().Relays
	}
	cfg.resolveDurations()

	cfg.WebhookURL = os.Getenv("AGENT_PULSE_WEBHOOK_URL")
	cfg.Ephemeral = os.Getenv("AGENT_PULSE_EPHEMERAL") == "true"

	return cfg, nil
}

package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/caarlos0/env/v11"
)

type Config struct {
	Dialogue DialogueConfig `json:"dialogue"`
	Resolver ResolverConfig `json:"resolver"`
	Store    StoreConfig    `json:"store"`
	Gateway  GatewayConfig  `json:"gateway"`
	Log      LogConfig      `json:"log"`
	mu       sync.RWMutex
}

type DialogueConfig struct {
	RelaxationCap       int      `json:"relaxation_cap" env:"RECDM_DIALOGUE_RELAXATION_CAP"`
	ClarifyThreshold    int      `json:"clarify_threshold" env:"RECDM_DIALOGUE_CLARIFY_THRESHOLD"`
	PresentLimit        int      `json:"present_limit" env:"RECDM_DIALOGUE_PRESENT_LIMIT"`
	ResolveLimit        int      `json:"resolve_limit" env:"RECDM_DIALOGUE_RESOLVE_LIMIT"`
	MaxRepeats          int      `json:"max_repeats" env:"RECDM_DIALOGUE_MAX_REPEATS"`
	MaxResolverFailures int      `json:"max_resolver_failures" env:"RECDM_DIALOGUE_MAX_RESOLVER_FAILURES"`
	RelaxStrategy       string   `json:"relax_strategy" env:"RECDM_DIALOGUE_RELAX_STRATEGY"` // auto, least_recent, lowest_priority
	ConfirmBeforeClose  bool     `json:"confirm_before_close" env:"RECDM_DIALOGUE_CONFIRM_BEFORE_CLOSE"`
	MultiValued         []string `json:"multi_valued" env:"RECDM_DIALOGUE_MULTI_VALUED"`
	ElicitOrder         []string `json:"elicit_order" env:"RECDM_DIALOGUE_ELICIT_ORDER"`
	MaxHints            int      `json:"max_hints" env:"RECDM_DIALOGUE_MAX_HINTS"`
	ConflictRetries     int      `json:"conflict_retries" env:"RECDM_DIALOGUE_CONFLICT_RETRIES"`
}

type ResolverConfig struct {
	// CatalogPath is a JSON item list; empty uses the bundled demo catalog.
	CatalogPath            string `json:"catalog_path" env:"RECDM_RESOLVER_CATALOG_PATH"`
	TimeoutMS              int    `json:"timeout_ms" env:"RECDM_RESOLVER_TIMEOUT_MS"`
	CacheSize              int    `json:"cache_size" env:"RECDM_RESOLVER_CACHE_SIZE"`
	CacheTTLSeconds        int    `json:"cache_ttl_seconds" env:"RECDM_RESOLVER_CACHE_TTL_SECONDS"`
	BreakerFailures        int    `json:"breaker_failures" env:"RECDM_RESOLVER_BREAKER_FAILURES"`
	BreakerCooldownSeconds int    `json:"breaker_cooldown_seconds" env:"RECDM_RESOLVER_BREAKER_COOLDOWN_SECONDS"`
}

type StoreConfig struct {
	Driver string `json:"driver" env:"RECDM_STORE_DRIVER"` // sqlite, memory
	Path   string `json:"path" env:"RECDM_STORE_PATH"`
}

type GatewayConfig struct {
	Workers            int    `json:"workers" env:"RECDM_GATEWAY_WORKERS"`
	QueueSize          int    `json:"queue_size" env:"RECDM_GATEWAY_QUEUE_SIZE"`
	BusSize            int    `json:"bus_size" env:"RECDM_GATEWAY_BUS_SIZE"`
	TurnTimeoutMS      int    `json:"turn_timeout_ms" env:"RECDM_GATEWAY_TURN_TIMEOUT_MS"`
	PruneSchedule      string `json:"prune_schedule" env:"RECDM_GATEWAY_PRUNE_SCHEDULE"`
	IdleTimeoutMinutes int    `json:"idle_timeout_minutes" env:"RECDM_GATEWAY_IDLE_TIMEOUT_MINUTES"`
}

type LogConfig struct {
	Level  string `json:"level" env:"RECDM_LOG_LEVEL"`
	Format string `json:"format" env:"RECDM_LOG_FORMAT"` // json, console
}

func DefaultConfig() *Config {
	return &Config{
		Dialogue: DialogueConfig{
			RelaxationCap:       3,
			ClarifyThreshold:    20,
			PresentLimit:        3,
			ResolveLimit:        50,
			MaxRepeats:          2,
			MaxResolverFailures: 3,
			RelaxStrategy:       "auto",
			ConfirmBeforeClose:  false,
			MultiValued:         []string{"genre", "actor", "keyword", "mood"},
			ElicitOrder:         []string{"genre", "decade", "actor", "director", "mood", "rating", "language", "keyword", "year", "duration"},
			MaxHints:            3,
			ConflictRetries:     3,
		},
		Resolver: ResolverConfig{
			TimeoutMS:              2000,
			CacheSize:              256,
			CacheTTLSeconds:        60,
			BreakerFailures:        5,
			BreakerCooldownSeconds: 30,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   "~/.recdm/sessions.db",
		},
		Gateway: GatewayConfig{
			Workers:            4,
			QueueSize:          16,
			BusSize:            100,
			TurnTimeoutMS:      10000,
			PruneSchedule:      "*/5 * * * *",
			IdleTimeoutMinutes: 30, // default 30 minutes
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig reads path over the defaults and then applies RECDM_*
// environment overrides. A missing file is not an error.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return nil, err
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("config env overrides: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func SaveConfig(path string, cfg *Config) error {
	cfg.mu.RLock()
	defer cfg.mu.RUnlock()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0600)
}

// Validate rejects values the components cannot run with.
func (c *Config) Validate() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	switch c.Dialogue.RelaxStrategy {
	case "", "auto", "least_recent", "lowest_priority":
	default:
		return fmt.Errorf("config: unknown relax_strategy %q", c.Dialogue.RelaxStrategy)
	}
	if c.Dialogue.RelaxationCap < 0 {
		return fmt.Errorf("config: relaxation_cap must not be negative")
	}
	switch c.Store.Driver {
	case "sqlite", "memory":
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver == "sqlite" && c.Store.Path == "" {
		return fmt.Errorf("config: store path is required for sqlite")
	}
	return nil
}

func (c *Config) StorePath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Store.Path)
}

func (c *Config) CatalogPath() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return expandHome(c.Resolver.CatalogPath)
}

func (c *Config) ResolverTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Resolver.TimeoutMS) * time.Millisecond
}

func (c *Config) TurnTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Gateway.TurnTimeoutMS) * time.Millisecond
}

func (c *Config) IdleTimeout() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Duration(c.Gateway.IdleTimeoutMinutes) * time.Minute
}

// DefaultPath is where the CLI looks for its config file.
func DefaultPath() string {
	return expandHome("~/.recdm/config.json")
}

func expandHome(path string) string {
	if path == "" {
		return path
	}
	if path[0] == '~' {
		home, _ := os.UserHomeDir()
		if len(path) > 1 && path[1] == '/' {
			return home + path[1:]
		}
		return home
	}
	return path
}

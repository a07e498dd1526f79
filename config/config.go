package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config is the complete runtime configuration.
type Config struct {
	Ledger    LedgerConfig    `json:"ledger" yaml:"ledger" toml:"ledger"`
	Broker    BrokerConfig    `json:"broker" yaml:"broker" toml:"broker"`
	Sync      SyncConfig      `json:"sync" yaml:"sync" toml:"sync"`
	Leveling  LevelingConfig  `json:"leveling" yaml:"leveling" toml:"leveling"`
	Log       LogConfig       `json:"log" yaml:"log" toml:"log"`
	Protected ProtectedConfig `json:"protected" yaml:"protected" toml:"protected"`
	Metrics   MetricsConfig   `json:"metrics" yaml:"metrics" toml:"metrics"`
}

// LedgerConfig selects the store backend.
type LedgerConfig struct {
	Driver string `json:"driver" yaml:"driver" toml:"driver"` // "sqlite3", "sqlite" or "memory"
	Path   string `json:"path,omitempty" yaml:"path,omitempty" toml:"path,omitempty"`
	// LockWait bounds how long an operation queues behind another on the
	// same account.
	LockWait string `json:"lock_wait" yaml:"lock_wait" toml:"lock_wait"`
}

// BrokerConfig selects the venue and bounds every call to it.
type BrokerConfig struct {
	Kind    string `json:"kind" yaml:"kind" toml:"kind"` // "paper"
	Timeout string `json:"timeout" yaml:"timeout" toml:"timeout"`
	// StateFile keeps the paper venue between commands. Empty means next to
	// the ledger file; the memory ledger keeps no venue state.
	StateFile string `json:"state_file,omitempty" yaml:"state_file,omitempty" toml:"state_file,omitempty"`
}

// SyncConfig tunes the reconciliation actor.
type SyncConfig struct {
	PollInterval  string  `json:"poll_interval" yaml:"poll_interval" toml:"poll_interval"`
	BackoffMin    string  `json:"backoff_min" yaml:"backoff_min" toml:"backoff_min"`
	BackoffMax    string  `json:"backoff_max" yaml:"backoff_max" toml:"backoff_max"`
	BackoffFactor float64 `json:"backoff_factor" yaml:"backoff_factor" toml:"backoff_factor"`
	Jitter        bool    `json:"jitter" yaml:"jitter" toml:"jitter"`
	EventBuffer   int     `json:"event_buffer" yaml:"event_buffer" toml:"event_buffer"`
}

// LevelingConfig tunes the risk-level engine.
type LevelingConfig struct {
	WindowDays        int    `json:"window_days" yaml:"window_days" toml:"window_days"`
	IdempotencyWindow string `json:"idempotency_window" yaml:"idempotency_window" toml:"idempotency_window"`
}

// LogConfig mirrors the rotating-file options of lumberjack.
type LogConfig struct {
	Level      string `json:"level" yaml:"level" toml:"level"`
	Format     string `json:"format" yaml:"format" toml:"format"` // "text" or "json"
	File       string `json:"file,omitempty" yaml:"file,omitempty" toml:"file,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb" yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `json:"max_backups" yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" yaml:"max_age_days" toml:"max_age_days"`
	Compress   bool   `json:"compress" yaml:"compress" toml:"compress"`
}

// ProtectedConfig names the environment variable holding the bcrypt hash of
// the keyword that unlocks manual level changes.
type ProtectedConfig struct {
	KeywordHashEnv string `json:"keyword_hash_env" yaml:"keyword_hash_env" toml:"keyword_hash_env"`
}

type MetricsConfig struct {
	Addr string `json:"addr,omitempty" yaml:"addr,omitempty" toml:"addr,omitempty"`
}

// LoadFromFile reads path over Default(). ".toml" files are TOML; anything
// else is tried as YAML, then JSON.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	if isTOML(path) {
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse toml config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		cfg = Default()
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config (tried YAML and JSON): %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// SaveToFile writes TOML, YAML or JSON depending on the extension.
func (c *Config) SaveToFile(path string) error {
	var (
		data []byte
		err  error
	)
	switch ext := strings.ToLower(filepath.Ext(path)); {
	case ext == ".toml":
		data, err = toml.Marshal(c)
	case ext == ".yaml" || ext == ".yml":
		data, err = yaml.Marshal(c)
	default:
		data, err = json.MarshalIndent(c, "", "  ")
	}
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	switch c.Ledger.Driver {
	case "sqlite3", "sqlite":
		if c.Ledger.Path == "" {
			return fmt.Errorf("ledger.path required for driver %q", c.Ledger.Driver)
		}
	case "memory":
	default:
		return fmt.Errorf("ledger.driver must be 'sqlite3', 'sqlite' or 'memory'")
	}

	if c.Broker.Kind != "paper" {
		return fmt.Errorf("broker.kind must be 'paper'")
	}

	durations := []struct {
		name, value string
	}{
		{"ledger.lock_wait", c.Ledger.LockWait},
		{"broker.timeout", c.Broker.Timeout},
		{"sync.poll_interval", c.Sync.PollInterval},
		{"sync.backoff_min", c.Sync.BackoffMin},
		{"sync.backoff_max", c.Sync.BackoffMax},
		{"leveling.idempotency_window", c.Leveling.IdempotencyWindow},
	}
	for _, d := range durations {
		v, err := time.ParseDuration(d.value)
		if err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
		if v <= 0 {
			return fmt.Errorf("%s must be positive", d.name)
		}
	}
	if c.Sync.BackoffMinDuration() > c.Sync.BackoffMaxDuration() {
		return fmt.Errorf("sync.backoff_min must not exceed sync.backoff_max")
	}
	if c.Sync.BackoffFactor < 1 {
		return fmt.Errorf("sync.backoff_factor must be at least 1")
	}
	if c.Sync.EventBuffer < 0 {
		return fmt.Errorf("sync.event_buffer must not be negative")
	}
	if c.Leveling.WindowDays <= 0 {
		return fmt.Errorf("leveling.window_days must be positive")
	}

	switch strings.ToLower(c.Log.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("log.format must be 'text' or 'json'")
	}
	if c.Protected.KeywordHashEnv == "" {
		return fmt.Errorf("protected.keyword_hash_env is required")
	}
	return nil
}

func duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

func (l LedgerConfig) LockWaitDuration() time.Duration { return duration(l.LockWait) }

func (b BrokerConfig) TimeoutDuration() time.Duration { return duration(b.Timeout) }

// VenueStatePath is where the paper venue is saved, or "" when it is not.
func (c *Config) VenueStatePath() string {
	switch {
	case c.Ledger.Driver == "memory":
		return ""
	case c.Broker.StateFile != "":
		return c.Broker.StateFile
	case c.Ledger.Path == "":
		return ""
	default:
		return c.Ledger.Path + ".venue.json"
	}
}

func (s SyncConfig) PollIntervalDuration() time.Duration { return duration(s.PollInterval) }
func (s SyncConfig) BackoffMinDuration() time.Duration   { return duration(s.BackoffMin) }
func (s SyncConfig) BackoffMaxDuration() time.Duration   { return duration(s.BackoffMax) }

func (l LevelingConfig) IdempotencyWindowDuration() time.Duration {
	return duration(l.IdempotencyWindow)
}

// Window is the trailing performance window.
func (l LevelingConfig) Window() time.Duration {
	return time.Duration(l.WindowDays) * 24 * time.Hour
}

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Ledger: LedgerConfig{
			Driver:   "sqlite3",
			Path:     "./tradeguard.db",
			LockWait: "10s",
		},
		Broker: BrokerConfig{
			Kind:    "paper",
			Timeout: "5s",
		},
		Sync: SyncConfig{
			PollInterval:  "2s",
			BackoffMin:    "500ms",
			BackoffMax:    "1m",
			BackoffFactor: 2,
			Jitter:        true,
			EventBuffer:   256,
		},
		Leveling: LevelingConfig{
			WindowDays:        90,
			IdempotencyWindow: "5s",
		},
		Log: LogConfig{
			Level:      "info",
			Format:     "text",
			MaxSizeMB:  50,
			MaxBackups: 5,
			MaxAgeDays: 30,
			Compress:   true,
		},
		Protected: ProtectedConfig{
			KeywordHashEnv: "TRADEGUARD_KEYWORD_HASH",
		},
	}
}

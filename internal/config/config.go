// Package config loads habitledger settings: defaults, then a YAML file,
// then HABITLEDGER_* environment variables. Command-line flags are applied
// last by the CLI.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/habitledger/internal/domain"
	"github.com/roach88/habitledger/internal/views"
)

// Remote store kinds.
const (
	RemoteMemory   = "memory"
	RemoteRedis    = "redis"
	RemotePostgres = "postgres"
)

// Config is the full settings tree.
type Config struct {
	Database      string `yaml:"database"`
	DeviceID      string `yaml:"device_id"`
	UserID        string `yaml:"user_id"`
	Authenticated bool   `yaml:"authenticated"`
	Timezone      string `yaml:"timezone"`
	CatalogDir    string `yaml:"catalog_dir"`
	HTTPAddr      string `yaml:"http_addr"`

	Remote     RemoteConfig     `yaml:"remote"`
	Sync       SyncConfig       `yaml:"sync"`
	Compaction CompactionConfig `yaml:"compaction"`
	XP         views.XPRules    `yaml:"xp"`
}

// RemoteConfig selects and addresses the remote document store.
type RemoteConfig struct {
	Kind             string `yaml:"kind"`
	RedisURL         string `yaml:"redis_url"`
	PostgresURL      string `yaml:"postgres_url"`
	CollectionPrefix string `yaml:"collection_prefix"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	Interval          time.Duration `yaml:"interval"`
	BatchSize         int           `yaml:"batch_size"`
	Timeout           time.Duration `yaml:"timeout"`
	BackoffInitial    time.Duration `yaml:"backoff_initial"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	DegradedThreshold int           `yaml:"degraded_threshold"`
}

// CompactionConfig tunes the compactor.
type CompactionConfig struct {
	Interval      time.Duration `yaml:"interval"`
	RetentionDays int           `yaml:"retention_days"`
	RecencyDays   int           `yaml:"recency_days"`
}

// Default returns the built-in settings.
func Default() Config {
	return Config{
		Database: "habitledger.db",
		Timezone: "UTC",
		HTTPAddr: ":8790",
		Remote: RemoteConfig{
			Kind: RemoteMemory,
		},
		Sync: SyncConfig{
			Interval:          5 * time.Minute,
			BatchSize:         100,
			Timeout:           10 * time.Second,
			BackoffInitial:    time.Second,
			BackoffMax:        5 * time.Minute,
			DegradedThreshold: 5,
		},
		Compaction: CompactionConfig{
			Interval:      24 * time.Hour,
			RetentionDays: 30,
			RecencyDays:   7,
		},
		XP: views.DefaultXPRules(),
	}
}

// Load reads path over the defaults and applies environment overrides. An
// empty path skips the file; a named file that does not exist is an error.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := decode(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(os.Getenv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	str("HABITLEDGER_DB", &c.Database)
	str("HABITLEDGER_DEVICE_ID", &c.DeviceID)
	str("HABITLEDGER_USER_ID", &c.UserID)
	str("HABITLEDGER_TIMEZONE", &c.Timezone)
	str("HABITLEDGER_CATALOG_DIR", &c.CatalogDir)
	str("HABITLEDGER_HTTP_ADDR", &c.HTTPAddr)
	str("HABITLEDGER_REMOTE", &c.Remote.Kind)
	str("HABITLEDGER_REDIS_URL", &c.Remote.RedisURL)
	str("HABITLEDGER_POSTGRES_URL", &c.Remote.PostgresURL)
	str("HABITLEDGER_COLLECTION_PREFIX", &c.Remote.CollectionPrefix)

	if v := getenv("HABITLEDGER_AUTHENTICATED"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("HABITLEDGER_AUTHENTICATED: %w", err)
		}
		c.Authenticated = b
	}
	if v := getenv("HABITLEDGER_SYNC_INTERVAL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("HABITLEDGER_SYNC_INTERVAL: %w", err)
		}
		c.Sync.Interval = d
	}
	if v := getenv("HABITLEDGER_SYNC_BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HABITLEDGER_SYNC_BATCH_SIZE: %w", err)
		}
		c.Sync.BatchSize = n
	}
	return nil
}

// Location returns the configured time zone.
func (c Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Identity returns the session described by the settings. An empty user
// id is the guest.
func (c Config) Identity() domain.Identity {
	return domain.Identity{UserID: c.UserID, Authenticated: c.Authenticated && c.UserID != ""}
}

// Validate reports every problem with the settings at once.
func (c Config) Validate() error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	if c.Database == "" {
		add("database is required")
	}
	if strings.TrimSpace(c.DeviceID) != c.DeviceID {
		add("device_id %q has surrounding whitespace", c.DeviceID)
	}
	if err := domain.ValidateUserID(c.UserID); err != nil {
		add("user_id %q has surrounding whitespace", c.UserID)
	}
	if _, err := c.Location(); err != nil {
		add("%v", err)
	}

	switch c.Remote.Kind {
	case RemoteMemory:
	case RemoteRedis:
		if c.Remote.RedisURL == "" {
			add("remote.redis_url is required for the redis remote")
		}
	case RemotePostgres:
		if c.Remote.PostgresURL == "" {
			add("remote.postgres_url is required for the postgres remote")
		}
	default:
		add("remote.kind %q is not one of memory, redis, postgres", c.Remote.Kind)
	}

	if c.Sync.Interval <= 0 {
		add("sync.interval must be positive")
	}
	if c.Sync.BatchSize <= 0 {
		add("sync.batch_size must be positive")
	}
	if c.Sync.Timeout <= 0 {
		add("sync.timeout must be positive")
	}
	if c.Sync.BackoffInitial <= 0 || c.Sync.BackoffMax < c.Sync.BackoffInitial {
		add("sync.backoff_initial must be positive and no larger than sync.backoff_max")
	}
	if c.Sync.DegradedThreshold <= 0 {
		add("sync.degraded_threshold must be positive")
	}
	if c.Compaction.Interval <= 0 {
		add("compaction.interval must be positive")
	}
	if c.Compaction.RetentionDays < 1 || c.Compaction.RecencyDays < 0 {
		add("compaction.retention_days must be at least 1 and recency_days not negative")
	}
	if c.XP.XPPerLevel <= 0 || c.XP.XPPerCompletedDay < 0 {
		add("xp.xp_per_level must be positive and xp.xp_per_completed_day not negative")
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Package config loads termstore settings from an optional TOML file and the
// environment. Environment variables win over the file, the file wins over
// Default.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Engines
const (
	EngineLocal   = "local"
	EngineElastic = "elastic"
)

// Duration is a time.Duration written as "30s" or "1m" in TOML
type Duration struct {
	time.Duration
}

// UnmarshalText parses a Go duration string
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

// MarshalText renders the duration in Go syntax
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Config is the full process configuration
type Config struct {
	// Engine selects the document engine: local (bolt file) or elastic
	Engine      string `toml:"engine"`
	DataDir     string `toml:"data_dir"`
	IndexPrefix string `toml:"index_prefix"`

	// ScrollKeepAlive is the default lifetime of export cursors
	ScrollKeepAlive Duration `toml:"scroll_keep_alive"`

	Elastic   ElasticConfig   `toml:"elastic"`
	Database  DatabaseConfig  `toml:"database"`
	Redis     RedisConfig     `toml:"redis"`
	Lock      LockConfig      `toml:"lock"`
	Migration MigrationConfig `toml:"migration"`
	Log       LogConfig       `toml:"log"`
	Metrics   MetricsConfig   `toml:"metrics"`
}

type ElasticConfig struct {
	URL     string   `toml:"url"`
	Timeout Duration `toml:"timeout"`
}

// DatabaseConfig points the branch and commit stores at PostgreSQL. An empty
// URL keeps them in the bolt file.
type DatabaseConfig struct {
	URL          string `toml:"url"`
	MaxOpenConns int    `toml:"max_open_conns"`
	MaxIdleConns int    `toml:"max_idle_conns"`
}

// RedisConfig enables Redis locks when URL is set
type RedisConfig struct {
	URL string `toml:"url"`
}

type LockConfig struct {
	TTL     Duration `toml:"ttl"`
	Timeout Duration `toml:"timeout"`
}

type MigrationConfig struct {
	BatchSize   int     `toml:"batch_size"`
	RateLimit   float64 `toml:"rate_limit"` // documents per second, 0 = unlimited
	Parallelism int     `toml:"parallelism"`
}

type LogConfig struct {
	Level  string `toml:"level"`  // debug, info, warn, error
	Format string `toml:"format"` // text or json
}

type MetricsConfig struct {
	Addr string `toml:"addr"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Engine:          EngineLocal,
		DataDir:         "./data",
		IndexPrefix:     "termstore",
		ScrollKeepAlive: Duration{60 * time.Second},
		Elastic: ElasticConfig{
			URL:     "http://localhost:9200",
			Timeout: Duration{30 * time.Second},
		},
		Database: DatabaseConfig{
			MaxOpenConns: 25,
			MaxIdleConns: 5,
		},
		Lock: LockConfig{
			TTL:     Duration{30 * time.Second},
			Timeout: Duration{10 * time.Second},
		},
		Migration: MigrationConfig{
			BatchSize:   500,
			Parallelism: 2,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads path (when non-empty), applies environment overrides and validates
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		if err := cfg.decode(f); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(r io.Reader) error {
	dec := toml.NewDecoder(r)
	dec.DisallowUnknownFields()
	return dec.Decode(c)
}

func (c *Config) applyEnv() {
	c.Engine = getEnv("TERMSTORE_ENGINE", c.Engine)
	c.DataDir = getEnv("TERMSTORE_DATA_DIR", c.DataDir)
	c.IndexPrefix = getEnv("TERMSTORE_INDEX_PREFIX", c.IndexPrefix)
	c.ScrollKeepAlive.Duration = getEnvDuration("TERMSTORE_SCROLL_KEEP_ALIVE", c.ScrollKeepAlive.Duration)

	c.Elastic.URL = getEnv("ELASTIC_URL", c.Elastic.URL)
	c.Elastic.Timeout.Duration = getEnvDuration("ELASTIC_TIMEOUT", c.Elastic.Timeout.Duration)

	c.Database.URL = getEnv("DATABASE_URL", c.Database.URL)
	c.Database.MaxOpenConns = getEnvInt("DB_MAX_OPEN_CONNS", c.Database.MaxOpenConns)
	c.Database.MaxIdleConns = getEnvInt("DB_MAX_IDLE_CONNS", c.Database.MaxIdleConns)

	c.Redis.URL = getEnv("REDIS_URL", c.Redis.URL)

	c.Lock.TTL.Duration = getEnvDuration("TERMSTORE_LOCK_TTL", c.Lock.TTL.Duration)
	c.Lock.Timeout.Duration = getEnvDuration("TERMSTORE_LOCK_TIMEOUT", c.Lock.Timeout.Duration)

	c.Migration.BatchSize = getEnvInt("TERMSTORE_MIGRATION_BATCH_SIZE", c.Migration.BatchSize)
	c.Migration.Parallelism = getEnvInt("TERMSTORE_MIGRATION_PARALLELISM", c.Migration.Parallelism)
	c.Migration.RateLimit = getEnvFloat("TERMSTORE_MIGRATION_RATE_LIMIT", c.Migration.RateLimit)

	c.Log.Level = getEnv("LOG_LEVEL", c.Log.Level)
	c.Log.Format = getEnv("LOG_FORMAT", c.Log.Format)
	c.Metrics.Addr = getEnv("METRICS_ADDR", c.Metrics.Addr)
}

// Validate rejects settings the process cannot start with
func (c *Config) Validate() error {
	var errs []error
	switch c.Engine {
	case EngineLocal:
		if c.DataDir == "" {
			errs = append(errs, errors.New("data_dir is required for the local engine"))
		}
	case EngineElastic:
		if c.Elastic.URL == "" {
			errs = append(errs, errors.New("elastic.url is required for the elastic engine"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown engine %q", c.Engine))
	}
	if c.IndexPrefix == "" || strings.ToLower(c.IndexPrefix) != c.IndexPrefix {
		errs = append(errs, fmt.Errorf("index_prefix %q must be non-empty lowercase", c.IndexPrefix))
	}
	durations := []struct {
		name string
		d    Duration
	}{
		{"scroll_keep_alive", c.ScrollKeepAlive},
		{"elastic.timeout", c.Elastic.Timeout},
		{"lock.ttl", c.Lock.TTL},
		{"lock.timeout", c.Lock.Timeout},
	}
	for _, d := range durations {
		if d.d.Duration <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", d.name))
		}
	}
	if c.Migration.BatchSize <= 0 {
		errs = append(errs, errors.New("migration.batch_size must be positive"))
	}
	if c.Migration.Parallelism <= 0 {
		errs = append(errs, errors.New("migration.parallelism must be positive"))
	}
	if c.Migration.RateLimit < 0 {
		errs = append(errs, errors.New("migration.rate_limit must not be negative"))
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		errs = append(errs, fmt.Errorf("log.format %q must be text or json", c.Log.Format))
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// NewLogger builds the slog logger described by the log section
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	level, _ := parseLevel(c.Log.Level)
	opts := &slog.HandlerOptions{Level: level}
	if c.Log.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level %q: %w", s, err)
	}
	return level, nil
}

// Package config loads the application configuration and the JSON mapping
// files that describe each source.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BartekS5/pagesync/internal/etl"
	"github.com/BartekS5/pagesync/internal/jobs"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "PAGESYNC_"

type Config struct {
	Store       StoreConfig   `koanf:"store"`
	Load        LoadConfig    `koanf:"load"`
	Engine      EngineConfig  `koanf:"engine"`
	Source      SourceConfig  `koanf:"source"`
	Jobs        JobsConfig    `koanf:"jobs"`
	Logging     LoggingConfig `koanf:"logging"`
	MappingsDir string        `koanf:"mappings_dir"`
}

type StoreConfig struct {
	Driver         string `koanf:"driver"`
	DSN            string `koanf:"dsn"`
	MaxConnections int    `koanf:"max_connections"`
}

type LoadConfig struct {
	Driver    string `koanf:"driver"`
	DSN       string `koanf:"dsn"`
	Database  string `koanf:"database"`
	BatchSize int    `koanf:"batch_size"`
	DryRun    bool   `koanf:"dry_run"`
}

type EngineConfig struct {
	PageSize              int           `koanf:"page_size"`
	CheckpointInterval    int           `koanf:"checkpoint_interval"`
	MaxPages              int           `koanf:"max_pages"`
	MaxRetries            int           `koanf:"max_retries"`
	BackoffBase           time.Duration `koanf:"backoff_base"`
	MaxRetryWait          time.Duration `koanf:"max_retry_wait"`
	JobTimeout            time.Duration `koanf:"job_timeout"`
	AbortOnTransformError bool          `koanf:"abort_on_transform_error"`
}

type SourceConfig struct {
	// BaseURL is the API root, or the MongoDB URI for mongo mappings.
	BaseURL     string        `koanf:"base_url"`
	Database    string        `koanf:"database"`
	AccessToken string        `koanf:"access_token"`
	Timeout     time.Duration `koanf:"timeout"`
	UserAgent   string        `koanf:"user_agent"`
}

type JobsConfig struct {
	Concurrency   int           `koanf:"concurrency"`
	QueueSize     int           `koanf:"queue_size"`
	PollInterval  time.Duration `koanf:"poll_interval"`
	StaleAfter    time.Duration `koanf:"stale_after"`
	SweepInterval time.Duration `koanf:"sweep_interval"`
	Retention     time.Duration `koanf:"retention"`
}

type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	File   string `koanf:"file"`
}

var sections = map[string]bool{
	"store": true, "load": true, "engine": true, "source": true, "jobs": true, "logging": true,
}

// Load reads config from defaults, then the TOML file (if provided), then
// environment variables.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k); err != nil {
		return nil, err
	}

	if configPath == "" {
		configPath = os.Getenv(envPrefix + "CONFIG")
	}
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), toml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", configPath, err)
		}
	}

	// PAGESYNC_STORE_MAX_CONNECTIONS -> store.max_connections. Empty values
	// do not override the file.
	if err := k.Load(env.ProviderWithValue(envPrefix, ".", func(key, value string) (string, any) {
		if value == "" {
			return "", nil
		}
		return envKey(key), value
	}), nil); err != nil {
		return nil, err
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		_ = k.Set("store.dsn", v)
	}
	if v := os.Getenv("SOURCE_ACCESS_TOKEN"); v != "" {
		_ = k.Set("source.access_token", v)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func envKey(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	section, rest, ok := strings.Cut(key, "_")
	if ok && sections[section] {
		return section + "." + rest
	}
	return key
}

func (c *Config) Validate() error {
	switch c.Store.Driver {
	case "sqlite", "postgres", "memory":
	default:
		return fmt.Errorf("config: unknown store driver %q", c.Store.Driver)
	}
	if c.Store.Driver != "memory" && c.Store.DSN == "" {
		return fmt.Errorf("config: store.dsn is required for %s", c.Store.Driver)
	}
	switch c.Load.Driver {
	case "none", "":
	case "postgres", "mongo", "sqlserver":
		if c.Load.DSN == "" && !c.Load.DryRun {
			return fmt.Errorf("config: load.dsn is required for %s", c.Load.Driver)
		}
	default:
		return fmt.Errorf("config: unknown load driver %q", c.Load.Driver)
	}

	positive := map[string]int{
		"engine.page_size":           c.Engine.PageSize,
		"engine.checkpoint_interval": c.Engine.CheckpointInterval,
		"engine.max_pages":           c.Engine.MaxPages,
		"load.batch_size":            c.Load.BatchSize,
		"jobs.concurrency":           c.Jobs.Concurrency,
		"jobs.queue_size":            c.Jobs.QueueSize,
	}
	for name, v := range positive {
		if v <= 0 {
			return fmt.Errorf("config: %s must be positive, got %d", name, v)
		}
	}
	return nil
}

// EngineOptions converts the engine section.
func (c *Config) EngineOptions() etl.Options {
	return etl.Options{
		PageSize:              c.Engine.PageSize,
		CheckpointInterval:    c.Engine.CheckpointInterval,
		MaxPages:              c.Engine.MaxPages,
		MaxRetries:            c.Engine.MaxRetries,
		BackoffBase:           c.Engine.BackoffBase,
		MaxRetryWait:          c.Engine.MaxRetryWait,
		JobTimeout:            c.Engine.JobTimeout,
		AbortOnTransformError: c.Engine.AbortOnTransformError,
	}
}

// JobOptions converts the jobs section.
func (c *Config) JobOptions() jobs.Options {
	return jobs.Options{
		Concurrency:   c.Jobs.Concurrency,
		QueueSize:     c.Jobs.QueueSize,
		PollInterval:  c.Jobs.PollInterval,
		StaleAfter:    c.Jobs.StaleAfter,
		SweepInterval: c.Jobs.SweepInterval,
		Retention:     c.Jobs.Retention,
		BatchSize:     c.Load.BatchSize,
		DryRun:        c.Load.DryRun || c.Load.Driver == "none" || c.Load.Driver == "",
	}
}

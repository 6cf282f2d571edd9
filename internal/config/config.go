// Package config loads canvas-ingest configuration from defaults, an
// optional YAML file and CANVAS_INGEST_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/evisions/canvas-ingest/pkg/client"
	"github.com/evisions/canvas-ingest/pkg/entity"
	"github.com/evisions/canvas-ingest/pkg/loader"
	"github.com/evisions/canvas-ingest/pkg/orchestrator"
	"github.com/evisions/canvas-ingest/pkg/pagination"
	"github.com/evisions/canvas-ingest/pkg/ratelimit"
	"github.com/evisions/canvas-ingest/pkg/retry"
	"github.com/evisions/canvas-ingest/pkg/store"
)

// EnvPrefix prefixes every environment variable (CANVAS_INGEST_API_TOKEN).
const EnvPrefix = "CANVAS_INGEST"

// APIConfig is the Canvas connection.
type APIConfig struct {
	client.Config `mapstructure:",squash"`

	// AccountID is substituted for {account_id} in entity endpoints.
	AccountID string `mapstructure:"account_id"`
}

// RedisConfig selects the shared Redis budget. An empty Addr keeps the
// budget in process.
type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// LoadConfig tunes the loaders and the worker pool.
type LoadConfig struct {
	loader.Config `mapstructure:",squash"`

	MaxConcurrency int `mapstructure:"max_concurrency"`

	// CreateTables creates missing destination tables before loading.
	CreateTables bool `mapstructure:"create_tables"`

	// Strict makes a partially failed run exit non-zero.
	Strict bool `mapstructure:"strict"`
}

// LogConfig is the logging section.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// MetricsConfig is the metrics section. An empty Addr disables the endpoint.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// Config is the complete configuration.
type Config struct {
	API         APIConfig         `mapstructure:"api"`
	Database    store.Config      `mapstructure:"database"`
	Redis       RedisConfig       `mapstructure:"redis"`
	RateLimit   ratelimit.Config  `mapstructure:"ratelimit"`
	Retry       retry.Config      `mapstructure:"retry"`
	CommitRetry retry.Config      `mapstructure:"commit_retry"`
	Pagination  pagination.Config `mapstructure:"pagination"`
	Load        LoadConfig        `mapstructure:"load"`
	Log         LogConfig         `mapstructure:"log"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`

	// Entities selects a subset of the catalog by name. Empty means all.
	Entities []string `mapstructure:"entities"`

	// EntitiesFile replaces the built-in Canvas catalog with a YAML file.
	EntitiesFile string `mapstructure:"entities_file"`

	// PostLoadSQL runs once after loading when at least one entity succeeded.
	PostLoadSQL []string `mapstructure:"post_load_sql"`
}

// SetDefaults registers every key with its default so environment variables
// are honoured for all of them.
func SetDefaults(v *viper.Viper) {
	api := client.DefaultConfig()
	v.SetDefault("api.base_url", "")
	v.SetDefault("api.token", "")
	v.SetDefault("api.account_id", "1")
	v.SetDefault("api.user_agent", api.UserAgent)
	v.SetDefault("api.timeout", api.Timeout)

	db := store.DefaultConfig()
	v.SetDefault("database.driver", db.Driver)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", db.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", db.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", db.ConnMaxLifetime)
	v.SetDefault("database.ping_timeout", db.PingTimeout)

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.key_prefix", ratelimit.DefaultKeyPrefix)

	rl := ratelimit.DefaultConfig()
	v.SetDefault("ratelimit.requests_per_second", rl.RequestsPerSecond)
	v.SetDefault("ratelimit.burst", rl.Burst)
	v.SetDefault("ratelimit.max_wait", rl.MaxWait)
	v.SetDefault("ratelimit.throttle_delay", rl.ThrottleDelay)
	v.SetDefault("ratelimit.critical_pause", rl.CriticalPause)
	v.SetDefault("ratelimit.state_max_age", rl.StateMaxAge)

	setRetryDefaults(v, "retry", retry.DefaultConfig())
	commit := retry.DefaultConfig()
	commit.BaseDelay = 2 * time.Second
	setRetryDefaults(v, "commit_retry", commit)

	pg := pagination.DefaultConfig()
	v.SetDefault("pagination.min_page_size", pg.MinPageSize)
	v.SetDefault("pagination.max_page_size", pg.MaxPageSize)
	v.SetDefault("pagination.default_page_size", pg.DefaultPageSize)
	v.SetDefault("pagination.max_pages", pg.MaxPages)

	v.SetDefault("load.commit_size", loader.DefaultConfig().CommitSize)
	v.SetDefault("load.max_concurrency", orchestrator.DefaultConfig().MaxConcurrency)
	v.SetDefault("load.create_tables", false)
	v.SetDefault("load.strict", false)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.pretty", false)
	v.SetDefault("metrics.addr", "")

	v.SetDefault("entities", []string{})
	v.SetDefault("entities_file", "")
	v.SetDefault("post_load_sql", []string{})
}

func setRetryDefaults(v *viper.Viper, section string, cfg retry.Config) {
	v.SetDefault(section+".max_attempts", cfg.MaxAttempts)
	v.SetDefault(section+".base_delay", cfg.BaseDelay)
	v.SetDefault(section+".max_delay", cfg.MaxDelay)
	v.SetDefault(section+".jitter", cfg.Jitter)
}

// Load reads configuration into v. An explicit configFile must exist; without
// one, ./canvas-ingest.yaml and ~/.config/canvas-ingest/config.yaml are tried.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	SetDefaults(v)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("canvas-ingest")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "canvas-ingest"))
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings a run depends on.
func (c *Config) Validate() error {
	var errs []error
	if c.API.BaseURL == "" {
		errs = append(errs, errors.New("api.base_url is required"))
	}
	if c.API.Token == "" {
		errs = append(errs, errors.New("api.token is required"))
	}
	if c.Database.DSN == "" {
		errs = append(errs, errors.New("database.dsn is required"))
	}
	if _, err := store.DialectFor(c.Database.Driver); err != nil {
		errs = append(errs, err)
	}
	if err := c.RateLimit.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("ratelimit: %w", err))
	}
	if err := c.Retry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retry: %w", err))
	}
	if err := c.CommitRetry.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("commit_retry: %w", err))
	}
	if c.Pagination.MinPageSize < 1 || c.Pagination.MaxPageSize < c.Pagination.MinPageSize {
		errs = append(errs, fmt.Errorf("pagination: page size range [%d, %d] is invalid",
			c.Pagination.MinPageSize, c.Pagination.MaxPageSize))
	}
	if c.Pagination.MaxPages < 1 {
		errs = append(errs, fmt.Errorf("pagination.max_pages must be >= 1 (got %d)", c.Pagination.MaxPages))
	}
	if c.Load.CommitSize < 1 {
		errs = append(errs, fmt.Errorf("load.commit_size must be >= 1 (got %d)", c.Load.CommitSize))
	}
	if c.Load.MaxConcurrency < 1 {
		errs = append(errs, fmt.Errorf("load.max_concurrency must be >= 1 (got %d)", c.Load.MaxConcurrency))
	}
	return errors.Join(errs...)
}

// Specs resolves the entity specs of a run: the catalog (built-in or from
// EntitiesFile) narrowed to Entities.
func (c *Config) Specs() ([]entity.Spec, error) {
	vars := map[string]string{"account_id": c.API.AccountID}

	var specs []entity.Spec
	if c.EntitiesFile != "" {
		var err error
		if specs, err = entity.LoadCatalogFile(c.EntitiesFile, vars); err != nil {
			return nil, err
		}
	} else {
		specs = entity.CanvasCatalog(c.API.AccountID)
	}
	return entity.Select(specs, c.Entities)
}

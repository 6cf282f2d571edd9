package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func validConfig(t *testing.T) *Config {
	t.Helper()
	path := writeFile(t, "canvas-ingest.yaml", `
api:
  base_url: https://canvas.example.edu
  token: secret
database:
  dsn: postgres://ingest@localhost/canvas
`)
	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	cfg := validConfig(t)

	assert.Equal(t, "1", cfg.API.AccountID)
	assert.Equal(t, "canvas-ingest/1.0", cfg.API.UserAgent)
	assert.Equal(t, 30*time.Second, cfg.API.Timeout)
	assert.Equal(t, "postgres", cfg.Database.Driver)
	assert.Equal(t, 10.0, cfg.RateLimit.RequestsPerSecond)
	assert.Equal(t, 2*time.Minute, cfg.RateLimit.MaxWait)
	assert.Equal(t, 2*time.Second, cfg.CommitRetry.BaseDelay)
	assert.Equal(t, 100, cfg.Pagination.MaxPageSize)
	assert.Equal(t, 10000, cfg.Pagination.MaxPages)
	assert.Equal(t, 500, cfg.Load.CommitSize)
	assert.Equal(t, 4, cfg.Load.MaxConcurrency)
	assert.Equal(t, "canvas_ingest", cfg.Redis.KeyPrefix)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Empty(t, cfg.Entities)

	assert.NoError(t, cfg.Validate())
}

func TestLoad_FileValues(t *testing.T) {
	path := writeFile(t, "config.yaml", `
api:
  base_url: https://canvas.example.edu
  token: secret
  account_id: "42"
  timeout: 45s
database:
  driver: sqlite
  dsn: /tmp/canvas.db
redis:
  addr: localhost:6379
ratelimit:
  requests_per_second: 3.5
  burst: 2
retry:
  max_attempts: 6
  base_delay: 250ms
  jitter: 0.1
pagination:
  max_pages: 50
load:
  commit_size: 1000
  max_concurrency: 2
  strict: true
entities: [users, courses]
post_load_sql:
  - REFRESH MATERIALIZED VIEW canvas_summary
`)

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)

	assert.Equal(t, "42", cfg.API.AccountID)
	assert.Equal(t, 45*time.Second, cfg.API.Timeout)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 3.5, cfg.RateLimit.RequestsPerSecond)
	assert.Equal(t, 6, cfg.Retry.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Retry.BaseDelay)
	assert.Equal(t, 0.1, cfg.Retry.Jitter)
	assert.Equal(t, 50, cfg.Pagination.MaxPages)
	assert.Equal(t, 1000, cfg.Load.CommitSize)
	assert.Equal(t, 2, cfg.Load.MaxConcurrency)
	assert.True(t, cfg.Load.Strict)
	assert.Equal(t, []string{"users", "courses"}, cfg.Entities)
	assert.Equal(t, []string{"REFRESH MATERIALIZED VIEW canvas_summary"}, cfg.PostLoadSQL)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CANVAS_INGEST_API_TOKEN", "from-env")
	t.Setenv("CANVAS_INGEST_LOAD_MAX_CONCURRENCY", "8")
	t.Setenv("CANVAS_INGEST_RATELIMIT_MAX_WAIT", "30s")
	t.Setenv("CANVAS_INGEST_ENTITIES", "quizzes,discussions")

	cfg := validConfig(t)

	assert.Equal(t, "from-env", cfg.API.Token)
	assert.Equal(t, 8, cfg.Load.MaxConcurrency)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.MaxWait)
	assert.Equal(t, []string{"quizzes", "discussions"}, cfg.Entities)
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"missing base url", func(c *Config) { c.API.BaseURL = "" }, "api.base_url is required"},
		{"missing token", func(c *Config) { c.API.Token = "" }, "api.token is required"},
		{"missing dsn", func(c *Config) { c.Database.DSN = "" }, "database.dsn is required"},
		{"bad driver", func(c *Config) { c.Database.Driver = "mysql" }, "unsupported database driver"},
		{"bad rate", func(c *Config) { c.RateLimit.RequestsPerSecond = 0 }, "ratelimit"},
		{"bad retry", func(c *Config) { c.Retry.MaxAttempts = 0 }, "retry"},
		{"bad page range", func(c *Config) { c.Pagination.MaxPageSize = 0 }, "page size range"},
		{"bad commit size", func(c *Config) { c.Load.CommitSize = 0 }, "load.commit_size"},
		{"bad concurrency", func(c *Config) { c.Load.MaxConcurrency = 0 }, "load.max_concurrency"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSpecs_Catalog(t *testing.T) {
	cfg := validConfig(t)
	cfg.API.AccountID = "7"

	specs, err := cfg.Specs()
	require.NoError(t, err)
	require.NotEmpty(t, specs)
	assert.Equal(t, "users", specs[0].Name)
	assert.Equal(t, "/api/v1/accounts/7/users", specs[0].Endpoint)

	cfg.Entities = []string{"courses", "users"}
	specs, err = cfg.Specs()
	require.NoError(t, err)
	require.Len(t, specs, 2)
	assert.Equal(t, "courses", specs[0].Name)

	cfg.Entities = []string{"grades"}
	_, err = cfg.Specs()
	assert.ErrorContains(t, err, `unknown entity "grades"`)
}

func TestSpecs_EntitiesFile(t *testing.T) {
	cfg := validConfig(t)
	cfg.API.AccountID = "9"
	cfg.EntitiesFile = writeFile(t, "entities.yaml", `
entities:
  - name: sections
    endpoint: /api/v1/accounts/{account_id}/sections
    primary_key: id
    table: canvas_sections
    fields:
      - {column: id, type: int}
      - {column: name, type: string}
`)

	specs, err := cfg.Specs()
	require.NoError(t, err)
	require.Len(t, specs, 1)
	assert.Equal(t, "/api/v1/accounts/9/sections", specs[0].Endpoint)
}

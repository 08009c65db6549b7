package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "termstore.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, EngineLocal, cfg.Engine)
	assert.Equal(t, "termstore", cfg.IndexPrefix)
	assert.Equal(t, 60*time.Second, cfg.ScrollKeepAlive.Duration)
	assert.Equal(t, 500, cfg.Migration.BatchSize)
	assert.Equal(t, 2, cfg.Migration.Parallelism)
	assert.Empty(t, cfg.Database.URL)
	assert.Empty(t, cfg.Redis.URL)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
engine = "elastic"
index_prefix = "snomed"
scroll_keep_alive = "2m"

[elastic]
url = "http://es:9200"
timeout = "5s"

[database]
url = "postgres://localhost/termstore"

[lock]
ttl = "45s"

[migration]
batch_size = 1000
rate_limit = 250.5

[log]
level = "debug"
format = "json"
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, EngineElastic, cfg.Engine)
	assert.Equal(t, "snomed", cfg.IndexPrefix)
	assert.Equal(t, 2*time.Minute, cfg.ScrollKeepAlive.Duration)
	assert.Equal(t, "http://es:9200", cfg.Elastic.URL)
	assert.Equal(t, 5*time.Second, cfg.Elastic.Timeout.Duration)
	assert.Equal(t, "postgres://localhost/termstore", cfg.Database.URL)
	assert.Equal(t, 25, cfg.Database.MaxOpenConns, "unset keys keep defaults")
	assert.Equal(t, 45*time.Second, cfg.Lock.TTL.Duration)
	assert.Equal(t, 10*time.Second, cfg.Lock.Timeout.Duration)
	assert.Equal(t, 1000, cfg.Migration.BatchSize)
	assert.Equal(t, 250.5, cfg.Migration.RateLimit)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
engine = "elastic"
[elastic]
url = "http://es:9200"
`)
	t.Setenv("TERMSTORE_ENGINE", "local")
	t.Setenv("TERMSTORE_DATA_DIR", "/var/lib/termstore")
	t.Setenv("REDIS_URL", "redis://cache:6379/0")
	t.Setenv("TERMSTORE_LOCK_TIMEOUT", "3s")
	t.Setenv("TERMSTORE_MIGRATION_BATCH_SIZE", "50")
	t.Setenv("TERMSTORE_MIGRATION_RATE_LIMIT", "not-a-number")
	t.Setenv("LOG_LEVEL", "warn")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, EngineLocal, cfg.Engine)
	assert.Equal(t, "/var/lib/termstore", cfg.DataDir)
	assert.Equal(t, "redis://cache:6379/0", cfg.Redis.URL)
	assert.Equal(t, 3*time.Second, cfg.Lock.Timeout.Duration)
	assert.Equal(t, 50, cfg.Migration.BatchSize)
	assert.Zero(t, cfg.Migration.RateLimit, "malformed values fall back")
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoad_Errors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, `unknown_key = true`))
	assert.Error(t, err)

	_, err = Load(writeConfig(t, `scroll_keep_alive = "soon"`))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		want   string
	}{
		{"unknown engine", func(c *Config) { c.Engine = "solr" }, `unknown engine "solr"`},
		{"missing data dir", func(c *Config) { c.DataDir = "" }, "data_dir"},
		{"missing elastic url", func(c *Config) { c.Engine = EngineElastic; c.Elastic.URL = "" }, "elastic.url"},
		{"uppercase prefix", func(c *Config) { c.IndexPrefix = "Term" }, "index_prefix"},
		{"zero lock ttl", func(c *Config) { c.Lock.TTL = Duration{} }, "lock.ttl"},
		{"zero batch", func(c *Config) { c.Migration.BatchSize = 0 }, "batch_size"},
		{"negative rate", func(c *Config) { c.Migration.RateLimit = -1 }, "rate_limit"},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }, "log.level"},
		{"bad format", func(c *Config) { c.Log.Format = "xml" }, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := Default()
	cfg.Log.Format = "json"
	cfg.Log.Level = "warn"

	logger := cfg.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "branch", "MAIN")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"branch":"MAIN"`)
}

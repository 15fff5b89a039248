package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  id: test-server
bridge:
  enabled: true
  domain: 3
  timeout_secs: 15
  n_parallel: 4
  status_interval_secs: 2
redis:
  host: redis.internal
  port: 6380
  db: 1
engine:
  model: test-model
  encoding: cl100k_base
log:
  level: debug
  format: json
  output: console
`)

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "test-server", config.Server.ID)
	assert.Equal(t, 3, config.Bridge.Domain)
	assert.Equal(t, 15*time.Second, config.Bridge.RequestTimeout())
	assert.Equal(t, 2*time.Second, config.Bridge.StatusInterval())
	assert.Equal(t, 4, config.Bridge.NParallel)
	assert.Equal(t, "redis.internal:6380", config.Redis.Addr())
	assert.Equal(t, "test-model", config.Engine.Model)
	assert.Equal(t, "debug", config.Log.Level)
}

func TestLoadConfigDefaults(t *testing.T) {
	path := writeConfig(t, `
server:
  id: defaults-server
`)

	config, err := LoadConfig(path)
	require.NoError(t, err)

	assert.True(t, config.Bridge.Enabled)
	assert.Equal(t, 0, config.Bridge.Domain)
	assert.Equal(t, 60*time.Second, config.Bridge.RequestTimeout())
	assert.Equal(t, 1, config.Bridge.NParallel)
	assert.Equal(t, 5*time.Second, config.Bridge.StatusInterval())
	assert.Equal(t, "localhost:6379", config.Redis.Addr())
	assert.Equal(t, "cl100k_base", config.Engine.Encoding)
	assert.Equal(t, 256, config.Engine.DefaultMaxTokens)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "negative domain",
			mutate:  func(c *Config) { c.Bridge.Domain = -1 },
			wantErr: "domain",
		},
		{
			name:    "zero timeout",
			mutate:  func(c *Config) { c.Bridge.TimeoutSecs = 0 },
			wantErr: "timeout_secs",
		},
		{
			name:    "zero parallel",
			mutate:  func(c *Config) { c.Bridge.NParallel = 0 },
			wantErr: "n_parallel",
		},
		{
			name:    "metrics without addr",
			mutate:  func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Addr = "" },
			wantErr: "metrics",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := defaults()
			tt.mutate(config)
			err := config.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

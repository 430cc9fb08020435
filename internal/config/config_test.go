// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, defaults, durations and validation

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/laraclaw/internal/metrics"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	path := writeConfig(t, `
server:
  http_addr: "0.0.0.0:9090"
  shutdown_timeout: "5s"

database:
  driver: sqlite3
  path: "./test.db"

logging:
  level: debug
  format: json

agent:
  provider: gemini
  model: gemini-1.5-pro
  api_key: key
  timeout: 30s
  system_prompt: "Be brief."

memory:
  history_limit: 10
  history_token_budget: 2000
  memory_limit: 3
  ranker: embedding
  similarity_threshold: 0.5

usage:
  pricing:
    gemini:
      input_per_million: 0.1
      output_per_million: 0.4

metrics:
  enabled: true
  counter_ttl: 1h
  window_size: 50

dedupe:
  ttl: 2m
  max_size: 100

gateways:
  default: telegram
  telegram:
    enabled: true
    bot_token: "123:abc"
    secret_token: "s3cret"
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9090", cfg.Server.HTTPAddr)
	assert.Equal(t, 5*time.Second, cfg.Server.ShutdownTimeout)
	assert.Equal(t, "sqlite3", cfg.Database.Driver)
	assert.Equal(t, "./test.db", cfg.Database.Path)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)

	assert.Equal(t, "gemini", cfg.Agent.Provider)
	assert.Equal(t, "gemini-1.5-pro", cfg.Agent.Model)
	assert.Equal(t, 30*time.Second, cfg.Agent.Timeout)
	assert.Equal(t, "Be brief.", cfg.Agent.SystemPrompt)

	assert.Equal(t, 10, cfg.Memory.HistoryLimit)
	assert.Equal(t, 2000, cfg.Memory.HistoryTokenBudget)
	assert.Equal(t, 3, cfg.Memory.MemoryLimit)
	assert.Equal(t, "embedding", cfg.Memory.Ranker)
	assert.InDelta(t, 0.5, cfg.Memory.SimilarityThreshold, 1e-9)

	price, ok := cfg.Usage.Pricing.Lookup("gemini", "gemini-1.5-pro")
	require.True(t, ok)
	assert.InDelta(t, 0.4, price.OutputPerMillion, 1e-9)

	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, time.Hour, cfg.Metrics.CounterTTL)
	assert.Equal(t, 50, cfg.Metrics.WindowSize)
	assert.Equal(t, 2*time.Minute, cfg.Dedupe.TTL)
	assert.Equal(t, 100, cfg.Dedupe.MaxSize)

	assert.Equal(t, "telegram", cfg.Gateways.Default)
	assert.Equal(t, "123:abc", cfg.Gateways.Telegram.BotToken)
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "database:\n  path: ./x.db\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8080", cfg.Server.HTTPAddr)
	assert.Equal(t, "sqlite", cfg.Database.Driver)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "echo", cfg.Agent.Provider)
	assert.Equal(t, 60*time.Second, cfg.Agent.Timeout)
	assert.Equal(t, 20, cfg.Memory.HistoryLimit)
	assert.Equal(t, 5, cfg.Memory.MemoryLimit)
	assert.Equal(t, "keyword", cfg.Memory.Ranker)
	assert.Equal(t, "laraclaw", cfg.Metrics.Namespace)
	assert.Equal(t, "/metrics", cfg.Metrics.Path)
	assert.Equal(t, metrics.DefaultCounterTTL, cfg.Metrics.CounterTTL)
	assert.Equal(t, 10*time.Minute, cfg.Dedupe.TTL)
	assert.Equal(t, "cli", cfg.Gateways.Default)
}

func TestLoad_PricingKeysAreCaseInsensitive(t *testing.T) {
	path := writeConfig(t, `
usage:
  pricing:
    Gemini/Gemini-2.0-Flash:
      input_per_million: 0.1
      output_per_million: 0.4
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	price, ok := cfg.Usage.Pricing.Lookup("gemini", "gemini-2.0-flash")
	require.True(t, ok)
	assert.InDelta(t, 0.4, price.OutputPerMillion, 1e-9)
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.True(t, strings.HasSuffix(cfg.Database.Path, "laraclaw.db"))
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("LARACLAW_TEST_SECRET", "from-env")
	t.Setenv("LARACLAW_TEST_KEY", "gem-key")

	path := writeConfig(t, `
auth:
  jwt_secret: "${LARACLAW_TEST_SECRET}"
agent:
  provider: gemini
  api_key: ${LARACLAW_TEST_KEY}
  system_prompt: "${LARACLAW_TEST_UNSET}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, "gem-key", cfg.Agent.APIKey)
	assert.Equal(t, "", cfg.Agent.SystemPrompt)
}

func TestLoad_InvalidDuration(t *testing.T) {
	path := writeConfig(t, "agent:\n  timeout: soon\n")

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "agent.timeout")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestLoad_InvalidYAML(t *testing.T) {
	path := writeConfig(t, "server: [unclosed")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults ok", mutate: func(*Config) {}},
		{name: "bad driver", mutate: func(c *Config) { c.Database.Driver = "postgres" }, wantErr: "database.driver"},
		{name: "bad level", mutate: func(c *Config) { c.Logging.Level = "loud" }, wantErr: "logging.level"},
		{name: "bad format", mutate: func(c *Config) { c.Logging.Format = "xml" }, wantErr: "logging.format"},
		{name: "unknown provider", mutate: func(c *Config) { c.Agent.Provider = "clippy" }, wantErr: "agent.provider"},
		{name: "gemini without key", mutate: func(c *Config) { c.Agent.Provider = "gemini" }, wantErr: "agent.api_key"},
		{name: "embedding without key", mutate: func(c *Config) { c.Memory.Ranker = "embedding" }, wantErr: "memory.ranker"},
		{name: "unknown ranker", mutate: func(c *Config) { c.Memory.Ranker = "random" }, wantErr: "memory.ranker"},
		{name: "threshold out of range", mutate: func(c *Config) { c.Memory.SimilarityThreshold = 2 }, wantErr: "similarity_threshold"},
		{name: "tailscale without hostname", mutate: func(c *Config) { c.Tailscale.Enabled = true }, wantErr: "tailscale.hostname"},
		{name: "telegram without secret", mutate: func(c *Config) {
			c.Gateways.Telegram = TelegramConfig{Enabled: true, BotToken: "t"}
		}, wantErr: "secret_token"},
		{name: "discord without key", mutate: func(c *Config) {
			c.Gateways.Discord = DiscordConfig{Enabled: true, BotToken: "t"}
		}, wantErr: "gateways.discord"},
		{name: "matrix incomplete", mutate: func(c *Config) {
			c.Gateways.Matrix = MatrixConfig{Enabled: true, Homeserver: "https://m"}
		}, wantErr: "gateways.matrix"},
		{name: "webhook without secret", mutate: func(c *Config) { c.Gateways.Webhook.Enabled = true }, wantErr: "gateways.webhook"},
		{name: "default not enabled", mutate: func(c *Config) { c.Gateways.Default = "discord" }, wantErr: "gateways.default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDefaultPath(t *testing.T) {
	t.Setenv("LARACLAW_CONFIG", "/etc/laraclaw.yaml")
	assert.Equal(t, "/etc/laraclaw.yaml", DefaultPath())

	t.Setenv("LARACLAW_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, filepath.Join("/xdg", "laraclaw", "config.yaml"), DefaultPath())
}

func TestLoadEnvFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(path, []byte("LARACLAW_DOTENV_TEST=hello\n"), 0600))

	t.Setenv("LARACLAW_DOTENV_TEST", "")
	require.NoError(t, os.Unsetenv("LARACLAW_DOTENV_TEST"))

	require.NoError(t, LoadEnvFile(path))
	assert.Equal(t, "hello", os.Getenv("LARACLAW_DOTENV_TEST"))

	assert.NoError(t, LoadEnvFile(filepath.Join(dir, "missing.env")))
}

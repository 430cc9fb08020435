// ABOUTME: Configuration loading and parsing for laraclaw
// ABOUTME: YAML files with ${VAR} expansion, .env loading, duration parsing and validation

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/2389/laraclaw/internal/metrics"
	"github.com/2389/laraclaw/internal/usage"
)

// Config represents the complete laraclaw configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`
	Auth      AuthConfig      `yaml:"auth"`
	Agent     AgentConfig     `yaml:"agent"`
	Memory    MemoryConfig    `yaml:"memory"`
	Usage     UsageConfig     `yaml:"usage"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Dedupe    DedupeConfig    `yaml:"dedupe"`
	Gateways  GatewaysConfig  `yaml:"gateways"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	ShutdownTimeout time.Duration `yaml:"-"`

	ShutdownTimeoutRaw string `yaml:"shutdown_timeout"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Hostname  string `yaml:"hostname"`
	AuthKey   string `yaml:"auth_key"`
	StateDir  string `yaml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral"`
	// Funnel exposes the webhook listener publicly over HTTPS so platforms can reach it.
	Funnel bool `yaml:"funnel"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	// Driver is "sqlite" (pure Go, default) or "sqlite3" (cgo).
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// AgentConfig selects and configures the LLM behind the orchestrator
type AgentConfig struct {
	Provider     string        `yaml:"provider"`
	Model        string        `yaml:"model"`
	APIKey       string        `yaml:"api_key"`
	Endpoint     string        `yaml:"endpoint"`
	SystemPrompt string        `yaml:"system_prompt"`
	Timeout      time.Duration `yaml:"-"`

	TimeoutRaw string `yaml:"timeout"`
}

// MemoryConfig controls history windows and memory retrieval
type MemoryConfig struct {
	HistoryLimit        int     `yaml:"history_limit"`
	HistoryTokenBudget  int     `yaml:"history_token_budget"`
	MemoryLimit         int     `yaml:"memory_limit"`
	Ranker              string  `yaml:"ranker"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	EmbeddingModel      string  `yaml:"embedding_model"`
}

// UsageConfig holds the provider pricing table
type UsageConfig struct {
	// PricingFile is an optional TOML table merged over Pricing.
	PricingFile string             `yaml:"pricing_file"`
	Pricing     usage.PricingTable `yaml:"pricing"`
}

// MetricsConfig holds metrics collection and endpoint configuration
type MetricsConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Path            string        `yaml:"path"`
	Namespace       string        `yaml:"namespace"`
	WindowSize      int           `yaml:"window_size"`
	CounterTTL      time.Duration `yaml:"-"`
	RefreshInterval time.Duration `yaml:"-"`

	CounterTTLRaw      string `yaml:"counter_ttl"`
	RefreshIntervalRaw string `yaml:"refresh_interval"`
}

// DedupeConfig controls duplicate webhook delivery suppression
type DedupeConfig struct {
	TTL     time.Duration `yaml:"-"`
	MaxSize int           `yaml:"max_size"`

	TTLRaw string `yaml:"ttl"`
}

// GatewaysConfig holds configuration for every channel adapter
type GatewaysConfig struct {
	// Default is the gateway recorded on conversations started outside a channel.
	Default  string         `yaml:"default"`
	Telegram TelegramConfig `yaml:"telegram"`
	Discord  DiscordConfig  `yaml:"discord"`
	Matrix   MatrixConfig   `yaml:"matrix"`
	Webhook  WebhookConfig  `yaml:"webhook"`
	CLI      CLIConfig      `yaml:"cli"`
}

// TelegramConfig holds Telegram bot configuration
type TelegramConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BotToken    string `yaml:"bot_token"`
	SecretToken string `yaml:"secret_token"`
	APIBaseURL  string `yaml:"api_base_url"`
	FailureText string `yaml:"failure_text"`
}

// DiscordConfig holds Discord interactions configuration
type DiscordConfig struct {
	Enabled     bool   `yaml:"enabled"`
	BotToken    string `yaml:"bot_token"`
	PublicKey   string `yaml:"public_key"`
	APIBaseURL  string `yaml:"api_base_url"`
	AckText     string `yaml:"ack_text"`
	FailureText string `yaml:"failure_text"`
}

// MatrixConfig holds Matrix appservice configuration
type MatrixConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Homeserver  string `yaml:"homeserver"`
	UserID      string `yaml:"user_id"`
	AccessToken string `yaml:"access_token"`
	HSToken     string `yaml:"hs_token"`
	FailureText string `yaml:"failure_text"`
}

// WebhookConfig holds the generic signed-webhook gateway configuration
type WebhookConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Secret      string `yaml:"secret"`
	CallbackURL string `yaml:"callback_url"`
	FailureText string `yaml:"failure_text"`
}

// CLIConfig holds local CLI gateway configuration
type CLIConfig struct {
	SenderName string `yaml:"sender_name"`
}

// Default returns a configuration with every default applied and no file read.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// LoadEnvFile loads KEY=VALUE pairs from path into the process environment.
// Variables already set win. A missing file is not an error.
func LoadEnvFile(path string) error {
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("loading %s: %w", path, err)
	}
	return nil
}

// DefaultPath returns the path to the laraclaw config file.
// Priority: LARACLAW_CONFIG env var > XDG_CONFIG_HOME/laraclaw/config.yaml > ~/.config/laraclaw/config.yaml
func DefaultPath() string {
	if envPath := os.Getenv("LARACLAW_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "laraclaw", "config.yaml")
}

// DataPath returns the laraclaw data directory.
// Priority: XDG_DATA_HOME/laraclaw > ~/.local/share/laraclaw
func DataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "laraclaw")
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func applyDefaults(c *Config) {
	if c.Server.HTTPAddr == "" && !c.Tailscale.Enabled {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Tailscale.StateDir == "" {
		c.Tailscale.StateDir = filepath.Join(DataPath(), "tsnet")
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Path == "" {
		c.Database.Path = filepath.Join(DataPath(), "laraclaw.db")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
	if c.Agent.Provider == "" {
		c.Agent.Provider = "echo"
	}
	if c.Agent.Model == "" && c.Agent.Provider == "gemini" {
		c.Agent.Model = "gemini-2.0-flash"
	}
	if c.Agent.Timeout == 0 {
		c.Agent.Timeout = 60 * time.Second
	}
	if c.Memory.HistoryLimit == 0 {
		c.Memory.HistoryLimit = 20
	}
	if c.Memory.MemoryLimit == 0 {
		c.Memory.MemoryLimit = 5
	}
	if c.Memory.Ranker == "" {
		c.Memory.Ranker = "keyword"
	}
	if c.Memory.SimilarityThreshold == 0 {
		c.Memory.SimilarityThreshold = 0.7
	}
	if c.Memory.EmbeddingModel == "" {
		c.Memory.EmbeddingModel = "text-embedding-004"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if len(c.Usage.Pricing) > 0 {
		// lookups are case-insensitive
		c.Usage.Pricing = c.Usage.Pricing.Merge(nil)
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "laraclaw"
	}
	if c.Metrics.WindowSize == 0 {
		c.Metrics.WindowSize = 100
	}
	if c.Metrics.CounterTTL == 0 {
		c.Metrics.CounterTTL = metrics.DefaultCounterTTL
	}
	if c.Metrics.RefreshInterval == 0 {
		c.Metrics.RefreshInterval = time.Minute
	}
	if c.Dedupe.TTL == 0 {
		c.Dedupe.TTL = 10 * time.Minute
	}
	if c.Dedupe.MaxSize == 0 {
		c.Dedupe.MaxSize = 10000
	}
	if c.Gateways.Default == "" {
		c.Gateways.Default = "cli"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	switch c.Database.Driver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be debug, info, warn or error, got %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json, got %q", c.Logging.Format)
	}

	switch c.Agent.Provider {
	case "echo":
	case "gemini":
		if c.Agent.APIKey == "" {
			return fmt.Errorf("agent.api_key is required for the gemini provider")
		}
	default:
		return fmt.Errorf("agent.provider must be gemini or echo, got %q", c.Agent.Provider)
	}
	if c.Agent.Timeout < 0 {
		return fmt.Errorf("agent.timeout must be positive")
	}

	if c.Memory.HistoryLimit < 0 || c.Memory.MemoryLimit < 0 || c.Memory.HistoryTokenBudget < 0 {
		return fmt.Errorf("memory limits must not be negative")
	}
	switch c.Memory.Ranker {
	case "keyword":
	case "embedding":
		if c.Agent.APIKey == "" {
			return fmt.Errorf("memory.ranker embedding requires agent.api_key")
		}
	default:
		return fmt.Errorf("memory.ranker must be keyword or embedding, got %q", c.Memory.Ranker)
	}
	if c.Memory.SimilarityThreshold < -1 || c.Memory.SimilarityThreshold > 1 {
		return fmt.Errorf("memory.similarity_threshold must be within [-1, 1]")
	}

	for key, price := range c.Usage.Pricing {
		if price.InputPerMillion < 0 || price.OutputPerMillion < 0 {
			return fmt.Errorf("usage.pricing.%s must not be negative", key)
		}
	}

	return c.Gateways.validate()
}

func (g *GatewaysConfig) validate() error {
	if g.Telegram.Enabled {
		if g.Telegram.BotToken == "" {
			return fmt.Errorf("gateways.telegram.bot_token is required when telegram is enabled")
		}
		if g.Telegram.SecretToken == "" {
			return fmt.Errorf("gateways.telegram.secret_token is required when telegram is enabled")
		}
	}
	if g.Discord.Enabled {
		if g.Discord.BotToken == "" || g.Discord.PublicKey == "" {
			return fmt.Errorf("gateways.discord.bot_token and public_key are required when discord is enabled")
		}
	}
	if g.Matrix.Enabled {
		if g.Matrix.Homeserver == "" || g.Matrix.UserID == "" || g.Matrix.AccessToken == "" || g.Matrix.HSToken == "" {
			return fmt.Errorf("gateways.matrix requires homeserver, user_id, access_token and hs_token when enabled")
		}
	}
	if g.Webhook.Enabled && g.Webhook.Secret == "" {
		return fmt.Errorf("gateways.webhook.secret is required when webhook is enabled")
	}

	enabled := map[string]bool{
		"cli":      true,
		"telegram": g.Telegram.Enabled,
		"discord":  g.Discord.Enabled,
		"matrix":   g.Matrix.Enabled,
		"webhook":  g.Webhook.Enabled,
	}
	if !enabled[g.Default] {
		return fmt.Errorf("gateways.default %q is not an enabled gateway", g.Default)
	}
	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"server.shutdown_timeout", cfg.Server.ShutdownTimeoutRaw, &cfg.Server.ShutdownTimeout},
		{"agent.timeout", cfg.Agent.TimeoutRaw, &cfg.Agent.Timeout},
		{"metrics.counter_ttl", cfg.Metrics.CounterTTLRaw, &cfg.Metrics.CounterTTL},
		{"metrics.refresh_interval", cfg.Metrics.RefreshIntervalRaw, &cfg.Metrics.RefreshInterval},
		{"dedupe.ttl", cfg.Dedupe.TTLRaw, &cfg.Dedupe.TTL},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}

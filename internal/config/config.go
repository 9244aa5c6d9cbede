// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"

	relay "github.com/veylan/relay/internal"
)

// Config is the top-level gateway configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Auth      AuthConfig      `yaml:"auth"`
	Vault     VaultConfig     `yaml:"vault"`
	CORS      CORSConfig      `yaml:"cors"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Knowledge KnowledgeConfig `yaml:"knowledge"`
	Usage     UsageConfig     `yaml:"usage"`
	Providers []ProviderEntry `yaml:"providers"`
	Plans     []PlanEntry     `yaml:"plans"`
	Models    ModelsConfig    `yaml:"models"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// AuthConfig holds token and device-flow settings. Secrets come in through
// ${VAR} expansion; never commit plaintext values.
type AuthConfig struct {
	AccessTokenSecret string        `yaml:"access_token_secret"`
	AccessTokenTTL    time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL   time.Duration `yaml:"refresh_token_ttl"`
	VerificationURI   string        `yaml:"verification_uri"`
	DeviceCodeTTL     time.Duration `yaml:"device_code_ttl"`
	PollInterval      time.Duration `yaml:"poll_interval"`
}

// VaultConfig holds the admin API key encryption settings.
type VaultConfig struct {
	// EncryptionKey is the hex-encoded 32-byte AES-256 key protecting
	// admin provider keys at rest.
	EncryptionKey string `yaml:"encryption_key"`
}

// CORSConfig lists origins allowed to call the proxy endpoints.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// KnowledgeConfig controls personalized context injection.
type KnowledgeConfig struct {
	Enabled       bool    `yaml:"enabled"`
	MaxResults    int     `yaml:"max_results"`
	MinSimilarity float64 `yaml:"min_similarity"`
}

// UsageConfig controls usage log retention.
type UsageConfig struct {
	RetentionDays int `yaml:"retention_days"` // 0 = keep forever
}

// ProviderEntry configures one upstream provider.
type ProviderEntry struct {
	Name    string `yaml:"name"`     // "openai", "grok", "anthropic", "gemini", "deepgram", "assemblyai"
	BaseURL string `yaml:"base_url"` // empty = provider default
	APIKey  string `yaml:"api_key"`  // plaintext seed; encrypted into the store on bootstrap
	Enabled *bool  `yaml:"enabled"`
}

// IsEnabled reports whether the provider is enabled (defaults to true when nil).
func (p ProviderEntry) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// PlanEntry overrides one plan's limits.
type PlanEntry struct {
	Name          string `yaml:"name"`
	DailyLimit    int    `yaml:"daily_limit"` // 0 = unlimited
	MaxTokens     int    `yaml:"max_tokens"`
	SmartMode     bool   `yaml:"smart_mode"`
	DeviceLimit   int    `yaml:"device_limit"`
	Transcription *bool  `yaml:"transcription"`
}

// ModelsConfig overrides the model catalog. Each mode carries an ordered
// cascade and a provider -> model resolution map; plans may overlay either
// mode to give a tier its own models.
type ModelsConfig struct {
	Standard ModeEntry            `yaml:"standard"`
	Smart    ModeEntry            `yaml:"smart"`
	Plans    map[string]PlanModes `yaml:"plans"`
}

// PlanModes is the catalog overlay for one plan.
type PlanModes struct {
	Standard ModeEntry `yaml:"standard"`
	Smart    ModeEntry `yaml:"smart"`
}

// ModeEntry is the catalog for one cascade mode.
type ModeEntry struct {
	Cascade []CascadeEntry    `yaml:"cascade"`
	Resolve map[string]string `yaml:"resolve"` // provider -> model id
}

// CascadeEntry is one ordered (provider, model) step.
type CascadeEntry struct {
	Provider string `yaml:"provider"`
	Model    string `yaml:"model"`
}

var envPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnv replaces ${VAR} patterns with environment variable values.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := string(match[2 : len(match)-1])
		if val, ok := os.LookupEnv(varName); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration defaults applied before the YAML file
// is overlaid.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:        ":8080",
			ReadTimeout: 30 * time.Second,
			// Long enough for a full model stream.
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			DSN: "relay.db",
		},
		Auth: AuthConfig{
			AccessTokenTTL:  time.Hour,
			RefreshTokenTTL: 30 * 24 * time.Hour,
			VerificationURI: "https://account.veylan.app/activate",
			DeviceCodeTTL:   10 * time.Minute,
			PollInterval:    5 * time.Second,
		},
		Knowledge: KnowledgeConfig{
			Enabled:       true,
			MaxResults:    5,
			MinSimilarity: 0.4,
		},
		Usage: UsageConfig{
			RetentionDays: 90,
		},
	}
}

// Validate checks that required secrets are present.
func (c *Config) Validate() error {
	if c.Auth.AccessTokenSecret == "" {
		return fmt.Errorf("auth.access_token_secret is required")
	}
	if c.Vault.EncryptionKey == "" {
		return fmt.Errorf("vault.encryption_key is required")
	}
	return nil
}

// PlanTable resolves the effective plan table: compiled-in defaults overlaid
// with config overrides.
func (c *Config) PlanTable() map[string]relay.Plan {
	plans := map[string]relay.Plan{
		relay.PlanFree:       {Name: relay.PlanFree, DailyLimit: 50, MaxTokens: 1024, DeviceLimit: 2, Transcription: true},
		relay.PlanPro:        {Name: relay.PlanPro, MaxTokens: 2048, DeviceLimit: 5, Transcription: true},
		relay.PlanEnterprise: {Name: relay.PlanEnterprise, MaxTokens: 4096, SmartMode: true, DeviceLimit: 10, Transcription: true},
	}
	for _, e := range c.Plans {
		p, ok := plans[e.Name]
		if !ok {
			p = relay.Plan{Name: e.Name, Transcription: true}
		}
		if e.DailyLimit != 0 {
			p.DailyLimit = e.DailyLimit
		}
		if e.MaxTokens != 0 {
			p.MaxTokens = e.MaxTokens
		}
		p.SmartMode = e.SmartMode || p.SmartMode
		if e.DeviceLimit != 0 {
			p.DeviceLimit = e.DeviceLimit
		}
		if e.Transcription != nil {
			p.Transcription = *e.Transcription
		}
		plans[e.Name] = p
	}
	return plans
}

// ABOUTME: Configuration loading and parsing for deal-relay
// ABOUTME: YAML files with ${VAR} expansion, duration strings, defaults and validation

package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvConfigPath names the environment variable that overrides the config location.
const EnvConfigPath = "DEAL_RELAY_CONFIG"

// Config represents the complete deal-relay configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Engine    EngineConfig    `yaml:"engine"`
	Callback  CallbackConfig  `yaml:"callback"`
	Agents    AgentsConfig    `yaml:"agents"`
	Retention RetentionConfig `yaml:"retention"`
	Dedupe    DedupeConfig    `yaml:"dedupe"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the HTTP listener configuration
type ServerConfig struct {
	HTTPAddr       string   `yaml:"http_addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DatabaseConfig selects the transaction store backend
type DatabaseConfig struct {
	Driver string `yaml:"driver"` // sqlite, bolt or memory
	Path   string `yaml:"path"`
}

// EngineConfig describes how to reach the workflow engine
type EngineConfig struct {
	BaseURL          string        `yaml:"base_url"`
	OrchestratorPath string        `yaml:"orchestrator_path"`
	Timeout          time.Duration `yaml:"-"`

	TimeoutRaw string `yaml:"timeout"`
}

// CallbackConfig holds what the engine needs to call the relay back.
// BaseURL must be reachable from the engine's network, which is often not
// the address clients use.
type CallbackConfig struct {
	Secret  string `yaml:"secret"`
	BaseURL string `yaml:"base_url"`
}

// AgentsConfig points at the directory of agent descriptors
type AgentsConfig struct {
	Dir string `yaml:"dir"`
}

// RetentionConfig controls pruning of idle transactions. A zero MaxAge keeps
// transactions forever.
type RetentionConfig struct {
	MaxAge        time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`

	MaxAgeRaw        string `yaml:"max_age"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// DedupeConfig sizes the callback redelivery guard
type DedupeConfig struct {
	TTL        time.Duration `yaml:"-"`
	MaxEntries int           `yaml:"max_entries"`

	TTLRaw string `yaml:"ttl"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration suitable for local development.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every unset field with its default.
func (c *Config) ApplyDefaults() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "0.0.0.0:8000"
	}
	if len(c.Server.AllowedOrigins) == 0 {
		c.Server.AllowedOrigins = []string{"http://localhost:5173"}
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Database.Path == "" {
		c.Database.Path = defaultDataPath(c.Database.Driver)
	}
	if c.Engine.BaseURL == "" {
		c.Engine.BaseURL = "http://n8n:5678"
	}
	if c.Engine.OrchestratorPath == "" {
		c.Engine.OrchestratorPath = "/webhook/orchestrator"
	}
	if c.Engine.Timeout == 0 {
		c.Engine.Timeout = 30 * time.Second
	}
	if c.Callback.BaseURL == "" {
		c.Callback.BaseURL = "http://backend:8000"
	}
	if c.Agents.Dir == "" {
		c.Agents.Dir = "./agents"
	}
	if c.Retention.SweepInterval == 0 {
		c.Retention.SweepInterval = time.Hour
	}
	if c.Dedupe.TTL == 0 {
		c.Dedupe.TTL = 10 * time.Minute
	}
	if c.Dedupe.MaxEntries == 0 {
		c.Dedupe.MaxEntries = 10000
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func defaultDataPath(driver string) string {
	switch driver {
	case "bolt":
		return "./data/relay.bolt"
	case "memory":
		return ""
	default:
		return "./data/relay.db"
	}
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse is Load without the file read.
func Parse(data []byte) (*Config, error) {
	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value, or "" when unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	switch c.Database.Driver {
	case "sqlite", "bolt":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for driver %q", c.Database.Driver)
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver %q is not one of sqlite, bolt, memory", c.Database.Driver)
	}

	if err := requireHTTPURL("engine.base_url", c.Engine.BaseURL); err != nil {
		return err
	}
	if !strings.HasPrefix(c.Engine.OrchestratorPath, "/") {
		return fmt.Errorf("engine.orchestrator_path must start with /")
	}
	if c.Engine.Timeout < 0 {
		return fmt.Errorf("engine.timeout must not be negative")
	}

	if c.Callback.Secret == "" {
		return fmt.Errorf("callback.secret is required")
	}
	if err := requireHTTPURL("callback.base_url", c.Callback.BaseURL); err != nil {
		return err
	}

	if c.Retention.MaxAge < 0 {
		return fmt.Errorf("retention.max_age must not be negative")
	}
	if c.Retention.SweepInterval < 0 {
		return fmt.Errorf("retention.sweep_interval must not be negative")
	}
	if c.Dedupe.MaxEntries < 0 {
		return fmt.Errorf("dedupe.max_entries must not be negative")
	}

	switch strings.ToLower(c.Logging.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format %q is not one of text, json", c.Logging.Format)
	}

	return nil
}

func requireHTTPURL(field, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("%s must be an http(s) URL, got %q", field, raw)
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
		{"engine.timeout", cfg.Engine.TimeoutRaw, &cfg.Engine.Timeout},
		{"retention.max_age", cfg.Retention.MaxAgeRaw, &cfg.Retention.MaxAge},
		{"retention.sweep_interval", cfg.Retention.SweepIntervalRaw, &cfg.Retention.SweepInterval},
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

// ResolvePath picks the config file: explicit flag, then $DEAL_RELAY_CONFIG,
// then $XDG_CONFIG_HOME/deal-relay/relay.yaml (or ~/.config when unset).
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(".config", "deal-relay", "relay.yaml")
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "deal-relay", "relay.yaml")
}

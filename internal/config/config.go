// ABOUTME: Configuration loading and parsing for crew-gateway
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete crew-gateway configuration
type Config struct {
	Server    ServerConfig     `yaml:"server"`
	Database  DatabaseConfig   `yaml:"database"`
	Providers []ProviderConfig `yaml:"providers"`
	Scheduler SchedulerConfig  `yaml:"scheduler"`
	Presence  PresenceConfig   `yaml:"presence"`
	Agents    []AgentSeed      `yaml:"agents"`
	Logging   LoggingConfig    `yaml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ProviderConfig describes one completion backend. Kind selects the client
// implementation ("openai" covers any OpenAI-compatible endpoint via
// base_url; "anthropic" uses the messages API). Priority order in the
// fallback chain follows list order.
type ProviderConfig struct {
	Name    string `yaml:"name"`
	Kind    string `yaml:"kind"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

// SchedulerConfig holds response pacing configuration.
// The pacing interval is policy, not invariant; it defaults to 2s.
type SchedulerConfig struct {
	PacingInterval time.Duration `yaml:"-"`

	PacingIntervalRaw string `yaml:"pacing_interval"`
}

// PresenceConfig holds typing-indicator expiry configuration.
// Both values default to 10s.
type PresenceConfig struct {
	TypingTTL     time.Duration `yaml:"-"`
	SweepInterval time.Duration `yaml:"-"`

	TypingTTLRaw     string `yaml:"typing_ttl"`
	SweepIntervalRaw string `yaml:"sweep_interval"`
}

// AgentSeed declares an agent profile loaded into the registry at startup.
type AgentSeed struct {
	ID             int64    `yaml:"id"`
	Name           string   `yaml:"name"`
	Role           string   `yaml:"role"`
	Specialization []string `yaml:"specialization"`
	Provider       string   `yaml:"provider"`
	Model          string   `yaml:"model"`
	SystemPrompt   string   `yaml:"system_prompt"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Defaults for the policy intervals.
const (
	DefaultPacingInterval = 2 * time.Second
	DefaultTypingTTL      = 10 * time.Second
	DefaultSweepInterval  = 10 * time.Second
)

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if len(c.Providers) == 0 {
		return fmt.Errorf("at least one provider is required")
	}
	seen := make(map[string]struct{}, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			return fmt.Errorf("providers[%d].name is required", i)
		}
		if _, dup := seen[p.Name]; dup {
			return fmt.Errorf("duplicate provider name %q", p.Name)
		}
		seen[p.Name] = struct{}{}
		switch p.Kind {
		case "openai", "anthropic":
		default:
			return fmt.Errorf("providers[%d].kind must be openai or anthropic, got %q", i, p.Kind)
		}
	}

	for i, a := range c.Agents {
		if a.Name == "" {
			return fmt.Errorf("agents[%d].name is required", i)
		}
		if a.Provider != "" {
			if _, ok := seen[a.Provider]; !ok {
				return fmt.Errorf("agents[%d] references unknown provider %q", i, a.Provider)
			}
		}
	}

	return nil
}

// parseDurations converts raw duration strings into time.Duration values,
// applying defaults where unset.
func parseDurations(cfg *Config) error {
	var err error

	cfg.Scheduler.PacingInterval = DefaultPacingInterval
	if cfg.Scheduler.PacingIntervalRaw != "" {
		cfg.Scheduler.PacingInterval, err = time.ParseDuration(cfg.Scheduler.PacingIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing pacing_interval %q: %w", cfg.Scheduler.PacingIntervalRaw, err)
		}
	}

	cfg.Presence.TypingTTL = DefaultTypingTTL
	if cfg.Presence.TypingTTLRaw != "" {
		cfg.Presence.TypingTTL, err = time.ParseDuration(cfg.Presence.TypingTTLRaw)
		if err != nil {
			return fmt.Errorf("parsing typing_ttl %q: %w", cfg.Presence.TypingTTLRaw, err)
		}
	}

	cfg.Presence.SweepInterval = DefaultSweepInterval
	if cfg.Presence.SweepIntervalRaw != "" {
		cfg.Presence.SweepInterval, err = time.ParseDuration(cfg.Presence.SweepIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing sweep_interval %q: %w", cfg.Presence.SweepIntervalRaw, err)
		}
	}

	return nil
}

// Package config loads and validates the on-disk configuration for the
// skein-agent CLI. The engine itself never reads config files; the CLI
// resolves everything here and passes explicit options down.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	defaultModel            = "claude-sonnet-4-5"
	defaultProvider         = "anthropic"
	defaultMaxContextTokens = 128000
	defaultMaxOutputTokens  = 4096
	defaultMaxRounds        = 200
	defaultParallelism      = 2
	defaultMinRecentTurns   = 2
	defaultReserved         = 1024
	defaultCallTimeout      = 2 * time.Minute
)

// Config is the on-disk configuration.
//
// API keys never live in the file; ProviderConfig names the environment
// variable holding the key instead.
type Config struct {
	Provider ProviderConfig `yaml:"provider"`

	// RootDir confines filesystem and shell capabilities. Empty means
	// the current working directory at startup.
	RootDir string `yaml:"root_dir,omitempty"`
	// StateDir holds the conversation database and checkpoint
	// snapshots. Empty means ~/.skein-agent.
	StateDir string `yaml:"state_dir,omitempty"`

	Limits    LimitsConfig    `yaml:"limits,omitempty"`
	Selection SelectionConfig `yaml:"selection,omitempty"`

	// LogFormat is "text" or "json".
	LogFormat string `yaml:"log_format,omitempty"`
	// LogLevel is "debug|info|warn|error".
	LogLevel string `yaml:"log_level,omitempty"`
}

type ProviderConfig struct {
	// Name is "anthropic" or "openai".
	Name  string `yaml:"name"`
	Model string `yaml:"model"`
	// APIKeyEnv names the environment variable carrying the API key.
	// Defaults to ANTHROPIC_API_KEY / OPENAI_API_KEY by provider.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
	// BaseURL overrides the provider endpoint, for gateways.
	BaseURL string `yaml:"base_url,omitempty"`
}

type LimitsConfig struct {
	MaxContextTokens    *int           `yaml:"max_context_tokens,omitempty"`
	MaxOutputTokens     *int           `yaml:"max_output_tokens,omitempty"`
	MaxRounds           *int           `yaml:"max_rounds,omitempty"`
	Parallelism         *int           `yaml:"parallelism,omitempty"`
	MinRecentTurns      *int           `yaml:"min_recent_turns,omitempty"`
	ReservedForResponse *int           `yaml:"reserved_for_response,omitempty"`
	CallTimeout         *time.Duration `yaml:"call_timeout,omitempty"`
}

type SelectionConfig struct {
	// Disabled offers the full catalog on every submission.
	Disabled      bool     `yaml:"disabled,omitempty"`
	MaxCount      *int     `yaml:"max_count,omitempty"`
	MinScore      *float64 `yaml:"min_score,omitempty"`
	AlwaysInclude []string `yaml:"always_include,omitempty"`
}

func (c *Config) Validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch strings.TrimSpace(strings.ToLower(c.Provider.Name)) {
	case "", "anthropic", "openai":
	default:
		return fmt.Errorf("unknown provider %q", c.Provider.Name)
	}
	switch strings.TrimSpace(c.LogFormat) {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log_format %q", c.LogFormat)
	}
	switch strings.TrimSpace(c.LogLevel) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	if v := c.Limits.MaxContextTokens; v != nil && *v <= 0 {
		return errors.New("limits.max_context_tokens must be positive")
	}
	if v := c.Limits.MaxOutputTokens; v != nil && *v <= 0 {
		return errors.New("limits.max_output_tokens must be positive")
	}
	if v := c.Limits.MaxRounds; v != nil && *v <= 0 {
		return errors.New("limits.max_rounds must be positive")
	}
	if v := c.Limits.Parallelism; v != nil && *v <= 0 {
		return errors.New("limits.parallelism must be positive")
	}
	if v := c.Limits.MinRecentTurns; v != nil && *v <= 0 {
		return errors.New("limits.min_recent_turns must be positive")
	}
	if v := c.Limits.ReservedForResponse; v != nil && *v < 0 {
		return errors.New("limits.reserved_for_response must not be negative")
	}
	if v := c.Limits.CallTimeout; v != nil && *v <= 0 {
		return errors.New("limits.call_timeout must be positive")
	}
	if v := c.Selection.MaxCount; v != nil && *v <= 0 {
		return errors.New("selection.max_count must be positive")
	}
	if v := c.Selection.MinScore; v != nil && (*v < 0 || *v > 1) {
		return errors.New("selection.min_score must be within [0,1]")
	}
	return nil
}

// DefaultConfigPath returns ~/.skein-agent/config.yaml, falling back to
// a relative path when the home directory is unknown.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return "skein-agent.config.yaml"
	}
	return filepath.Join(home, ".skein-agent", "config.yaml")
}

func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func Save(path string, cfg *Config) error {
	if cfg == nil {
		return errors.New("nil config")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

func (c *Config) EffectiveProviderName() string {
	name := strings.TrimSpace(strings.ToLower(c.Provider.Name))
	if name == "" {
		return defaultProvider
	}
	return name
}

func (c *Config) EffectiveModel() string {
	model := strings.TrimSpace(c.Provider.Model)
	if model == "" {
		return defaultModel
	}
	return model
}

func (c *Config) EffectiveAPIKeyEnv() string {
	env := strings.TrimSpace(c.Provider.APIKeyEnv)
	if env != "" {
		return env
	}
	switch c.EffectiveProviderName() {
	case "openai":
		return "OPENAI_API_KEY"
	default:
		return "ANTHROPIC_API_KEY"
	}
}

func (c *Config) EffectiveRootDir() string {
	root := strings.TrimSpace(c.RootDir)
	if root != "" {
		return filepath.Clean(root)
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

func (c *Config) EffectiveStateDir() string {
	dir := strings.TrimSpace(c.StateDir)
	if dir != "" {
		return filepath.Clean(dir)
	}
	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return ".skein-agent"
	}
	return filepath.Join(home, ".skein-agent")
}

func (c *Config) EffectiveMaxContextTokens() int {
	return intOr(c.Limits.MaxContextTokens, defaultMaxContextTokens)
}

func (c *Config) EffectiveMaxOutputTokens() int {
	return intOr(c.Limits.MaxOutputTokens, defaultMaxOutputTokens)
}

func (c *Config) EffectiveMaxRounds() int {
	return intOr(c.Limits.MaxRounds, defaultMaxRounds)
}

func (c *Config) EffectiveParallelism() int {
	return intOr(c.Limits.Parallelism, defaultParallelism)
}

func (c *Config) EffectiveMinRecentTurns() int {
	return intOr(c.Limits.MinRecentTurns, defaultMinRecentTurns)
}

func (c *Config) EffectiveReservedForResponse() int {
	return intOr(c.Limits.ReservedForResponse, defaultReserved)
}

func (c *Config) EffectiveCallTimeout() time.Duration {
	if c.Limits.CallTimeout != nil {
		return *c.Limits.CallTimeout
	}
	return defaultCallTimeout
}

func (c *Config) EffectiveSelectionMaxCount() int {
	return intOr(c.Selection.MaxCount, 0)
}

func (c *Config) EffectiveSelectionMinScore() float64 {
	if c.Selection.MinScore != nil {
		return *c.Selection.MinScore
	}
	return 0
}

// Logger builds the process logger from the log_format and log_level
// fields.
func (c *Config) Logger() *slog.Logger {
	level := slog.LevelInfo
	switch strings.TrimSpace(c.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.TrimSpace(c.LogFormat) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

func intOr(v *int, fallback int) int {
	if v != nil {
		return *v
	}
	return fallback
}

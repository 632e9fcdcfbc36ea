// Package config loads tool settings from .intentcode/config.yaml, with
// INTENTCODE_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// FileName is the settings file inside the workspace state directory.
const FileName = "config.yaml"

// EndpointConfig bounds how the generative endpoint is driven.
type EndpointConfig struct {
	MaxConcurrent int           `mapstructure:"maxConcurrent" yaml:"maxConcurrent"`
	RatePerSecond float64       `mapstructure:"ratePerSecond" yaml:"ratePerSecond"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout"`
	InlineSystem  bool          `mapstructure:"inlineSystem" yaml:"inlineSystem"`
}

type RunnerConfig struct {
	MaxAttempts int `mapstructure:"maxAttempts" yaml:"maxAttempts"`
}

type CacheConfig struct {
	HistoryPerNode int `mapstructure:"historyPerNode" yaml:"historyPerNode"`
}

type BuildConfig struct {
	MaxReplans int `mapstructure:"maxReplans" yaml:"maxReplans"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
}

type TraceConfig struct {
	Exporter string `mapstructure:"exporter" yaml:"exporter"`
}

// Config is the full set of tool settings.
type Config struct {
	Provider    string         `mapstructure:"provider" yaml:"provider"`
	Model       string         `mapstructure:"model" yaml:"model"`
	BaseURL     string         `mapstructure:"baseURL" yaml:"baseURL,omitempty"`
	Concurrency int            `mapstructure:"concurrency" yaml:"concurrency"`
	Endpoint    EndpointConfig `mapstructure:"endpoint" yaml:"endpoint"`
	Runner      RunnerConfig   `mapstructure:"runner" yaml:"runner"`
	Cache       CacheConfig    `mapstructure:"cache" yaml:"cache"`
	Build       BuildConfig    `mapstructure:"build" yaml:"build"`
	Log         LogConfig      `mapstructure:"log" yaml:"log"`
	Trace       TraceConfig    `mapstructure:"trace" yaml:"trace"`
}

// DefaultConfig returns the settings used when no file exists.
func DefaultConfig() *Config {
	return &Config{
		Provider:    "openai",
		Model:       "gpt-4o-mini",
		Concurrency: 4,
		Endpoint: EndpointConfig{
			MaxConcurrent: 4,
			RatePerSecond: 2,
			Timeout:       120 * time.Second,
		},
		Runner: RunnerConfig{MaxAttempts: 5},
		Cache:  CacheConfig{HistoryPerNode: 5},
		Build:  BuildConfig{MaxReplans: 8},
		Log:    LogConfig{Level: "info"},
		Trace:  TraceConfig{Exporter: "none"},
	}
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("provider", d.Provider)
	v.SetDefault("model", d.Model)
	v.SetDefault("baseURL", d.BaseURL)
	v.SetDefault("concurrency", d.Concurrency)
	v.SetDefault("endpoint.maxConcurrent", d.Endpoint.MaxConcurrent)
	v.SetDefault("endpoint.ratePerSecond", d.Endpoint.RatePerSecond)
	v.SetDefault("endpoint.timeout", d.Endpoint.Timeout)
	v.SetDefault("endpoint.inlineSystem", d.Endpoint.InlineSystem)
	v.SetDefault("runner.maxAttempts", d.Runner.MaxAttempts)
	v.SetDefault("cache.historyPerNode", d.Cache.HistoryPerNode)
	v.SetDefault("build.maxReplans", d.Build.MaxReplans)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("trace.exporter", d.Trace.Exporter)
}

// Load reads stateDir/config.yaml. A missing file yields the defaults, still
// subject to environment overrides.
func Load(stateDir string) (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(stateDir)
	v.SetEnvPrefix("INTENTCODE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Save writes the settings to stateDir/config.yaml.
func (c *Config) Save(stateDir string) error {
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return err
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(stateDir, FileName), data, 0644)
}

// ConfigError names the offending setting.
type ConfigError struct {
	Field   string
	Message string
}

func (e *ConfigError) Error() string {
	return "config error in field '" + e.Field + "': " + e.Message
}

// Validate rejects settings a build cannot run with.
func (c *Config) Validate() error {
	switch c.Provider {
	case "openai", "anthropic", "ollama":
	default:
		return &ConfigError{Field: "provider", Message: fmt.Sprintf("unknown provider %q", c.Provider)}
	}
	if c.Concurrency < 1 {
		return &ConfigError{Field: "concurrency", Message: "must be at least 1"}
	}
	if c.Endpoint.MaxConcurrent < 1 {
		return &ConfigError{Field: "endpoint.maxConcurrent", Message: "must be at least 1"}
	}
	if c.Endpoint.RatePerSecond < 0 {
		return &ConfigError{Field: "endpoint.ratePerSecond", Message: "must not be negative"}
	}
	if c.Runner.MaxAttempts < 1 {
		return &ConfigError{Field: "runner.maxAttempts", Message: "must be at least 1"}
	}
	if c.Build.MaxReplans < 0 {
		return &ConfigError{Field: "build.maxReplans", Message: "must not be negative"}
	}
	switch c.Trace.Exporter {
	case "none", "stdout":
	default:
		return &ConfigError{Field: "trace.exporter", Message: fmt.Sprintf("unknown exporter %q", c.Trace.Exporter)}
	}
	return nil
}

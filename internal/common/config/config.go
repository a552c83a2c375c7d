// Package config provides configuration management for the TENEX kernel.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for the kernel.
type Config struct {
	Project     ProjectConfig     `mapstructure:"project"`
	Server      ServerConfig      `mapstructure:"server"`
	NATS        NATSConfig        `mapstructure:"nats"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Agents      AgentsConfig      `mapstructure:"agents"`
	Lock        LockConfig        `mapstructure:"lock"`
	Termination TerminationConfig `mapstructure:"termination"`
	Stream      StreamConfig      `mapstructure:"stream"`
	Typing      TypingConfig      `mapstructure:"typing"`
	Queue       QueueConfig       `mapstructure:"queue"`
	LLM         LLMConfig         `mapstructure:"llm"`
	Logging     LoggingConfig     `mapstructure:"logging"`
}

// ProjectConfig identifies the project this kernel instance owns.
type ProjectConfig struct {
	// ID is the opaque project identifier. Required.
	ID string `mapstructure:"id"`

	// Whitelist is the set of author keys the kernel accepts events from.
	// Empty means accept all non-agent authors.
	Whitelist []string `mapstructure:"whitelist"`
}

// ServerConfig holds admin HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// StorageConfig holds durable state configuration.
type StorageConfig struct {
	// Dir is the root directory for persisted conversations, the index,
	// and the execution lock/queue records.
	Dir string `mapstructure:"dir"`
}

// AgentsConfig points at the agent definition file.
type AgentsConfig struct {
	Path string `mapstructure:"path"`
}

// LockConfig holds Execute-lock configuration.
type LockConfig struct {
	MaxDurationMs int `mapstructure:"maxDurationMs"`
}

// MaxDuration returns the lock lifetime as a time.Duration.
func (l *LockConfig) MaxDuration() time.Duration {
	return time.Duration(l.MaxDurationMs) * time.Millisecond
}

// TerminationConfig holds termination enforcement configuration.
type TerminationConfig struct {
	MaxAttempts int `mapstructure:"maxAttempts"`
}

// StreamConfig holds stream publisher configuration.
type StreamConfig struct {
	FlushDelayMs    int `mapstructure:"flushDelayMs"`
	MaxFlushDelayMs int `mapstructure:"maxFlushDelayMs"`
}

// FlushDelay returns the partial-publish flush window as a time.Duration.
func (s *StreamConfig) FlushDelay() time.Duration {
	return time.Duration(s.FlushDelayMs) * time.Millisecond
}

// MaxFlushDelay returns the backpressure cap on the flush window.
func (s *StreamConfig) MaxFlushDelay() time.Duration {
	return time.Duration(s.MaxFlushDelayMs) * time.Millisecond
}

// TypingConfig holds typing indicator configuration.
type TypingConfig struct {
	MinVisibleMs int `mapstructure:"minVisibleMs"`
}

// MinVisible returns the minimum typing indicator visibility as a time.Duration.
func (t *TypingConfig) MinVisible() time.Duration {
	return time.Duration(t.MinVisibleMs) * time.Millisecond
}

// QueueConfig holds execution queue configuration.
type QueueConfig struct {
	AvgExecHintMs int `mapstructure:"avgExecHintMs"`
}

// AvgExecHint returns the default average execution duration for ETA estimates.
func (q *QueueConfig) AvgExecHint() time.Duration {
	return time.Duration(q.AvgExecHintMs) * time.Millisecond
}

// LLMConfig holds model provider configuration. The API key is read from
// the environment variable named by APIKeyEnv, never from the config file.
type LLMConfig struct {
	BaseURL          string `mapstructure:"baseUrl"`
	APIKeyEnv        string `mapstructure:"apiKeyEnv"`
	Model            string `mapstructure:"model"`
	RequestTimeoutMs int    `mapstructure:"requestTimeoutMs"`
}

// RequestTimeout returns the per-request timeout as a time.Duration.
func (l *LLMConfig) RequestTimeout() time.Duration {
	return time.Duration(l.RequestTimeoutMs) * time.Millisecond
}

// APIKey resolves the provider API key from the environment.
func (l *LLMConfig) APIKey() string {
	if l.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(l.APIKeyEnv)
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("TENEX_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Project defaults — id has no default, it is required
	v.SetDefault("project.whitelist", []string{})

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "tenex-kernel")
	v.SetDefault("nats.maxReconnects", 10)

	// Storage defaults
	v.SetDefault("storage.dir", "")

	// Agent definitions
	v.SetDefault("agents.path", "agents.yaml")

	// Execute lock: 30 minutes
	v.SetDefault("lock.maxDurationMs", 1_800_000)

	// Termination enforcement
	v.SetDefault("termination.maxAttempts", 2)

	// Stream publisher
	v.SetDefault("stream.flushDelayMs", 100)
	v.SetDefault("stream.maxFlushDelayMs", 1000)

	// Typing indicators
	v.SetDefault("typing.minVisibleMs", 5000)

	// Queue ETA hint: 10 minutes
	v.SetDefault("queue.avgExecHintMs", 600_000)

	// LLM provider
	v.SetDefault("llm.baseUrl", "http://localhost:4000/v1")
	v.SetDefault("llm.apiKeyEnv", "TENEX_LLM_API_KEY")
	v.SetDefault("llm.model", "")
	v.SetDefault("llm.requestTimeoutMs", 600_000)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix TENEX_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory or /etc/tenex/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("TENEX")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for env vars where camelCase config keys differ from
	// the SNAKE_CASE names AutomaticEnv derives.
	_ = v.BindEnv("project.id", "TENEX_PROJECT_ID")
	_ = v.BindEnv("lock.maxDurationMs", "TENEX_LOCK_MAX_DURATION_MS")
	_ = v.BindEnv("termination.maxAttempts", "TENEX_TERMINATION_MAX_ATTEMPTS")
	_ = v.BindEnv("stream.flushDelayMs", "TENEX_STREAM_FLUSH_DELAY_MS")
	_ = v.BindEnv("typing.minVisibleMs", "TENEX_TYPING_MIN_VISIBLE_MS")
	_ = v.BindEnv("queue.avgExecHintMs", "TENEX_QUEUE_AVG_EXEC_HINT_MS")

	// Configure config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/tenex/")

	// Read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	applyDerived(&cfg)

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Project.ID == "" {
		errs = append(errs, "project.id is required")
	}

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Lock.MaxDurationMs <= 0 {
		errs = append(errs, "lock.maxDurationMs must be positive")
	}
	if cfg.Termination.MaxAttempts <= 0 {
		errs = append(errs, "termination.maxAttempts must be positive")
	}
	if cfg.Stream.FlushDelayMs <= 0 {
		errs = append(errs, "stream.flushDelayMs must be positive")
	}
	if cfg.Stream.MaxFlushDelayMs < cfg.Stream.FlushDelayMs {
		errs = append(errs, "stream.maxFlushDelayMs must be >= stream.flushDelayMs")
	}
	if cfg.Typing.MinVisibleMs < 0 {
		errs = append(errs, "typing.minVisibleMs must not be negative")
	}
	if cfg.Queue.AvgExecHintMs <= 0 {
		errs = append(errs, "queue.avgExecHintMs must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}

// applyDerived fills in values computed from other settings.
func applyDerived(cfg *Config) {
	if cfg.Storage.Dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		cfg.Storage.Dir = filepath.Join(home, ".tenex", "projects", cfg.Project.ID)
	}
}

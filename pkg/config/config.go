// Package config loads the engine's layered configuration: defaults, an
// optional YAML overlay, then environment variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LoggingConfig controls the engine's structured logging.
type LoggingConfig struct {
	Level      string `json:"level" yaml:"level" env:"ENGINE_LOG_LEVEL"`
	Format     string `json:"format" yaml:"format" env:"ENGINE_LOG_FORMAT"`
	Output     string `json:"output" yaml:"output" env:"ENGINE_LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" yaml:"file_prefix" env:"ENGINE_LOG_FILE_PREFIX"`
}

// DispatchConfig bounds the dispatcher's cascade and stimulus queue.
type DispatchConfig struct {
	CascadeDepthLimit int `json:"cascade_depth_limit" yaml:"cascade_depth_limit" env:"ENGINE_CASCADE_DEPTH_LIMIT"`
	QueueCapacity     int `json:"queue_capacity" yaml:"queue_capacity" env:"ENGINE_QUEUE_CAPACITY"`
}

// AuditConfig controls the audit log's ring buffer and persistence flush policy.
type AuditConfig struct {
	MaxMemoryEntries int           `json:"max_memory_entries" yaml:"max_memory_entries" env:"ENGINE_AUDIT_MAX_MEMORY_ENTRIES"`
	BatchSize        int           `json:"batch_size" yaml:"batch_size" env:"ENGINE_AUDIT_BATCH_SIZE"`
	FlushInterval    time.Duration `json:"flush_interval" yaml:"flush_interval" env:"ENGINE_AUDIT_FLUSH_INTERVAL"`
}

// TraceConfig controls the opt-in, volatile execution trace.
type TraceConfig struct {
	Enabled    bool `json:"enabled" yaml:"enabled" env:"ENGINE_TRACE_ENABLED"`
	MaxEntries int  `json:"max_entries" yaml:"max_entries" env:"ENGINE_TRACE_MAX_ENTRIES"`
}

// SSEConfig controls server-sent-event fan-out.
type SSEConfig struct {
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval" env:"ENGINE_SSE_HEARTBEAT_INTERVAL"`
}

// WebhookConfig controls outbound webhook delivery defaults.
type WebhookConfig struct {
	MaxRetries     int           `json:"max_retries" yaml:"max_retries" env:"ENGINE_WEBHOOK_MAX_RETRIES"`
	RetryBaseDelay time.Duration `json:"retry_base_delay" yaml:"retry_base_delay" env:"ENGINE_WEBHOOK_RETRY_BASE_DELAY"`
	DefaultTimeout time.Duration `json:"default_timeout" yaml:"default_timeout" env:"ENGINE_WEBHOOK_DEFAULT_TIMEOUT"`
	RatePerSecond  float64       `json:"rate_per_second" yaml:"rate_per_second" env:"ENGINE_WEBHOOK_RATE_PER_SECOND"`
	RateBurst      int           `json:"rate_burst" yaml:"rate_burst" env:"ENGINE_WEBHOOK_RATE_BURST"`
}

// PersistenceConfig names the StorageAdapter keys the engine writes to.
type PersistenceConfig struct {
	RuleStorageKey string `json:"rule_storage_key" yaml:"rule_storage_key" env:"ENGINE_RULE_STORAGE_KEY"`
}

// Config is the engine's top-level configuration structure.
type Config struct {
	Logging     LoggingConfig     `json:"logging" yaml:"logging"`
	Dispatch    DispatchConfig    `json:"dispatch" yaml:"dispatch"`
	Audit       AuditConfig       `json:"audit" yaml:"audit"`
	Trace       TraceConfig       `json:"trace" yaml:"trace"`
	SSE         SSEConfig         `json:"sse" yaml:"sse"`
	Webhook     WebhookConfig     `json:"webhook" yaml:"webhook"`
	Persistence PersistenceConfig `json:"persistence" yaml:"persistence"`
}

// New returns a configuration populated with the defaults named in §2.1 of
// the engine's expanded specification.
func New() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "reactor",
		},
		Dispatch: DispatchConfig{
			CascadeDepthLimit: 64,
			QueueCapacity:     1024,
		},
		Audit: AuditConfig{
			MaxMemoryEntries: 50000,
			BatchSize:        100,
			FlushInterval:    5 * time.Second,
		},
		Trace: TraceConfig{
			Enabled:    false,
			MaxEntries: 5000,
		},
		SSE: SSEConfig{
			HeartbeatInterval: 30 * time.Second,
		},
		Webhook: WebhookConfig{
			MaxRetries:     3,
			RetryBaseDelay: time.Second,
			DefaultTimeout: 10 * time.Second,
			RatePerSecond:  10,
			RateBurst:      20,
		},
		Persistence: PersistenceConfig{
			RuleStorageKey: "rules",
		},
	}
}

// Load loads configuration from an optional YAML file, then applies
// environment variable overrides. A missing file is not an error; a missing
// CONFIG_FILE override falls back to configs/config.yaml if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in the
		// environment; treat that case as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	cfg.normalize()
	return cfg, nil
}

// LoadFile reads configuration from a YAML file, applying no environment overrides.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// LoadConfig is a helper used by tests to load JSON config snippets.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

// normalize clamps configuration values that must stay within protective bounds.
func (c *Config) normalize() {
	if c == nil {
		return
	}
	if c.Dispatch.CascadeDepthLimit <= 0 {
		c.Dispatch.CascadeDepthLimit = 64
	}
	if c.Audit.MaxMemoryEntries <= 0 {
		c.Audit.MaxMemoryEntries = 50000
	}
	if c.Webhook.MaxRetries < 0 {
		c.Webhook.MaxRetries = 0
	}
	if c.Persistence.RuleStorageKey == "" {
		c.Persistence.RuleStorageKey = "rules"
	}
}

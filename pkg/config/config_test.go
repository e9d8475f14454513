package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewDefaults(t *testing.T) {
	cfg := New()
	if cfg.Dispatch.CascadeDepthLimit != 64 {
		t.Fatalf("expected cascade depth limit 64, got %d", cfg.Dispatch.CascadeDepthLimit)
	}
	if cfg.Audit.MaxMemoryEntries != 50000 {
		t.Fatalf("expected max memory entries 50000, got %d", cfg.Audit.MaxMemoryEntries)
	}
	if cfg.Webhook.MaxRetries != 3 {
		t.Fatalf("expected max retries 3, got %d", cfg.Webhook.MaxRetries)
	}
	if cfg.Persistence.RuleStorageKey != "rules" {
		t.Fatalf("expected rule storage key 'rules', got %q", cfg.Persistence.RuleStorageKey)
	}
}

func TestLoadFromFileOverlay(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := "audit:\n  max_memory_entries: 1000\n  batch_size: 25\ndispatch:\n  cascade_depth_limit: 8\n"
	if err := os.WriteFile(path, []byte(yamlBody), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := LoadFile(path)
	if err != nil {
		t.Fatalf("LoadFile: %v", err)
	}
	if cfg.Audit.MaxMemoryEntries != 1000 {
		t.Fatalf("expected overlay max memory entries 1000, got %d", cfg.Audit.MaxMemoryEntries)
	}
	if cfg.Dispatch.CascadeDepthLimit != 8 {
		t.Fatalf("expected overlay cascade depth limit 8, got %d", cfg.Dispatch.CascadeDepthLimit)
	}
	// Untouched sections keep their defaults.
	if cfg.Webhook.MaxRetries != 3 {
		t.Fatalf("expected default max retries 3, got %d", cfg.Webhook.MaxRetries)
	}
}

func TestLoadFileMissingIsNotError(t *testing.T) {
	cfg, err := LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("expected no error for missing file, got %v", err)
	}
	if cfg.Dispatch.CascadeDepthLimit != 64 {
		t.Fatalf("expected defaults preserved, got %d", cfg.Dispatch.CascadeDepthLimit)
	}
}

func TestNormalizeClampsInvalidValues(t *testing.T) {
	cfg := &Config{}
	cfg.normalize()
	if cfg.Dispatch.CascadeDepthLimit != 64 {
		t.Fatalf("expected clamp to 64, got %d", cfg.Dispatch.CascadeDepthLimit)
	}
	if cfg.Audit.MaxMemoryEntries != 50000 {
		t.Fatalf("expected clamp to 50000, got %d", cfg.Audit.MaxMemoryEntries)
	}
	if cfg.Persistence.RuleStorageKey != "rules" {
		t.Fatalf("expected clamp to 'rules', got %q", cfg.Persistence.RuleStorageKey)
	}
}

func TestDefaultsUseSensibleDurations(t *testing.T) {
	cfg := New()
	if cfg.SSE.HeartbeatInterval != 30*time.Second {
		t.Fatalf("expected 30s heartbeat, got %s", cfg.SSE.HeartbeatInterval)
	}
	if cfg.Webhook.RetryBaseDelay != time.Second {
		t.Fatalf("expected 1s retry base delay, got %s", cfg.Webhook.RetryBaseDelay)
	}
}

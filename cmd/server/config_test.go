package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tierfence/tierfence/pkg/tierfence"
)

func TestLoadServerConfig_Defaults(t *testing.T) {
	cfg, err := loadServerConfig()
	if err != nil {
		t.Fatalf("loadServerConfig() failed: %v", err)
	}

	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.RedisAddr != "" {
		t.Errorf("RedisAddr = %q, want empty (in-memory)", cfg.RedisAddr)
	}
	if cfg.ShutdownTimeout != 15*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 15s", cfg.ShutdownTimeout)
	}
	if cfg.AuditRetention != 720*time.Hour {
		t.Errorf("AuditRetention = %v, want 720h", cfg.AuditRetention)
	}
	if cfg.Tracing.Exporter != "none" {
		t.Errorf("Tracing.Exporter = %q, want none", cfg.Tracing.Exporter)
	}
	if cfg.TrustProxy {
		t.Error("TrustProxy should default to false")
	}
}

func TestLoadServerConfig_FromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("REDIS_DB", "2")
	t.Setenv("TRACING_EXPORTER", "OTLP")
	t.Setenv("TRUST_PROXY", "true")
	t.Setenv("SHUTDOWN_TIMEOUT", "3s")

	cfg, err := loadServerConfig()
	if err != nil {
		t.Fatalf("loadServerConfig() failed: %v", err)
	}

	if cfg.Port != "9090" || cfg.RedisAddr != "redis:6379" || cfg.RedisDB != 2 {
		t.Errorf("got port=%q redis=%q db=%d", cfg.Port, cfg.RedisAddr, cfg.RedisDB)
	}
	if cfg.Tracing.Exporter != "otlp" {
		t.Errorf("Tracing.Exporter = %q, want otlp", cfg.Tracing.Exporter)
	}
	if !cfg.TrustProxy {
		t.Error("TrustProxy should be true")
	}
	if cfg.ShutdownTimeout != 3*time.Second {
		t.Errorf("ShutdownTimeout = %v, want 3s", cfg.ShutdownTimeout)
	}
}

func TestLoadServerConfig_Invalid(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"REDIS_DB", "zero"},
		{"SHUTDOWN_TIMEOUT", "soon"},
		{"AUDIT_RETENTION", "forever"},
		{"TRACING_SAMPLE_RATE", "most"},
		{"TRUST_PROXY", "maybe"},
	}

	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			if _, err := loadServerConfig(); err == nil {
				t.Errorf("expected error for %s=%q", tt.key, tt.value)
			}
		})
	}
}

func TestLoadPolicy(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		policy, err := loadPolicy("")
		if err != nil {
			t.Fatalf("loadPolicy() failed: %v", err)
		}
		if got := policy.Tiers["anonymous"].Capacity; got != 10 {
			t.Errorf("anonymous capacity = %d, want 10", got)
		}
	})

	t.Run("file and env", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "tierfence.yaml")
		data := []byte("tiers:\n  free:\n    capacity: 90\n    window: 1m\n")
		if err := os.WriteFile(path, data, 0o600); err != nil {
			t.Fatal(err)
		}
		t.Setenv("TIERFENCE_TIER_ANONYMOUS_CAPACITY", "20")

		policy, err := loadPolicy(path)
		if err != nil {
			t.Fatalf("loadPolicy() failed: %v", err)
		}
		if got := policy.Tiers["free"].Capacity; got != 90 {
			t.Errorf("free capacity = %d, want 90", got)
		}
		if got := policy.Tiers["anonymous"].Capacity; got != 20 {
			t.Errorf("anonymous capacity = %d, want 20", got)
		}
	})

	t.Run("invalid", func(t *testing.T) {
		t.Setenv("TIERFENCE_TIER_FREE_CAPACITY", "0")
		_, err := loadPolicy("")
		if !errors.Is(err, tierfence.ErrInvalidConfig) {
			t.Errorf("err = %v, want ErrInvalidConfig", err)
		}
	})
}

package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tierfence/tierfence/logging"
	"github.com/tierfence/tierfence/telemetry"
)

// serverConfig is the process-level configuration read from the environment.
// Limiter policy lives in tierfence.Config (TIERFENCE_CONFIG plus
// TIERFENCE_* overrides).
type serverConfig struct {
	Port            string
	ShutdownTimeout time.Duration
	TrustProxy      bool

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	PolicyFile string

	Log     logging.Config
	Tracing telemetry.Config

	AuditDB        string
	AuditRetention time.Duration
	BlocklistFile  string
}

func loadServerConfig() (*serverConfig, error) {
	cfg := &serverConfig{
		Port:          getEnv("PORT", "8080"),
		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		PolicyFile:    getEnv("TIERFENCE_CONFIG", ""),
		Log: logging.Config{
			Level:    getEnv("LOG_LEVEL", "info"),
			Format:   getEnv("LOG_FORMAT", "json"),
			Output:   getEnv("LOG_OUTPUT", "stdout"),
			FilePath: getEnv("LOG_FILE", ""),
		},
		Tracing: telemetry.Config{
			ServiceName:  getEnv("SERVICE_NAME", "tierfence"),
			Exporter:     getEnv("TRACING_EXPORTER", "none"),
			OTLPEndpoint: getEnv("OTLP_ENDPOINT", "localhost:4317"),
		},
		AuditDB:       getEnv("AUDIT_DB", ""),
		BlocklistFile: getEnv("BLOCKLIST_FILE", ""),
	}

	var err error
	if cfg.RedisDB, err = strconv.Atoi(getEnv("REDIS_DB", "0")); err != nil {
		return nil, fmt.Errorf("invalid REDIS_DB: %w", err)
	}
	if cfg.ShutdownTimeout, err = time.ParseDuration(getEnv("SHUTDOWN_TIMEOUT", "15s")); err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}
	if cfg.AuditRetention, err = time.ParseDuration(getEnv("AUDIT_RETENTION", "720h")); err != nil {
		return nil, fmt.Errorf("invalid AUDIT_RETENTION: %w", err)
	}
	if cfg.Tracing.SampleRate, err = strconv.ParseFloat(getEnv("TRACING_SAMPLE_RATE", "1.0"), 64); err != nil {
		return nil, fmt.Errorf("invalid TRACING_SAMPLE_RATE: %w", err)
	}
	if cfg.TrustProxy, err = strconv.ParseBool(getEnv("TRUST_PROXY", "false")); err != nil {
		return nil, fmt.Errorf("invalid TRUST_PROXY: %w", err)
	}
	cfg.Tracing.Exporter = strings.ToLower(cfg.Tracing.Exporter)

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

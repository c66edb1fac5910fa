// Copyright (C) 2025 Sysdr Labs
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package config loads gateway configuration from the environment.
//
// A .env file is honored when present (local development); real
// deployments set the environment directly. Every knob has a default a
// developer laptop can live with, and anything defaulted that matters
// in production is logged with a warning.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config is the gateway's runtime configuration.
type Config struct {
	// Port the HTTP server listens on.
	Port string

	// GinMode is gin's run mode (debug, release, test).
	GinMode string

	// Backends is the failover priority order (comma separated in
	// LLM_BACKENDS, e.g. "gemini,openai,ollama").
	Backends []string

	// JWTSecret signs admin API tokens. Required for admin routes.
	JWTSecret string

	// DataDir is the root for BadgerDB directories.
	DataDir string

	// PolicyPatternsFile optionally overrides the embedded policy
	// rules; when set, it is also hot-reloaded on change.
	PolicyPatternsFile string

	// RetentionSchedule is the cron expression for the nightly sweep.
	RetentionSchedule string

	// HealthProbeInterval is how often backends are probed.
	HealthProbeInterval time.Duration

	// RedisEnabled turns on the distributed rate limiter.
	RedisEnabled bool

	// OTLPEndpoint is the OTLP gRPC collector address; empty disables
	// trace export.
	OTLPEndpoint string
}

func getEnvOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// Load reads configuration from the environment, loading .env first if
// one exists.
func Load() *Config {
	if err := godotenv.Load(); err != nil {
		// No .env file is the normal case outside local development.
		slog.Debug("no .env file loaded", "error", err)
	}

	cfg := &Config{
		Port:                getEnvOrDefault("GATEWAY_PORT", "8080"),
		GinMode:             getEnvOrDefault("GIN_MODE", "release"),
		JWTSecret:           os.Getenv("GATEWAY_JWT_SECRET"),
		DataDir:             getEnvOrDefault("GATEWAY_DATA_DIR", "./data"),
		PolicyPatternsFile:  os.Getenv("POLICY_PATTERNS_FILE"),
		RetentionSchedule:   os.Getenv("RETENTION_SCHEDULE"),
		OTLPEndpoint:        os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		HealthProbeInterval: 30 * time.Second,
	}

	if raw := os.Getenv("HEALTH_PROBE_INTERVAL_SECONDS"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			cfg.HealthProbeInterval = time.Duration(secs) * time.Second
		} else {
			slog.Warn("HEALTH_PROBE_INTERVAL_SECONDS is invalid, using default",
				"value", raw, "default", cfg.HealthProbeInterval)
		}
	}

	backends := getEnvOrDefault("LLM_BACKENDS", "gemini,ollama")
	cfg.Backends = splitNonEmpty(backends)

	if enabled := os.Getenv("REDIS_ENABLED"); enabled != "" {
		cfg.RedisEnabled, _ = strconv.ParseBool(enabled)
	}

	if cfg.JWTSecret == "" {
		slog.Warn("GATEWAY_JWT_SECRET is not set, admin API is disabled")
	}

	return cfg
}

func splitNonEmpty(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

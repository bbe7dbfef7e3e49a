// Excubitor - Inline API Traffic Guard and Adaptive Mitigation Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/excubitor

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// DefaultConfigPaths lists the paths where config files are searched in
// order of priority. The first file found wins.
var DefaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/excubitor/config.yaml",
	"/etc/excubitor/config.yml",
}

// ConfigPathEnvVar is the environment variable that overrides the config
// file path.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfig returns a Config with all default values. These are applied
// first, then overridden by config file and environment variables.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8710,
			Host:        "0.0.0.0",
			Timeout:     30 * time.Second,
			Environment: "development",
			UpstreamURL: "",
		},
		Gate: GateConfig{
			Enabled:         true,
			ActorHeader:     "X-Actor-Account",
			ChallengeHeader: "X-Challenge-Token",
			DelayMin:        100 * time.Millisecond,
			DelayMax:        500 * time.Millisecond,
			TrustedProxies:  []string{},
		},
		Recorder: RecorderConfig{
			QueueCapacity: 8192,
		},
		Pipeline: PipelineConfig{
			FlushInterval:           5 * time.Second,
			BatchThreshold:          100,
			ClassifyTimeout:         30 * time.Second,
			MaxConcurrentCategories: 0, // unlimited
		},
		Classifier: ClassifierConfig{
			Mode:               "heuristic", // no external dependency by default
			URL:                "",
			APIKey:             "",
			Model:              "",
			Timeout:            30 * time.Second,
			RateLimit:          5,
			Burst:              10,
			BreakerMaxFailures: 5,
			BreakerOpenTimeout: 60 * time.Second,
			Ruleset:            "", // empty selects the built-in default text
		},
		Mitigation: MitigationConfig{
			Store:             "memory",
			BadgerPath:        "/data/excubitor/mitigations",
			SweepInterval:     time.Minute,
			DelayTTL:          10 * time.Minute,
			CaptchaTTL:        30 * time.Minute,
			TemporaryBlockTTL: time.Hour,
		},
		Calibration: CalibrationConfig{
			TopK:              5,
			MinSimilarity:     0.3,
			RecurrenceBatches: 2,
			RecurrenceWindow:  time.Hour,
		},
		Database: DatabaseConfig{
			Path:      "/data/excubitor.duckdb",
			MaxMemory: "1GB",
			Threads:   0, // 0 = use runtime.NumCPU()
		},
		API: APIConfig{
			DefaultPageSize: 20,
			MaxPageSize:     100,
		},
		Security: SecurityConfig{
			AdminToken:        "",
			RateLimitReqs:     100,
			RateLimitWindow:   time.Minute,
			RateLimitDisabled: false,
			CORSOrigins:       []string{"*"},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Caller: false,
		},
	}
}

// LoadWithKoanf loads configuration using Koanf v2 with layered sources:
//  1. Defaults: built-in defaults
//  2. Config File: optional YAML config file (if it exists)
//  3. Environment Variables: override any setting
//
// Precedence: ENV > File > Defaults.
func LoadWithKoanf() (*Config, error) {
	k := koanf.New(".")

	// Layer 1: defaults from struct
	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	// Layer 2: config file (optional)
	if configPath := findConfigFile(); configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", configPath, err)
		}
	}

	// Layer 3: environment variables (highest priority)
	// GATE_ACTOR_HEADER -> gate.actor_header, DUCKDB_PATH -> database.path
	envProvider := env.Provider("", ".", envTransformFunc)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	// Comma-separated env values map onto slice fields
	if err := processSliceFields(k); err != nil {
		return nil, fmt.Errorf("failed to process slice fields: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// findConfigFile searches for a config file in the default paths.
// Returns the first file found, or empty string if none.
func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	for _, path := range DefaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}

	return ""
}

// sliceConfigPaths defines which config paths are parsed as comma-separated
// slices when they arrive as env var strings.
var sliceConfigPaths = []string{
	"gate.trusted_proxies",
	"security.cors_origins",
}

// processSliceFields converts comma-separated string values to slices for
// known slice fields.
func processSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceConfigPaths {
		val := k.Get(path)
		if val == nil {
			continue
		}

		// Already a slice (from YAML file)
		if _, ok := val.([]interface{}); ok {
			continue
		}
		if _, ok := val.([]string); ok {
			continue
		}

		if strVal, ok := val.(string); ok {
			if strVal == "" {
				continue
			}
			parts := strings.Split(strVal, ",")
			trimmed := make([]string, 0, len(parts))
			for _, p := range parts {
				p = strings.TrimSpace(p)
				if p != "" {
					trimmed = append(trimmed, p)
				}
			}
			if len(trimmed) > 0 {
				if err := k.Set(path, trimmed); err != nil {
					return fmt.Errorf("failed to set %s: %w", path, err)
				}
			}
		}
	}
	return nil
}

// envTransformFunc maps environment variable names to koanf config paths.
// Unmapped variables are skipped so unrelated environment noise never
// pollutes the config.
//
// Examples:
//   - HTTP_PORT -> server.port
//   - GATE_DELAY_MIN -> gate.delay_min
//   - CLASSIFIER_URL -> classifier.url
//   - DUCKDB_PATH -> database.path
func envTransformFunc(key string) string {
	key = strings.ToLower(key)

	envMappings := map[string]string{
		// Server mappings
		"http_port":    "server.port",
		"http_host":    "server.host",
		"http_timeout": "server.timeout",
		"environment":  "server.environment",
		"upstream_url": "server.upstream_url",

		// Gate mappings
		"gate_enabled":          "gate.enabled",
		"gate_actor_header":     "gate.actor_header",
		"gate_challenge_header": "gate.challenge_header",
		"gate_delay_min":        "gate.delay_min",
		"gate_delay_max":        "gate.delay_max",
		"trusted_proxies":       "gate.trusted_proxies",

		// Recorder mappings
		"recorder_queue_capacity": "recorder.queue_capacity",

		// Pipeline mappings
		"pipeline_flush_interval":   "pipeline.flush_interval",
		"pipeline_batch_threshold":  "pipeline.batch_threshold",
		"pipeline_classify_timeout": "pipeline.classify_timeout",
		"pipeline_max_categories":   "pipeline.max_concurrent_categories",

		// Classifier mappings
		"classifier_mode":                 "classifier.mode",
		"classifier_url":                  "classifier.url",
		"classifier_api_key":              "classifier.api_key",
		"classifier_model":                "classifier.model",
		"classifier_timeout":              "classifier.timeout",
		"classifier_rate_limit":           "classifier.rate_limit",
		"classifier_burst":                "classifier.burst",
		"classifier_breaker_max_failures": "classifier.breaker_max_failures",
		"classifier_breaker_open_timeout": "classifier.breaker_open_timeout",
		"classifier_ruleset":              "classifier.ruleset",

		// Mitigation mappings
		"mitigation_store":          "mitigation.store",
		"mitigation_badger_path":    "mitigation.badger_path",
		"mitigation_sweep_interval": "mitigation.sweep_interval",
		"mitigation_delay_ttl":      "mitigation.delay_ttl",
		"mitigation_captcha_ttl":    "mitigation.captcha_ttl",
		"mitigation_block_ttl":      "mitigation.temporary_block_ttl",

		// Calibration mappings
		"calibration_top_k":              "calibration.top_k",
		"calibration_min_similarity":     "calibration.min_similarity",
		"calibration_recurrence_batches": "calibration.recurrence_batches",
		"calibration_recurrence_window":  "calibration.recurrence_window",

		// Database mappings
		"duckdb_path":       "database.path",
		"duckdb_max_memory": "database.max_memory",
		"duckdb_threads":    "database.threads",

		// API mappings
		"api_default_page_size": "api.default_page_size",
		"api_max_page_size":     "api.max_page_size",

		// Security mappings
		"admin_token":         "security.admin_token",
		"rate_limit_requests": "security.rate_limit_reqs",
		"rate_limit_window":   "security.rate_limit_window",
		"disable_rate_limit":  "security.rate_limit_disabled",
		"cors_origins":        "security.cors_origins",

		// Logging mappings
		"log_level":  "logging.level",
		"log_format": "logging.format",
		"log_caller": "logging.caller",
	}

	if mapped, ok := envMappings[key]; ok {
		return mapped
	}

	return ""
}

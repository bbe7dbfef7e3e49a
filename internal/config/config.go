// Excubitor - Inline API Traffic Guard and Adaptive Mitigation Pipeline
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/excubitor

// Package config provides centralized configuration for all Excubitor
// components, loaded with Koanf v2 from layered sources:
//
//  1. Defaults: built-in sensible defaults for every setting
//  2. Config File: optional YAML config file (config.yaml)
//  3. Environment Variables: override any setting
//
// Config is immutable after Load() and safe for concurrent read access.
package config

import (
	"fmt"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Server      ServerConfig      `koanf:"server"`
	Gate        GateConfig        `koanf:"gate"`
	Recorder    RecorderConfig    `koanf:"recorder"`
	Pipeline    PipelineConfig    `koanf:"pipeline"`
	Classifier  ClassifierConfig  `koanf:"classifier"`
	Mitigation  MitigationConfig  `koanf:"mitigation"`
	Calibration CalibrationConfig `koanf:"calibration"`
	Database    DatabaseConfig    `koanf:"database"`
	API         APIConfig         `koanf:"api"`
	Security    SecurityConfig    `koanf:"security"`
	Logging     LoggingConfig     `koanf:"logging"`
}

// ServerConfig holds HTTP server settings for the guarded listener and the
// management API.
//
// Environment Variables:
//   - HTTP_PORT: listen port (default: 8710)
//   - HTTP_HOST: bind address (default: 0.0.0.0)
//   - HTTP_TIMEOUT: read/write timeout (default: 30s)
//   - ENVIRONMENT: development or production (default: development)
type ServerConfig struct {
	Port        int           `koanf:"port"`
	Host        string        `koanf:"host"`
	Timeout     time.Duration `koanf:"timeout"`
	Environment string        `koanf:"environment"`

	// UpstreamURL is the backend the guarded listener proxies allowed
	// requests to. Empty disables the proxy listener; the gate is then
	// only available as embeddable middleware.
	UpstreamURL string `koanf:"upstream_url"`
}

// GateConfig holds interception gate settings.
//
// Environment Variables:
//   - GATE_ENABLED: enable the interception gate (default: true)
//   - GATE_ACTOR_HEADER: header carrying the account identifier (default: X-Actor-Account)
//   - GATE_CHALLENGE_HEADER: header carrying a solved challenge token (default: X-Challenge-Token)
//   - GATE_DELAY_MIN / GATE_DELAY_MAX: jittered hold bounds for the delay tier
type GateConfig struct {
	Enabled         bool          `koanf:"enabled"`
	ActorHeader     string        `koanf:"actor_header"`
	ChallengeHeader string        `koanf:"challenge_header"`
	DelayMin        time.Duration `koanf:"delay_min"`
	DelayMax        time.Duration `koanf:"delay_max"`

	// TrustedProxies lists CIDRs whose X-Forwarded-For chains are honored
	// when deriving the client IP.
	TrustedProxies []string `koanf:"trusted_proxies"`
}

// RecorderConfig holds traffic recorder settings.
//
// The recorder queue is bounded; when full, the oldest record is dropped so
// the request path never blocks on observation.
type RecorderConfig struct {
	// QueueCapacity bounds the in-memory record queue (default: 8192).
	QueueCapacity int `koanf:"queue_capacity"`
}

// PipelineConfig holds batch scheduler settings.
//
// A batch is drained when FlushInterval elapses or the queue reaches
// BatchThreshold records, whichever comes first.
type PipelineConfig struct {
	FlushInterval  time.Duration `koanf:"flush_interval"`
	BatchThreshold int           `koanf:"batch_threshold"`

	// ClassifyTimeout caps a single category's classification call.
	ClassifyTimeout time.Duration `koanf:"classify_timeout"`

	// MaxConcurrentCategories limits parallel category fan-out.
	// 0 means no limit.
	MaxConcurrentCategories int `koanf:"max_concurrent_categories"`
}

// ClassifierConfig holds traffic classifier settings.
//
// Mode selects the backend: "http" calls an external model endpoint,
// "heuristic" runs the built-in threshold classifier. The heuristic
// backend also serves as the degraded-mode fallback when the HTTP
// backend's circuit breaker is open.
type ClassifierConfig struct {
	Mode    string        `koanf:"mode"`
	URL     string        `koanf:"url"`
	APIKey  string        `koanf:"api_key"`
	Model   string        `koanf:"model"`
	Timeout time.Duration `koanf:"timeout"`

	// RateLimit caps outbound classification calls per second; Burst is
	// the token bucket size. 0 disables client-side limiting.
	RateLimit float64 `koanf:"rate_limit"`
	Burst     int     `koanf:"burst"`

	// BreakerMaxFailures consecutive failures open the circuit for
	// BreakerOpenTimeout.
	BreakerMaxFailures uint32        `koanf:"breaker_max_failures"`
	BreakerOpenTimeout time.Duration `koanf:"breaker_open_timeout"`

	// Ruleset is the rule text sent with every classification call.
	// Empty selects the built-in default. CategoryRulesets overrides the
	// text per category.
	Ruleset          string            `koanf:"ruleset"`
	CategoryRulesets map[string]string `koanf:"category_rulesets"`
}

// MitigationConfig holds mitigation store settings.
//
// Store selects the backing implementation: "memory" keeps mitigations in
// process (lost on restart), "badger" persists them with native TTL expiry.
type MitigationConfig struct {
	Store      string `koanf:"store"`
	BadgerPath string `koanf:"badger_path"`

	// SweepInterval controls background removal of expired entries from
	// the memory store. Expiry is always enforced at read regardless.
	SweepInterval time.Duration `koanf:"sweep_interval"`

	// Per-tier lifetimes. PermanentBan never expires.
	DelayTTL          time.Duration `koanf:"delay_ttl"`
	CaptchaTTL        time.Duration `koanf:"captcha_ttl"`
	TemporaryBlockTTL time.Duration `koanf:"temporary_block_ttl"`
}

// CalibrationConfig holds calibration settings for the decision layer that
// reconciles classifier verdicts with prior case outcomes.
type CalibrationConfig struct {
	// TopK is how many similar prior cases are retrieved per verdict.
	TopK int `koanf:"top_k"`

	// MinSimilarity filters retrieved cases below this cosine similarity.
	MinSimilarity float64 `koanf:"min_similarity"`

	// RecurrenceBatches is how many distinct recent batches an actor must
	// appear in before a repeat verdict escalates one tier.
	RecurrenceBatches int `koanf:"recurrence_batches"`

	// RecurrenceWindow bounds how far back recurrence is counted.
	RecurrenceWindow time.Duration `koanf:"recurrence_window"`
}

// DatabaseConfig holds DuckDB settings for the case memory.
//
// Environment Variables:
//   - DUCKDB_PATH: database file path (default: /data/excubitor.duckdb)
//   - DUCKDB_MAX_MEMORY: memory limit (default: 1GB)
type DatabaseConfig struct {
	Path      string `koanf:"path"`
	MaxMemory string `koanf:"max_memory"`
	Threads   int    `koanf:"threads"`
}

// APIConfig holds management API pagination limits.
type APIConfig struct {
	DefaultPageSize int `koanf:"default_page_size"`
	MaxPageSize     int `koanf:"max_page_size"`
}

// SecurityConfig holds management API security settings.
//
// AdminToken, when set, is required as a Bearer token on mutating
// management endpoints (mitigation overrides, feedback submission).
type SecurityConfig struct {
	AdminToken        string        `koanf:"admin_token"`
	RateLimitReqs     int           `koanf:"rate_limit_reqs"`
	RateLimitWindow   time.Duration `koanf:"rate_limit_window"`
	RateLimitDisabled bool          `koanf:"rate_limit_disabled"`
	CORSOrigins       []string      `koanf:"cors_origins"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
	Caller bool   `koanf:"caller"`
}

// Validate checks the configuration for invalid or inconsistent values.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.Timeout <= 0 {
		return fmt.Errorf("server.timeout must be positive, got %s", c.Server.Timeout)
	}
	if c.Server.Environment != "development" && c.Server.Environment != "production" {
		return fmt.Errorf("server.environment must be development or production, got %q", c.Server.Environment)
	}

	if c.Gate.DelayMin <= 0 || c.Gate.DelayMax < c.Gate.DelayMin {
		return fmt.Errorf("gate delay bounds invalid: min=%s max=%s", c.Gate.DelayMin, c.Gate.DelayMax)
	}
	if c.Gate.ActorHeader == "" {
		return fmt.Errorf("gate.actor_header must not be empty")
	}

	if c.Recorder.QueueCapacity < 1 {
		return fmt.Errorf("recorder.queue_capacity must be positive, got %d", c.Recorder.QueueCapacity)
	}

	if c.Pipeline.FlushInterval <= 0 {
		return fmt.Errorf("pipeline.flush_interval must be positive, got %s", c.Pipeline.FlushInterval)
	}
	if c.Pipeline.BatchThreshold < 1 {
		return fmt.Errorf("pipeline.batch_threshold must be positive, got %d", c.Pipeline.BatchThreshold)
	}
	if c.Pipeline.BatchThreshold > c.Recorder.QueueCapacity {
		return fmt.Errorf("pipeline.batch_threshold (%d) exceeds recorder.queue_capacity (%d)",
			c.Pipeline.BatchThreshold, c.Recorder.QueueCapacity)
	}

	switch c.Classifier.Mode {
	case "http":
		if c.Classifier.URL == "" {
			return fmt.Errorf("classifier.url is required when classifier.mode is http")
		}
	case "heuristic":
	default:
		return fmt.Errorf("classifier.mode must be http or heuristic, got %q", c.Classifier.Mode)
	}
	if c.Classifier.Timeout <= 0 {
		return fmt.Errorf("classifier.timeout must be positive, got %s", c.Classifier.Timeout)
	}

	switch c.Mitigation.Store {
	case "memory", "badger":
	default:
		return fmt.Errorf("mitigation.store must be memory or badger, got %q", c.Mitigation.Store)
	}
	if c.Mitigation.Store == "badger" && c.Mitigation.BadgerPath == "" {
		return fmt.Errorf("mitigation.badger_path is required when mitigation.store is badger")
	}
	if c.Mitigation.DelayTTL <= 0 || c.Mitigation.CaptchaTTL <= 0 || c.Mitigation.TemporaryBlockTTL <= 0 {
		return fmt.Errorf("mitigation TTLs must be positive")
	}

	if c.Calibration.TopK < 1 {
		return fmt.Errorf("calibration.top_k must be positive, got %d", c.Calibration.TopK)
	}
	if c.Calibration.MinSimilarity < 0 || c.Calibration.MinSimilarity > 1 {
		return fmt.Errorf("calibration.min_similarity must be in [0,1], got %f", c.Calibration.MinSimilarity)
	}
	if c.Calibration.RecurrenceBatches < 1 {
		return fmt.Errorf("calibration.recurrence_batches must be positive, got %d", c.Calibration.RecurrenceBatches)
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path must not be empty")
	}

	if c.API.DefaultPageSize < 1 || c.API.MaxPageSize < c.API.DefaultPageSize {
		return fmt.Errorf("api page sizes invalid: default=%d max=%d",
			c.API.DefaultPageSize, c.API.MaxPageSize)
	}

	if !c.Security.RateLimitDisabled {
		if c.Security.RateLimitReqs < 1 {
			return fmt.Errorf("security.rate_limit_reqs must be positive, got %d", c.Security.RateLimitReqs)
		}
		if c.Security.RateLimitWindow <= 0 {
			return fmt.Errorf("security.rate_limit_window must be positive, got %s", c.Security.RateLimitWindow)
		}
	}

	if c.Server.Environment == "production" && c.Security.AdminToken == "" {
		return fmt.Errorf("security.admin_token is required in production")
	}

	return nil
}

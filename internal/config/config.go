// Package config loads the control plane's runtime configuration from
// environment variables, following the same envStr/envInt/envBool/fallback
// pattern the rest of this codebase uses everywhere else.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the tutormesh control plane.
type Config struct {
	Port       int
	Version    string
	Sidecar    SidecarConfig
	EventLog   EventLogConfig
	Store      StoreConfig
	RateLimit  RateLimitConfig
	Classifier ClassifierConfig
	Telemetry  TelemetryConfig

	// AuditSpillDir is where the Audit Emitter appends audits it could
	// not publish.
	AuditSpillDir string

	// StartupGracePeriod bounds how long startup waits for dependency
	// probes before the process exits with code 2.
	StartupGracePeriod time.Duration
}

// SidecarConfig describes the per-agent HTTP sidecar invocation layer and
// the circuit-breaker / retry budget shared by every target.
type SidecarConfig struct {
	Endpoints       map[string]string // agent id -> base URL
	RequestTimeout  time.Duration
	MaxRetries      int
	BackoffBase     time.Duration
	BreakerFailureThreshold uint32
	BreakerOpenDuration     time.Duration
	BreakerHalfOpenMaxCalls uint32
}

// EventLogConfig configures the kafka-go partitioned consumer for the
// learning-events topic.
type EventLogConfig struct {
	Brokers         []string
	EventsTopic     string
	AuditsTopic     string
	DeadLetterTopic string
	ConsumerGroup   string
	ConsumerWorkers int
	MinBytes        int
	MaxBytes        int
}

// StoreConfig selects and configures the KV state store backend.
type StoreConfig struct {
	Backend   string // "memory" or "redis"
	RedisAddr string
	RedisDB   int
}

// RateLimitConfig bounds the per-student request rate at the Triage Router.
type RateLimitConfig struct {
	RequestsPerMinute float64
	Burst             int
}

// ClassifierConfig controls the optional Anthropic-backed classifier
// fallback. It is never authoritative: Enabled=false or a budget
// exhaustion both fall back to the deterministic matcher.
type ClassifierConfig struct {
	LLMEnabled    bool
	LLMModel      string
	LLMAPIKey     string
	LLMTimeout    time.Duration
	DailyTokenBudget int
	ConfidenceFloor  float64
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with sensible defaults.
func Load() *Config {
	return &Config{
		Port:    envInt("TUTORMESH_PORT", 8080),
		Version: envStr("TUTORMESH_VERSION", "0.1.0"),
		Sidecar: SidecarConfig{
			Endpoints: map[string]string{
				"debug":    envStr("SIDECAR_DEBUG_URL", "http://localhost:9001"),
				"concepts": envStr("SIDECAR_CONCEPTS_URL", "http://localhost:9002"),
				"exercise": envStr("SIDECAR_EXERCISE_URL", "http://localhost:9003"),
				"progress": envStr("SIDECAR_PROGRESS_URL", "http://localhost:9004"),
				"review":   envStr("SIDECAR_REVIEW_URL", "http://localhost:9005"),
			},
			RequestTimeout:          envDuration("SIDECAR_REQUEST_TIMEOUT", 2*time.Second),
			MaxRetries:              envInt("SIDECAR_MAX_RETRIES", 2),
			BackoffBase:             envDuration("SIDECAR_BACKOFF_BASE", 100*time.Millisecond),
			BreakerFailureThreshold: uint32(envInt("SIDECAR_BREAKER_FAILURE_THRESHOLD", 5)),
			BreakerOpenDuration:     envDuration("SIDECAR_BREAKER_OPEN_DURATION", 30*time.Second),
			BreakerHalfOpenMaxCalls: uint32(envInt("SIDECAR_BREAKER_HALF_OPEN_MAX_CALLS", 1)),
		},
		EventLog: EventLogConfig{
			Brokers:         envList("EVENTLOG_BROKERS", []string{"localhost:9092"}),
			EventsTopic:     envStr("EVENTLOG_EVENTS_TOPIC", "learning.events"),
			AuditsTopic:     envStr("EVENTLOG_AUDITS_TOPIC", "learning.audits"),
			DeadLetterTopic: envStr("EVENTLOG_DEADLETTER_TOPIC", "learning.deadletter"),
			ConsumerGroup:   envStr("EVENTLOG_CONSUMER_GROUP", "mastery-engine"),
			ConsumerWorkers: envInt("EVENTLOG_CONSUMER_WORKERS", 4),
			MinBytes:        envInt("EVENTLOG_MIN_BYTES", 1),
			MaxBytes:        envInt("EVENTLOG_MAX_BYTES", 1<<20),
		},
		AuditSpillDir:      envStr("AUDIT_SPILL_DIR", "./data/audit-spill"),
		StartupGracePeriod: envDuration("STARTUP_GRACE_PERIOD", 30*time.Second),
		Store: StoreConfig{
			Backend:   envStr("STORE_BACKEND", "memory"),
			RedisAddr: envStr("STORE_REDIS_ADDR", "localhost:6379"),
			RedisDB:   envInt("STORE_REDIS_DB", 0),
		},
		RateLimit: RateLimitConfig{
			RequestsPerMinute: envFloat("RATELIMIT_REQUESTS_PER_MINUTE", 100),
			Burst:             envInt("RATELIMIT_BURST", 10),
		},
		Classifier: ClassifierConfig{
			LLMEnabled:       envBool("CLASSIFIER_LLM_ENABLED", false),
			LLMModel:         envStr("CLASSIFIER_LLM_MODEL", "claude-3-5-haiku-latest"),
			LLMAPIKey:        envStr("ANTHROPIC_API_KEY", ""),
			LLMTimeout:       envDuration("CLASSIFIER_LLM_TIMEOUT", 2*time.Second),
			DailyTokenBudget: envInt("CLASSIFIER_LLM_DAILY_TOKEN_BUDGET", 200000),
			ConfidenceFloor:  envFloat("CLASSIFIER_CONFIDENCE_FLOOR", 0.55),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", true),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "tutormesh-control-plane"),
		},
	}
}

// Validate rejects configurations the server cannot start with. Called
// once at startup; a failure is a configuration error (exit code 1),
// never a runtime retry.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range", c.Port)
	}
	if len(c.EventLog.Brokers) == 0 {
		return fmt.Errorf("no event-log brokers configured")
	}
	switch c.Store.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown store backend %q (want memory or redis)", c.Store.Backend)
	}
	if c.RateLimit.RequestsPerMinute <= 0 {
		return fmt.Errorf("rate limit requests-per-minute must be positive")
	}
	if c.Classifier.LLMEnabled && c.Classifier.LLMAPIKey == "" {
		return fmt.Errorf("LLM classifier enabled without an API key")
	}
	if len(c.Sidecar.Endpoints) == 0 {
		return fmt.Errorf("no sidecar endpoints configured")
	}
	return nil
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func envList(key string, fallback []string) []string {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if t := strings.TrimSpace(p); t != "" {
				out = append(out, t)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return fallback
}

// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	Log         LogConfig
	Sidecar     SidecarConfig
	Health      HealthConfig
	Queue       QueueConfig
	Approval    ApprovalConfig
	Capability  CapabilityConfig
	Gating      GatingConfig
	PolicyFile  string
	Repo        RepoConfig
	Pipeline    PipelineConfig
	Stream      StreamConfig
	Telemetry   TelemetryConfig
	Transcript  TranscriptConfig
	Tracing     TracingConfig
	RateLimit   RateLimitConfig
	SSE         SSEConfig

	MaxSystemPromptLength int
}

// LogConfig controls the slog handler.
type LogConfig struct {
	Level  string
	Format string // "json" or "text"
}

// SidecarConfig points at the orchestration sidecar.
type SidecarConfig struct {
	URL              string
	GRPCAddr         string
	Timeout          time.Duration
	BreakerThreshold int
	BreakerTimeout   time.Duration
}

// HealthConfig controls the health poller.
type HealthConfig struct {
	Probe      string // "http" or "grpc"
	Interval   time.Duration
	Timeout    time.Duration
	MaxBackoff time.Duration
	Reminder   time.Duration
}

// QueueConfig bounds concurrent tool and pipeline work.
type QueueConfig struct {
	Concurrency int
}

// ApprovalConfig controls approval gating.
type ApprovalConfig struct {
	MinReasonLength int
}

// CapabilityConfig controls the capability cache.
type CapabilityConfig struct {
	TTL         time.Duration
	RefreshCron string
}

// GatingConfig locates the generated gating artifact.
type GatingConfig struct {
	ArtifactPath string
	Watch        bool
}

// RepoConfig controls local context repository access.
type RepoConfig struct {
	DefaultPath  string
	ReadMaxBytes int
}

// PipelineConfig selects how pipelines run.
type PipelineConfig struct {
	Runner         string // "sidecar" or "docker"
	Timeout        time.Duration
	SandboxImage   string
	SandboxRuntime string // Docker runtime: "" = default (runc), "runsc" = gVisor
}

// StreamConfig controls simulated token replay.
type StreamConfig struct {
	ReplayChunkSize  int
	ReplayChunkDelay time.Duration
}

// TelemetryConfig controls telemetry persistence.
type TelemetryConfig struct {
	DBPath      string
	BufferSize  int
	MemoryLimit int
	Retention   time.Duration
	PruneCron   string
}

// TranscriptConfig controls NDJSON conversation transcripts.
type TranscriptConfig struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// TracingConfig controls OpenTelemetry export.
type TracingConfig struct {
	Endpoint    string
	ServiceName string
	SampleRatio float64
	Insecure    bool
}

// RateLimitConfig limits message sends per session.
type RateLimitConfig struct {
	PerMinute int
	Burst     int
}

// SSEConfig controls the event stream.
type SSEConfig struct {
	ReplaySize int
	KeepAlive  time.Duration
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:        getEnv("PORT", "8787"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		Log: LogConfig{
			Level:  getEnv("LOG_LEVEL", "info"),
			Format: getEnv("LOG_FORMAT", "json"),
		},
		Sidecar: SidecarConfig{
			URL:              strings.TrimRight(getEnv("SIDECAR_URL", "http://127.0.0.1:8000"), "/"),
			GRPCAddr:         getEnv("SIDECAR_GRPC_ADDR", "127.0.0.1:50051"),
			Timeout:          getEnvDuration("SIDECAR_TIMEOUT", 30*time.Second),
			BreakerThreshold: getEnvInt("SIDECAR_BREAKER_THRESHOLD", 5),
			BreakerTimeout:   getEnvDuration("SIDECAR_BREAKER_TIMEOUT", 30*time.Second),
		},
		Health: HealthConfig{
			Probe:      getEnv("HEALTH_PROBE", "http"),
			Interval:   getEnvDuration("HEALTH_INTERVAL", 10*time.Second),
			Timeout:    getEnvDuration("HEALTH_TIMEOUT", 3*time.Second),
			MaxBackoff: getEnvDuration("HEALTH_MAX_BACKOFF", 2*time.Minute),
			Reminder:   getEnvDuration("HEALTH_REMINDER", time.Minute),
		},
		Queue: QueueConfig{
			Concurrency: getEnvInt("QUEUE_CONCURRENCY", 3),
		},
		Approval: ApprovalConfig{
			MinReasonLength: getEnvInt("APPROVAL_MIN_REASON", 8),
		},
		Capability: CapabilityConfig{
			TTL:         getEnvDuration("CAPABILITY_TTL", 5*time.Minute),
			RefreshCron: getEnv("CAPABILITY_REFRESH_CRON", "@every 5m"),
		},
		Gating: GatingConfig{
			ArtifactPath: getEnv("GATING_ARTIFACT", "./generated/gating-status.json"),
			Watch:        getEnvBool("GATING_WATCH", true),
		},
		PolicyFile: getEnv("POLICY_FILE", ""),
		Repo: RepoConfig{
			DefaultPath:  getEnv("CONTEXT_REPO_PATH", "../context-repo"),
			ReadMaxBytes: getEnvInt("CONTEXT_READ_MAX_BYTES", 256*1024),
		},
		Pipeline: PipelineConfig{
			Runner:         getEnv("PIPELINE_RUNNER", "sidecar"),
			Timeout:        getEnvDuration("PIPELINE_TIMEOUT", 30*time.Second),
			SandboxImage:   getEnv("SANDBOX_IMAGE", "node:22-alpine"),
			SandboxRuntime: getEnv("SANDBOX_RUNTIME", ""),
		},
		Stream: StreamConfig{
			ReplayChunkSize:  getEnvInt("REPLAY_CHUNK_SIZE", 120),
			ReplayChunkDelay: getEnvDuration("REPLAY_CHUNK_DELAY", 15*time.Millisecond),
		},
		Telemetry: TelemetryConfig{
			DBPath:      getEnv("TELEMETRY_DB", "./data/telemetry.db"),
			BufferSize:  getEnvInt("TELEMETRY_BUFFER", 1024),
			MemoryLimit: getEnvInt("TELEMETRY_MEMORY_LIMIT", 5000),
			Retention:   getEnvDuration("TELEMETRY_RETENTION", 7*24*time.Hour),
			PruneCron:   getEnv("TELEMETRY_PRUNE_CRON", "@hourly"),
		},
		Transcript: TranscriptConfig{
			Enabled:   getEnvBool("TRANSCRIPT_ENABLED", false),
			Dir:       getEnv("TRANSCRIPT_DIR", "./data/transcripts"),
			QueueSize: getEnvInt("TRANSCRIPT_QUEUE_SIZE", 1000),
		},
		Tracing: TracingConfig{
			Endpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			ServiceName: getEnv("OTEL_SERVICE_NAME", "contextkit-core"),
			SampleRatio: getEnvFloat("OTEL_SAMPLE_RATIO", 1.0),
			Insecure:    getEnvBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		},
		RateLimit: RateLimitConfig{
			PerMinute: getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
			Burst:     getEnvInt("RATE_LIMIT_BURST", 5),
		},
		SSE: SSEConfig{
			ReplaySize: getEnvInt("SSE_REPLAY_SIZE", 200),
			KeepAlive:  getEnvDuration("SSE_KEEPALIVE", 10*time.Second),
		},
		MaxSystemPromptLength: getEnvInt("MAX_SYSTEM_PROMPT_LENGTH", 8000),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.Sidecar.URL == "" {
		return fmt.Errorf("SIDECAR_URL cannot be empty")
	}
	if c.Queue.Concurrency <= 0 {
		return fmt.Errorf("QUEUE_CONCURRENCY must be > 0")
	}
	if c.Approval.MinReasonLength < 0 {
		return fmt.Errorf("APPROVAL_MIN_REASON must be >= 0")
	}
	if c.Health.Interval <= 0 {
		return fmt.Errorf("HEALTH_INTERVAL must be > 0")
	}
	if c.Health.Timeout <= 0 {
		return fmt.Errorf("HEALTH_TIMEOUT must be > 0")
	}
	switch c.Health.Probe {
	case "http", "grpc":
	default:
		return fmt.Errorf("HEALTH_PROBE must be http or grpc, got %q", c.Health.Probe)
	}
	switch c.Pipeline.Runner {
	case "sidecar", "docker":
	default:
		return fmt.Errorf("PIPELINE_RUNNER must be sidecar or docker, got %q", c.Pipeline.Runner)
	}
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or text, got %q", c.Log.Format)
	}
	if c.Stream.ReplayChunkSize <= 0 {
		return fmt.Errorf("REPLAY_CHUNK_SIZE must be > 0")
	}
	if c.Telemetry.BufferSize <= 0 {
		return fmt.Errorf("TELEMETRY_BUFFER must be > 0")
	}
	if c.Telemetry.MemoryLimit <= 0 {
		return fmt.Errorf("TELEMETRY_MEMORY_LIMIT must be > 0")
	}
	if c.Transcript.Enabled && c.Transcript.Dir == "" {
		return fmt.Errorf("TRANSCRIPT_DIR cannot be empty")
	}
	if c.Transcript.QueueSize <= 0 {
		return fmt.Errorf("TRANSCRIPT_QUEUE_SIZE must be > 0")
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("OTEL_SAMPLE_RATIO must be within [0, 1]")
	}
	if c.RateLimit.PerMinute <= 0 {
		return fmt.Errorf("RATE_LIMIT_PER_MINUTE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvFloat(key string, fallback float64) float64 {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return fallback
	}
	return f
}

// getEnvDuration accepts Go durations ("10s") or bare seconds ("10").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}

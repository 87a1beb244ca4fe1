package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Queue.Concurrency != 3 {
		t.Fatalf("Queue.Concurrency = %d, want 3", cfg.Queue.Concurrency)
	}
	if cfg.Approval.MinReasonLength != 8 {
		t.Fatalf("Approval.MinReasonLength = %d, want 8", cfg.Approval.MinReasonLength)
	}
	if cfg.Health.Interval != 10*time.Second {
		t.Fatalf("Health.Interval = %s, want 10s", cfg.Health.Interval)
	}
	if cfg.Stream.ReplayChunkSize != 120 {
		t.Fatalf("Stream.ReplayChunkSize = %d, want 120", cfg.Stream.ReplayChunkSize)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("QUEUE_CONCURRENCY", "5")
	t.Setenv("APPROVAL_MIN_REASON", "12")
	t.Setenv("HEALTH_INTERVAL", "2")
	t.Setenv("GATING_WATCH", "off")
	t.Setenv("SIDECAR_URL", "http://sidecar:9000/")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Queue.Concurrency != 5 || cfg.Approval.MinReasonLength != 12 {
		t.Fatalf("overrides not applied: %+v %+v", cfg.Queue, cfg.Approval)
	}
	if cfg.Health.Interval != 2*time.Second {
		t.Fatalf("bare seconds not parsed: %s", cfg.Health.Interval)
	}
	if cfg.Gating.Watch {
		t.Fatal("GATING_WATCH=off should disable the watcher")
	}
	if cfg.Sidecar.URL != "http://sidecar:9000" {
		t.Fatalf("trailing slash not trimmed: %s", cfg.Sidecar.URL)
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		key, value, want string
	}{
		{"QUEUE_CONCURRENCY", "0", "QUEUE_CONCURRENCY"},
		{"HEALTH_PROBE", "tcp", "HEALTH_PROBE"},
		{"PIPELINE_RUNNER", "ssh", "PIPELINE_RUNNER"},
		{"LOG_FORMAT", "xml", "LOG_FORMAT"},
		{"OTEL_SAMPLE_RATIO", "2", "OTEL_SAMPLE_RATIO"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Load() error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

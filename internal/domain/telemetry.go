package domain

import (
	"encoding/json"
	"time"
)

// EventKind groups telemetry events by origin.
type EventKind string

// Telemetry kinds.
const (
	KindTool     EventKind = "tool"
	KindApproval EventKind = "approval"
	KindHealth   EventKind = "health"
	KindQueue    EventKind = "queue"
)

// Tool invocation phases.
const (
	PhaseInvoked   = "invoked"
	PhaseCompleted = "completed"
	PhaseFailed    = "failed"
)

// TelemetryEvent is an append-only audit record. Tool events are
// ToolInvocationRecords; the other kinds reuse the same shape.
type TelemetryEvent struct {
	ID           string          `json:"id"`
	Kind         EventKind       `json:"kind"`
	SessionID    string          `json:"sessionId,omitempty"`
	ToolID       string          `json:"toolId,omitempty"`
	InvocationID string          `json:"invocationId,omitempty"`
	Phase        string          `json:"phase"`
	DurationMs   *int64          `json:"durationMs,omitempty"`
	ErrorCode    string          `json:"errorCode,omitempty"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	RepoPath     string          `json:"repoPath,omitempty"`
	Parameters   json.RawMessage `json:"parameters,omitempty"`
	Attributes   map[string]any  `json:"attributes,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// DurationPtr converts d to the millisecond pointer used by TelemetryEvent.
func DurationPtr(d time.Duration) *int64 {
	ms := d.Milliseconds()
	return &ms
}

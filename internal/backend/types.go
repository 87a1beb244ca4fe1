package backend

import (
	"encoding/json"

	"github.com/ashureev/contextkit-core/internal/domain"
)

// HealthResponse is the sidecar's /assistant/health body.
type HealthResponse struct {
	Status     domain.HealthStatus `json:"status"`
	Message    string              `json:"message,omitempty"`
	Components map[string]any      `json:"components,omitempty"`
}

// CreateSessionRequest opens the sidecar counterpart of a session.
type CreateSessionRequest struct {
	UserID        string   `json:"userId,omitempty"`
	ClientVersion string   `json:"clientVersion,omitempty"`
	Provider      string   `json:"provider,omitempty"`
	SystemPrompt  string   `json:"systemPrompt,omitempty"`
	ActiveTools   []string `json:"activeTools,omitempty"`
}

// CreateSessionResponse carries the sidecar session id.
type CreateSessionResponse struct {
	SessionID         string                    `json:"sessionId"`
	CapabilityProfile *domain.CapabilityProfile `json:"capabilityProfile,omitempty"`
}

type sendMessageRequest struct {
	Content string `json:"content"`
	Mode    string `json:"mode"`
}

type sendMessageResponse struct {
	Task domain.TaskEnvelope `json:"task"`
}

// ExecuteToolRequest asks the sidecar to run a tool.
type ExecuteToolRequest struct {
	ToolID     string          `json:"toolId"`
	RepoPath   string          `json:"repoPath"`
	Parameters json.RawMessage `json:"parameters"`
}

// ExecuteToolResponse is the sidecar's tool result.
type ExecuteToolResponse struct {
	Task   domain.TaskEnvelope `json:"task"`
	Result map[string]any      `json:"result,omitempty"`
	Error  string              `json:"error,omitempty"`
}

// PipelineRequest runs a named pipeline.
type PipelineRequest struct {
	Pipeline string            `json:"pipeline"`
	Args     map[string]string `json:"args"`
}

// PipelineResult is the outcome of a pipeline run, from the sidecar or the
// Docker sandbox.
type PipelineResult struct {
	Success    bool   `json:"success"`
	Output     string `json:"output,omitempty"`
	ExitCode   int    `json:"exitCode"`
	DurationMs int64  `json:"durationMs"`
	Error      string `json:"error,omitempty"`
}

// PRRequest prepares a pull request from proposed changes.
type PRRequest struct {
	RepoPath    string              `json:"repoPath"`
	Title       string              `json:"title"`
	Description string              `json:"description,omitempty"`
	Changes     []domain.FileChange `json:"changes"`
}

// Stream event types sent by the sidecar.
const (
	EventTaskStarted   = "task.started"
	EventToken         = "token"
	EventTaskCompleted = "task.completed"
	EventTaskFailed    = "task.failed"
	EventError         = "error"
)

// StreamEvent is one SSE data frame from the message stream.
type StreamEvent struct {
	Type   string `json:"type"`
	TaskID string `json:"taskId,omitempty"`
	Token  string `json:"token,omitempty"`
	Index  int    `json:"index,omitempty"`
	Error  string `json:"error,omitempty"`
}

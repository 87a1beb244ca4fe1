// Package domain holds the plain data types shared by the assistant core.
package domain

import (
	"encoding/json"
	"time"
)

// Role identifies the author of a conversation turn.
type Role string

// Turn roles.
const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Finish reasons for assistant turns.
const (
	FinishStop  = "stop"
	FinishError = "error"
)

// TurnMetadata carries optional annotations on a turn.
type TurnMetadata struct {
	ToolID     string         `json:"toolId,omitempty"`
	ErrorCode  string         `json:"errorCode,omitempty"`
	References []string       `json:"references,omitempty"`
	Mode       string         `json:"mode,omitempty"`
	Deferred   bool           `json:"deferred,omitempty"`
	StreamID   string         `json:"streamId,omitempty"`
	Extra      map[string]any `json:"extra,omitempty"`
}

// ConversationTurn is one message in a session. Once Final is set the turn
// no longer changes.
type ConversationTurn struct {
	ID           string       `json:"id"`
	Role         Role         `json:"role"`
	Content      string       `json:"content"`
	Timestamp    time.Time    `json:"timestamp"`
	Metadata     TurnMetadata `json:"metadata"`
	FinishReason string       `json:"finishReason,omitempty"`
	Streaming    bool         `json:"streaming,omitempty"`
	Final        bool         `json:"final"`
}

// ApprovalState is the lifecycle state of a PendingAction.
type ApprovalState string

// Approval states.
const (
	ApprovalPending  ApprovalState = "pending"
	ApprovalApproved ApprovalState = "approved"
	ApprovalRejected ApprovalState = "rejected"
)

// FileChange is one proposed edit carried by a pending action.
type FileChange struct {
	Path    string `json:"path"`
	Content string `json:"content"`
	Delete  bool   `json:"delete,omitempty"`
}

// PendingAction is a risky tool call awaiting a human decision.
type PendingAction struct {
	ID             string          `json:"id"`
	SessionID      string          `json:"sessionId"`
	ToolID         string          `json:"toolId"`
	ApprovalState  ApprovalState   `json:"approvalState"`
	RepoPath       string          `json:"repoPath,omitempty"`
	Reason         string          `json:"reason,omitempty"`
	Title          string          `json:"title,omitempty"`
	Changes        []FileChange    `json:"changes,omitempty"`
	Parameters     json.RawMessage `json:"parameters,omitempty"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	ResolvedAt     *time.Time      `json:"resolvedAt,omitempty"`
	ResolutionNote string          `json:"resolutionNote,omitempty"`
}

// DeferredMessage is a user message accepted while the backend was unhealthy.
type DeferredMessage struct {
	TurnID   string    `json:"turnId"`
	Content  string    `json:"content"`
	Mode     string    `json:"mode"`
	QueuedAt time.Time `json:"queuedAt"`
}

// AssistantSession is one conversational context.
type AssistantSession struct {
	ID               string             `json:"id"`
	BackendSessionID string             `json:"backendSessionId,omitempty"`
	Provider         string             `json:"provider"`
	SystemPrompt     string             `json:"systemPrompt"`
	ActiveTools      []string           `json:"activeTools"`
	Turns            []ConversationTurn `json:"turns"`
	PendingApprovals []PendingAction    `json:"pendingApprovals"`
	ResolvedActions  []PendingAction    `json:"resolvedActions,omitempty"`
	Tasks            []TaskEnvelope     `json:"tasks"`
	Deferred         []DeferredMessage  `json:"deferred,omitempty"`
	TelemetryContext map[string]string  `json:"telemetryContext,omitempty"`
	CreatedAt        time.Time          `json:"createdAt"`
	UpdatedAt        time.Time          `json:"updatedAt"`
}

// HasTool reports whether toolID is in the session's active tool set.
func (s *AssistantSession) HasTool(toolID string) bool {
	for _, id := range s.ActiveTools {
		if id == toolID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand outside the session lock.
func (s *AssistantSession) Clone() *AssistantSession {
	cp := *s
	cp.ActiveTools = append([]string(nil), s.ActiveTools...)
	cp.Turns = make([]ConversationTurn, len(s.Turns))
	for i, t := range s.Turns {
		t.Metadata.References = append([]string(nil), t.Metadata.References...)
		t.Metadata.Extra = cloneMap(t.Metadata.Extra)
		cp.Turns[i] = t
	}
	cp.PendingApprovals = clonePending(s.PendingApprovals)
	cp.ResolvedActions = clonePending(s.ResolvedActions)
	cp.Tasks = append([]TaskEnvelope(nil), s.Tasks...)
	cp.Deferred = append([]DeferredMessage(nil), s.Deferred...)
	if s.TelemetryContext != nil {
		cp.TelemetryContext = make(map[string]string, len(s.TelemetryContext))
		for k, v := range s.TelemetryContext {
			cp.TelemetryContext[k] = v
		}
	}
	return &cp
}

func clonePending(in []PendingAction) []PendingAction {
	if in == nil {
		return nil
	}
	out := make([]PendingAction, len(in))
	for i, a := range in {
		a.Changes = append([]FileChange(nil), a.Changes...)
		a.Metadata = cloneMap(a.Metadata)
		out[i] = a
	}
	return out
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

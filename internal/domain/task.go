package domain

import "time"

// TaskStatus is the sidecar's status for a dispatched message.
type TaskStatus string

// Task statuses.
const (
	TaskPending   TaskStatus = "pending"
	TaskStreaming TaskStatus = "streaming"
	TaskSucceeded TaskStatus = "succeeded"
	TaskFailed    TaskStatus = "failed"
)

// TaskTimestamps tracks envelope milestones.
type TaskTimestamps struct {
	Created       time.Time  `json:"created"`
	FirstResponse *time.Time `json:"firstResponse,omitempty"`
	Completed     *time.Time `json:"completed,omitempty"`
}

// TaskEnvelope is the structured result of a dispatched conversational message.
type TaskEnvelope struct {
	TaskID     string           `json:"taskId"`
	Status     TaskStatus       `json:"status"`
	ActionType string           `json:"actionType"`
	Provenance map[string]any   `json:"provenance,omitempty"`
	Outputs    []map[string]any `json:"outputs"`
	Timestamps TaskTimestamps   `json:"timestamps"`
}

// Text joins the textual outputs of the envelope.
func (e *TaskEnvelope) Text() string {
	var out string
	for _, o := range e.Outputs {
		for _, key := range []string{"content", "text", "message"} {
			if s, ok := o[key].(string); ok && s != "" {
				if out != "" {
					out += "\n"
				}
				out += s
				break
			}
		}
	}
	return out
}

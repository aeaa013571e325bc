package session

import (
	"time"
)

// Status tracks task execution state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether s is completed or failed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Task is one planned unit of work assigned to one expert.
type Task struct {
	ID           string                 `json:"id"`
	ShortID      string                 `json:"short_id"`
	ExpertType   string                 `json:"expert_type"`
	Description  string                 `json:"description"`
	InputData    map[string]interface{} `json:"input_data,omitempty"`
	DependsOn    []string               `json:"depends_on,omitempty"`
	Status       Status                 `json:"status"`
	OutputResult *TaskOutput            `json:"output_result,omitempty"`
	StartedAt    *time.Time             `json:"started_at,omitempty"`
	CompletedAt  *time.Time             `json:"completed_at,omitempty"`
	SortOrder    int                    `json:"sort_order"`
}

// TaskOutput is the structured result stored on a task.
type TaskOutput struct {
	Content       string `json:"content,omitempty"`
	Error         string `json:"error,omitempty"`
	ArtifactCount int    `json:"artifact_count"`
	DurationMS    int64  `json:"duration_ms"`
}

// clone returns a deep copy of the task's reference fields.
func (t Task) clone() Task {
	if t.InputData != nil {
		in := make(map[string]interface{}, len(t.InputData))
		for k, v := range t.InputData {
			in[k] = v
		}
		t.InputData = in
	}
	if t.DependsOn != nil {
		t.DependsOn = append([]string(nil), t.DependsOn...)
	}
	if t.OutputResult != nil {
		out := *t.OutputResult
		t.OutputResult = &out
	}
	return t
}

// ExpertResult is the append-only record of one finished task.
type ExpertResult struct {
	TaskID      string `json:"task_id"`
	TaskShortID string `json:"task_short_id"`
	ExpertType  string `json:"expert_type"`
	Description string `json:"description"`
	Output      string `json:"output"`
	Status      Status `json:"status"`
	DurationMS  int64  `json:"duration_ms"`
}

// ArtifactType is the render hint for a deliverable.
type ArtifactType string

const (
	ArtifactCode     ArtifactType = "code"
	ArtifactMarkdown ArtifactType = "markdown"
	ArtifactHTML     ArtifactType = "html"
	ArtifactText     ArtifactType = "text"
	ArtifactSearch   ArtifactType = "search"
)

// Artifact is a rendered deliverable produced by a task.
type Artifact struct {
	ID        string       `json:"id"`
	TaskID    string       `json:"task_id,omitempty"`
	Type      ArtifactType `json:"type"`
	Title     string       `json:"title"`
	Content   string       `json:"content"`
	Language  string       `json:"language,omitempty"`
	SortOrder int          `json:"sort_order"`
}

// SessionStatus is the lifecycle of one complex-mode session.
type SessionStatus string

const (
	SessionAwaitingApproval SessionStatus = "awaiting_approval"
	SessionRunning          SessionStatus = "running"
	SessionCompleted        SessionStatus = "completed"
	SessionFailed           SessionStatus = "failed"
	SessionCancelled        SessionStatus = "cancelled"
)

// SessionRecord is the durable header of a task session.
type SessionRecord struct {
	ID        string        `json:"id"`
	ThreadID  string        `json:"thread_id"`
	UserID    string        `json:"user_id"`
	Query     string        `json:"query"`
	Strategy  string        `json:"strategy"`
	Status    SessionStatus `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
}

// MessageRecord is one persisted conversation message.
type MessageRecord struct {
	ID        string    `json:"id"`
	ThreadID  string    `json:"thread_id"`
	SessionID string    `json:"session_id,omitempty"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

package event

import (
	"encoding/json"
	"time"

	"github.com/nidhogg/nuka-experts/internal/session"
)

// Type tags a notification.
type Type string

const (
	RouterStart       Type = "router.start"
	RouterDecision    Type = "router.decision"
	PlanCreated       Type = "plan.created"
	TaskStarted       Type = "task.started"
	TaskCompleted     Type = "task.completed"
	TaskFailed        Type = "task.failed"
	ArtifactStart     Type = "artifact.start"
	ArtifactChunk     Type = "artifact.chunk"
	ArtifactCompleted Type = "artifact.completed"
	ArtifactGenerated Type = "artifact.generated"
	MessageDelta      Type = "message.delta"
	MessageDone       Type = "message.done"
	HumanInterrupt    Type = "human.interrupt"
	Error             Type = "error"
	// RunEnd closes one Start or Resume call on the stream.
	RunEnd Type = "run.end"
)

// Event is one ordered notification on a thread.
type Event struct {
	Seq       int64       `json:"seq"`
	ThreadID  string      `json:"thread_id"`
	Type      Type        `json:"type"`
	Data      interface{} `json:"data"`
	Timestamp time.Time   `json:"timestamp"`
}

type RouterStartData struct {
	Query string `json:"query"`
}

type RouterDecisionData struct {
	Decision string `json:"decision"`
	Reason   string `json:"reason"`
}

// PlanTask is the task summary carried by plan.created.
type PlanTask struct {
	ID          string         `json:"id"`
	ShortID     string         `json:"short_id"`
	ExpertType  string         `json:"expert_type"`
	Description string         `json:"description"`
	SortOrder   int            `json:"sort_order"`
	Status      session.Status `json:"status"`
	DependsOn   []string       `json:"depends_on,omitempty"`
}

type PlanCreatedData struct {
	SessionID      string     `json:"session_id"`
	Summary        string     `json:"summary"`
	EstimatedSteps int        `json:"estimated_steps"`
	Tasks          []PlanTask `json:"tasks"`
}

type TaskStartedData struct {
	TaskID      string    `json:"task_id"`
	ExpertType  string    `json:"expert_type"`
	Description string    `json:"description"`
	StartedAt   time.Time `json:"started_at"`
}

type TaskCompletedData struct {
	TaskID        string    `json:"task_id"`
	ExpertType    string    `json:"expert_type"`
	Description   string    `json:"description"`
	Output        string    `json:"output"`
	DurationMS    int64     `json:"duration_ms"`
	ArtifactCount int       `json:"artifact_count"`
	CompletedAt   time.Time `json:"completed_at"`
}

type TaskFailedData struct {
	TaskID      string    `json:"task_id"`
	ExpertType  string    `json:"expert_type"`
	Description string    `json:"description"`
	Error       string    `json:"error"`
	FailedAt    time.Time `json:"failed_at"`
}

// ArtifactStreamData is shared by artifact.start, artifact.chunk and
// artifact.completed.
type ArtifactStreamData struct {
	ArtifactID  string               `json:"artifact_id"`
	TaskID      string               `json:"task_id,omitempty"`
	ExpertType  string               `json:"expert_type,omitempty"`
	Delta       string               `json:"delta,omitempty"`
	FullContent string               `json:"full_content,omitempty"`
	Type        session.ArtifactType `json:"type,omitempty"`
}

type ArtifactGeneratedData struct {
	TaskID     string           `json:"task_id"`
	ExpertType string           `json:"expert_type"`
	Artifact   session.Artifact `json:"artifact"`
}

type MessageDeltaData struct {
	MessageID string `json:"message_id"`
	Content   string `json:"content"`
}

type MessageDoneData struct {
	MessageID   string `json:"message_id"`
	FullContent string `json:"full_content"`
}

type HumanInterruptData struct {
	Type        string     `json:"type"`
	SessionID   string     `json:"session_id"`
	CurrentPlan []PlanTask `json:"current_plan"`
}

type ErrorData struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type RunEndData struct {
	RunID     string `json:"run_id,omitempty"`
	Status    string `json:"status"`
	SessionID string `json:"session_id,omitempty"`
}

// RunIDOf returns the run id carried by a run.end event, or "" for any other
// event.
func RunIDOf(ev Event) string {
	if ev.Type != RunEnd {
		return ""
	}
	switch d := ev.Data.(type) {
	case RunEndData:
		return d.RunID
	case *RunEndData:
		return d.RunID
	case json.RawMessage:
		var end RunEndData
		_ = json.Unmarshal(d, &end)
		return end.RunID
	}
	return ""
}

// PlanTasks converts tasks to their plan summaries.
func PlanTasks(tasks []session.Task) []PlanTask {
	out := make([]PlanTask, len(tasks))
	for i, t := range tasks {
		out[i] = PlanTask{
			ID:          t.ID,
			ShortID:     t.ShortID,
			ExpertType:  t.ExpertType,
			Description: t.Description,
			SortOrder:   t.SortOrder,
			Status:      t.Status,
			DependsOn:   t.DependsOn,
		}
	}
	return out
}

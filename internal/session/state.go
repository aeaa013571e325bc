package session

import (
	"time"

	"github.com/nidhogg/nuka-experts/internal/provider"
)

// Phase is the node the orchestration run will enter next.
type Phase string

const (
	PhaseRouting          Phase = "routing"
	PhaseDirectReply      Phase = "direct_reply"
	PhasePlanning         Phase = "planning"
	PhaseAwaitingApproval Phase = "awaiting_approval"
	PhaseDispatching      Phase = "dispatching"
	PhaseTools            Phase = "tools"
	PhaseAggregating      Phase = "aggregating"
	PhaseDone             Phase = "done"
	PhaseCancelled        Phase = "cancelled"
	PhaseFailed           Phase = "failed"
)

// Terminal reports whether no node runs after p.
func (p Phase) Terminal() bool {
	return p == PhaseDone || p == PhaseCancelled || p == PhaseFailed
}

// Decision is the router's classification.
type Decision string

const (
	DecisionSimple  Decision = "simple"
	DecisionComplex Decision = "complex"
)

// State is the value threaded through the graph. Every transition method
// returns a new State and leaves the receiver untouched.
type State struct {
	ThreadID  string `json:"thread_id"`
	SessionID string `json:"session_id,omitempty"`
	UserID    string `json:"user_id"`
	Query     string `json:"query"`
	Phase     Phase  `json:"phase"`

	Messages []provider.Message `json:"messages"`

	Decision       Decision `json:"decision,omitempty"`
	DecisionReason string   `json:"decision_reason,omitempty"`
	// MemoryContext is the formatted long-term memory recalled while routing.
	MemoryContext string `json:"memory_context,omitempty"`

	Strategy       string         `json:"strategy,omitempty"`
	EstimatedSteps int            `json:"estimated_steps,omitempty"`
	Tasks          []Task         `json:"tasks,omitempty"`
	Cursor         int            `json:"current_task_index"`
	Results        []ExpertResult `json:"results,omitempty"`

	// ToolContext holds tool call/result messages per task id.
	ToolContext      map[string][]provider.Message `json:"tool_context,omitempty"`
	PendingToolCalls []provider.ToolCall           `json:"pending_tool_calls,omitempty"`
	ToolRounds       map[string]int                `json:"tool_rounds,omitempty"`

	MessageID string `json:"message_id,omitempty"`
	FinalText string `json:"final_text,omitempty"`
	Error     string `json:"error,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// New starts a run for one user message.
func New(threadID, userID, query string) State {
	return State{
		ThreadID:  threadID,
		UserID:    userID,
		Query:     query,
		Phase:     PhaseRouting,
		Messages:  []provider.Message{{Role: provider.RoleUser, Content: query}},
		UpdatedAt: time.Now().UTC(),
	}
}

// Clone deep-copies s.
func (s State) Clone() State {
	s.Messages = append([]provider.Message(nil), s.Messages...)
	if s.Tasks != nil {
		tasks := make([]Task, len(s.Tasks))
		for i, t := range s.Tasks {
			tasks[i] = t.clone()
		}
		s.Tasks = tasks
	}
	s.Results = append([]ExpertResult(nil), s.Results...)
	if s.ToolContext != nil {
		tc := make(map[string][]provider.Message, len(s.ToolContext))
		for k, v := range s.ToolContext {
			tc[k] = append([]provider.Message(nil), v...)
		}
		s.ToolContext = tc
	}
	s.PendingToolCalls = append([]provider.ToolCall(nil), s.PendingToolCalls...)
	if s.ToolRounds != nil {
		tr := make(map[string]int, len(s.ToolRounds))
		for k, v := range s.ToolRounds {
			tr[k] = v
		}
		s.ToolRounds = tr
	}
	return s
}

func (s State) touch() State {
	s.UpdatedAt = time.Now().UTC()
	return s
}

// WithPhase moves the run to p.
func (s State) WithPhase(p Phase) State {
	n := s.Clone()
	n.Phase = p
	return n.touch()
}

// WithDecision records the router outcome and picks the next phase.
func (s State) WithDecision(d Decision, reason string) State {
	n := s.Clone()
	n.Decision = d
	n.DecisionReason = reason
	if d == DecisionSimple {
		n.Phase = PhaseDirectReply
	} else {
		n.Phase = PhasePlanning
	}
	return n.touch()
}

// WithMemory records recalled long-term memory for later prompts.
func (s State) WithMemory(text string) State {
	n := s.Clone()
	n.MemoryContext = text
	return n.touch()
}

// WithPlan installs a freshly planned task list and suspends for review.
func (s State) WithPlan(sessionID, strategy string, estimatedSteps int, tasks []Task) State {
	n := s.Clone()
	n.SessionID = sessionID
	n.Strategy = strategy
	n.EstimatedSteps = estimatedSteps
	n.Tasks = make([]Task, len(tasks))
	for i, t := range tasks {
		n.Tasks[i] = t.clone()
	}
	n.Cursor = 0
	n.Results = nil
	n.ToolContext = nil
	n.ToolRounds = nil
	n.PendingToolCalls = nil
	n.Phase = PhaseAwaitingApproval
	return n.touch()
}

// WithTask replaces the task at index i.
func (s State) WithTask(i int, t Task) State {
	n := s.Clone()
	if i >= 0 && i < len(n.Tasks) {
		n.Tasks[i] = t.clone()
	}
	return n.touch()
}

// WithResult records a finished task, clears its tool context and advances
// the cursor past it.
func (s State) WithResult(i int, t Task, r ExpertResult) State {
	n := s.WithTask(i, t)
	n.Results = append(n.Results, r)
	delete(n.ToolContext, t.ID)
	n.PendingToolCalls = nil
	if n.Cursor <= i {
		n.Cursor = i + 1
	}
	n.Phase = PhaseDispatching
	if n.Cursor >= len(n.Tasks) {
		n.Phase = PhaseAggregating
	}
	return n
}

// Skip advances the cursor over an already finished task.
func (s State) Skip() State {
	n := s.Clone()
	n.Cursor++
	if n.Cursor >= len(n.Tasks) {
		n.Phase = PhaseAggregating
	}
	return n.touch()
}

// WithPendingTools parks the current task until its tool calls have run.
// assistant is the tool-calling message the results answer.
func (s State) WithPendingTools(i int, t Task, assistant provider.Message) State {
	n := s.WithTask(i, t)
	if n.ToolContext == nil {
		n.ToolContext = make(map[string][]provider.Message)
	}
	if n.ToolRounds == nil {
		n.ToolRounds = make(map[string]int)
	}
	n.ToolContext[t.ID] = append(n.ToolContext[t.ID], assistant)
	n.ToolRounds[t.ID]++
	n.PendingToolCalls = append([]provider.ToolCall(nil), assistant.ToolCalls...)
	n.Phase = PhaseTools
	return n
}

// WithToolResults appends tool outputs for taskID and re-enters dispatch.
func (s State) WithToolResults(taskID string, results []provider.Message) State {
	n := s.Clone()
	if n.ToolContext == nil {
		n.ToolContext = make(map[string][]provider.Message)
	}
	n.ToolContext[taskID] = append(n.ToolContext[taskID], results...)
	n.PendingToolCalls = nil
	n.Phase = PhaseDispatching
	return n.touch()
}

// WithMessage appends a history message.
func (s State) WithMessage(m provider.Message) State {
	n := s.Clone()
	n.Messages = append(n.Messages, m)
	return n.touch()
}

// Finish ends the run with the final assistant text.
func (s State) Finish(messageID, text string) State {
	n := s.Clone()
	n.MessageID = messageID
	n.FinalText = text
	n.Messages = append(n.Messages, provider.Message{Role: provider.RoleAssistant, Content: text})
	n.Phase = PhaseDone
	return n.touch()
}

// Fail ends the run with reason.
func (s State) Fail(reason string) State {
	n := s.Clone()
	n.Error = reason
	n.Phase = PhaseFailed
	return n.touch()
}

// Cancel ends the run after a rejected review.
func (s State) Cancel() State {
	n := s.Clone()
	n.Phase = PhaseCancelled
	return n.touch()
}

// AwaitingApproval reports whether the run is parked at plan review: a plan
// exists, nothing has run and the cursor is at the start.
func (s State) AwaitingApproval() bool {
	return len(s.Tasks) > 0 && s.Cursor == 0 && len(s.Results) == 0 &&
		s.Phase == PhaseAwaitingApproval
}

// CurrentTask returns the task at the cursor.
func (s State) CurrentTask() (Task, bool) {
	if s.Cursor < 0 || s.Cursor >= len(s.Tasks) {
		return Task{}, false
	}
	return s.Tasks[s.Cursor], true
}

// CompletedResults indexes completed results by task short id.
func (s State) CompletedResults() map[string]ExpertResult {
	out := make(map[string]ExpertResult, len(s.Results))
	for _, r := range s.Results {
		if r.Status == StatusCompleted && r.TaskShortID != "" {
			out[r.TaskShortID] = r
		}
	}
	return out
}

// TaskToolContext returns the tool messages gathered for taskID.
func (s State) TaskToolContext(taskID string) []provider.Message {
	return s.ToolContext[taskID]
}

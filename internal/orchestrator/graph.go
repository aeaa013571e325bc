// Package orchestrator drives a conversation turn through routing, planning,
// human review, dispatch and aggregation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-experts/internal/aggregator"
	"github.com/nidhogg/nuka-experts/internal/dispatcher"
	"github.com/nidhogg/nuka-experts/internal/event"
	"github.com/nidhogg/nuka-experts/internal/expert"
	"github.com/nidhogg/nuka-experts/internal/memory"
	"github.com/nidhogg/nuka-experts/internal/notify"
	"github.com/nidhogg/nuka-experts/internal/persist"
	"github.com/nidhogg/nuka-experts/internal/planner"
	"github.com/nidhogg/nuka-experts/internal/provider"
	"github.com/nidhogg/nuka-experts/internal/router"
	"github.com/nidhogg/nuka-experts/internal/session"
)

// ErrNotAwaitingApproval is returned by Resume for a thread with no plan
// parked for review.
var ErrNotAwaitingApproval = fmt.Errorf("thread is not awaiting plan approval")

// Run statuses reported in Outcome and run.end.
const (
	StatusCompleted        = "completed"
	StatusAwaitingApproval = "awaiting_approval"
	StatusCancelled        = "cancelled"
	StatusFailed           = "failed"
)

// PlanReviewType tags the human.interrupt payload.
const PlanReviewType = "plan_review"

var tracer = otel.Tracer("github.com/nidhogg/nuka-experts/internal/orchestrator")

// ToolRunner executes the tool calls of a parked task.
type ToolRunner interface {
	Run(ctx context.Context, calls []provider.ToolCall) []provider.Message
}

// Deps are the collaborators of a Graph. Repo, Memory, Tools, Queue, Notifier
// and Metrics may be nil.
type Deps struct {
	Router      *router.Router
	Planner     *planner.Planner
	Dispatcher  *dispatcher.Dispatcher
	Aggregator  *aggregator.Aggregator
	Generator   provider.Generator
	Experts     *expert.Registry
	Checkpoints session.Checkpointer
	Repo        session.Repository
	Memory      memory.Retriever
	Tools       ToolRunner
	Queue       *persist.Queue
	Notifier    notify.Notifier
	Metrics     *Metrics
	// Events returns the ordered notification sink of a thread.
	Events func(threadID string) event.Emitter
}

// StartInput is one new user message.
type StartInput struct {
	ThreadID string
	UserID   string
	Message  string
	// RunID tags the run.end of this call; generated when empty.
	RunID string
}

// ResumeInput answers a plan review.
type ResumeInput struct {
	ThreadID    string
	Approved    bool
	UpdatedPlan []session.Task
	// MessageID, when a UUID, becomes the id of the final answer.
	MessageID string
	// RunID tags the run.end of this call; generated when empty.
	RunID string
}

// Outcome is what one Start or Resume call ended with.
type Outcome struct {
	RunID     string `json:"run_id"`
	ThreadID  string `json:"thread_id"`
	SessionID string `json:"session_id,omitempty"`
	Status    string `json:"status"`
	MessageID string `json:"message_id,omitempty"`
	FinalText string `json:"final_text,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Graph runs the orchestration state machine. Calls on one thread are
// serialized; different threads run concurrently.
type Graph struct {
	d      Deps
	locks  *threadLocks
	logger *zap.Logger
}

// New creates a Graph.
func New(d Deps, logger *zap.Logger) *Graph {
	if d.Memory == nil {
		d.Memory = memory.Nop{}
	}
	if d.Events == nil {
		d.Events = func(string) event.Emitter { return event.Discard }
	}
	if d.Dispatcher != nil && d.Metrics != nil {
		m := d.Metrics
		d.Dispatcher.OnTaskDone(func(expertType string, status session.Status, took time.Duration) {
			m.ObserveTask(expertType, string(status), took)
		})
	}
	return &Graph{d: d, locks: newThreadLocks(), logger: logger}
}

// Start runs a new message until it finishes or parks for plan review.
func (g *Graph) Start(ctx context.Context, in StartInput) (Outcome, error) {
	if in.ThreadID == "" {
		in.ThreadID = uuid.New().String()
	}
	unlock := g.locks.lock(in.ThreadID)
	defer unlock()

	em := g.d.Events(in.ThreadID)
	st := session.New(in.ThreadID, in.UserID, in.Message)
	g.logger.Info("run started", zap.String("thread", in.ThreadID), zap.String("user", in.UserID))
	g.saveMessage(ctx, st, uuid.New().String(), provider.RoleUser, in.Message)

	return g.finish(em, in.RunID, g.drive(ctx, em, st)), nil
}

// Resume answers the plan review of a parked thread. A rejection cancels the
// session without running any task.
func (g *Graph) Resume(ctx context.Context, in ResumeInput) (Outcome, error) {
	unlock := g.locks.lock(in.ThreadID)
	defer unlock()

	snap, err := g.d.Checkpoints.Load(ctx, in.ThreadID)
	if errors.Is(err, session.ErrNoCheckpoint) {
		return Outcome{}, fmt.Errorf("resume %s: %w", in.ThreadID, ErrNotAwaitingApproval)
	}
	if err != nil {
		return Outcome{}, fmt.Errorf("resume %s: %w", in.ThreadID, err)
	}
	st := snap.State
	if st.Phase != session.PhaseAwaitingApproval {
		return Outcome{}, fmt.Errorf("resume %s in phase %s: %w", in.ThreadID, st.Phase, ErrNotAwaitingApproval)
	}
	em := g.d.Events(in.ThreadID)

	if !in.Approved {
		if err := g.d.Checkpoints.Delete(ctx, in.ThreadID); err != nil {
			g.logger.Warn("delete checkpoint", zap.String("thread", in.ThreadID), zap.Error(err))
		}
		g.setSessionStatus(ctx, st.SessionID, session.SessionCancelled)
		g.logger.Info("plan rejected", zap.String("thread", in.ThreadID), zap.String("session", st.SessionID))
		return g.finish(em, in.RunID, st.Cancel()), nil
	}

	st = session.MergePlan(st, in.UpdatedPlan)
	if _, err := uuid.Parse(in.MessageID); err == nil {
		st.MessageID = in.MessageID
	}
	g.logger.Info("plan approved",
		zap.String("thread", in.ThreadID),
		zap.String("session", st.SessionID),
		zap.Int("tasks", len(st.Tasks)),
		zap.Int("cursor", st.Cursor))
	if g.d.Repo != nil && st.SessionID != "" {
		if err := g.d.Repo.SaveTasks(ctx, st.SessionID, st.Tasks); err != nil {
			g.logger.Warn("persist approved plan", zap.String("session", st.SessionID), zap.Error(err))
		}
		g.setSessionStatus(ctx, st.SessionID, session.SessionRunning)
	}

	return g.finish(em, in.RunID, g.drive(ctx, em, st)), nil
}

// Pending reports whether threadID has a plan parked for review. It returns
// ErrNotAwaitingApproval otherwise.
func (g *Graph) Pending(ctx context.Context, threadID string) error {
	snap, err := g.d.Checkpoints.Load(ctx, threadID)
	if errors.Is(err, session.ErrNoCheckpoint) {
		return fmt.Errorf("thread %s: %w", threadID, ErrNotAwaitingApproval)
	}
	if err != nil {
		return fmt.Errorf("load checkpoint %s: %w", threadID, err)
	}
	if snap.State.Phase != session.PhaseAwaitingApproval {
		return fmt.Errorf("thread %s in phase %s: %w", threadID, snap.State.Phase, ErrNotAwaitingApproval)
	}
	return nil
}

// drive re-enters the state machine until the run ends or parks. The state
// is checkpointed after every pass so another process can pick it up.
func (g *Graph) drive(ctx context.Context, em event.Emitter, st session.State) (out session.State) {
	done := g.d.Metrics.runStarted()
	defer func() { done(outcomeStatus(out)) }()

	for !st.Phase.Terminal() {
		if st.Phase == session.PhaseAwaitingApproval {
			return g.interrupt(ctx, em, st)
		}
		if err := ctx.Err(); err != nil {
			g.logger.Warn("run interrupted", zap.String("thread", st.ThreadID), zap.Error(err))
			em.Emit(event.Error, event.ErrorData{Code: "run_interrupted", Message: "The run was interrupted.", Details: err.Error()})
			st = st.Fail(err.Error())
			break
		}
		st = g.step(ctx, em, st)
		g.checkpoint(ctx, st)
	}

	// A finished run leaves nothing to resume.
	if err := g.d.Checkpoints.Delete(context.WithoutCancel(ctx), st.ThreadID); err != nil {
		g.logger.Warn("delete checkpoint", zap.String("thread", st.ThreadID), zap.Error(err))
	}
	return st
}

// step runs exactly one node.
func (g *Graph) step(ctx context.Context, em event.Emitter, st session.State) session.State {
	ctx, span := tracer.Start(ctx, "node."+string(st.Phase))
	defer span.End()
	span.SetAttributes(attribute.String("thread.id", st.ThreadID), attribute.Int("cursor", st.Cursor))

	switch st.Phase {
	case session.PhaseRouting:
		return g.route(ctx, em, st)
	case session.PhaseDirectReply:
		return g.directReply(ctx, em, st)
	case session.PhasePlanning:
		return g.plan(ctx, em, st)
	case session.PhaseDispatching:
		return g.d.Dispatcher.Step(ctx, em, st)
	case session.PhaseTools:
		return g.runTools(ctx, st)
	case session.PhaseAggregating:
		return g.aggregate(ctx, em, st)
	default:
		g.logger.Error("no node for phase", zap.String("phase", string(st.Phase)))
		return st.Fail("unknown phase " + string(st.Phase))
	}
}

func (g *Graph) route(ctx context.Context, em event.Emitter, st session.State) session.State {
	res := g.d.Router.Classify(ctx, em, st.Query, st.UserID)
	g.d.Metrics.routerDecision(string(res.Decision), res.Fallback)
	return st.WithMemory(memory.Format(res.Memories)).WithDecision(res.Decision, res.Reason)
}

func (g *Graph) plan(ctx context.Context, em event.Emitter, st session.State) session.State {
	p, err := g.d.Planner.Plan(ctx, em, st)
	if err != nil {
		g.d.Metrics.plan("failed")
		g.logger.Error("planning failed, answering directly", zap.String("thread", st.ThreadID), zap.Error(err))
		em.Emit(event.Error, event.ErrorData{
			Code:    "planning_failed",
			Message: "Could not build a plan for this request; answering directly.",
			Details: err.Error(),
		})
		g.recordFailedSession(ctx, st, err)
		return st.WithPhase(session.PhaseDirectReply)
	}
	g.d.Metrics.plan("created")
	return st.WithPlan(p.SessionID, p.Strategy, p.EstimatedSteps, p.Tasks)
}

// interrupt parks the run for plan review.
func (g *Graph) interrupt(ctx context.Context, em event.Emitter, st session.State) session.State {
	if err := g.d.Checkpoints.Save(ctx, st.ThreadID, session.NewSnapshot(st)); err != nil {
		g.logger.Error("checkpoint plan for review", zap.String("thread", st.ThreadID), zap.Error(err))
		em.Emit(event.Error, event.ErrorData{
			Code:    "checkpoint_failed",
			Message: "The plan could not be saved for review.",
			Details: err.Error(),
		})
		g.setSessionStatus(ctx, st.SessionID, session.SessionFailed)
		return st.Fail(err.Error())
	}
	em.Emit(event.HumanInterrupt, event.HumanInterruptData{
		Type:        PlanReviewType,
		SessionID:   st.SessionID,
		CurrentPlan: event.PlanTasks(st.Tasks),
	})
	g.logger.Info("waiting for plan review",
		zap.String("thread", st.ThreadID), zap.String("session", st.SessionID), zap.Int("tasks", len(st.Tasks)))

	if g.d.Notifier != nil {
		review := notify.Review{
			ThreadID:  st.ThreadID,
			SessionID: st.SessionID,
			Query:     st.Query,
			Strategy:  st.Strategy,
			Tasks:     st.Tasks,
		}
		g.background(ctx, "notify:"+st.ThreadID, func(ctx context.Context) error {
			return g.d.Notifier.PlanReview(ctx, review)
		})
	}
	return st
}

func (g *Graph) runTools(ctx context.Context, st session.State) session.State {
	task, ok := st.CurrentTask()
	if !ok {
		return st.WithPhase(session.PhaseAggregating)
	}
	var results []provider.Message
	if g.d.Tools != nil {
		results = g.d.Tools.Run(ctx, st.PendingToolCalls)
	} else {
		for _, c := range st.PendingToolCalls {
			results = append(results, provider.Message{
				Role:       provider.RoleTool,
				Name:       c.Function.Name,
				ToolCallID: c.ID,
				Content:    `{"error":"no tools are available"}`,
			})
		}
	}
	g.logger.Debug("tools ran", zap.String("task", task.ID), zap.Int("calls", len(results)))
	return st.WithToolResults(task.ID, results)
}

func (g *Graph) directReply(ctx context.Context, em event.Emitter, st session.State) session.State {
	messageID := st.MessageID
	if messageID == "" {
		messageID = uuid.New().String()
	}
	cfg, err := g.d.Experts.Resolve(ctx, expert.ChatKey)
	if err != nil {
		return g.replyFailed(em, st, err)
	}
	system := cfg.SystemInstructions
	if st.MemoryContext != "" {
		system += "\n\n" + st.MemoryContext
	}
	msgs := append([]provider.Message{{Role: provider.RoleSystem, Content: system}}, st.Messages...)
	text, err := aggregator.StreamMessage(ctx, g.d.Generator, cfg.RouteKey(), &provider.ChatRequest{
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		Messages:    msgs,
	}, em, messageID)
	if err != nil && text == "" {
		return g.replyFailed(em, st, err)
	}
	if err != nil {
		g.logger.Warn("direct reply cut short", zap.String("thread", st.ThreadID), zap.Error(err))
	}
	em.Emit(event.MessageDone, event.MessageDoneData{MessageID: messageID, FullContent: text})
	g.saveMessage(ctx, st, messageID, provider.RoleAssistant, text)
	g.remember(ctx, st, text)
	return st.Finish(messageID, text)
}

func (g *Graph) replyFailed(em event.Emitter, st session.State, err error) session.State {
	g.logger.Error("direct reply failed", zap.String("thread", st.ThreadID), zap.Error(err))
	em.Emit(event.Error, event.ErrorData{
		Code:    "generation_failed",
		Message: "The assistant could not produce an answer.",
		Details: err.Error(),
	})
	return st.Fail(err.Error())
}

func (g *Graph) aggregate(ctx context.Context, em event.Emitter, st session.State) session.State {
	res := g.d.Aggregator.Summarize(ctx, em, st)
	g.remember(ctx, st, res.Text)
	return st.Finish(res.MessageID, res.Text)
}

// finish emits run.end and reports the outcome.
func (g *Graph) finish(em event.Emitter, runID string, st session.State) Outcome {
	if runID == "" {
		runID = uuid.New().String()
	}
	out := Outcome{
		RunID:     runID,
		ThreadID:  st.ThreadID,
		SessionID: st.SessionID,
		Status:    outcomeStatus(st),
		MessageID: st.MessageID,
		FinalText: st.FinalText,
		Error:     st.Error,
	}
	em.Emit(event.RunEnd, event.RunEndData{RunID: runID, Status: out.Status, SessionID: out.SessionID})
	g.logger.Info("run finished",
		zap.String("thread", out.ThreadID), zap.String("status", out.Status), zap.String("session", out.SessionID))
	return out
}

func outcomeStatus(st session.State) string {
	switch st.Phase {
	case session.PhaseDone:
		return StatusCompleted
	case session.PhaseAwaitingApproval:
		return StatusAwaitingApproval
	case session.PhaseCancelled:
		return StatusCancelled
	default:
		return StatusFailed
	}
}

func (g *Graph) checkpoint(ctx context.Context, st session.State) {
	if st.Phase.Terminal() || st.Phase == session.PhaseAwaitingApproval {
		return
	}
	if err := g.d.Checkpoints.Save(ctx, st.ThreadID, session.NewSnapshot(st)); err != nil {
		g.logger.Warn("checkpoint run", zap.String("thread", st.ThreadID), zap.Error(err))
	}
}

func (g *Graph) setSessionStatus(ctx context.Context, sessionID string, status session.SessionStatus) {
	if g.d.Repo == nil || sessionID == "" {
		return
	}
	if err := g.d.Repo.SetSessionStatus(ctx, sessionID, status); err != nil {
		g.logger.Warn("set session status",
			zap.String("session", sessionID), zap.String("status", string(status)), zap.Error(err))
	}
}

// recordFailedSession stores a failed session header for a request that
// never got a plan.
func (g *Graph) recordFailedSession(ctx context.Context, st session.State, cause error) {
	if g.d.Repo == nil {
		return
	}
	rec := session.SessionRecord{
		ID:        uuid.New().String(),
		ThreadID:  st.ThreadID,
		UserID:    st.UserID,
		Query:     st.Query,
		Strategy:  "planning failed: " + cause.Error(),
		Status:    session.SessionFailed,
		CreatedAt: time.Now().UTC(),
	}
	g.background(ctx, "session:"+rec.ID, func(ctx context.Context) error {
		return g.d.Repo.CreateSession(ctx, rec)
	})
}

func (g *Graph) saveMessage(ctx context.Context, st session.State, id, role, content string) {
	if g.d.Repo == nil {
		return
	}
	rec := session.MessageRecord{
		ID:        id,
		ThreadID:  st.ThreadID,
		SessionID: st.SessionID,
		Role:      role,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}
	g.background(ctx, "message:"+id, func(ctx context.Context) error {
		return g.d.Repo.AppendMessage(ctx, rec)
	})
}

// remember writes the exchange to long-term memory.
func (g *Graph) remember(ctx context.Context, st session.State, answer string) {
	if st.UserID == "" || answer == "" {
		return
	}
	text := fmt.Sprintf("User asked: %s\nAnswer: %s", st.Query, dispatcher.Truncate(answer, 1000))
	g.background(ctx, "remember:"+st.ThreadID, func(ctx context.Context) error {
		return g.d.Memory.Remember(ctx, st.UserID, text)
	})
}

// background runs a best-effort job on the queue, or inline when there is no
// queue. Failures are logged only.
func (g *Graph) background(ctx context.Context, name string, run func(ctx context.Context) error) {
	if g.d.Queue != nil {
		g.d.Queue.Go(ctx, name, run)
		return
	}
	if err := run(ctx); err != nil {
		g.logger.Warn("background job failed", zap.String("job", name), zap.Error(err))
	}
}

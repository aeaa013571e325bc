// Package dispatcher runs the plan one task per step.
package dispatcher

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-experts/internal/event"
	"github.com/nidhogg/nuka-experts/internal/executor"
	"github.com/nidhogg/nuka-experts/internal/persist"
	"github.com/nidhogg/nuka-experts/internal/session"
)

// TruncationMarker ends a dependency output cut to the character budget.
const TruncationMarker = "...[truncated]"

var tracer = otel.Tracer("github.com/nidhogg/nuka-experts/internal/dispatcher")

// Dispatcher advances a State by exactly one task per Step.
type Dispatcher struct {
	exec     *executor.Executor
	repo     session.Repository
	queue    *persist.Queue
	depChars int
	onDone   func(expertType string, status session.Status, took time.Duration)
	logger   *zap.Logger
}

// New creates a Dispatcher. Dependency outputs are cut to depChars runes.
func New(exec *executor.Executor, repo session.Repository, queue *persist.Queue, depChars int, logger *zap.Logger) *Dispatcher {
	if depChars <= 0 {
		depChars = 500
	}
	return &Dispatcher{exec: exec, repo: repo, queue: queue, depChars: depChars, logger: logger}
}

// OnTaskDone registers a callback for every task that reaches a terminal
// status.
func (d *Dispatcher) OnTaskDone(fn func(expertType string, status session.Status, took time.Duration)) {
	d.onDone = fn
}

// Step runs the task at the cursor and returns the next state. A failed task
// still advances the cursor. A task that asks for tools is parked in
// PhaseTools with the cursor unchanged.
func (d *Dispatcher) Step(ctx context.Context, em event.Emitter, st session.State) session.State {
	task, ok := st.CurrentTask()
	if !ok {
		return st.WithPhase(session.PhaseAggregating)
	}
	if task.Status == session.StatusCompleted {
		d.logger.Debug("skipping completed task", zap.String("task", task.ID))
		return st.Skip()
	}

	ctx, span := tracer.Start(ctx, "dispatch.task")
	defer span.End()
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("task.expert", task.ExpertType),
		attribute.String("session.id", st.SessionID),
	)

	toolMsgs := st.TaskToolContext(task.ID)
	// Re-entry after a tool step continues the task that was already
	// announced.
	if task.Status != session.StatusRunning || len(toolMsgs) == 0 {
		now := time.Now().UTC()
		task.Status = session.StatusRunning
		task.StartedAt = &now
		task.CompletedAt = nil
		task.OutputResult = nil
		d.saveTask(ctx, st.SessionID, task)
		em.Emit(event.TaskStarted, event.TaskStartedData{
			TaskID:      task.ID,
			ExpertType:  task.ExpertType,
			Description: task.Description,
			StartedAt:   now,
		})
	}

	depCtx := DependencyContext(task, st.CompletedResults(), d.depChars, d.logger)
	stream := &streamAdapter{em: em, task: task}
	res := d.exec.Execute(ctx, executor.Request{
		Task:              task,
		DependencyContext: depCtx,
		ToolMessages:      toolMsgs,
		ToolRounds:        st.ToolRounds[task.ID],
	}, stream.yield)

	if res.Pending() {
		d.logger.Info("task waiting on tools",
			zap.String("task", task.ID), zap.Int("calls", len(res.ToolCalls)))
		return st.WithPendingTools(st.Cursor, task, res.Assistant)
	}

	completedAt := time.Now().UTC()
	task.Status = res.Status
	task.CompletedAt = &completedAt
	out := &session.TaskOutput{Content: res.Output, Error: res.Error, DurationMS: res.Duration.Milliseconds()}
	var artifacts []session.Artifact
	if res.Artifact != nil {
		artifacts = append(artifacts, *res.Artifact)
		out.ArtifactCount = 1
	}
	if res.Status != session.StatusCompleted {
		span.SetStatus(codes.Error, res.Error)
	}
	task.OutputResult = out

	d.persistOutcome(ctx, st.SessionID, task, artifacts)
	stream.finish(res)

	if res.Status == session.StatusCompleted {
		em.Emit(event.TaskCompleted, event.TaskCompletedData{
			TaskID:        task.ID,
			ExpertType:    task.ExpertType,
			Description:   task.Description,
			Output:        res.Output,
			DurationMS:    out.DurationMS,
			ArtifactCount: out.ArtifactCount,
			CompletedAt:   completedAt,
		})
		d.logger.Info("task completed",
			zap.String("task", task.ID), zap.String("expert", task.ExpertType), zap.Duration("took", res.Duration))
	} else {
		em.Emit(event.TaskFailed, event.TaskFailedData{
			TaskID:      task.ID,
			ExpertType:  task.ExpertType,
			Description: task.Description,
			Error:       res.Error,
			FailedAt:    completedAt,
		})
		d.logger.Warn("task failed",
			zap.String("task", task.ID), zap.String("expert", task.ExpertType), zap.String("error", res.Error))
	}
	if d.onDone != nil {
		d.onDone(task.ExpertType, res.Status, res.Duration)
	}

	return st.WithResult(st.Cursor, task, session.ExpertResult{
		TaskID:      task.ID,
		TaskShortID: task.ShortID,
		ExpertType:  task.ExpertType,
		Description: task.Description,
		Output:      res.Output,
		Status:      res.Status,
		DurationMS:  out.DurationMS,
	})
}

// saveTask persists the running transition before the expert is invoked.
func (d *Dispatcher) saveTask(ctx context.Context, sessionID string, t session.Task) {
	if d.repo == nil || sessionID == "" {
		return
	}
	if err := d.repo.UpdateTask(ctx, sessionID, t); err != nil {
		d.logger.Warn("persist task status", zap.String("task", t.ID), zap.Error(err))
	}
}

// persistOutcome saves the terminal status and artifacts in the background.
func (d *Dispatcher) persistOutcome(ctx context.Context, sessionID string, t session.Task, artifacts []session.Artifact) {
	if d.repo == nil || sessionID == "" {
		return
	}
	save := func(ctx context.Context) error {
		if len(artifacts) > 0 {
			if err := d.repo.SaveArtifacts(ctx, sessionID, artifacts); err != nil {
				return fmt.Errorf("save artifacts: %w", err)
			}
		}
		if err := d.repo.UpdateTask(ctx, sessionID, t); err != nil {
			return fmt.Errorf("update task: %w", err)
		}
		return nil
	}
	if d.queue == nil {
		if err := save(ctx); err != nil {
			d.logger.Warn("persist task outcome", zap.String("task", t.ID), zap.Error(err))
		}
		return
	}
	d.queue.Go(ctx, "task:"+t.ID, save)
}

// DependencyContext renders the outputs of the completed tasks t depends on.
// Missing dependencies are logged and noted in the prompt.
func DependencyContext(t session.Task, done map[string]session.ExpertResult, limit int, logger *zap.Logger) string {
	if len(t.DependsOn) == 0 {
		return ""
	}
	var (
		b       strings.Builder
		missing []string
		found   int
	)
	for _, dep := range t.DependsOn {
		r, ok := done[dep]
		if !ok {
			logger.Warn("dependency not resolved, continuing without it",
				zap.String("task", t.ID), zap.String("dependency", dep))
			missing = append(missing, dep)
			continue
		}
		if found == 0 {
			b.WriteString("Results from the tasks this one depends on:\n")
		}
		found++
		fmt.Fprintf(&b, "\n### %s (%s, task %s)\n%s\n%s\n", dep, r.ExpertType, r.TaskID, r.Description, Truncate(r.Output, limit))
	}
	if len(missing) > 0 {
		if found > 0 {
			b.WriteString("\n")
		}
		fmt.Fprintf(&b, "Results for %s are unavailable. Do your best with the context you have.\n", strings.Join(missing, ", "))
	}
	return b.String()
}

// Truncate cuts s to limit runes and appends TruncationMarker when it does.
func Truncate(s string, limit int) string {
	r := []rune(s)
	if limit <= 0 || len(r) <= limit {
		return s
	}
	return string(r[:limit]) + TruncationMarker
}

// streamAdapter turns executor items into artifact notifications.
type streamAdapter struct {
	em         event.Emitter
	task       session.Task
	artifactID string
}

func (a *streamAdapter) yield(it executor.Item) {
	switch it.Kind {
	case executor.ItemStart:
		a.artifactID = it.ArtifactID
		a.em.Emit(event.ArtifactStart, event.ArtifactStreamData{
			ArtifactID: it.ArtifactID,
			TaskID:     a.task.ID,
			ExpertType: a.task.ExpertType,
		})
	case executor.ItemDelta:
		a.em.Emit(event.ArtifactChunk, event.ArtifactStreamData{
			ArtifactID: it.ArtifactID,
			TaskID:     a.task.ID,
			ExpertType: a.task.ExpertType,
			Delta:      it.Delta,
		})
	}
}

// finish closes an opened artifact stream or announces a non-streamed
// artifact. A failed task saves no artifact, so its open stream is left to
// the task.failed that follows.
func (a *streamAdapter) finish(res executor.Result) {
	switch {
	case res.Status == session.StatusFailed:
	case a.artifactID != "":
		data := event.ArtifactStreamData{
			ArtifactID:  a.artifactID,
			TaskID:      a.task.ID,
			ExpertType:  a.task.ExpertType,
			FullContent: res.Output,
		}
		if res.Artifact != nil {
			data.Type = res.Artifact.Type
		}
		a.em.Emit(event.ArtifactCompleted, data)
	case res.Artifact != nil:
		a.em.Emit(event.ArtifactGenerated, event.ArtifactGeneratedData{
			TaskID:     a.task.ID,
			ExpertType: a.task.ExpertType,
			Artifact:   *res.Artifact,
		})
	}
}

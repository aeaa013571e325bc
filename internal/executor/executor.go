// Package executor runs one task against one expert.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-experts/internal/expert"
	"github.com/nidhogg/nuka-experts/internal/provider"
	"github.com/nidhogg/nuka-experts/internal/session"
)

// ToolsDoneInstruction closes a task whose tools have already run.
const ToolsDoneInstruction = "The tools have already run and their results are above. Do not call any tools. Produce the final answer now."

// streamingExperts produce long-form prose and never call tools.
var streamingExperts = map[string]bool{
	expert.Writer:     true,
	expert.Researcher: true,
}

// Streams reports whether expertType uses the streaming path.
func Streams(expertType string) bool { return streamingExperts[expertType] }

// ToolSource lists the tools an expert may call.
type ToolSource interface {
	Definitions() []provider.Tool
}

// Request is one task invocation.
type Request struct {
	Task session.Task
	// DependencyContext is the rendered output of upstream tasks.
	DependencyContext string
	// ToolMessages are the assistant tool calls and tool results gathered
	// for this task so far.
	ToolMessages []provider.Message
	// ToolRounds counts the tool steps this task has already been through.
	ToolRounds int
}

// Result is always well formed; failures are reported through Status.
type Result struct {
	Output   string
	Status   session.Status
	Artifact *session.Artifact
	Duration time.Duration
	Error    string
	// Streamed is set when the artifact id was announced by artifact.start.
	Streamed bool
	// ToolCalls is set when the expert asked for tools instead of answering.
	// The task is not finished and Assistant is the message to replay.
	ToolCalls []provider.ToolCall
	Assistant provider.Message
}

// Pending reports whether the task is parked on tool calls.
func (r Result) Pending() bool { return len(r.ToolCalls) > 0 }

// ItemKind tags an executor output item.
type ItemKind int

const (
	// ItemStart announces a streamed artifact id.
	ItemStart ItemKind = iota
	// ItemDelta carries one increment of streamed content.
	ItemDelta
)

// Item is one increment the executor produces while a task runs. The caller
// adapts items to its transport.
type Item struct {
	Kind       ItemKind
	ArtifactID string
	Delta      string
}

// Executor invokes experts. It is safe for concurrent use.
type Executor struct {
	gen       provider.Generator
	experts   *expert.Registry
	tools     ToolSource
	maxRounds int
	logger    *zap.Logger
}

// New creates an Executor. tools may be nil. A task may go through at most
// maxToolRounds tool steps before tools are withheld.
func New(gen provider.Generator, experts *expert.Registry, tools ToolSource, maxToolRounds int, logger *zap.Logger) *Executor {
	if maxToolRounds <= 0 {
		maxToolRounds = 1
	}
	return &Executor{gen: gen, experts: experts, tools: tools, maxRounds: maxToolRounds, logger: logger}
}

// Execute runs req.Task and reports streamed increments to yield. It never
// panics and never returns an error: every failure becomes a failed Result.
func (e *Executor) Execute(ctx context.Context, req Request, yield func(Item)) (res Result) {
	start := time.Now()
	if yield == nil {
		yield = func(Item) {}
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("expert panicked",
				zap.String("task", req.Task.ID), zap.String("expert", req.Task.ExpertType), zap.Any("panic", r))
			res = failed(fmt.Errorf("expert panicked: %v", r), res.Output)
		}
		res.Duration = time.Since(start)
	}()

	cfg, err := e.experts.Resolve(ctx, req.Task.ExpertType)
	if err != nil {
		return failed(err, "")
	}

	if Streams(req.Task.ExpertType) && len(req.ToolMessages) == 0 {
		res = e.stream(ctx, cfg, req, yield)
	} else {
		res = e.complete(ctx, cfg, req)
	}
	if res.Status == session.StatusCompleted {
		e.logger.Debug("expert finished",
			zap.String("task", req.Task.ID), zap.String("expert", cfg.Key), zap.Int("chars", len(res.Output)))
	}
	return res
}

func (e *Executor) complete(ctx context.Context, cfg expert.Config, req Request) Result {
	var defs []provider.Tool
	if req.ToolRounds < e.maxRounds && e.tools != nil {
		defs = e.tools.Definitions()
	}
	toolsBound := len(defs) > 0
	chatReq := e.buildRequest(cfg, req, toolsBound)
	if toolsBound {
		chatReq.Tools = defs
		chatReq.ToolChoice = "auto"
	}

	resp, err := e.gen.Route(ctx, cfg.RouteKey(), chatReq)
	if err != nil {
		return failed(fmt.Errorf("%s generation: %w", cfg.Key, err), "")
	}

	if len(resp.ToolCalls) > 0 {
		if toolsBound {
			calls := normalizeCalls(resp.ToolCalls)
			return Result{
				Status:    session.StatusRunning,
				ToolCalls: calls,
				Assistant: provider.Message{Role: provider.RoleAssistant, Content: resp.Content, ToolCalls: calls},
			}
		}
		e.logger.Warn("ignoring tool calls on a tool-free invocation",
			zap.String("task", req.Task.ID), zap.Int("calls", len(resp.ToolCalls)))
	}
	return e.finish(cfg, req.Task, resp.Content, uuid.New().String(), false)
}

func (e *Executor) stream(ctx context.Context, cfg expert.Config, req Request, yield func(Item)) Result {
	ch, err := e.gen.RouteStream(ctx, cfg.RouteKey(), e.buildRequest(cfg, req, false))
	if err != nil {
		return failed(fmt.Errorf("%s generation: %w", cfg.Key, err), "")
	}

	artifactID := uuid.New().String()
	yield(Item{Kind: ItemStart, ArtifactID: artifactID})

	var sb strings.Builder
	for chunk := range ch {
		if chunk.Err != nil {
			// Drain so the producer is never blocked.
			for range ch {
			}
			return failed(fmt.Errorf("%s stream: %w", cfg.Key, chunk.Err), sb.String())
		}
		if chunk.Content == "" {
			continue
		}
		sb.WriteString(chunk.Content)
		yield(Item{Kind: ItemDelta, ArtifactID: artifactID, Delta: chunk.Content})
	}
	return e.finish(cfg, req.Task, sb.String(), artifactID, true)
}

func (e *Executor) finish(cfg expert.Config, task session.Task, content, artifactID string, streamed bool) Result {
	output := SanitizeOutput(content)
	if strings.TrimSpace(output) == "" {
		return failed(fmt.Errorf("%s returned empty output", cfg.Key), "")
	}
	typ := DetectArtifactType(output, task.ExpertType)
	art := &session.Artifact{
		ID:        artifactID,
		TaskID:    task.ID,
		Type:      typ,
		Title:     title(cfg, task),
		Content:   output,
		SortOrder: task.SortOrder,
	}
	if typ == session.ArtifactCode || typ == session.ArtifactHTML {
		art.Language = FenceLanguage(output)
		if typ == session.ArtifactHTML && art.Language == "" {
			art.Language = "html"
		}
	}
	return Result{Output: output, Status: session.StatusCompleted, Artifact: art, Streamed: streamed}
}

func (e *Executor) buildRequest(cfg expert.Config, req Request, toolsBound bool) *provider.ChatRequest {
	msgs := []provider.Message{
		{Role: provider.RoleSystem, Content: cfg.SystemInstructions},
		{Role: provider.RoleUser, Content: TaskPrompt(req.Task, req.DependencyContext)},
	}
	if len(req.ToolMessages) > 0 {
		msgs = append(msgs, req.ToolMessages...)
		if !toolsBound {
			msgs = append(msgs, provider.Message{Role: provider.RoleUser, Content: ToolsDoneInstruction})
		}
	}
	return &provider.ChatRequest{
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		Messages:    msgs,
	}
}

// TaskPrompt renders the user turn for one task.
func TaskPrompt(t session.Task, dependencyContext string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", t.Description)
	if len(t.InputData) > 0 {
		keys := make([]string, 0, len(t.InputData))
		for k := range t.InputData {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString("\nInput parameters:\n")
		for _, k := range keys {
			v, err := json.Marshal(t.InputData[k])
			if err != nil {
				v = []byte(fmt.Sprint(t.InputData[k]))
			}
			fmt.Fprintf(&b, "- %s: %s\n", k, v)
		}
	}
	if dependencyContext != "" {
		b.WriteString("\n")
		b.WriteString(dependencyContext)
	}
	return b.String()
}

func title(cfg expert.Config, t session.Task) string {
	name := cfg.Name
	if name == "" {
		name = cfg.Key
	}
	desc := []rune(strings.TrimSpace(t.Description))
	if len(desc) > 60 {
		desc = append(desc[:57], []rune("...")...)
	}
	return name + ": " + string(desc)
}

func normalizeCalls(calls []provider.ToolCall) []provider.ToolCall {
	out := make([]provider.ToolCall, len(calls))
	for i, c := range calls {
		if c.ID == "" {
			c.ID = "call_" + uuid.New().String()[:8]
		}
		if c.Type == "" {
			c.Type = "function"
		}
		out[i] = c
	}
	return out
}

func failed(err error, partial string) Result {
	return Result{Output: partial, Status: session.StatusFailed, Error: err.Error()}
}

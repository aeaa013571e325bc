package executor

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-experts/internal/expert"
	"github.com/nidhogg/nuka-experts/internal/provider"
	"github.com/nidhogg/nuka-experts/internal/provider/providertest"
	"github.com/nidhogg/nuka-experts/internal/session"
)

type staticTools []provider.Tool

func (s staticTools) Definitions() []provider.Tool { return s }

var clockTool = staticTools{{Type: "function", Function: provider.ToolFunction{Name: "get_current_time"}}}

func newExecutor(gen provider.Generator, tools ToolSource) *Executor {
	reg := expert.NewRegistry(nil, expert.Options{DefaultModel: "test-model"}, zap.NewNop())
	return New(gen, reg, tools, 1, zap.NewNop())
}

func task(expertType, desc string) session.Task {
	return session.Task{ID: "11111111-1111-1111-1111-111111111111", ShortID: "task_1", ExpertType: expertType, Description: desc, SortOrder: 2}
}

func collect(items *[]Item) func(Item) {
	return func(it Item) { *items = append(*items, it) }
}

func TestExecuteNonStreaming(t *testing.T) {
	gen := providertest.New().Text(expert.Coder, "```go\nfunc main() {}\n```")
	var items []Item

	res := newExecutor(gen, nil).Execute(context.Background(), Request{
		Task:              task(expert.Coder, "write main"),
		DependencyContext: "Context from earlier tasks:\nfoo",
	}, collect(&items))

	require.Equal(t, session.StatusCompleted, res.Status)
	assert.Empty(t, items)
	assert.False(t, res.Streamed)
	require.NotNil(t, res.Artifact)
	assert.Equal(t, session.ArtifactCode, res.Artifact.Type)
	assert.Equal(t, "go", res.Artifact.Language)
	assert.Equal(t, 2, res.Artifact.SortOrder)
	assert.True(t, strings.HasPrefix(res.Artifact.Title, "Coding Expert: "))

	calls := gen.CallsFor(expert.Coder)
	require.Len(t, calls, 1)
	msgs := calls[0].Request.Messages
	require.Len(t, msgs, 2)
	assert.Equal(t, provider.RoleSystem, msgs[0].Role)
	assert.Contains(t, msgs[1].Content, "write main")
	assert.Contains(t, msgs[1].Content, "foo")
}

func TestExecuteStreamingYieldsChunks(t *testing.T) {
	gen := providertest.New().On(expert.Writer, providertest.Reply{Chunks: []string{"# Report\n", "- one\n", "- two"}})
	var items []Item

	res := newExecutor(gen, clockTool).Execute(context.Background(), Request{Task: task(expert.Writer, "write it")}, collect(&items))

	require.Equal(t, session.StatusCompleted, res.Status)
	assert.True(t, res.Streamed)
	require.Len(t, items, 4)
	assert.Equal(t, ItemStart, items[0].Kind)
	id := items[0].ArtifactID
	for _, it := range items[1:] {
		assert.Equal(t, ItemDelta, it.Kind)
		assert.Equal(t, id, it.ArtifactID)
	}
	assert.Equal(t, id, res.Artifact.ID)
	assert.Equal(t, "# Report\n- one\n- two", res.Output)
	assert.Equal(t, session.ArtifactMarkdown, res.Artifact.Type)

	calls := gen.CallsFor(expert.Writer)
	require.Len(t, calls, 1)
	assert.True(t, calls[0].Stream)
	assert.Empty(t, calls[0].Request.Tools)
}

func TestExecuteStreamErrorKeepsPartial(t *testing.T) {
	gen := providertest.New().On(expert.Researcher, providertest.Reply{
		Chunks:    []string{"partial "},
		StreamErr: errors.New("connection reset"),
	})
	res := newExecutor(gen, nil).Execute(context.Background(), Request{Task: task(expert.Researcher, "dig")}, nil)

	assert.Equal(t, session.StatusFailed, res.Status)
	assert.Equal(t, "partial ", res.Output)
	assert.Contains(t, res.Error, "connection reset")
	assert.Nil(t, res.Artifact)
}

func TestExecuteFailures(t *testing.T) {
	cases := map[string]struct {
		gen  *providertest.Scripted
		task session.Task
	}{
		"generation error": {providertest.New().Fail(expert.Coder, errors.New("503")), task(expert.Coder, "x")},
		"empty output":     {providertest.New().Text(expert.Analyzer, "   "), task(expert.Analyzer, "x")},
		"unknown expert":   {providertest.New().Text("*", "ok"), task("astrologer", "x")},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			res := newExecutor(tc.gen, nil).Execute(context.Background(), Request{Task: tc.task}, nil)
			assert.Equal(t, session.StatusFailed, res.Status)
			assert.NotEmpty(t, res.Error)
		})
	}
}

type panicky struct{}

func (panicky) Route(context.Context, string, *provider.ChatRequest) (*provider.ChatResponse, error) {
	panic("boom")
}
func (panicky) RouteStream(context.Context, string, *provider.ChatRequest) (<-chan *provider.StreamChunk, error) {
	panic("boom")
}

func TestExecuteRecoversPanic(t *testing.T) {
	res := newExecutor(panicky{}, nil).Execute(context.Background(), Request{Task: task(expert.Search, "x")}, nil)
	assert.Equal(t, session.StatusFailed, res.Status)
	assert.Contains(t, res.Error, "boom")
}

func TestExecuteToolProtocol(t *testing.T) {
	call := provider.ToolCall{Function: provider.ToolCallFunction{Name: "get_current_time", Arguments: "{}"}}
	gen := providertest.New().On(expert.Search,
		providertest.Reply{ToolCalls: []provider.ToolCall{call}},
		providertest.Reply{Content: "It is noon."},
	)
	ex := newExecutor(gen, clockTool)

	first := ex.Execute(context.Background(), Request{Task: task(expert.Search, "what time is it")}, nil)
	require.True(t, first.Pending())
	assert.Equal(t, session.StatusRunning, first.Status)
	assert.NotEmpty(t, first.ToolCalls[0].ID)
	assert.Equal(t, provider.RoleAssistant, first.Assistant.Role)

	toolMsgs := []provider.Message{
		first.Assistant,
		{Role: provider.RoleTool, ToolCallID: first.ToolCalls[0].ID, Content: `{"utc":"12:00"}`},
	}
	second := ex.Execute(context.Background(), Request{Task: task(expert.Search, "what time is it"), ToolMessages: toolMsgs, ToolRounds: 1}, nil)
	require.Equal(t, session.StatusCompleted, second.Status)
	assert.Equal(t, "It is noon.", second.Output)

	calls := gen.CallsFor(expert.Search)
	require.Len(t, calls, 2)
	assert.Len(t, calls[0].Request.Tools, 1)
	assert.Equal(t, "auto", calls[0].Request.ToolChoice)
	assert.Empty(t, calls[1].Request.Tools)
	last := calls[1].Request.Messages[len(calls[1].Request.Messages)-1]
	assert.Equal(t, ToolsDoneInstruction, last.Content)
}

func TestExecuteIgnoresToolCallsWhenToolsDisabled(t *testing.T) {
	call := provider.ToolCall{ID: "c1", Function: provider.ToolCallFunction{Name: "get_current_time"}}
	gen := providertest.New().On(expert.Search, providertest.Reply{Content: "final", ToolCalls: []provider.ToolCall{call}})

	res := newExecutor(gen, clockTool).Execute(context.Background(), Request{
		Task:         task(expert.Search, "x"),
		ToolMessages: []provider.Message{{Role: provider.RoleTool, ToolCallID: "c0", Content: "{}"}},
		ToolRounds:   1,
	}, nil)
	assert.False(t, res.Pending())
	assert.Equal(t, session.StatusCompleted, res.Status)
	assert.Equal(t, "final", res.Output)
}

func TestExecuteSanitizesEchoedPlan(t *testing.T) {
	gen := providertest.New().Text(expert.Analyzer, `{"strategy":"split it","tasks":[{"expert_type":"coder","description":"build"}]}`)
	res := newExecutor(gen, nil).Execute(context.Background(), Request{Task: task(expert.Analyzer, "x")}, nil)
	require.Equal(t, session.StatusCompleted, res.Status)
	assert.Equal(t, "**Strategy:** split it\n- **coder**: build", res.Output)
}

func TestTaskPromptIncludesInputs(t *testing.T) {
	tk := task(expert.Coder, "do it")
	tk.InputData = map[string]interface{}{"lang": "go", "count": 2}
	p := TaskPrompt(tk, "")
	assert.Contains(t, p, "Task: do it")
	assert.Contains(t, p, `- count: 2`)
	assert.Contains(t, p, `- lang: "go"`)
	assert.Less(t, strings.Index(p, "count"), strings.Index(p, "lang"))
}

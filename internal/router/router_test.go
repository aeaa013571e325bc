package router

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-experts/internal/event"
	"github.com/nidhogg/nuka-experts/internal/expert"
	"github.com/nidhogg/nuka-experts/internal/memory"
	"github.com/nidhogg/nuka-experts/internal/provider"
	"github.com/nidhogg/nuka-experts/internal/provider/providertest"
	"github.com/nidhogg/nuka-experts/internal/session"
)

type fakeMemory struct {
	snippets []memory.Snippet
	err      error
	asked    int
}

func (f *fakeMemory) Recall(_ context.Context, _, _ string, n int) ([]memory.Snippet, error) {
	f.asked = n
	return f.snippets, f.err
}
func (f *fakeMemory) Remember(context.Context, string, string) error { return nil }

func newRouter(gen provider.Generator, mem memory.Retriever) *Router {
	reg := expert.NewRegistry(nil, expert.Options{DefaultModel: "m"}, zap.NewNop())
	return New(gen, reg, mem, 3, zap.NewNop())
}

func TestClassifySimple(t *testing.T) {
	gen := providertest.New().Text(expert.RouterKey, `{"decision_type":"simple","reason":"greeting"}`)
	rec := &event.Recorder{}

	res := newRouter(gen, nil).Classify(context.Background(), rec, "hi there", "u1")
	assert.Equal(t, session.DecisionSimple, res.Decision)
	assert.Equal(t, "greeting", res.Reason)
	assert.False(t, res.Fallback)
	assert.Equal(t, []event.Type{event.RouterStart, event.RouterDecision}, rec.Types())

	calls := gen.CallsFor(expert.RouterKey)
	require.Len(t, calls, 1)
	assert.Equal(t, provider.JSONObject, calls[0].Request.ResponseFormat)
}

func TestClassifyFailureDefaultsToComplex(t *testing.T) {
	for name, gen := range map[string]*providertest.Scripted{
		"generation error": providertest.New().Fail(expert.RouterKey, errors.New("503")),
		"garbage output":   providertest.New().Text(expert.RouterKey, "I think maybe?"),
		"unknown decision": providertest.New().Text(expert.RouterKey, `{"decision_type":"medium"}`),
	} {
		t.Run(name, func(t *testing.T) {
			rec := &event.Recorder{}
			res := newRouter(gen, nil).Classify(context.Background(), rec, "build me a site", "u1")
			assert.Equal(t, session.DecisionComplex, res.Decision)
			assert.True(t, res.Fallback)
			assert.Equal(t, 1, rec.Count(event.RouterStart))
			require.Equal(t, 1, rec.Count(event.RouterDecision))
			data := rec.OfType(event.RouterDecision)[0].Data.(event.RouterDecisionData)
			assert.Equal(t, "complex", data.Decision)
		})
	}
}

func TestClassifyAddsMemories(t *testing.T) {
	gen := providertest.New().Text(expert.RouterKey, `{"decision_type":"complex","reason":"multi-step"}`)
	mem := &fakeMemory{snippets: []memory.Snippet{{Content: "works on billing service", Score: 0.9}}}

	res := newRouter(gen, mem).Classify(context.Background(), event.Discard, "refactor it", "u1")
	assert.Equal(t, 3, mem.asked)
	assert.Len(t, res.Memories, 1)
	system := gen.CallsFor(expert.RouterKey)[0].Request.Messages[0].Content
	assert.Contains(t, system, "works on billing service")
}

func TestClassifyToleratesMemoryFailure(t *testing.T) {
	gen := providertest.New().Text(expert.RouterKey, `{"decision_type":"simple"}`)
	mem := &fakeMemory{err: errors.New("qdrant down")}
	res := newRouter(gen, mem).Classify(context.Background(), event.Discard, "hello", "u1")
	assert.Equal(t, session.DecisionSimple, res.Decision)
}

func TestParseDecision(t *testing.T) {
	d, _, err := ParseDecision("```json\n{\"decision_type\": \"Simple\", \"reason\": \"chat\",}\n```")
	require.NoError(t, err)
	assert.Equal(t, session.DecisionSimple, d)

	d, _, err = ParseDecision(`"complex"`)
	require.NoError(t, err)
	assert.Equal(t, session.DecisionComplex, d)

	_, _, err = ParseDecision(`{"reason":"none"}`)
	assert.Error(t, err)
}

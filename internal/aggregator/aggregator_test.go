package aggregator

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-experts/internal/event"
	"github.com/nidhogg/nuka-experts/internal/expert"
	"github.com/nidhogg/nuka-experts/internal/persist"
	"github.com/nidhogg/nuka-experts/internal/provider/providertest"
	"github.com/nidhogg/nuka-experts/internal/session"
)

func newAggregator(gen *providertest.Scripted, repo session.Repository, queue *persist.Queue) *Aggregator {
	reg := expert.NewRegistry(nil, expert.Options{DefaultModel: "m"}, zap.NewNop())
	return New(gen, reg, repo, queue, 4, zap.NewNop())
}

func finished(results ...session.ExpertResult) session.State {
	st := session.New("thread-1", "u1", "build it")
	st.SessionID = "sess-1"
	st.Strategy = "divide"
	st.Results = results
	return st
}

func deltas(rec *event.Recorder) string {
	var b strings.Builder
	for _, e := range rec.OfType(event.MessageDelta) {
		b.WriteString(e.Data.(event.MessageDeltaData).Content)
	}
	return b.String()
}

func TestSummarizeStreams(t *testing.T) {
	gen := providertest.New().On(expert.AggregatorKey, providertest.Reply{Chunks: []string{"All ", "done."}})
	repo := session.NewMemoryRepository()
	queue := persist.NewQueue(1, 4, zap.NewNop())
	rec := &event.Recorder{}

	res := newAggregator(gen, repo, queue).Summarize(context.Background(), rec, finished(
		session.ExpertResult{ExpertType: "researcher", Description: "look", Output: "facts", Status: session.StatusCompleted},
	))

	assert.Equal(t, "All done.", res.Text)
	assert.False(t, res.Fallback)
	assert.Equal(t, []event.Type{event.MessageDelta, event.MessageDelta, event.MessageDone}, rec.Types())
	done := rec.OfType(event.MessageDone)[0].Data.(event.MessageDoneData)
	assert.Equal(t, res.MessageID, done.MessageID)
	assert.Equal(t, "All done.", done.FullContent)

	system := gen.CallsFor(expert.AggregatorKey)[0].Request.Messages[0].Content
	assert.NotContains(t, system, Placeholder)
	assert.Contains(t, system, "Strategy: divide")
	assert.Contains(t, system, "facts")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, queue.Drain(ctx))
	msgs := repo.Messages("thread-1")
	require.Len(t, msgs, 1)
	assert.Equal(t, "All done.", msgs[0].Content)
	s, ok := repo.Session("sess-1")
	require.True(t, ok)
	assert.Equal(t, session.SessionCompleted, s.Status)
}

func TestSummarizeFallbackOnFailure(t *testing.T) {
	gen := providertest.New().Fail(expert.AggregatorKey, errors.New("overloaded"))
	rec := &event.Recorder{}

	res := newAggregator(gen, nil, nil).Summarize(context.Background(), rec, finished(
		session.ExpertResult{ExpertType: "coder", Description: "d", Output: "o", Status: session.StatusCompleted},
	))

	assert.True(t, res.Fallback)
	assert.Contains(t, strings.ToLower(res.Text), "coder")
	assert.Contains(t, res.Text, "o")
	require.Equal(t, 1, rec.Count(event.MessageDone))
	assert.Equal(t, res.Text, rec.OfType(event.MessageDone)[0].Data.(event.MessageDoneData).FullContent)
	assert.Equal(t, res.Text, deltas(rec))
	for _, e := range rec.OfType(event.MessageDelta) {
		assert.LessOrEqual(t, len([]rune(e.Data.(event.MessageDeltaData).Content)), 4)
	}
}

func TestSummarizeKeepsPartialStream(t *testing.T) {
	gen := providertest.New().On(expert.AggregatorKey, providertest.Reply{
		Chunks:    []string{"Half an "},
		StreamErr: errors.New("reset"),
	})
	rec := &event.Recorder{}

	res := newAggregator(gen, nil, nil).Summarize(context.Background(), rec, finished(
		session.ExpertResult{ExpertType: "coder", Description: "d", Output: "o", Status: session.StatusCompleted},
	))
	assert.False(t, res.Fallback)
	assert.Equal(t, "Half an ", res.Text)
	assert.Equal(t, 1, rec.Count(event.MessageDone))
	assert.Equal(t, 1, rec.Count(event.MessageDelta))
}

func TestSummarizeUsesGivenMessageID(t *testing.T) {
	gen := providertest.New().Text(expert.AggregatorKey, "ok")
	st := finished()
	st.MessageID = "msg-7"
	rec := &event.Recorder{}

	res := newAggregator(gen, nil, nil).Summarize(context.Background(), rec, st)
	assert.Equal(t, "msg-7", res.MessageID)
}

func TestFallbackWithoutOutputs(t *testing.T) {
	text := Fallback("", []session.ExpertResult{{ExpertType: "coder", Status: session.StatusFailed}})
	assert.NotEmpty(t, text)
}

func TestEmitChunksSplitsRunes(t *testing.T) {
	rec := &event.Recorder{}
	EmitChunks(rec, "m", "héllo wörld", 4)
	assert.Equal(t, 3, rec.Count(event.MessageDelta))
	assert.Equal(t, "héllo wörld", deltas(rec))
}

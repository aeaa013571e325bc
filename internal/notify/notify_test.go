package notify

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-experts/internal/config"
	"github.com/nidhogg/nuka-experts/internal/session"
)

var review = Review{
	ThreadID:  "t-1",
	SessionID: "s-1",
	Query:     "compare two\noptions",
	Strategy:  "research then write",
	Tasks: []session.Task{
		{ShortID: "task_1", ExpertType: "researcher", Description: "compare"},
		{ShortID: "task_2", ExpertType: "writer", Description: "write", DependsOn: []string{"task_1"}},
	},
}

func TestFormat(t *testing.T) {
	text := Format(review, "https://nuka.example/")
	assert.Contains(t, text, "thread `t-1`")
	assert.Contains(t, text, "> compare two options")
	assert.Contains(t, text, "1. [researcher] compare")
	assert.Contains(t, text, "2. [writer] write (after task_1)")
	assert.True(t, strings.HasSuffix(text, "https://nuka.example/api/threads/t-1/events"))
}

func TestSlackPostsToChannel(t *testing.T) {
	var channel, text string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		channel = r.Form.Get("channel")
		text = r.Form.Get("text")
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true,"channel":"C1","ts":"1.2"}`))
	}))
	defer srv.Close()

	s := NewSlack("xoxb-test", "C1", "", zap.NewNop(), slack.OptionAPIURL(srv.URL+"/"))
	require.NoError(t, s.PlanReview(context.Background(), review))
	assert.Equal(t, "C1", channel)
	assert.Contains(t, text, "[writer] write")
}

type failing struct{ err error }

func (f failing) PlanReview(context.Context, Review) error { return f.err }

func TestMultiJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	err := Multi{failing{}, failing{err: boom}}.PlanReview(context.Background(), review)
	assert.ErrorIs(t, err, boom)
}

func TestNewDisabled(t *testing.T) {
	assert.Nil(t, New(config.NotifyConfig{}, zap.NewNop()))
	n := New(config.NotifyConfig{Slack: config.SlackNotifyConfig{Enabled: true, BotToken: "x", Channel: "c"}}, zap.NewNop())
	require.NotNil(t, n)
	assert.Len(t, n.(Multi), 1)
}

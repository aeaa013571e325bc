//go:build integration

package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nidhogg/nuka-experts/internal/event"
	"github.com/nidhogg/nuka-experts/internal/expert"
	"github.com/nidhogg/nuka-experts/internal/provider/providertest"
	"github.com/nidhogg/nuka-experts/internal/session"
)

const reportPlan = `{"strategy":"research then write","estimated_steps":2,"tasks":[
	{"expert_type":"researcher","description":"compare the two options"},
	{"expert_type":"writer","description":"write the report","depends_on":["researcher"]}]}`

func reportScript() *providertest.Scripted {
	return providertest.New().
		Text(expert.RouterKey, `{"decision_type":"complex","reason":"needs research and writing"}`).
		Text(expert.CommanderKey, reportPlan).
		On(expert.Researcher, providertest.Reply{Chunks: []string{"Option A ", "beats option B."}}).
		On(expert.Writer, providertest.Reply{Chunks: []string{"# Report\n", "A wins."}}).
		On(expert.AggregatorKey, providertest.Reply{Chunks: []string{"A beats B; ", "see the report."}})
}

type frame struct {
	ID   int64
	Type string
	Data map[string]json.RawMessage
}

func post(t *testing.T, s *stack, path string, body interface{}) *http.Response {
	t.Helper()
	data, _ := json.Marshal(body)
	resp, err := http.Post(s.server.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func collect(t *testing.T, resp *http.Response) []frame {
	t.Helper()
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out []frame
	err := event.Decode(resp.Body, func(f event.Frame) error {
		if f.Event == "" {
			return nil
		}
		var env struct {
			Data map[string]json.RawMessage `json:"data"`
		}
		require.NoError(t, json.Unmarshal([]byte(f.Data), &env))
		out = append(out, frame{ID: f.ID, Type: f.Event, Data: env.Data})
		return nil
	})
	require.NoError(t, err)
	return out
}

func types(frames []frame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Type
	}
	return out
}

func str(f frame, key string) string {
	var s string
	_ = json.Unmarshal(f.Data[key], &s)
	return s
}

func TestPlanReviewRoundTrip(t *testing.T) {
	s := newStack(t, reportScript())
	thread := "e2e-" + uuid.New().String()

	frames := collect(t, post(t, s, "/api/chat", map[string]string{
		"thread_id": thread, "user_id": "u1", "message": "compare two options and write a report",
	}))
	require.Equal(t, []string{"router.start", "router.decision", "plan.created", "human.interrupt", "run.end"}, types(frames))
	assert.Equal(t, "awaiting_approval", str(frames[4], "status"))
	sessionID := str(frames[2], "session_id")

	rec, err := testPGStore.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, session.SessionAwaitingApproval, rec.Status)

	messageID := uuid.New().String()
	frames = collect(t, post(t, s, "/api/resume", map[string]interface{}{
		"thread_id": thread, "approved": true, "message_id": messageID,
	}))
	got := types(frames)
	assert.Equal(t, "task.started", got[0])
	assert.Equal(t, "run.end", got[len(got)-1])
	assert.Equal(t, "completed", str(frames[len(frames)-1], "status"))
	for _, f := range frames {
		if f.Type == "message.done" {
			assert.Equal(t, messageID, str(f, "message_id"))
			assert.Equal(t, "A beats B; see the report.", str(f, "full_content"))
		}
	}

	s.settle(t)
	ctx := context.Background()

	tasks, err := testPGStore.Tasks(ctx, sessionID)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	for _, task := range tasks {
		assert.Equal(t, session.StatusCompleted, task.Status, task.ExpertType)
	}
	artifacts, err := testPGStore.Artifacts(ctx, sessionID)
	require.NoError(t, err)
	assert.Len(t, artifacts, 2)

	rec, err = testPGStore.GetSession(ctx, sessionID)
	require.NoError(t, err)
	assert.Equal(t, session.SessionCompleted, rec.Status)

	msgs, err := testPGStore.Messages(ctx, thread, 10)
	require.NoError(t, err)
	roles := map[string]bool{}
	for _, m := range msgs {
		roles[m.Role] = true
		if m.Role == "assistant" {
			assert.Equal(t, messageID, m.ID)
		}
	}
	assert.True(t, roles["user"] && roles["assistant"], "both sides of the turn are stored")
}

func TestRejectOverHTTP(t *testing.T) {
	s := newStack(t, reportScript())
	thread := "e2e-" + uuid.New().String()

	frames := collect(t, post(t, s, "/api/chat", map[string]string{"thread_id": thread, "message": "write a report"}))
	sessionID := str(frames[2], "session_id")

	resp := post(t, s, "/api/resume", map[string]interface{}{"thread_id": thread, "approved": false})
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Status string `json:"status"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, "cancelled", out.Status)

	rec, err := testPGStore.GetSession(context.Background(), sessionID)
	require.NoError(t, err)
	assert.Equal(t, session.SessionCancelled, rec.Status)

	again := post(t, s, "/api/resume", map[string]interface{}{"thread_id": thread, "approved": true})
	again.Body.Close()
	assert.Equal(t, http.StatusConflict, again.StatusCode)
}

func TestResumeFromAnotherProcess(t *testing.T) {
	thread := "e2e-" + uuid.New().String()

	first := newStack(t, reportScript())
	frames := collect(t, post(t, first, "/api/chat", map[string]string{"thread_id": thread, "message": "write a report"}))
	require.Equal(t, "human.interrupt", frames[len(frames)-2].Type)

	// A second process shares only Postgres and Redis.
	second := newStack(t, reportScript())
	frames = collect(t, post(t, second, "/api/resume", map[string]interface{}{"thread_id": thread, "approved": true}))
	assert.Equal(t, "completed", str(frames[len(frames)-1], "status"))

	// The first run's events are replayed from the Redis mirror by a process
	// that never buffered them.
	third := newStack(t, reportScript())
	require.Eventually(t, func() bool {
		evs, err := third.mirror.Replay(context.Background(), thread, 0)
		return err == nil && len(evs) >= 5
	}, 5*time.Second, 50*time.Millisecond)

	resp, err := http.Get(third.server.URL + "/api/threads/" + thread + "/events")
	require.NoError(t, err)
	replayed := collect(t, resp)
	require.NotEmpty(t, replayed)
	assert.Equal(t, "router.start", replayed[0].Type)
}

func TestExpertSavedOverHTTPReachesPlanner(t *testing.T) {
	s := newStack(t, reportScript())

	data, _ := json.Marshal(map[string]interface{}{
		"name":                "Translator",
		"description":         "Translates documents",
		"system_instructions": "Translate the input.",
		"planable":            true,
	})
	req, _ := http.NewRequest(http.MethodPut, s.server.URL+"/api/experts/translator", bytes.NewReader(data))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(s.server.URL + "/api/experts")
	require.NoError(t, err)
	defer resp.Body.Close()
	var catalog []expert.CatalogEntry
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&catalog))
	keys := map[string]bool{}
	for _, e := range catalog {
		keys[e.Key] = true
	}
	assert.True(t, keys["translator"])
	assert.True(t, keys[expert.Writer])
}

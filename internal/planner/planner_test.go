package planner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-experts/internal/event"
	"github.com/nidhogg/nuka-experts/internal/expert"
	"github.com/nidhogg/nuka-experts/internal/provider/providertest"
	"github.com/nidhogg/nuka-experts/internal/session"
)

const twoStepPlan = `{"strategy":"Research then write","estimated_steps":2,"tasks":[
 {"short_id":"task_1","expert_type":"researcher","description":"Compare the two options","depends_on":[]},
 {"short_id":"task_2","expert_type":"writer","description":"Write the report","depends_on":["researcher"]}]}`

func newPlanner(gen *providertest.Scripted, repo session.Repository, attempts int) *Planner {
	reg := expert.NewRegistry(nil, expert.Options{DefaultModel: "m"}, zap.NewNop())
	return New(gen, reg, repo, attempts, time.Millisecond, zap.NewNop())
}

func TestPlanPersistsAndEmits(t *testing.T) {
	gen := providertest.New().Text(expert.CommanderKey, twoStepPlan)
	repo := session.NewMemoryRepository()
	rec := &event.Recorder{}
	st := session.New("th-1", "u1", "compare two options and write a report")

	plan, err := newPlanner(gen, repo, 3).Plan(context.Background(), rec, st)
	require.NoError(t, err)
	require.Len(t, plan.Tasks, 2)
	assert.Equal(t, "Research then write", plan.Strategy)
	assert.Equal(t, []string{"task_1"}, plan.Tasks[1].DependsOn, "expert-type reference resolves to the earlier task")
	assert.Equal(t, session.StatusPending, plan.Tasks[0].Status)

	sess, ok := repo.Session(plan.SessionID)
	require.True(t, ok)
	assert.Equal(t, session.SessionAwaitingApproval, sess.Status)
	assert.Len(t, repo.Tasks(plan.SessionID), 2)

	require.Equal(t, 1, rec.Count(event.PlanCreated))
	data := rec.OfType(event.PlanCreated)[0].Data.(event.PlanCreatedData)
	assert.Equal(t, plan.SessionID, data.SessionID)
	require.Len(t, data.Tasks, 2)
	assert.Equal(t, "researcher", data.Tasks[0].ExpertType)
	assert.Equal(t, "writer", data.Tasks[1].ExpertType)

	system := gen.CallsFor(expert.CommanderKey)[0].Request.Messages[0].Content
	assert.Contains(t, system, "- researcher (", "catalog is injected")
	assert.NotContains(t, system, "- router (", "node experts are not planable")
}

func TestPlanRetriesTransientFailures(t *testing.T) {
	gen := providertest.New().On(expert.CommanderKey,
		providertest.Reply{Err: errors.New("429 rate limited")},
		providertest.Reply{Content: "not json at all"},
		providertest.Reply{Content: twoStepPlan},
	)
	plan, err := newPlanner(gen, nil, 3).Plan(context.Background(), event.Discard, session.New("t", "u", "q"))
	require.NoError(t, err)
	assert.Len(t, plan.Tasks, 2)
	assert.Len(t, gen.CallsFor(expert.CommanderKey), 3)
}

func TestPlanGivesUpAfterAttempts(t *testing.T) {
	gen := providertest.New().Fail(expert.CommanderKey, errors.New("upstream down"))
	rec := &event.Recorder{}
	_, err := newPlanner(gen, nil, 2).Plan(context.Background(), rec, session.New("t", "u", "q"))

	var pe *PlanError
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, 2, pe.Attempts)
	assert.Contains(t, err.Error(), "upstream down")
	assert.Len(t, gen.CallsFor(expert.CommanderKey), 2)
	assert.Zero(t, rec.Count(event.PlanCreated))
}

func TestPlanEmptyIsNotRetried(t *testing.T) {
	gen := providertest.New().Text(expert.CommanderKey, `{"strategy":"nothing to do","tasks":[]}`)
	_, err := newPlanner(gen, nil, 3).Plan(context.Background(), event.Discard, session.New("t", "u", "q"))
	assert.ErrorIs(t, err, ErrEmptyPlan)
	assert.Len(t, gen.CallsFor(expert.CommanderKey), 1)
}

func TestParseTolerantInput(t *testing.T) {
	out, err := Parse("Here is the plan:\n```json\n{\"strategy\": \"s\", \"tasks\": [{\"short_id\": \"a\", \"expert_type\": \"Coder\", \"description\": \"code it\", \"depends_on\": \"b\"}, {\"expert_type\": \"\", \"description\": \"dropped\"},]}\n```")
	require.NoError(t, err)
	require.Len(t, out.Tasks, 1)
	assert.Equal(t, "coder", out.Tasks[0].ExpertType)
	assert.Equal(t, []string{"b"}, out.Tasks[0].DependsOn)

	out, err = Parse(`{"tasks":[{"expert_type":"writer","description":"w","depends_on":[1]}]}`)
	require.NoError(t, err)
	assert.Equal(t, []string{"task_1"}, out.Tasks[0].DependsOn)
}

//go:build integration

package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpg "github.com/testcontainers/testcontainers-go/modules/postgres"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-experts/internal/expert"
	"github.com/nidhogg/nuka-experts/internal/provider"
	"github.com/nidhogg/nuka-experts/internal/session"
)

func startStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	container, err := tcpg.Run(ctx, "postgres:16-alpine",
		tcpg.WithDatabase("nuka_test"),
		tcpg.WithUsername("test"),
		tcpg.WithPassword("test"),
		tcpg.BasicWaitStrategies(),
	)
	require.NoError(t, err)
	testcontainers.CleanupContainer(t, container)

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	s, err := New(ctx, dsn, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate(ctx))
	require.NoError(t, s.Migrate(ctx), "migrations are idempotent")
	return s
}

func TestSessionTaskLifecycle(t *testing.T) {
	s := startStore(t)
	ctx := context.Background()
	sid := uuid.New().String()

	require.NoError(t, s.CreateSession(ctx, session.SessionRecord{
		ID: sid, ThreadID: "th-1", UserID: "u", Query: "q", Strategy: "two steps",
		Status: session.SessionAwaitingApproval,
	}))

	tasks := session.NormalizeTasks([]session.Task{
		{ExpertType: "researcher", Description: "research", InputData: map[string]interface{}{"topic": "dbs"}},
		{ExpertType: "writer", Description: "write", DependsOn: []string{"task_1"}},
	})
	require.NoError(t, s.SaveTasks(ctx, sid, tasks))

	now := time.Now().UTC()
	done := tasks[0]
	done.Status = session.StatusCompleted
	done.StartedAt = &now
	done.CompletedAt = &now
	done.OutputResult = &session.TaskOutput{Content: "findings", ArtifactCount: 1, DurationMS: 12}
	require.NoError(t, s.UpdateTask(ctx, sid, done))

	got, err := s.Tasks(ctx, sid)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, session.StatusCompleted, got[0].Status)
	assert.Equal(t, "findings", got[0].OutputResult.Content)
	assert.Equal(t, "dbs", got[0].InputData["topic"])
	assert.Equal(t, []string{"task_1"}, got[1].DependsOn)
	assert.Nil(t, got[1].StartedAt)

	// An edited plan that drops the writer supersedes the stored list.
	require.NoError(t, s.SaveTasks(ctx, sid, got[:1]))
	got, err = s.Tasks(ctx, sid)
	require.NoError(t, err)
	assert.Len(t, got, 1)

	require.NoError(t, s.SaveArtifacts(ctx, sid, []session.Artifact{
		{ID: uuid.New().String(), TaskID: done.ID, Type: session.ArtifactMarkdown, Title: "Research", Content: "# x"},
	}))
	arts, err := s.Artifacts(ctx, sid)
	require.NoError(t, err)
	require.Len(t, arts, 1)
	assert.Equal(t, done.ID, arts[0].TaskID)

	require.NoError(t, s.SetSessionStatus(ctx, sid, session.SessionCompleted))
	rec, err := s.GetSession(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, session.SessionCompleted, rec.Status)

	err = s.SetSessionStatus(ctx, uuid.New().String(), session.SessionFailed)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestMessagesKeepOrder(t *testing.T) {
	s := startStore(t)
	ctx := context.Background()
	base := time.Now().UTC()
	for i, content := range []string{"one", "two", "three"} {
		require.NoError(t, s.AppendMessage(ctx, session.MessageRecord{
			ThreadID: "th", Role: "user", Content: content, CreatedAt: base.Add(time.Duration(i) * time.Second),
		}))
	}
	msgs, err := s.Messages(ctx, "th", 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "two", msgs[0].Content)
	assert.Equal(t, "three", msgs[1].Content)
}

func TestExpertConfigsFeedRegistry(t *testing.T) {
	s := startStore(t)
	ctx := context.Background()

	require.NoError(t, s.SaveExpert(ctx, expert.Config{
		Key: "lawyer", Name: "Lawyer", Description: "contracts", SystemInstructions: "Be precise.",
		Model: "gpt-4o", Temperature: 0.2, Planable: true,
	}))
	reg := expert.NewRegistry(s, expert.Options{DefaultModel: "local-model", ExternalModels: []string{"gpt-4o"}}, zap.NewNop())

	c, err := reg.Resolve(ctx, "lawyer")
	require.NoError(t, err)
	assert.Equal(t, "Be precise.", c.SystemInstructions)
	assert.Equal(t, "local-model", c.Model)

	keys := make([]string, 0)
	for _, e := range reg.Catalog(ctx) {
		keys = append(keys, e.Key)
	}
	assert.Contains(t, keys, "lawyer")

	require.NoError(t, s.DeleteExpert(ctx, "lawyer"))
	require.NoError(t, reg.Refresh(ctx))
	_, err = reg.Resolve(ctx, "lawyer")
	assert.ErrorIs(t, err, expert.ErrUnconfigured)
}

func TestProvidersEncryptedAtRest(t *testing.T) {
	s := startStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetEncryptionKey(testKey))

	require.NoError(t, s.SaveProvider(ctx, ProviderRecord{
		ProviderConfig: provider.ProviderConfig{ID: "oa", Type: "openai", Name: "OpenAI", APIKey: "sk-1", Models: []string{"gpt-4o"}},
		Default:        true,
	}))
	require.NoError(t, s.SaveProvider(ctx, ProviderRecord{
		ProviderConfig: provider.ProviderConfig{ID: "an", Type: "anthropic", Name: "Anthropic", APIKey: "sk-2"},
		Default:        true,
	}))

	var raw []byte
	require.NoError(t, s.db.QueryRow(ctx, `SELECT api_key_enc FROM providers WHERE id = 'oa'`).Scan(&raw))
	assert.NotContains(t, string(raw), "sk-1")

	rows, err := s.ListProviders(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "sk-1", rows[0].APIKey)
	assert.Equal(t, []string{"gpt-4o"}, rows[0].Models)
	assert.False(t, rows[0].Default, "saving a new default clears the old one")
	assert.True(t, rows[1].Default)

	require.NoError(t, s.DeleteProvider(ctx, "oa"))
	rows, err = s.ListProviders(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)

	s.secret = nil
	_, err = s.ListProviders(ctx)
	assert.ErrorIs(t, err, ErrNoEncryptionKey)
}

//go:build integration

package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tcneo4j "github.com/testcontainers/testcontainers-go/modules/neo4j"
	"go.uber.org/zap"
)

func TestGraphRetrieverRoundTrip(t *testing.T) {
	ctx := context.Background()
	container, err := tcneo4j.Run(ctx, "neo4j:5-community", tcneo4j.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) })

	uri, err := container.BoltUrl(ctx)
	require.NoError(t, err)

	g, err := NewGraphRetriever(ctx, uri, "", "", zap.NewNop())
	require.NoError(t, err)
	defer g.Close(ctx)

	require.NoError(t, g.Remember(ctx, "u1", "deploys services on kubernetes with helm"))
	require.NoError(t, g.Remember(ctx, "u1", "favourite editor is vim"))
	require.NoError(t, g.Remember(ctx, "u2", "kubernetes operator author"))

	got, err := g.Recall(ctx, "u1", "how do I upgrade kubernetes helm charts", 3)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Contains(t, got[0].Content, "helm")
	assert.False(t, got[0].CreatedAt.IsZero())
}

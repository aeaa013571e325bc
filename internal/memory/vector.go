package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-experts/internal/embedding"
	"github.com/nidhogg/nuka-experts/internal/vectorstore"
)

// VectorRetriever keeps memories in one Qdrant collection filtered by user.
type VectorRetriever struct {
	qdrant     *vectorstore.Client
	embedder   embedding.Provider
	collection string
	logger     *zap.Logger

	mu    sync.Mutex
	ready bool
}

// NewVectorRetriever creates a retriever. The collection is created on first
// write, once the embedding size is known.
func NewVectorRetriever(qdrant *vectorstore.Client, embedder embedding.Provider, collection string, logger *zap.Logger) *VectorRetriever {
	return &VectorRetriever{qdrant: qdrant, embedder: embedder, collection: collection, logger: logger}
}

func (v *VectorRetriever) ensure(ctx context.Context, dim int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.ready {
		return nil
	}
	if err := v.qdrant.EnsureCollection(ctx, v.collection, uint64(dim)); err != nil {
		return err
	}
	v.ready = true
	return nil
}

// Remember embeds text and upserts it tagged with userID.
func (v *VectorRetriever) Remember(ctx context.Context, userID, text string) error {
	vec, err := embedding.One(ctx, v.embedder, text)
	if err != nil {
		return fmt.Errorf("embed memory: %w", err)
	}
	if err := v.ensure(ctx, len(vec)); err != nil {
		return err
	}
	return v.qdrant.Upsert(ctx, v.collection, vectorstore.Point{
		ID:     uuid.New().String(),
		Vector: vec,
		Payload: map[string]string{
			"user_id":    userID,
			"content":    text,
			"created_at": time.Now().UTC().Format(time.RFC3339),
		},
	})
}

// Recall searches the user's memories nearest to query.
func (v *VectorRetriever) Recall(ctx context.Context, userID, query string, n int) ([]Snippet, error) {
	if n <= 0 {
		return nil, nil
	}
	vec, err := embedding.One(ctx, v.embedder, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if err := v.ensure(ctx, len(vec)); err != nil {
		return nil, err
	}
	hits, err := v.qdrant.Search(ctx, v.collection, vec, uint64(n), map[string]string{"user_id": userID})
	if err != nil {
		return nil, err
	}

	out := make([]Snippet, 0, len(hits))
	for _, h := range hits {
		s := Snippet{ID: h.ID, Content: h.Payload["content"], Score: h.Score}
		if t, err := time.Parse(time.RFC3339, h.Payload["created_at"]); err == nil {
			s.CreatedAt = t
		}
		out = append(out, s)
	}
	return out, nil
}

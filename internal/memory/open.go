package memory

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-experts/internal/config"
	"github.com/nidhogg/nuka-experts/internal/embedding"
	"github.com/nidhogg/nuka-experts/internal/vectorstore"
)

// Open builds the retriever selected by cfg.Memory.Backend together with a
// function releasing its connections.
func Open(ctx context.Context, cfg *config.Config, logger *zap.Logger) (Retriever, func(context.Context) error, error) {
	noop := func(context.Context) error { return nil }

	switch cfg.Memory.Backend {
	case "", "none":
		return Nop{}, noop, nil

	case "neo4j":
		n := cfg.Database.Neo4j
		g, err := NewGraphRetriever(ctx, n.URI, n.User, n.Password, logger)
		if err != nil {
			return nil, nil, err
		}
		return g, g.Close, nil

	case "qdrant":
		emb, err := embedding.New(cfg.Embedding)
		if err != nil {
			return nil, nil, fmt.Errorf("memory embedder: %w", err)
		}
		q := cfg.Database.Qdrant
		client, err := vectorstore.NewClient(q.Host, q.Port)
		if err != nil {
			return nil, nil, err
		}
		closeFn := func(context.Context) error { return client.Close() }
		return NewVectorRetriever(client, emb, cfg.Memory.Collection, logger), closeFn, nil

	case "local":
		emb, err := embedding.New(cfg.Embedding)
		if err != nil {
			return nil, nil, fmt.Errorf("memory embedder: %w", err)
		}
		embed := func(ctx context.Context, text string) ([]float32, error) {
			return embedding.One(ctx, emb, text)
		}
		l, err := NewLocalRetriever(cfg.Memory.PersistDir, cfg.Memory.Collection, embed, logger)
		if err != nil {
			return nil, nil, err
		}
		return l, noop, nil

	default:
		return nil, nil, fmt.Errorf("unsupported memory backend: %s", cfg.Memory.Backend)
	}
}

package embedding

import (
	"context"
	"fmt"

	"github.com/nidhogg/nuka-experts/internal/config"
)

// LocalProvider calls Ollama's /api/embed endpoint.
type LocalProvider struct {
	endpoint string
	model    string
	dim      dimension
}

// NewLocalProvider creates a LocalProvider.
func NewLocalProvider(cfg config.EmbeddingConfig) *LocalProvider {
	return &LocalProvider{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		dim:      dimension{configured: cfg.Dimension},
	}
}

type localRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type localResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed sends all texts in one batch.
func (p *LocalProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var resp localResponse
	if err := post(ctx, p.endpoint+"/api/embed", "", localRequest{Model: p.model, Input: texts}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("embedding: got %d vectors for %d inputs", len(resp.Embeddings), len(texts))
	}
	p.dim.observe(resp.Embeddings)
	return resp.Embeddings, nil
}

// Dimension returns the observed vector size, or the configured one before
// the first call.
func (p *LocalProvider) Dimension() int { return p.dim.get() }

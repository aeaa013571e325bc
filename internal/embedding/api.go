package embedding

import (
	"context"
	"fmt"

	"github.com/nidhogg/nuka-experts/internal/config"
)

// APIProvider calls an OpenAI-compatible /embeddings endpoint.
type APIProvider struct {
	endpoint string
	model    string
	apiKey   string
	dim      dimension
}

// NewAPIProvider creates an APIProvider.
func NewAPIProvider(cfg config.EmbeddingConfig) *APIProvider {
	return &APIProvider{
		endpoint: cfg.Endpoint,
		model:    cfg.Model,
		apiKey:   cfg.APIKey,
		dim:      dimension{configured: cfg.Dimension},
	}
}

type apiRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type apiResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// Embed sends all texts in one batch. Results follow input order.
func (p *APIProvider) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	var resp apiResponse
	if err := post(ctx, p.endpoint+"/embeddings", p.apiKey, apiRequest{Model: p.model, Input: texts}, &resp); err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("embedding: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}

	out := make([][]float32, len(texts))
	for i, d := range resp.Data {
		idx := d.Index
		if idx < 0 || idx >= len(out) || out[idx] != nil {
			idx = i
		}
		out[idx] = d.Embedding
	}
	p.dim.observe(out)
	return out, nil
}

// Dimension returns the observed vector size, or the configured one before
// the first call.
func (p *APIProvider) Dimension() int { return p.dim.get() }

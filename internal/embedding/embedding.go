// Package embedding turns text into vectors for long-term memory.
package embedding

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/nidhogg/nuka-experts/internal/config"
)

// Provider generates vector embeddings from text.
type Provider interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}

// New builds the provider named by cfg.Provider: "api" (OpenAI-compatible,
// the default) or "local" (Ollama).
func New(cfg config.EmbeddingConfig) (Provider, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("embedding endpoint not configured")
	}
	switch cfg.Provider {
	case "", "api", "openai":
		return NewAPIProvider(cfg), nil
	case "local", "ollama":
		return NewLocalProvider(cfg), nil
	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.Provider)
	}
}

// One embeds a single text.
func One(ctx context.Context, p Provider, text string) ([]float32, error) {
	vecs, err := p.Embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 || len(vecs[0]) == 0 {
		return nil, fmt.Errorf("embedding: empty result")
	}
	return vecs[0], nil
}

// dimension remembers the size of the first vector seen, falling back to the
// configured value until then.
type dimension struct {
	configured int
	observed   atomic.Int64
}

func (d *dimension) observe(vecs [][]float32) {
	if len(vecs) > 0 && len(vecs[0]) > 0 {
		d.observed.CompareAndSwap(0, int64(len(vecs[0])))
	}
}

func (d *dimension) get() int {
	if n := d.observed.Load(); n > 0 {
		return int(n)
	}
	return d.configured
}

var httpClient = &http.Client{Timeout: 60 * time.Second}

func post(ctx context.Context, url, apiKey string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("embedding: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("embedding: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("embedding: send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("embedding: API returned status %d: %s", resp.StatusCode, string(respBody))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("embedding: decode response: %w", err)
	}
	return nil
}

package provider

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Router manages multiple LLM providers and routes requests by key. A key is
// usually an expert key; an expert config naming a provider routes by that
// provider ID directly.
type Router struct {
	providers map[string]Provider
	bindings  map[string]string   // route key -> providerID
	fallbacks map[string][]string // route key -> fallback provider chain
	defaults  string              // default provider ID
	mu        sync.RWMutex
	logger    *zap.Logger
}

// NewRouter creates a new provider router.
func NewRouter(logger *zap.Logger) *Router {
	return &Router{
		providers: make(map[string]Provider),
		bindings:  make(map[string]string),
		fallbacks: make(map[string][]string),
		logger:    logger,
	}
}

// New builds a provider from its config. Unknown types return an error.
func New(cfg ProviderConfig, logger *zap.Logger) (Provider, error) {
	switch cfg.Type {
	case "openai", "openai-compatible", "ollama":
		return NewOpenAIProvider(cfg, logger), nil
	case "anthropic":
		return NewAnthropicProvider(cfg, logger), nil
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}
}

// Register adds a provider to the router.
func (r *Router) Register(p Provider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[p.ID()] = p
	if r.defaults == "" {
		r.defaults = p.ID()
	}
	r.logger.Info("registered provider", zap.String("id", p.ID()), zap.String("name", p.Name()))
}

// SetDefault sets the default provider.
func (r *Router) SetDefault(providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults = providerID
}

// DefaultID returns the current default provider ID.
func (r *Router) DefaultID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.defaults
}

// Bind associates a route key with a specific provider.
func (r *Router) Bind(routeKey, providerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bindings[routeKey] = providerID
}

// SetFallbacks configures fallback providers for a route key.
func (r *Router) SetFallbacks(routeKey string, providerIDs []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallbacks[routeKey] = providerIDs
}

// chain returns the primary provider followed by its fallbacks.
func (r *Router) chain(routeKey string) []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []Provider
	if p := r.primary(routeKey); p != nil {
		out = append(out, p)
	}
	for _, id := range r.fallbacks[routeKey] {
		if p, ok := r.providers[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

func (r *Router) primary(routeKey string) Provider {
	if pid, ok := r.bindings[routeKey]; ok {
		if p, ok := r.providers[pid]; ok {
			return p
		}
	}
	if p, ok := r.providers[routeKey]; ok {
		return p
	}
	if p, ok := r.providers[r.defaults]; ok {
		return p
	}
	return nil
}

// Route sends a chat request through the appropriate provider, walking the
// fallback chain on failure.
func (r *Router) Route(ctx context.Context, routeKey string, req *ChatRequest) (*ChatResponse, error) {
	chain := r.chain(routeKey)
	if len(chain) == 0 {
		return nil, fmt.Errorf("no provider available for %s", routeKey)
	}

	var err error
	for i, p := range chain {
		var resp *ChatResponse
		resp, err = p.Chat(ctx, req)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Warn("provider failed",
			zap.String("route", routeKey), zap.String("provider", p.ID()),
			zap.Bool("fallback", i > 0), zap.Error(err))
	}
	return nil, fmt.Errorf("all providers failed for %s: %w", routeKey, err)
}

// RouteStream opens a streaming chat request. Fallbacks apply only to
// failures before the first chunk.
func (r *Router) RouteStream(ctx context.Context, routeKey string, req *ChatRequest) (<-chan *StreamChunk, error) {
	chain := r.chain(routeKey)
	if len(chain) == 0 {
		return nil, fmt.Errorf("no provider available for %s", routeKey)
	}

	var err error
	for _, p := range chain {
		var ch <-chan *StreamChunk
		ch, err = p.ChatStream(ctx, req)
		if err == nil {
			return ch, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Warn("stream provider failed",
			zap.String("route", routeKey), zap.String("provider", p.ID()), zap.Error(err))
	}
	return nil, fmt.Errorf("open stream for %s: %w", routeKey, err)
}

// GetProvider returns a provider by ID.
func (r *Router) GetProvider(id string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[id]
	return p, ok
}

// ListProviders returns all registered providers.
func (r *Router) ListProviders() []Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]Provider, 0, len(r.providers))
	for _, p := range r.providers {
		result = append(result, p)
	}
	return result
}

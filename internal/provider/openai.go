package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// OpenAIProvider implements the Provider interface for OpenAI-compatible APIs.
type OpenAIProvider struct {
	config ProviderConfig
	client *http.Client
	logger *zap.Logger
}

// NewOpenAIProvider creates a new OpenAI-compatible provider.
func NewOpenAIProvider(cfg ProviderConfig, logger *zap.Logger) *OpenAIProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		config: cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (p *OpenAIProvider) ID() string   { return p.config.ID }
func (p *OpenAIProvider) Name() string { return p.config.Name }

// chatURL builds the chat completions URL. Extra["path_model"]="true" puts
// the model name into the path for gateways that route by URL.
func (p *OpenAIProvider) chatURL(model string) string {
	if p.config.Extra["path_model"] == "true" && model != "" {
		return p.config.Endpoint + "/" + model + "/chat/completions"
	}
	return p.config.Endpoint + "/chat/completions"
}

func (p *OpenAIProvider) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + p.config.APIKey}
}

func (p *OpenAIProvider) model(req *ChatRequest) string {
	if req.Model != "" {
		return req.Model
	}
	if len(p.config.Models) > 0 {
		return p.config.Models[0]
	}
	return ""
}

type openAIRequest struct {
	*ChatRequest
	Stream bool `json:"stream,omitempty"`
}

type openAIChatResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage Usage `json:"usage"`
}

type openAIStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string     `json:"content"`
			ToolCalls []ToolCall `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// Chat sends a non-streaming chat request.
func (p *OpenAIProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	r := *req
	r.Model = p.model(req)
	resp, err := postJSON(ctx, p.client, p.chatURL(r.Model), p.headers(), openAIRequest{ChatRequest: &r})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return nil, fmt.Errorf("empty response from provider %s", p.config.ID)
	}

	choice := out.Choices[0]
	return &ChatResponse{
		ID:           out.ID,
		Model:        out.Model,
		Content:      choice.Message.Content,
		ToolCalls:    choice.Message.ToolCalls,
		FinishReason: choice.FinishReason,
		Usage:        out.Usage,
	}, nil
}

// ChatStream sends a streaming chat request.
func (p *OpenAIProvider) ChatStream(ctx context.Context, req *ChatRequest) (<-chan *StreamChunk, error) {
	r := *req
	r.Model = p.model(req)
	resp, err := postJSON(ctx, p.client, p.chatURL(r.Model), p.headers(), openAIRequest{ChatRequest: &r, Stream: true})
	if err != nil {
		return nil, err
	}

	ch := make(chan *StreamChunk, 64)
	go pumpSSE(ctx, resp.Body, ch, func(data string) (*StreamChunk, bool) {
		if data == "[DONE]" {
			return &StreamChunk{Done: true}, true
		}
		var chunk openAIStreamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			p.logger.Debug("skip malformed stream chunk", zap.String("provider", p.config.ID), zap.Error(err))
			return nil, false
		}
		if len(chunk.Choices) == 0 {
			return nil, false
		}
		c := chunk.Choices[0]
		return &StreamChunk{
			Content:      c.Delta.Content,
			ToolCalls:    c.Delta.ToolCalls,
			FinishReason: c.FinishReason,
		}, false
	})
	return ch, nil
}

// ListModels returns available models from the provider.
func (p *OpenAIProvider) ListModels(ctx context.Context) ([]Model, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, p.config.Endpoint+"/models", nil)
	if err != nil {
		return nil, err
	}
	for k, v := range p.headers() {
		httpReq.Header.Set(k, v)
	}

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list models: status %d", resp.StatusCode)
	}

	var result struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, err
	}

	models := make([]Model, len(result.Data))
	for i, m := range result.Data {
		models[i] = Model{ID: m.ID, Name: m.ID, Provider: p.config.ID}
	}
	return models, nil
}

// HealthCheck verifies the provider is reachable.
func (p *OpenAIProvider) HealthCheck(ctx context.Context) error {
	_, err := p.ListModels(ctx)
	return err
}

package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const anthropicVersion = "2023-06-01"

// AnthropicProvider implements the Provider interface for the Claude API.
type AnthropicProvider struct {
	config ProviderConfig
	client *http.Client
	logger *zap.Logger
}

// NewAnthropicProvider creates a new Anthropic provider.
func NewAnthropicProvider(cfg ProviderConfig, logger *zap.Logger) *AnthropicProvider {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 120 * time.Second
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "https://api.anthropic.com/v1"
	}
	return &AnthropicProvider{
		config: cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

func (p *AnthropicProvider) ID() string   { return p.config.ID }
func (p *AnthropicProvider) Name() string { return p.config.Name }

func (p *AnthropicProvider) headers() map[string]string {
	return map[string]string{
		"x-api-key":         p.config.APIKey,
		"anthropic-version": anthropicVersion,
	}
}

type anthropicRequest struct {
	Model       string          `json:"model"`
	Messages    []anthropicMsg  `json:"messages"`
	System      string          `json:"system,omitempty"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature,omitempty"`
	Tools       []anthropicTool `json:"tools,omitempty"`
	Stream      bool            `json:"stream,omitempty"`
}

type anthropicMsg struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   string          `json:"content,omitempty"`
}

type anthropicTool struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema interface{} `json:"input_schema"`
}

type anthropicResponse struct {
	ID         string           `json:"id"`
	Model      string           `json:"model"`
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// convertRequest maps the OpenAI-shaped request onto the Messages API.
// System messages are concatenated; json_object output is requested by
// instruction because the API has no response_format field.
func (p *AnthropicProvider) convertRequest(req *ChatRequest) *anthropicRequest {
	ar := &anthropicRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	if ar.Model == "" && len(p.config.Models) > 0 {
		ar.Model = p.config.Models[0]
	}
	if ar.MaxTokens == 0 {
		ar.MaxTokens = 4096
	}

	var system []string
	for _, m := range req.Messages {
		switch m.Role {
		case RoleSystem:
			system = append(system, m.Content)
		case RoleTool:
			ar.Messages = append(ar.Messages, anthropicMsg{
				Role:    RoleUser,
				Content: []anthropicBlock{{Type: "tool_result", ToolUseID: m.ToolCallID, Content: m.Content}},
			})
		case RoleAssistant:
			blocks := []anthropicBlock{}
			if m.Content != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: m.Content})
			}
			for _, tc := range m.ToolCalls {
				input := json.RawMessage(tc.Function.Arguments)
				if !json.Valid(input) {
					input = json.RawMessage("{}")
				}
				blocks = append(blocks, anthropicBlock{Type: "tool_use", ID: tc.ID, Name: tc.Function.Name, Input: input})
			}
			ar.Messages = append(ar.Messages, anthropicMsg{Role: RoleAssistant, Content: blocks})
		default:
			ar.Messages = append(ar.Messages, anthropicMsg{
				Role:    RoleUser,
				Content: []anthropicBlock{{Type: "text", Text: m.Content}},
			})
		}
	}
	if req.ResponseFormat != nil && req.ResponseFormat.Type == "json_object" {
		system = append(system, "Respond with a single valid JSON object and nothing else.")
	}
	ar.System = strings.Join(system, "\n\n")

	for _, t := range req.Tools {
		ar.Tools = append(ar.Tools, anthropicTool{
			Name:        t.Function.Name,
			Description: t.Function.Description,
			InputSchema: t.Function.Parameters,
		})
	}
	return ar
}

func (p *AnthropicProvider) convertResponse(resp *anthropicResponse) *ChatResponse {
	var sb strings.Builder
	var calls []ToolCall
	for _, c := range resp.Content {
		switch c.Type {
		case "text":
			sb.WriteString(c.Text)
		case "tool_use":
			calls = append(calls, ToolCall{
				ID:       c.ID,
				Type:     "function",
				Function: ToolCallFunction{Name: c.Name, Arguments: string(c.Input)},
			})
		}
	}
	return &ChatResponse{
		ID:           resp.ID,
		Model:        resp.Model,
		Content:      sb.String(),
		ToolCalls:    calls,
		FinishReason: resp.StopReason,
		Usage: Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}
}

// Chat sends a non-streaming chat request to Claude.
func (p *AnthropicProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	resp, err := postJSON(ctx, p.client, p.config.Endpoint+"/messages", p.headers(), p.convertRequest(req))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out anthropicResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return p.convertResponse(&out), nil
}

// ChatStream sends a streaming request to Claude.
func (p *AnthropicProvider) ChatStream(ctx context.Context, req *ChatRequest) (<-chan *StreamChunk, error) {
	ar := p.convertRequest(req)
	ar.Stream = true
	ar.Tools = nil

	resp, err := postJSON(ctx, p.client, p.config.Endpoint+"/messages", p.headers(), ar)
	if err != nil {
		return nil, err
	}

	ch := make(chan *StreamChunk, 64)
	go pumpSSE(ctx, resp.Body, ch, func(data string) (*StreamChunk, bool) {
		var event struct {
			Type  string `json:"type"`
			Delta struct {
				Type       string `json:"type"`
				Text       string `json:"text"`
				StopReason string `json:"stop_reason"`
			} `json:"delta"`
			Error *struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return nil, false
		}
		switch event.Type {
		case "content_block_delta":
			return &StreamChunk{Content: event.Delta.Text}, false
		case "message_delta":
			return &StreamChunk{FinishReason: event.Delta.StopReason}, false
		case "message_stop":
			return &StreamChunk{Done: true}, true
		case "error":
			msg := "stream error"
			if event.Error != nil {
				msg = event.Error.Message
			}
			return &StreamChunk{Err: fmt.Errorf("anthropic: %s", msg)}, true
		}
		return nil, false
	})
	return ch, nil
}

// ListModels returns the configured Claude models.
func (p *AnthropicProvider) ListModels(_ context.Context) ([]Model, error) {
	ids := p.config.Models
	if len(ids) == 0 {
		ids = []string{"claude-sonnet-4-20250514", "claude-3-5-haiku-20241022"}
	}
	models := make([]Model, len(ids))
	for i, id := range ids {
		models[i] = Model{ID: id, Name: id, Provider: p.config.ID, MaxTokens: 200000}
	}
	return models, nil
}

// HealthCheck verifies the provider is reachable.
func (p *AnthropicProvider) HealthCheck(ctx context.Context) error {
	models, _ := p.ListModels(ctx)
	_, err := p.Chat(ctx, &ChatRequest{
		Model:     models[len(models)-1].ID,
		Messages:  []Message{{Role: RoleUser, Content: "ping"}},
		MaxTokens: 1,
	})
	return err
}

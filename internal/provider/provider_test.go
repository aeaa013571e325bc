package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type stubProvider struct {
	id    string
	reply string
	err   error
	calls int
}

func (s *stubProvider) ID() string   { return s.id }
func (s *stubProvider) Name() string { return s.id }
func (s *stubProvider) Chat(_ context.Context, _ *ChatRequest) (*ChatResponse, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &ChatResponse{Content: s.reply}, nil
}
func (s *stubProvider) ChatStream(_ context.Context, _ *ChatRequest) (<-chan *StreamChunk, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	ch := make(chan *StreamChunk, 2)
	ch <- &StreamChunk{Content: s.reply}
	ch <- &StreamChunk{Done: true}
	close(ch)
	return ch, nil
}
func (s *stubProvider) ListModels(context.Context) ([]Model, error) { return nil, nil }
func (s *stubProvider) HealthCheck(context.Context) error           { return nil }

func TestRouterBindingAndFallback(t *testing.T) {
	r := NewRouter(zap.NewNop())
	broken := &stubProvider{id: "broken", err: errors.New("boom")}
	backup := &stubProvider{id: "backup", reply: "from backup"}
	r.Register(broken)
	r.Register(backup)
	r.Bind("coder", "broken")
	r.SetFallbacks("coder", []string{"backup"})

	resp, err := r.Route(context.Background(), "coder", &ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "from backup", resp.Content)
	assert.Equal(t, 1, broken.calls)

	// Unbound keys use the default, which is the first registered provider.
	_, err = r.Route(context.Background(), "writer", &ChatRequest{})
	assert.Error(t, err)

	// A provider ID is itself a valid route key.
	resp, err = r.Route(context.Background(), "backup", &ChatRequest{})
	require.NoError(t, err)
	assert.Equal(t, "from backup", resp.Content)
}

func TestRouterEmpty(t *testing.T) {
	r := NewRouter(zap.NewNop())
	_, err := r.Route(context.Background(), "x", &ChatRequest{})
	assert.Error(t, err)
	_, err = r.RouteStream(context.Background(), "x", &ChatRequest{})
	assert.Error(t, err)
}

func TestOpenAIChatSendsResponseFormat(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"id":"1","model":"m","choices":[{"message":{"role":"assistant","content":"{\"decision_type\":\"simple\"}"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(ProviderConfig{ID: "oai", Endpoint: srv.URL, APIKey: "sk-test", Models: []string{"m"}}, zap.NewNop())
	resp, err := p.Chat(context.Background(), &ChatRequest{
		Messages:       []Message{{Role: RoleUser, Content: "hi"}},
		ResponseFormat: JSONObject,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"decision_type":"simple"}`, resp.Content)
	assert.Equal(t, "m", got["model"])
	assert.Equal(t, map[string]interface{}{"type": "json_object"}, got["response_format"])
	_, streaming := got["stream"]
	assert.False(t, streaming)
}

func TestOpenAIChatStream(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, ": ping\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	p := NewOpenAIProvider(ProviderConfig{ID: "oai", Endpoint: srv.URL}, zap.NewNop())
	ch, err := p.ChatStream(context.Background(), &ChatRequest{Model: "m"})
	require.NoError(t, err)
	text, err := Collect(ch)
	require.NoError(t, err)
	assert.Equal(t, "Hello", text)
}

func TestOpenAIChatStreamTruncated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"partial\"}}]}\n\n")
	}))
	defer srv.Close()

	p := NewOpenAIProvider(ProviderConfig{ID: "oai", Endpoint: srv.URL}, zap.NewNop())
	ch, err := p.ChatStream(context.Background(), &ChatRequest{Model: "m"})
	require.NoError(t, err)
	text, err := Collect(ch)
	assert.Equal(t, "partial", text)
	assert.Error(t, err)
}

func TestOpenAIErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(ProviderConfig{ID: "oai", Endpoint: srv.URL}, zap.NewNop())
	_, err := p.Chat(context.Background(), &ChatRequest{Model: "m"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429")
}

func TestAnthropicConvertRequest(t *testing.T) {
	p := NewAnthropicProvider(ProviderConfig{ID: "claude", Models: []string{"claude-x"}}, zap.NewNop())
	ar := p.convertRequest(&ChatRequest{
		Messages: []Message{
			{Role: RoleSystem, Content: "be brief"},
			{Role: RoleUser, Content: "time?"},
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "t1", Function: ToolCallFunction{Name: "get_current_time", Arguments: `{}`}}}},
			{Role: RoleTool, ToolCallID: "t1", Content: "noon"},
		},
		ResponseFormat: JSONObject,
	})
	assert.Equal(t, "claude-x", ar.Model)
	assert.Contains(t, ar.System, "be brief")
	assert.Contains(t, ar.System, "JSON")
	require.Len(t, ar.Messages, 3)
	assert.Equal(t, "tool_use", ar.Messages[1].Content[0].Type)
	assert.Equal(t, "tool_result", ar.Messages[2].Content[0].Type)
	assert.Equal(t, "t1", ar.Messages[2].Content[0].ToolUseID)
}

func TestExtractJSON(t *testing.T) {
	cases := map[string]string{
		"```json\n{\"a\":1}\n```":          `{"a":1}`,
		"Sure! Here it is: {\"a\":{}} ok": `{"a":{}}`,
		"  plain  ":                       "plain",
	}
	for in, want := range cases {
		if got := ExtractJSON(in); got != want {
			t.Errorf("ExtractJSON(%q) = %q, want %q", in, got, want)
		}
	}
}

// Package router classifies a user message as simple chat or a complex
// multi-expert request.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kaptinlin/jsonrepair"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-experts/internal/event"
	"github.com/nidhogg/nuka-experts/internal/expert"
	"github.com/nidhogg/nuka-experts/internal/memory"
	"github.com/nidhogg/nuka-experts/internal/provider"
	"github.com/nidhogg/nuka-experts/internal/session"
)

// Result is the outcome of one classification.
type Result struct {
	Decision session.Decision
	Reason   string
	// Fallback is set when the decision was not produced by the model.
	Fallback bool
	Memories []memory.Snippet
}

// Router makes one classification call per message and never fails: any
// error becomes a complex decision.
type Router struct {
	gen      provider.Generator
	experts  *expert.Registry
	memory   memory.Retriever
	snippets int
	logger   *zap.Logger
}

// New creates a Router. mem may be nil.
func New(gen provider.Generator, experts *expert.Registry, mem memory.Retriever, snippets int, logger *zap.Logger) *Router {
	if mem == nil {
		mem = memory.Nop{}
	}
	return &Router{gen: gen, experts: experts, memory: mem, snippets: snippets, logger: logger}
}

// Classify emits router.start, decides and emits router.decision.
func (r *Router) Classify(ctx context.Context, em event.Emitter, message, userID string) Result {
	em.Emit(event.RouterStart, event.RouterStartData{Query: message})

	res := r.classify(ctx, message, userID)
	if res.Fallback {
		r.logger.Warn("router fell back to complex", zap.String("reason", res.Reason))
	} else {
		r.logger.Info("router decision",
			zap.String("decision", string(res.Decision)), zap.String("reason", res.Reason))
	}

	em.Emit(event.RouterDecision, event.RouterDecisionData{
		Decision: string(res.Decision),
		Reason:   res.Reason,
	})
	return res
}

func (r *Router) classify(ctx context.Context, message, userID string) Result {
	var memories []memory.Snippet
	if r.snippets > 0 && userID != "" {
		var err error
		memories, err = r.memory.Recall(ctx, userID, message, r.snippets)
		if err != nil {
			r.logger.Warn("recall memories for routing", zap.String("user", userID), zap.Error(err))
		}
	}

	cfg, err := r.experts.Resolve(ctx, expert.RouterKey)
	if err != nil {
		return fallback(fmt.Errorf("resolve router config: %w", err), memories)
	}

	system := cfg.SystemInstructions
	if mem := memory.Format(memories); mem != "" {
		system += "\n\n" + mem
	}
	resp, err := r.gen.Route(ctx, cfg.RouteKey(), &provider.ChatRequest{
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: system},
			{Role: provider.RoleUser, Content: message},
		},
		MaxTokens:      256,
		ResponseFormat: provider.JSONObject,
	})
	if err != nil {
		return fallback(fmt.Errorf("classify: %w", err), memories)
	}

	decision, reason, err := ParseDecision(resp.Content)
	if err != nil {
		return fallback(err, memories)
	}
	return Result{Decision: decision, Reason: reason, Memories: memories}
}

func fallback(err error, memories []memory.Snippet) Result {
	return Result{
		Decision: session.DecisionComplex,
		Reason:   "classification unavailable: " + err.Error(),
		Fallback: true,
		Memories: memories,
	}
}

// ParseDecision reads {"decision_type": ..., "reason": ...} from model output,
// repairing malformed JSON. A bare "simple" or "complex" is accepted too.
func ParseDecision(content string) (session.Decision, string, error) {
	content = strings.TrimSpace(content)
	switch session.Decision(strings.ToLower(strings.Trim(content, `"'.`))) {
	case session.DecisionSimple:
		return session.DecisionSimple, "", nil
	case session.DecisionComplex:
		return session.DecisionComplex, "", nil
	}

	repaired, err := jsonrepair.JSONRepair(provider.ExtractJSON(content))
	if err != nil {
		return "", "", fmt.Errorf("repair decision json: %w", err)
	}
	var out struct {
		DecisionType string `json:"decision_type"`
		Reason       string `json:"reason"`
	}
	if err := json.Unmarshal([]byte(repaired), &out); err != nil {
		return "", "", fmt.Errorf("decode decision: %w", err)
	}
	switch d := session.Decision(strings.ToLower(strings.TrimSpace(out.DecisionType))); d {
	case session.DecisionSimple, session.DecisionComplex:
		return d, out.Reason, nil
	default:
		return "", "", fmt.Errorf("unknown decision_type %q", out.DecisionType)
	}
}

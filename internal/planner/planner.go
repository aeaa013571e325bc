// Package planner decomposes a complex request into an ordered list of
// expert tasks.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kaptinlin/jsonrepair"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-experts/internal/event"
	"github.com/nidhogg/nuka-experts/internal/expert"
	"github.com/nidhogg/nuka-experts/internal/provider"
	"github.com/nidhogg/nuka-experts/internal/session"
)

// ErrEmptyPlan is returned when a well-formed reply contains no tasks. It is
// not retried.
var ErrEmptyPlan = fmt.Errorf("planner returned no tasks")

// PlanError reports that planning gave up. It wraps the last cause.
type PlanError struct {
	Attempts int
	Err      error
}

func (e *PlanError) Error() string {
	return fmt.Sprintf("planning failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *PlanError) Unwrap() error { return e.Err }

// Plan is a persisted, normalized task list.
type Plan struct {
	SessionID      string
	Strategy       string
	EstimatedSteps int
	Tasks          []session.Task
}

// Planner calls the commander expert with a bounded, fixed-backoff retry.
type Planner struct {
	gen      provider.Generator
	experts  *expert.Registry
	repo     session.Repository
	attempts int
	backoff  time.Duration
	logger   *zap.Logger
}

// New creates a Planner.
func New(gen provider.Generator, experts *expert.Registry, repo session.Repository, attempts int, backoff time.Duration, logger *zap.Logger) *Planner {
	if attempts <= 0 {
		attempts = 1
	}
	return &Planner{gen: gen, experts: experts, repo: repo, attempts: attempts, backoff: backoff, logger: logger}
}

// Plan produces the task list for st.Query, persists it, warms the expert
// cache for the planned experts and emits plan.created.
func (p *Planner) Plan(ctx context.Context, em event.Emitter, st session.State) (Plan, error) {
	cfg, err := p.experts.Resolve(ctx, expert.CommanderKey)
	if err != nil {
		return Plan{}, &PlanError{Attempts: 0, Err: err}
	}
	catalog := p.experts.Catalog(ctx)
	req := &provider.ChatRequest{
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: cfg.SystemInstructions + "\n\n" + FormatCatalog(catalog)},
			{Role: provider.RoleUser, Content: st.Query},
		},
		ResponseFormat: provider.JSONObject,
	}

	out, attempts, err := p.generate(ctx, cfg.RouteKey(), req)
	if err != nil {
		return Plan{}, err
	}

	known := make(map[string]bool, len(catalog))
	for _, c := range catalog {
		known[c.Key] = true
	}
	for _, t := range out.Tasks {
		if !known[t.ExpertType] {
			p.logger.Warn("plan assigns expert outside the catalog",
				zap.String("expert", t.ExpertType), zap.String("thread", st.ThreadID))
		}
	}

	plan := Plan{
		SessionID:      uuid.New().String(),
		Strategy:       out.Strategy,
		EstimatedSteps: out.EstimatedSteps,
		Tasks:          session.NormalizeTasks(out.Tasks),
	}
	if plan.EstimatedSteps <= 0 {
		plan.EstimatedSteps = len(plan.Tasks)
	}
	p.logger.Info("plan created",
		zap.String("thread", st.ThreadID),
		zap.String("session", plan.SessionID),
		zap.Int("tasks", len(plan.Tasks)),
		zap.Int("attempts", attempts))

	p.persist(ctx, st, plan)
	p.experts.Warm(ctx, expertTypes(plan.Tasks))

	em.Emit(event.PlanCreated, event.PlanCreatedData{
		SessionID:      plan.SessionID,
		Summary:        plan.Strategy,
		EstimatedSteps: plan.EstimatedSteps,
		Tasks:          event.PlanTasks(plan.Tasks),
	})
	return plan, nil
}

func (p *Planner) generate(ctx context.Context, routeKey string, req *provider.ChatRequest) (output, int, error) {
	var lastErr error
	for attempt := 1; attempt <= p.attempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return output{}, attempt - 1, &PlanError{Attempts: attempt - 1, Err: ctx.Err()}
			case <-time.After(p.backoff):
			}
		}

		resp, err := p.gen.Route(ctx, routeKey, req)
		if err != nil {
			lastErr = fmt.Errorf("call commander: %w", err)
			p.logger.Warn("planning attempt failed", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		out, err := Parse(resp.Content)
		if errors.Is(err, ErrEmptyPlan) {
			return output{}, attempt, &PlanError{Attempts: attempt, Err: err}
		}
		if err != nil {
			lastErr = err
			p.logger.Warn("planning attempt returned unusable output", zap.Int("attempt", attempt), zap.Error(err))
			continue
		}
		return out, attempt, nil
	}
	return output{}, p.attempts, &PlanError{Attempts: p.attempts, Err: lastErr}
}

func (p *Planner) persist(ctx context.Context, st session.State, plan Plan) {
	if p.repo == nil {
		return
	}
	err := p.repo.CreateSession(ctx, session.SessionRecord{
		ID:        plan.SessionID,
		ThreadID:  st.ThreadID,
		UserID:    st.UserID,
		Query:     st.Query,
		Strategy:  plan.Strategy,
		Status:    session.SessionAwaitingApproval,
		CreatedAt: time.Now().UTC(),
	})
	if err == nil {
		err = p.repo.SaveTasks(ctx, plan.SessionID, plan.Tasks)
	}
	if err != nil {
		p.logger.Warn("persist plan", zap.String("session", plan.SessionID), zap.Error(err))
	}
}

// FormatCatalog renders the expert catalog for the planning prompt.
func FormatCatalog(catalog []expert.CatalogEntry) string {
	var b strings.Builder
	b.WriteString("Available experts (use the key as expert_type):\n")
	for _, c := range catalog {
		fmt.Fprintf(&b, "- %s (%s): %s\n", c.Key, c.Name, c.Description)
	}
	return b.String()
}

func expertTypes(tasks []session.Task) []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range tasks {
		if !seen[t.ExpertType] {
			seen[t.ExpertType] = true
			out = append(out, t.ExpertType)
		}
	}
	return out
}

type output struct {
	Strategy       string
	EstimatedSteps int
	Tasks          []session.Task
}

type rawTask struct {
	ShortID     string                 `json:"short_id"`
	ExpertType  string                 `json:"expert_type"`
	Description string                 `json:"description"`
	InputData   map[string]interface{} `json:"input_data"`
	DependsOn   stringList             `json:"depends_on"`
}

// Parse reads the commander's JSON reply, repairing malformed JSON.
func Parse(content string) (output, error) {
	repaired, err := jsonrepair.JSONRepair(provider.ExtractJSON(content))
	if err != nil {
		return output{}, fmt.Errorf("repair plan json: %w", err)
	}
	var raw struct {
		Strategy       string    `json:"strategy"`
		EstimatedSteps int       `json:"estimated_steps"`
		Tasks          []rawTask `json:"tasks"`
	}
	if err := json.Unmarshal([]byte(repaired), &raw); err != nil {
		return output{}, fmt.Errorf("decode plan: %w", err)
	}

	out := output{Strategy: strings.TrimSpace(raw.Strategy), EstimatedSteps: raw.EstimatedSteps}
	for _, t := range raw.Tasks {
		expertType := strings.ToLower(strings.TrimSpace(t.ExpertType))
		if expertType == "" || strings.TrimSpace(t.Description) == "" {
			continue
		}
		out.Tasks = append(out.Tasks, session.Task{
			ShortID:     strings.TrimSpace(t.ShortID),
			ExpertType:  expertType,
			Description: strings.TrimSpace(t.Description),
			InputData:   t.InputData,
			DependsOn:   t.DependsOn,
		})
	}
	if len(out.Tasks) == 0 {
		return out, ErrEmptyPlan
	}
	return out, nil
}

// stringList accepts a JSON array of strings or numbers, a single string, or
// null.
type stringList []string

func (s *stringList) UnmarshalJSON(data []byte) error {
	var items []interface{}
	if err := json.Unmarshal(data, &items); err != nil {
		var one interface{}
		if err := json.Unmarshal(data, &one); err != nil {
			return err
		}
		items = []interface{}{one}
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		switch v := it.(type) {
		case string:
			if v = strings.TrimSpace(v); v != "" {
				out = append(out, v)
			}
		case float64:
			out = append(out, fmt.Sprintf("task_%d", int(v)))
		}
	}
	*s = out
	return nil
}

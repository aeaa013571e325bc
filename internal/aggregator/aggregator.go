// Package aggregator turns expert results into the final streamed answer.
package aggregator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/nidhogg/nuka-experts/internal/event"
	"github.com/nidhogg/nuka-experts/internal/expert"
	"github.com/nidhogg/nuka-experts/internal/persist"
	"github.com/nidhogg/nuka-experts/internal/provider"
	"github.com/nidhogg/nuka-experts/internal/session"
)

// Placeholder in the aggregator instructions is replaced by the expert
// results block.
const Placeholder = "{{expert_results}}"

// Result is the outcome of one summary.
type Result struct {
	MessageID string
	Text      string
	// Fallback is set when the text was assembled without the model.
	Fallback bool
}

// Aggregator synthesizes expert outputs. It is safe for concurrent use.
type Aggregator struct {
	gen       provider.Generator
	experts   *expert.Registry
	repo      session.Repository
	queue     *persist.Queue
	chunkSize int
	logger    *zap.Logger
}

// New creates an Aggregator. Fallback text is emitted in chunks of
// chunkSize runes.
func New(gen provider.Generator, experts *expert.Registry, repo session.Repository, queue *persist.Queue, chunkSize int, logger *zap.Logger) *Aggregator {
	if chunkSize <= 0 {
		chunkSize = 48
	}
	return &Aggregator{gen: gen, experts: experts, repo: repo, queue: queue, chunkSize: chunkSize, logger: logger}
}

// Summarize streams the final answer for st. It always emits exactly one
// message.done and never returns empty text.
func (a *Aggregator) Summarize(ctx context.Context, em event.Emitter, st session.State) Result {
	messageID := st.MessageID
	if messageID == "" {
		messageID = uuid.New().String()
	}
	block := ResultsBlock(st.Strategy, st.Results)

	text, err := a.generate(ctx, em, messageID, st, block)
	fallback := false
	if err != nil {
		if strings.TrimSpace(text) == "" {
			a.logger.Warn("aggregator failed, using fallback", zap.String("thread", st.ThreadID), zap.Error(err))
			text = Fallback(st.Strategy, st.Results)
			fallback = true
			EmitChunks(em, messageID, text, a.chunkSize)
		} else {
			a.logger.Warn("aggregator stream cut short, keeping partial answer",
				zap.String("thread", st.ThreadID), zap.Int("chars", len(text)), zap.Error(err))
		}
	}
	em.Emit(event.MessageDone, event.MessageDoneData{MessageID: messageID, FullContent: text})

	a.persist(ctx, st, messageID, text)
	return Result{MessageID: messageID, Text: text, Fallback: fallback}
}

func (a *Aggregator) generate(ctx context.Context, em event.Emitter, messageID string, st session.State, block string) (string, error) {
	cfg, err := a.experts.Resolve(ctx, expert.AggregatorKey)
	if err != nil {
		return "", err
	}
	system := cfg.SystemInstructions
	if strings.Contains(system, Placeholder) {
		system = strings.ReplaceAll(system, Placeholder, block)
	} else {
		system = strings.TrimRight(system, "\n") + "\n\n" + block
	}
	req := &provider.ChatRequest{
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		Messages: []provider.Message{
			{Role: provider.RoleSystem, Content: system},
			{Role: provider.RoleUser, Content: st.Query},
		},
	}
	return StreamMessage(ctx, a.gen, cfg.RouteKey(), req, em, messageID)
}

func (a *Aggregator) persist(ctx context.Context, st session.State, messageID, text string) {
	if a.repo == nil {
		return
	}
	rec := session.MessageRecord{
		ID:        messageID,
		ThreadID:  st.ThreadID,
		SessionID: st.SessionID,
		Role:      provider.RoleAssistant,
		Content:   text,
		CreatedAt: time.Now().UTC(),
	}
	save := func(ctx context.Context) error {
		if err := a.repo.AppendMessage(ctx, rec); err != nil {
			return err
		}
		if st.SessionID == "" {
			return nil
		}
		return a.repo.SetSessionStatus(ctx, st.SessionID, session.SessionCompleted)
	}
	if a.queue == nil {
		if err := save(ctx); err != nil {
			a.logger.Warn("persist final answer", zap.String("thread", st.ThreadID), zap.Error(err))
		}
		return
	}
	a.queue.Go(ctx, "aggregate:"+messageID, save)
}

// StreamMessage streams a generation into message.delta notifications and
// returns the accumulated text. On a stream error the text received so far
// is returned with the error.
func StreamMessage(ctx context.Context, gen provider.Generator, routeKey string, req *provider.ChatRequest, em event.Emitter, messageID string) (string, error) {
	ch, err := gen.RouteStream(ctx, routeKey, req)
	if err != nil {
		return "", fmt.Errorf("stream %s: %w", routeKey, err)
	}
	var sb strings.Builder
	for chunk := range ch {
		if chunk.Err != nil {
			for range ch {
			}
			return sb.String(), fmt.Errorf("stream %s: %w", routeKey, chunk.Err)
		}
		if chunk.Content == "" {
			continue
		}
		sb.WriteString(chunk.Content)
		em.Emit(event.MessageDelta, event.MessageDeltaData{MessageID: messageID, Content: chunk.Content})
	}
	if strings.TrimSpace(sb.String()) == "" {
		return sb.String(), fmt.Errorf("stream %s: empty response", routeKey)
	}
	return sb.String(), nil
}

// EmitChunks sends text as message.delta notifications of size runes each.
func EmitChunks(em event.Emitter, messageID, text string, size int) {
	r := []rune(text)
	for start := 0; start < len(r); start += size {
		end := start + size
		if end > len(r) {
			end = len(r)
		}
		em.Emit(event.MessageDelta, event.MessageDeltaData{MessageID: messageID, Content: string(r[start:end])})
	}
}

// ResultsBlock renders the strategy and every expert result for the model.
func ResultsBlock(strategy string, results []session.ExpertResult) string {
	var b strings.Builder
	if strategy != "" {
		fmt.Fprintf(&b, "Strategy: %s\n\n", strategy)
	}
	b.WriteString("Expert results:\n")
	for i, r := range results {
		fmt.Fprintf(&b, "\n[%d] %s (%s): %s\n", i+1, r.ExpertType, r.Status, r.Description)
		if r.Output != "" {
			b.WriteString(r.Output)
			b.WriteString("\n")
		}
	}
	return b.String()
}

// Fallback concatenates the expert outputs into a markdown answer.
func Fallback(strategy string, results []session.ExpertResult) string {
	var b strings.Builder
	if strategy != "" {
		fmt.Fprintf(&b, "**Strategy:** %s\n\n", strategy)
	}
	written := 0
	for _, r := range results {
		if strings.TrimSpace(r.Output) == "" {
			continue
		}
		fmt.Fprintf(&b, "### %s: %s\n\n%s\n\n", r.ExpertType, r.Description, strings.TrimSpace(r.Output))
		written++
	}
	if written == 0 {
		b.WriteString("No expert produced a result for this request.")
	}
	return strings.TrimRight(b.String(), "\n")
}

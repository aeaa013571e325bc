// Package notify alerts reviewers when a plan is waiting for approval.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/nidhogg/nuka-experts/internal/config"
	"github.com/nidhogg/nuka-experts/internal/session"
)

// Review is a plan parked for human approval.
type Review struct {
	ThreadID  string
	SessionID string
	Query     string
	Strategy  string
	Tasks     []session.Task
}

// Notifier delivers plan review alerts.
type Notifier interface {
	PlanReview(ctx context.Context, r Review) error
}

// Multi sends to every notifier and joins their errors.
type Multi []Notifier

func (m Multi) PlanReview(ctx context.Context, r Review) error {
	var errs []error
	for _, n := range m {
		if err := n.PlanReview(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// New builds the notifiers enabled in cfg. It returns nil when none are.
func New(cfg config.NotifyConfig, logger *zap.Logger) Notifier {
	var out Multi
	if cfg.Slack.Enabled && cfg.Slack.BotToken != "" && cfg.Slack.Channel != "" {
		out = append(out, NewSlack(cfg.Slack.BotToken, cfg.Slack.Channel, cfg.BaseURL, logger))
	}
	if cfg.Discord.Enabled && cfg.Discord.BotToken != "" && cfg.Discord.ChannelID != "" {
		d, err := NewDiscord(cfg.Discord.BotToken, cfg.Discord.ChannelID, cfg.BaseURL, logger)
		if err != nil {
			logger.Warn("discord notifier disabled", zap.Error(err))
		} else {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		return nil
	}
	logger.Info("plan review notifications enabled", zap.Int("channels", len(out)))
	return out
}

// Format renders r as a chat message. baseURL, when set, links the thread's
// event stream.
func Format(r Review, baseURL string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*Plan waiting for review* (thread `%s`)\n", r.ThreadID)
	if r.Query != "" {
		fmt.Fprintf(&b, "> %s\n", oneLine(r.Query, 200))
	}
	if r.Strategy != "" {
		fmt.Fprintf(&b, "Strategy: %s\n", oneLine(r.Strategy, 300))
	}
	for i, t := range r.Tasks {
		fmt.Fprintf(&b, "%d. [%s] %s", i+1, t.ExpertType, oneLine(t.Description, 160))
		if len(t.DependsOn) > 0 {
			fmt.Fprintf(&b, " (after %s)", strings.Join(t.DependsOn, ", "))
		}
		b.WriteString("\n")
	}
	if baseURL != "" {
		fmt.Fprintf(&b, "%s/api/threads/%s/events\n", strings.TrimRight(baseURL, "/"), r.ThreadID)
	}
	return strings.TrimRight(b.String(), "\n")
}

func oneLine(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) > max {
		return string(r[:max-1]) + "…"
	}
	return s
}

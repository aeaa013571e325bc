package notify

import (
	"context"
	"fmt"

	"github.com/slack-go/slack"
	"go.uber.org/zap"
)

// Slack posts reviews to one channel with a bot token.
type Slack struct {
	client  *slack.Client
	channel string
	baseURL string
	logger  *zap.Logger
}

// NewSlack creates a Slack notifier. Extra client options are for tests.
func NewSlack(botToken, channel, baseURL string, logger *zap.Logger, opts ...slack.Option) *Slack {
	return &Slack{
		client:  slack.New(botToken, opts...),
		channel: channel,
		baseURL: baseURL,
		logger:  logger,
	}
}

func (s *Slack) PlanReview(ctx context.Context, r Review) error {
	_, ts, err := s.client.PostMessageContext(ctx, s.channel,
		slack.MsgOptionText(Format(r, s.baseURL), false),
		slack.MsgOptionDisableLinkUnfurl(),
	)
	if err != nil {
		return fmt.Errorf("slack post review: %w", err)
	}
	s.logger.Debug("slack review posted", zap.String("thread", r.ThreadID), zap.String("ts", ts))
	return nil
}

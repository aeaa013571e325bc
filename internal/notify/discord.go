package notify

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"
)

// discordLimit is the maximum message length Discord accepts.
const discordLimit = 2000

// Discord posts reviews to one channel over the REST API. No gateway
// connection is opened.
type Discord struct {
	session   *discordgo.Session
	channelID string
	baseURL   string
	logger    *zap.Logger
}

// NewDiscord creates a Discord notifier.
func NewDiscord(botToken, channelID, baseURL string, logger *zap.Logger) (*Discord, error) {
	s, err := discordgo.New("Bot " + botToken)
	if err != nil {
		return nil, fmt.Errorf("discord session: %w", err)
	}
	return &Discord{session: s, channelID: channelID, baseURL: baseURL, logger: logger}, nil
}

func (d *Discord) PlanReview(ctx context.Context, r Review) error {
	text := Format(r, d.baseURL)
	if runes := []rune(text); len(runes) > discordLimit {
		text = string(runes[:discordLimit-1]) + "…"
	}
	msg, err := d.session.ChannelMessageSend(d.channelID, text, discordgo.WithContext(ctx))
	if err != nil {
		return fmt.Errorf("discord post review: %w", err)
	}
	d.logger.Debug("discord review posted", zap.String("thread", r.ThreadID), zap.String("message", msg.ID))
	return nil
}

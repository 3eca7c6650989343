package notify

import (
	"context"
	"fmt"

	"github.com/go-telegram/bot"
)

// Telegram sends notifications to a single chat via the Bot API.
type Telegram struct {
	bot    *bot.Bot
	chatID int64
}

func NewTelegram(token string, chatID int64) (*Telegram, error) {
	b, err := bot.New(token)
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &Telegram{bot: b, chatID: chatID}, nil
}

func (t *Telegram) Send(ctx context.Context, n Notification) error {
	_, err := t.bot.SendMessage(ctx, &bot.SendMessageParams{
		ChatID: t.chatID,
		Text:   n.Text(),
	})
	if err != nil {
		return fmt.Errorf("telegram send: %w", err)
	}
	return nil
}

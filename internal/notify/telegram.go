package notify

import (
	"context"
	"errors"
	"strings"

	tele "gopkg.in/telebot.v4"
)

// TelegramConfig addresses one chat (optionally a forum topic).
type TelegramConfig struct {
	Token    string
	ChatID   int64
	ThreadID int
}

// Telegram sends plain-text messages through the Bot API.
type Telegram struct {
	bot  *tele.Bot
	chat *tele.Chat
	opt  *tele.SendOptions
}

// NewTelegram builds a sender. The bot is created offline, so a bad token
// surfaces on the first send rather than at startup.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if cfg.ChatID == 0 {
		return nil, errors.New("telegram chat id is empty")
	}
	b, err := tele.NewBot(tele.Settings{Token: cfg.Token, Offline: true})
	if err != nil {
		return nil, err
	}
	return &Telegram{
		bot:  b,
		chat: &tele.Chat{ID: cfg.ChatID},
		opt: &tele.SendOptions{
			DisableWebPagePreview: true,
			ThreadID:              cfg.ThreadID,
		},
	}, nil
}

func (t *Telegram) Send(ctx context.Context, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := t.bot.Send(t.chat, text, t.opt)
	return err
}

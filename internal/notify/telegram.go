package notify

import (
	"context"
	"fmt"
	"time"

	tele "gopkg.in/telebot.v3"
)

// TelegramNotifier sends outcome messages to the buyer's Telegram chat.
type TelegramNotifier struct {
	bot *tele.Bot
}

func NewTelegramNotifier(token string) (*TelegramNotifier, error) {
	bot, err := tele.NewBot(tele.Settings{
		Token:  token,
		Poller: nil, // send-only; updates are the bot collaborator's job
		Client: nil,
	})
	if err != nil {
		return nil, fmt.Errorf("create telegram bot: %w", err)
	}
	return &TelegramNotifier{bot: bot}, nil
}

func (n *TelegramNotifier) Notify(ctx context.Context, buyerID int64, text string, _ map[string]string) error {
	done := make(chan error, 1)
	go func() {
		_, err := n.bot.Send(&tele.User{ID: buyerID}, text, tele.ModeHTML)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send telegram message: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(15 * time.Second):
		return fmt.Errorf("send telegram message: timeout")
	}
}

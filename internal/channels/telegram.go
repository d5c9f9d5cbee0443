package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Telegram delivers reminders as Telegram messages. The recipient is the
// chat id as a decimal string.
type Telegram struct {
	api    *tgbotapi.BotAPI
	logger *slog.Logger
}

// TelegramConfig holds the dependencies for the Telegram channel.
type TelegramConfig struct {
	Token  string
	Logger *slog.Logger
}

func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("telegram init: %w", err)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Telegram{api: api, logger: logger}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Send(ctx context.Context, recipient, content string) (Outcome, error) {
	chatID, err := strconv.ParseInt(recipient, 10, 64)
	if err != nil {
		// Malformed recipient will never deliver, no matter how often we retry.
		return OutcomePermanent, fmt.Errorf("telegram: invalid recipient %q: %w", recipient, err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := t.api.Send(tgbotapi.NewMessage(chatID, content))
		done <- err
	}()

	select {
	case <-ctx.Done():
		return OutcomeTransient, fmt.Errorf("telegram send: %w", ctx.Err())
	case err := <-done:
		if err == nil {
			return OutcomeSent, nil
		}
		return classifyTelegramError(err), fmt.Errorf("telegram send: %w", err)
	}
}

// classifyTelegramError separates rejections the API will repeat (bad chat,
// blocked bot) from failures worth retrying.
func classifyTelegramError(err error) Outcome {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "chat not found"),
		strings.Contains(msg, "bot was blocked"),
		strings.Contains(msg, "user is deactivated"),
		strings.Contains(msg, "forbidden"):
		return OutcomePermanent
	default:
		return OutcomeTransient
	}
}

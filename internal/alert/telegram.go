package alert

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api"
)

// botAPI is the subset of the Telegram client the sink uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// TelegramConfig configures the Telegram sink.
type TelegramConfig struct {
	Token       string   `yaml:"token"`
	ChatID      int64    `yaml:"chat_id"`
	MinSeverity Severity `yaml:"min_severity"`
	MaxRetries  int      `yaml:"max_retries"`
}

// TelegramSink posts events to a single chat.
type TelegramSink struct {
	bot     botAPI
	chatID  int64
	min     Severity
	retries int
	backoff func(attempt int) time.Duration
	logger  *slog.Logger
}

// NewTelegramSink authenticates against the bot API.
func NewTelegramSink(cfg TelegramConfig, logger *slog.Logger) (*TelegramSink, error) {
	if cfg.Token == "" || cfg.ChatID == 0 {
		return nil, fmt.Errorf("alert: telegram token and chat id are required")
	}
	bot, err := tgbotapi.NewBotAPI(cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("alert: telegram auth: %w", err)
	}
	return newTelegramSink(bot, cfg, logger), nil
}

func newTelegramSink(bot botAPI, cfg TelegramConfig, logger *slog.Logger) *TelegramSink {
	if logger == nil {
		logger = slog.Default()
	}
	retries := cfg.MaxRetries
	if retries < 1 {
		retries = 3
	}
	return &TelegramSink{
		bot:     bot,
		chatID:  cfg.ChatID,
		min:     cfg.MinSeverity,
		retries: retries,
		backoff: func(attempt int) time.Duration { return time.Duration(1<<attempt) * time.Second },
		logger:  logger,
	}
}

func (t *TelegramSink) Name() string { return "telegram" }

// Send posts the event, retrying with exponential backoff. Events below
// the configured severity are skipped.
func (t *TelegramSink) Send(ctx context.Context, e Event) error {
	if e.Severity < t.min {
		return nil
	}
	msg := tgbotapi.NewMessage(t.chatID, e.Text())
	msg.DisableWebPagePreview = true

	var lastErr error
	for i := 0; i < t.retries; i++ {
		if i > 0 {
			wait := t.backoff(i - 1)
			t.logger.Debug("telegram retry", "attempt", i+1, "wait", wait)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}
		if _, err := t.bot.Send(msg); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("alert: all %d telegram retries exhausted: %w", t.retries, lastErr)
}

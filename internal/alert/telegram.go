package alert

import (
	"context"
	"errors"
	"fmt"
	"net"

	"copytrade/pkg/retry"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramChannel posts to one operator chat through the Bot API
type TelegramChannel struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	policy retry.RetryPolicy
}

// NewTelegramChannel authenticates the bot. endpoint is the Bot API URL
// template; empty means tgbotapi.APIEndpoint. client may be nil.
func NewTelegramChannel(botToken string, chatID int64, endpoint string, client tgbotapi.HTTPClient) (*TelegramChannel, error) {
	if botToken == "" || chatID == 0 {
		return nil, fmt.Errorf("telegram bot token and chat id are required")
	}
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}

	var (
		bot *tgbotapi.BotAPI
		err error
	)
	if client != nil {
		bot, err = tgbotapi.NewBotAPIWithClient(botToken, endpoint, client)
	} else {
		bot, err = tgbotapi.NewBotAPIWithAPIEndpoint(botToken, endpoint)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate telegram bot: %w", err)
	}

	return &TelegramChannel{
		bot:    bot,
		chatID: chatID,
		policy: retry.DefaultPolicy,
	}, nil
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

func (t *TelegramChannel) Send(ctx context.Context, alert AlertPayload) error {
	msg := tgbotapi.NewMessage(t.chatID, Render(alert))
	msg.DisableWebPagePreview = true

	return retry.Do(ctx, t.policy, isTransientSend, func() error {
		_, err := t.bot.Send(msg)
		return err
	})
}

// isTransientSend retries network failures and Telegram flood control
func isTransientSend(err error) bool {
	var tgErr *tgbotapi.Error
	if errors.As(err, &tgErr) {
		return tgErr.Code == 429 || tgErr.Code >= 500
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

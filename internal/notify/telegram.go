// Package notify mirrors warnings and alert conditions to Telegram. Alerts
// are advisory: delivery failures are logged and never propagated.
package notify

import (
	"fmt"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/yanun0323/errors"
	"github.com/yanun0323/logs"
)

// Notifier sends alert messages to a Telegram chat. A nil Notifier is valid
// and drops every message, so callers never guard.
type Notifier struct {
	bot    *tgbotapi.BotAPI
	chatID int64
}

// New creates a Telegram notifier. Returns nil when token is empty, which
// disables notifications cleanly.
func New(token string, chatID int64) (*Notifier, error) {
	if token == "" {
		return nil, nil
	}
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, errors.Wrap(err, "create telegram bot")
	}
	return &Notifier{bot: bot, chatID: chatID}, nil
}

// Alertf formats and sends one alert message.
func (n *Notifier) Alertf(format string, args ...any) {
	if n == nil || n.bot == nil {
		return
	}
	msg := tgbotapi.NewMessage(n.chatID, fmt.Sprintf(format, args...))
	if _, err := n.bot.Send(msg); err != nil {
		logs.Errorf("send telegram alert, err: %+v", err)
	}
}

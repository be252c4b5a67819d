/**
 * @description
 * Outbound Telegram notifications. Customers are identified by their chat id,
 * which the bot stores as the deposit customer id.
 *
 * @dependencies
 * - github.com/go-telegram-bot-api/telegram-bot-api/v5
 */
package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/sirupsen/logrus"
)

// Sender is the subset of *tgbotapi.BotAPI the notifier needs.
type Sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Notifier sends plain-text messages to customers.
type Notifier struct {
	sender Sender
	log    *logrus.Entry
}

// NewNotifier connects to the Bot API with the given token.
func NewNotifier(token string, log *logrus.Entry) (*Notifier, error) {
	bot, err := tgbotapi.NewBotAPI(strings.TrimSpace(token))
	if err != nil {
		return nil, fmt.Errorf("telegram bot init: %w", err)
	}
	log.WithField("bot", bot.Self.UserName).Info("telegram notifier ready")
	return NewNotifierWithSender(bot, log), nil
}

// NewNotifierWithSender wraps an existing sender.
func NewNotifierWithSender(sender Sender, log *logrus.Entry) *Notifier {
	return &Notifier{sender: sender, log: log}
}

// SendMessage delivers text to the customer's chat.
func (n *Notifier) SendMessage(ctx context.Context, customerID, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	chatID, err := strconv.ParseInt(strings.TrimSpace(customerID), 10, 64)
	if err != nil {
		return fmt.Errorf("invalid telegram chat id %q: %w", customerID, err)
	}

	msg := tgbotapi.NewMessage(chatID, text)
	msg.DisableWebPagePreview = true
	if _, err := n.sender.Send(msg); err != nil {
		return fmt.Errorf("telegram send to %d: %w", chatID, err)
	}
	n.log.WithField("chat_id", chatID).Debug("message sent")
	return nil
}

// LogNotifier only logs messages. It backs local runs without a bot token.
type LogNotifier struct {
	Log *logrus.Entry
}

func (n LogNotifier) SendMessage(ctx context.Context, customerID, text string) error {
	n.Log.WithFields(logrus.Fields{"customer_id": customerID, "mode": "log_only"}).Info(text)
	return nil
}

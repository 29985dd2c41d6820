// Package notify delivers operational alerts about credit balances to the
// admin Telegram channel. Delivery is best effort: failures are logged only.
package notify

import (
	"context"
	"fmt"
	"log/slog"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// Notifier is the alert surface used by the ledger and org services.
type Notifier interface {
	LowBalance(ctx context.Context, ownerID string, balance float64)
	CreditTransfer(ctx context.Context, orgID, userID string, amount float64)
}

// Noop discards all notifications. Used in tests and when no Telegram token
// is configured.
type Noop struct{}

func (Noop) LowBalance(context.Context, string, float64)              {}
func (Noop) CreditTransfer(context.Context, string, string, float64) {}

type Telegram struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	log    *slog.Logger
}

func NewTelegram(token string, chatID int64, log *slog.Logger) (*Telegram, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram: %w", err)
	}
	return &Telegram{bot: bot, chatID: chatID, log: log}, nil
}

func (t *Telegram) LowBalance(ctx context.Context, ownerID string, balance float64) {
	t.send(fmt.Sprintf("⚠️ Low balance: %s is down to %.2f EUR", ownerID, balance))
}

func (t *Telegram) CreditTransfer(ctx context.Context, orgID, userID string, amount float64) {
	t.send(fmt.Sprintf("Credits allocated: org %s -> %s, %.2f EUR", orgID, userID, amount))
}

func (t *Telegram) send(text string) {
	if _, err := t.bot.Send(tgbotapi.NewMessage(t.chatID, text)); err != nil {
		t.log.Error("telegram send failed", "err", err)
	}
}

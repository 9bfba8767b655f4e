package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/digkill/ImageForge/internal/database"
	"github.com/digkill/ImageForge/internal/repository"
)

// Notifier delivers a short message to a user's chat.
type Notifier interface {
	Notify(ctx context.Context, chatID int64, text string) error
}

// NopNotifier drops every message.
type NopNotifier struct{}

func (NopNotifier) Notify(context.Context, int64, string) error { return nil }

// Waker nudges the watermark queue processor. Calls must not block.
type Waker interface {
	Wake()
}

type nopWaker struct{}

func (nopWaker) Wake() {}

// ownerNotifier resolves an account's chat and sends it a message. Delivery
// problems are logged and never returned.
type ownerNotifier struct {
	db       *database.DB
	accounts *repository.AccountRepository
	notifier Notifier
	log      *slog.Logger
}

func (n ownerNotifier) notify(ctx context.Context, accountID int64, text string) {
	if n.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	account, err := n.accounts.GetByID(ctx, n.db, accountID)
	if err != nil {
		n.log.Warn("notify: load account", "account_id", accountID, "err", err)
		return
	}
	if account == nil || account.TelegramChatID == 0 {
		return
	}
	if err := n.notifier.Notify(ctx, account.TelegramChatID, text); err != nil {
		n.log.Warn("notify: send", "account_id", accountID, "err", err)
	}
}

func utcNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}

// clampLimit applies the default page size to a missing limit and caps the rest.
func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	return min(limit, maxHistoryLimit)
}

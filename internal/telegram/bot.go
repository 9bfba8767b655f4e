package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/digkill/ImageForge/internal/models"
	"github.com/digkill/ImageForge/internal/service"
)

// Accounts is the slice of the ledger the bot needs.
type Accounts interface {
	SetTelegramChatID(ctx context.Context, accountID, chatID int64) error
	AccountByChat(ctx context.Context, chatID int64) (*models.Account, error)
}

type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Bot delivers outcome notifications and answers the few commands used to
// link a chat to an account.
type Bot struct {
	api      botAPI
	accounts Accounts
	tokens   *LinkTokens
	log      *slog.Logger
}

func NewBot(api *tgbotapi.BotAPI, accounts Accounts, tokens *LinkTokens, log *slog.Logger) *Bot {
	return newBot(api, accounts, tokens, log)
}

func newBot(api botAPI, accounts Accounts, tokens *LinkTokens, log *slog.Logger) *Bot {
	return &Bot{api: api, accounts: accounts, tokens: tokens, log: log}
}

// Notify implements service.Notifier.
func (b *Bot) Notify(ctx context.Context, chatID int64, text string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	return nil
}

func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	b.log.Info("telegram bot started")

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if update.Message != nil {
				b.handleMessage(ctx, update.Message)
			}
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			return nil
		}
	}
}

func (b *Bot) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	if msg.Chat == nil {
		return
	}
	if !msg.IsCommand() {
		b.sendText(msg.Chat.ID, "Send /help to see what I can do.")
		return
	}

	switch msg.Command() {
	case "start":
		if token := strings.TrimSpace(msg.CommandArguments()); token != "" {
			b.handleLink(ctx, msg.Chat.ID, token)
			return
		}
		b.sendText(msg.Chat.ID, helpText)
	case "link":
		token := strings.TrimSpace(msg.CommandArguments())
		if token == "" {
			b.sendText(msg.Chat.ID, "Usage: /link <token>. Get a token from your account page.")
			return
		}
		b.handleLink(ctx, msg.Chat.ID, token)
	case "balance":
		b.handleBalance(ctx, msg.Chat.ID)
	case "help":
		b.sendText(msg.Chat.ID, helpText)
	default:
		b.sendText(msg.Chat.ID, "Unknown command. Send /help.")
	}
}

const helpText = "I send you a message when your images are ready.\n\n" +
	"Commands:\n" +
	"/link <token> - connect this chat to your account\n" +
	"/balance - show your credits\n" +
	"/help - this message"

func (b *Bot) handleLink(ctx context.Context, chatID int64, token string) {
	accountID, err := b.tokens.Parse(token)
	if err != nil {
		b.log.Warn("telegram link rejected", "chat_id", chatID, "err", err)
		b.sendText(chatID, "This link token is invalid or expired. Request a new one.")
		return
	}
	if err := b.accounts.SetTelegramChatID(ctx, accountID, chatID); err != nil {
		if errors.Is(err, service.ErrNotFound) {
			b.sendText(chatID, "This link token is invalid or expired. Request a new one.")
			return
		}
		b.log.Error("link telegram chat", "account_id", accountID, "err", err)
		b.sendText(chatID, "Could not link this chat, try again later.")
		return
	}
	b.log.Info("telegram chat linked", "account_id", accountID, "chat_id", chatID)
	b.sendText(chatID, "Chat linked. You will get a message here when your jobs finish.")
}

func (b *Bot) handleBalance(ctx context.Context, chatID int64) {
	account, err := b.accounts.AccountByChat(ctx, chatID)
	if err != nil {
		if errors.Is(err, service.ErrNotFound) {
			b.sendText(chatID, "This chat is not linked yet. Use /link <token>.")
			return
		}
		b.log.Error("balance by chat", "chat_id", chatID, "err", err)
		b.sendText(chatID, "Could not load your balance, try again later.")
		return
	}
	b.sendText(chatID, fmt.Sprintf("Balance:\nPaid credits: %d\nBonus credits: %d", account.PaidBalance, account.BonusBalance))
}

func (b *Bot) sendText(chatID int64, text string) {
	if _, err := b.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		b.log.Error("send text", "chat_id", chatID, "err", err)
	}
}

package notify

import (
	"context"
	"fmt"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
)

// TelegramConfig configures trade alerts.
type TelegramConfig struct {
	Token  string `yaml:"token"`
	ChatID int64  `yaml:"chat_id"`
	// APIEndpoint overrides the Bot API URL format (tests, self-hosted servers).
	APIEndpoint string `yaml:"api_endpoint"`
}

// sender is the part of tgbotapi.BotAPI the notifier uses.
type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts trade events to one chat.
type Telegram struct {
	api    sender
	chatID int64
}

// NewTelegram authorizes the bot and returns the notifier.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.Token == "" || cfg.ChatID == 0 {
		return nil, fmt.Errorf("notify: telegram token and chat_id required")
	}
	endpoint := cfg.APIEndpoint
	if endpoint == "" {
		endpoint = tgbotapi.APIEndpoint
	}
	bot, err := tgbotapi.NewBotAPIWithAPIEndpoint(cfg.Token, endpoint)
	if err != nil {
		return nil, fmt.Errorf("notify: failed to create telegram bot: %w", err)
	}
	log.Info().Str("bot", bot.Self.UserName).Int64("chat_id", cfg.ChatID).Msg("notify: telegram bot authorized")
	return &Telegram{api: bot, chatID: cfg.ChatID}, nil
}

func (t *Telegram) Name() string { return "telegram" }

func (t *Telegram) Notify(ctx context.Context, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := tgbotapi.NewMessage(t.chatID, formatEvent(ev))
	msg.DisableWebPagePreview = true
	if _, err := t.api.Send(msg); err != nil {
		return fmt.Errorf("notify: telegram send: %w", err)
	}
	return nil
}

// formatEvent renders a plain-text alert.
func formatEvent(ev Event) string {
	var b strings.Builder
	name := ev.Symbol
	if name == "" {
		name = ev.Token
	}
	prefix := ""
	if ev.DryRun {
		prefix = "[DRY RUN] "
	}

	switch ev.Type {
	case EventBuy:
		fmt.Fprintf(&b, "%sBUY %s\n", prefix, name)
		fmt.Fprintf(&b, "Amount: %s SOL\n", ev.AmountSOL.StringFixed(4))
		fmt.Fprintf(&b, "Price: %s SOL\n", ev.Price.String())
	case EventSell:
		fmt.Fprintf(&b, "%sSELL %s (%s)\n", prefix, name, ev.Reason)
		fmt.Fprintf(&b, "Received: %s SOL\n", ev.AmountSOL.StringFixed(4))
		fmt.Fprintf(&b, "P/L: %s SOL (%.2f%%)\n", ev.ProfitSOL.StringFixed(4), ev.ROIPct)
	default:
		fmt.Fprintf(&b, "%s%s %s\n", prefix, strings.ToUpper(string(ev.Type)), name)
		if ev.Error != "" {
			fmt.Fprintf(&b, "Error: %s\n", ev.Error)
		}
	}
	if ev.TxID != "" {
		fmt.Fprintf(&b, "Tx: %s\n", ev.TxID)
	}
	b.WriteString("Token: " + ev.Token)
	return b.String()
}

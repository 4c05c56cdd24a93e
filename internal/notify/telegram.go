package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	tele "gopkg.in/telebot.v4"

	"github.com/feedsentry/feedsentry/internal/watch"
)

// TelegramConfig controls the Telegram alert channel.
type TelegramConfig struct {
	Token   string
	ChatID  int64
	Timeout time.Duration
	// Offline skips the getMe probe at startup; used by tests.
	Offline bool
}

// Telegram posts alerts to a chat as HTML messages.
type Telegram struct {
	bot  *tele.Bot
	chat *tele.Chat
}

// NewTelegram builds the channel. The bot is send-only; no poller runs.
func NewTelegram(cfg TelegramConfig) (*Telegram, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	bot, err := tele.NewBot(tele.Settings{
		Token:   cfg.Token,
		Offline: cfg.Offline,
		Client:  &http.Client{Timeout: cfg.Timeout},
	})
	if err != nil {
		return nil, fmt.Errorf("telegram bot: %w", err)
	}
	return &Telegram{bot: bot, chat: &tele.Chat{ID: cfg.ChatID}}, nil
}

func (t *Telegram) Name() string { return "telegram" }

// Send posts one alert message.
func (t *Telegram) Send(_ context.Context, event watch.ContentEvent) error {
	_, err := t.bot.Send(t.chat, formatAlert(event), &tele.SendOptions{
		ParseMode:             tele.ModeHTML,
		DisableWebPagePreview: true,
	})
	if err == nil {
		return nil
	}
	var flood *tele.FloodError
	if errors.As(err, &flood) {
		return watch.NewDeliveryError(t.Name(), watch.DeliveryRateLimited, err)
	}
	return watch.NewDeliveryError(t.Name(), watch.DeliveryUnreachable, err)
}

// formatAlert renders the alert body. Tickers go up front because that
// is what readers scan for.
func formatAlert(event watch.ContentEvent) string {
	var b strings.Builder
	b.WriteString("\U0001F6A8 <b>")
	b.WriteString(html.EscapeString(event.SourceID))
	b.WriteString("</b> posted new content\n")
	if len(event.Tickers) > 0 {
		b.WriteString("\U0001F4C8 <b>")
		b.WriteString(html.EscapeString(strings.Join(event.Tickers, " ")))
		b.WriteString("</b>\n")
	}
	if event.Excerpt != "" {
		b.WriteString(html.EscapeString(event.Excerpt))
		b.WriteString("\n")
	}
	if event.URL != "" {
		b.WriteString(fmt.Sprintf(`<a href="%s">open</a>`, html.EscapeString(event.URL)))
	}
	return b.String()
}

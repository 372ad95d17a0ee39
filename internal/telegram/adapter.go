// Package telegram is a Transport over the Telegram Bot API, for operators
// who want to reach the agent outside Nostr. Chat ids are namespaced with
// the "tg:" prefix so they never collide with Nostr public keys.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/nostragent/internal/types"
)

const (
	maxTelegramMessage = 4096
	// Prefix marks recipients owned by this transport.
	Prefix = "tg:"
)

// bot is the part of tgbotapi.BotAPI the transport uses.
type bot interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

type Transport struct {
	bot    bot
	logger *slog.Logger
}

var _ types.Transport = (*Transport)(nil)

func New(token string, logger *slog.Logger) (*Transport, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return newTransport(api, logger), nil
}

func newTransport(b bot, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{bot: b, logger: logger.With("transport", "telegram")}
}

// Listen long-polls for updates until ctx is done.
func (t *Transport) Listen(ctx context.Context, handler types.InboundHandler) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.bot.GetUpdatesChan(u)

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			if msg := toInbound(update); msg != nil {
				handler(ctx, msg)
			}
		case <-ctx.Done():
			t.bot.StopReceivingUpdates()
			return nil
		}
	}
}

// toInbound maps a private text message to an InboundMessage. Bot commands
// become "!" commands; /start is treated as !help.
func toInbound(update tgbotapi.Update) *types.InboundMessage {
	m := update.Message
	if m == nil || m.Text == "" || m.Chat == nil {
		return nil
	}
	text := m.Text
	if m.IsCommand() {
		cmd := m.Command()
		if cmd == "start" {
			cmd = "help"
		}
		text = strings.TrimSpace("!" + cmd + " " + m.CommandArguments())
	}
	return &types.InboundMessage{
		ID:         strconv.Itoa(update.UpdateID),
		Source:     "telegram",
		Sender:     Prefix + strconv.FormatInt(m.Chat.ID, 10),
		Text:       text,
		ReceivedAt: time.Unix(int64(m.Date), 0),
	}
}

// SendDirectMessage sends text to a "tg:<chat id>" recipient. Tags have no
// Telegram equivalent and are dropped.
func (t *Transport) SendDirectMessage(_ context.Context, recipient, text string, _ types.Tags) error {
	chatID, err := strconv.ParseInt(strings.TrimPrefix(recipient, Prefix), 10, 64)
	if err != nil || !strings.HasPrefix(recipient, Prefix) {
		return fmt.Errorf("not a telegram recipient: %q", recipient)
	}
	for _, part := range splitMessage(text) {
		msg := tgbotapi.NewMessage(chatID, part)
		msg.ParseMode = tgbotapi.ModeMarkdown
		if _, err := t.bot.Send(msg); err != nil {
			// Retry without markdown if it fails
			msg.ParseMode = ""
			if _, err := t.bot.Send(msg); err != nil {
				return fmt.Errorf("send message: %w", err)
			}
		}
	}
	return nil
}

// splitMessage cuts text into Telegram-sized parts on rune boundaries.
func splitMessage(text string) []string {
	if len(text) <= maxTelegramMessage {
		return []string{text}
	}
	var parts []string
	for len(text) > 0 {
		end := maxTelegramMessage
		if end >= len(text) {
			parts = append(parts, text)
			break
		}
		for end > 0 && !utf8.RuneStart(text[end]) {
			end--
		}
		parts = append(parts, text[:end])
		text = text[end:]
	}
	return parts
}

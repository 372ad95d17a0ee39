package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/user/nostragent/internal/types"
)

type fakeBot struct {
	mu        sync.Mutex
	updates   chan tgbotapi.Update
	sent      []tgbotapi.MessageConfig
	failModes map[string]bool
	stopped   bool
}

func (f *fakeBot) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return f.updates
}

func (f *fakeBot) StopReceivingUpdates() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = true
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	msg := c.(tgbotapi.MessageConfig)
	if f.failModes[msg.ParseMode] {
		return tgbotapi.Message{}, errors.New("bad markdown")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return tgbotapi.Message{}, nil
}

func TestSplitMessage(t *testing.T) {
	short := "Hello world"
	parts := splitMessage(short)
	if len(parts) != 1 || parts[0] != short {
		t.Fatalf("expected single part %q, got %v", short, parts)
	}
}

func TestSplitMessageLong(t *testing.T) {
	long := strings.Repeat("a", 5000)
	parts := splitMessage(long)
	if len(parts) != 2 {
		t.Fatalf("expected 2 parts, got %d", len(parts))
	}
	if len(parts[0]) != maxTelegramMessage {
		t.Errorf("expected first part length %d, got %d", maxTelegramMessage, len(parts[0]))
	}
}

func TestSplitMessageRuneBoundary(t *testing.T) {
	long := "a" + strings.Repeat("⚡", 2000)
	for i, part := range splitMessage(long) {
		if !utf8.ValidString(part) {
			t.Fatalf("part %d is not valid UTF-8", i)
		}
	}
}

func command(text string, length int) *tgbotapi.Message {
	return &tgbotapi.Message{
		Text:     text,
		Chat:     &tgbotapi.Chat{ID: 42},
		Date:     1700000000,
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: length}},
	}
}

func TestToInbound(t *testing.T) {
	msg := toInbound(tgbotapi.Update{UpdateID: 7, Message: &tgbotapi.Message{Text: "hello", Chat: &tgbotapi.Chat{ID: 42}}})
	if msg == nil || msg.Sender != "tg:42" || msg.Text != "hello" || msg.Source != "telegram" || msg.ID != "7" {
		t.Fatalf("unexpected message %+v", msg)
	}

	if got := toInbound(tgbotapi.Update{Message: command("/deposit 100", 8)}); got.Text != "!deposit 100" {
		t.Errorf("expected command translated, got %q", got.Text)
	}
	if got := toInbound(tgbotapi.Update{Message: command("/start", 6)}); got.Text != "!help" {
		t.Errorf("expected /start to map to !help, got %q", got.Text)
	}
	if toInbound(tgbotapi.Update{}) != nil {
		t.Error("expected nil for updates without a message")
	}
}

func TestListenDeliversUntilCancelled(t *testing.T) {
	fb := &fakeBot{updates: make(chan tgbotapi.Update, 1)}
	tr := newTransport(fb, nil)

	got := make(chan *types.InboundMessage, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- tr.Listen(ctx, func(_ context.Context, m *types.InboundMessage) { got <- m })
	}()

	fb.updates <- tgbotapi.Update{UpdateID: 1, Message: &tgbotapi.Message{Text: "hi", Chat: &tgbotapi.Chat{ID: 5}}}
	select {
	case m := <-got:
		if m.Sender != "tg:5" {
			t.Errorf("unexpected sender %q", m.Sender)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if !fb.stopped {
		t.Error("expected polling stopped")
	}
}

func TestSendFallsBackToPlainText(t *testing.T) {
	fb := &fakeBot{failModes: map[string]bool{tgbotapi.ModeMarkdown: true}}
	tr := newTransport(fb, nil)

	if err := tr.SendDirectMessage(context.Background(), "tg:99", "*hi", nil); err != nil {
		t.Fatal(err)
	}
	if len(fb.sent) != 1 || fb.sent[0].ChatID != 99 || fb.sent[0].ParseMode != "" {
		t.Errorf("unexpected sends %+v", fb.sent)
	}
}

func TestSendRejectsForeignRecipient(t *testing.T) {
	tr := newTransport(&fakeBot{}, nil)
	if err := tr.SendDirectMessage(context.Background(), "npub1xyz", "hi", nil); err == nil {
		t.Fatal("expected error for non-telegram recipient")
	}
}

package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/user/nostragent/internal/types"
)

var (
	_ types.Transport        = (*Transport)(nil)
	_ types.ProfilePublisher = (*Transport)(nil)
)

// Profile holds the optional kind-0 fields beyond name and about.
type Profile struct {
	Picture string `json:"picture,omitempty"`
	Banner  string `json:"banner,omitempty"`
	Website string `json:"website,omitempty"`
	NIP05   string `json:"nip05,omitempty"`
	LUD16   string `json:"lud16,omitempty"`
}

// Transport delivers encrypted direct messages over a relay pool.
type Transport struct {
	keys    *Keys
	pool    *Pool
	profile Profile
	timeout time.Duration
	logger  *slog.Logger
}

func NewTransport(keys *Keys, pool *Pool, profile Profile, logger *slog.Logger) *Transport {
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		keys:    keys,
		pool:    pool,
		profile: profile,
		timeout: 30 * time.Second,
		logger:  logger,
	}
}

func (t *Transport) PubKey() string { return t.keys.PubKey }

// Listen decrypts kind-4 messages addressed to us and passes them to handler
// in arrival order until ctx is done.
func (t *Transport) Listen(ctx context.Context, handler types.InboundHandler) error {
	events, cancel := t.pool.Subscribe(ctx, Filter{
		Kinds: []int{KindEncryptedDM},
		Tags:  map[string][]string{"p": {t.keys.PubKey}},
		Since: time.Now().Unix(),
	})
	defer cancel()

	t.logger.Info("listening for direct messages", "npub", t.keys.Npub())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-events:
			if ev.PubKey == t.keys.PubKey || ev.Recipient() != t.keys.PubKey {
				continue
			}
			text, err := t.keys.Decrypt(ev.PubKey, ev.Content)
			if err != nil {
				t.logger.Warn("failed to decrypt direct message", "event_id", ev.ID, "sender", ev.PubKey, "error", err)
				continue
			}
			handler(ctx, &types.InboundMessage{
				ID:         ev.ID,
				Source:     "nostr",
				Sender:     ev.PubKey,
				Text:       text,
				Tags:       ev.Tags,
				ReceivedAt: time.Unix(ev.CreatedAt, 0),
			})
		}
	}
}

func (t *Transport) SendDirectMessage(ctx context.Context, recipient string, text string, tags types.Tags) error {
	content, err := t.keys.Encrypt(recipient, text)
	if err != nil {
		return fmt.Errorf("encrypt message: %w", err)
	}
	ev := &Event{
		Kind:    KindEncryptedDM,
		Tags:    append(types.Tags{{"p", recipient}}, tags...),
		Content: content,
	}
	if err := ev.Sign(t.keys); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	if err := t.pool.Publish(ctx, ev); err != nil {
		return fmt.Errorf("send direct message: %w", err)
	}
	return nil
}

// PublishProfile publishes the card as the "about" of our kind-0 metadata.
func (t *Transport) PublishProfile(ctx context.Context, card *types.AgentCard) error {
	about, err := json.Marshal(card)
	if err != nil {
		return fmt.Errorf("marshal agent card: %w", err)
	}
	meta := struct {
		Name        string `json:"name"`
		DisplayName string `json:"display_name"`
		About       string `json:"about"`
		Profile
	}{
		Name:        "agent_server",
		DisplayName: card.Name,
		About:       string(about),
		Profile:     t.profile,
	}
	content, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	ev := &Event{Kind: KindMetadata, Tags: types.Tags{}, Content: string(content)}
	if err := ev.Sign(t.keys); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	if err := t.pool.Publish(ctx, ev); err != nil {
		return fmt.Errorf("publish profile: %w", err)
	}
	t.logger.Info("published profile", "npub", t.keys.Npub(), "name", card.Name)
	return nil
}

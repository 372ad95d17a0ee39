package relay

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/user/nostragent/internal/types"
)

const (
	KindMetadata    = 0
	KindEncryptedDM = 4
	KindNWCRequest  = 23194
	KindNWCResponse = 23195
)

type Event struct {
	ID        string     `json:"id"`
	PubKey    string     `json:"pubkey"`
	CreatedAt int64      `json:"created_at"`
	Kind      int        `json:"kind"`
	Tags      types.Tags `json:"tags"`
	Content   string     `json:"content"`
	Sig       string     `json:"sig"`
}

// Serialize returns the canonical [0,pubkey,created_at,kind,tags,content]
// array that the event id commits to.
func (e *Event) Serialize() ([]byte, error) {
	tags := e.Tags
	if tags == nil {
		tags = types.Tags{}
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode([]any{0, e.PubKey, e.CreatedAt, e.Kind, tags, e.Content}); err != nil {
		return nil, fmt.Errorf("serialize event: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

func (e *Event) hash() ([]byte, error) {
	data, err := e.Serialize()
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(data)
	return sum[:], nil
}

// Sign fills PubKey, ID and Sig. CreatedAt defaults to now.
func (e *Event) Sign(keys *Keys) error {
	e.PubKey = keys.PubKey
	if e.CreatedAt == 0 {
		e.CreatedAt = time.Now().Unix()
	}
	h, err := e.hash()
	if err != nil {
		return err
	}
	sig, err := schnorr.Sign(keys.priv, h)
	if err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	e.ID = hex.EncodeToString(h)
	e.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// Verify checks the id and the schnorr signature.
func (e *Event) Verify() error {
	h, err := e.hash()
	if err != nil {
		return err
	}
	if hex.EncodeToString(h) != e.ID {
		return fmt.Errorf("event id mismatch")
	}
	pubRaw, err := hex.DecodeString(e.PubKey)
	if err != nil {
		return fmt.Errorf("decode pubkey: %w", err)
	}
	pub, err := schnorr.ParsePubKey(pubRaw)
	if err != nil {
		return fmt.Errorf("parse pubkey: %w", err)
	}
	sigRaw, err := hex.DecodeString(e.Sig)
	if err != nil {
		return fmt.Errorf("decode sig: %w", err)
	}
	sig, err := schnorr.ParseSignature(sigRaw)
	if err != nil {
		return fmt.Errorf("parse sig: %w", err)
	}
	if !sig.Verify(h, pub) {
		return fmt.Errorf("invalid signature")
	}
	return nil
}

// Recipient returns the first "p" tag value.
func (e *Event) Recipient() string {
	if p := e.Tags.Find("p"); len(p) > 1 {
		return p[1]
	}
	return ""
}

// Package relay speaks the Nostr relay protocol: keys, signed events,
// NIP-04 encrypted direct messages and a reconnecting relay pool.
package relay

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil/bech32"
)

// Keys is a secp256k1 key pair. PubKey is the x-only public key in hex.
type Keys struct {
	priv   *btcec.PrivateKey
	PubKey string
}

func GenerateKeys() (*Keys, error) {
	priv, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return keysFrom(priv), nil
}

// ParseKeys accepts a private key as 64 hex characters or an nsec string.
func ParseKeys(s string) (*Keys, error) {
	s = strings.TrimSpace(s)
	var raw []byte
	var err error
	if strings.HasPrefix(s, "nsec1") {
		raw, err = decodeBech32("nsec", s)
	} else {
		raw, err = hex.DecodeString(s)
	}
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	if len(raw) != 32 {
		return nil, fmt.Errorf("parse private key: expected 32 bytes, got %d", len(raw))
	}
	priv, _ := btcec.PrivKeyFromBytes(raw)
	return keysFrom(priv), nil
}

func keysFrom(priv *btcec.PrivateKey) *Keys {
	return &Keys{
		priv:   priv,
		PubKey: hex.EncodeToString(schnorr.SerializePubKey(priv.PubKey())),
	}
}

func (k *Keys) PrivateHex() string {
	return hex.EncodeToString(k.priv.Serialize())
}

func (k *Keys) Nsec() string {
	s, _ := encodeBech32("nsec", k.priv.Serialize())
	return s
}

func (k *Keys) Npub() string {
	s, _ := EncodeNpub(k.PubKey)
	return s
}

// DecodePubKey accepts a public key as 64 hex characters or an npub string
// and returns it in hex.
func DecodePubKey(s string) (string, error) {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "npub1") {
		raw, err := decodeBech32("npub", s)
		if err != nil {
			return "", fmt.Errorf("decode npub: %w", err)
		}
		s = hex.EncodeToString(raw)
	}
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != 32 {
		return "", fmt.Errorf("invalid public key %q", s)
	}
	if _, err := schnorr.ParsePubKey(raw); err != nil {
		return "", fmt.Errorf("invalid public key: %w", err)
	}
	return strings.ToLower(s), nil
}

func EncodeNpub(pubHex string) (string, error) {
	raw, err := hex.DecodeString(pubHex)
	if err != nil {
		return "", fmt.Errorf("encode npub: %w", err)
	}
	return encodeBech32("npub", raw)
}

func encodeBech32(hrp string, data []byte) (string, error) {
	conv, err := bech32.ConvertBits(data, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(hrp, conv)
}

func decodeBech32(wantHRP, s string) ([]byte, error) {
	hrp, data, err := bech32.Decode(s)
	if err != nil {
		return nil, err
	}
	if hrp != wantHRP {
		return nil, fmt.Errorf("unexpected prefix %q", hrp)
	}
	return bech32.ConvertBits(data, 5, 8, false)
}

// Package nwc is a Nostr Wallet Connect (NIP-47) client used to create
// invoices and watch them settle.
package nwc

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/user/nostragent/internal/relay"
)

// URI is a parsed nostr+walletconnect:// connection string.
type URI struct {
	WalletPubKey string
	Relays       []string
	Secret       string
	LUD16        string
}

func ParseURI(s string) (*URI, error) {
	s = strings.TrimSpace(s)
	rest, ok := strings.CutPrefix(s, "nostr+walletconnect://")
	if !ok {
		rest, ok = strings.CutPrefix(s, "nostrwalletconnect://")
	}
	if !ok {
		return nil, fmt.Errorf("parse nwc uri: unsupported scheme")
	}

	pubPart, query, _ := strings.Cut(rest, "?")
	pub, err := relay.DecodePubKey(strings.TrimSuffix(pubPart, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse nwc uri: %w", err)
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return nil, fmt.Errorf("parse nwc uri: %w", err)
	}

	u := &URI{
		WalletPubKey: pub,
		Relays:       values["relay"],
		Secret:       values.Get("secret"),
		LUD16:        values.Get("lud16"),
	}
	if len(u.Relays) == 0 {
		return nil, fmt.Errorf("parse nwc uri: missing relay")
	}
	if u.Secret == "" {
		return nil, fmt.Errorf("parse nwc uri: missing secret")
	}
	return u, nil
}

func (u *URI) String() string {
	v := url.Values{}
	for _, r := range u.Relays {
		v.Add("relay", r)
	}
	v.Set("secret", u.Secret)
	if u.LUD16 != "" {
		v.Set("lud16", u.LUD16)
	}
	return "nostr+walletconnect://" + u.WalletPubKey + "?" + v.Encode()
}

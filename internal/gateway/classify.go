package gateway

import (
	"encoding/json"
	"strings"
	"unicode"
)

// Class is what the gateway decided to do with an inbound text.
type Class int

const (
	ClassConversational Class = iota
	ClassControlJSON
	ClassPaymentToken
	ClassCommand
	ClassEmpty
)

func (c Class) String() string {
	switch c {
	case ClassControlJSON:
		return "control-json"
	case ClassPaymentToken:
		return "payment-token"
	case ClassCommand:
		return "command"
	case ClassEmpty:
		return "empty"
	default:
		return "conversational"
	}
}

// BOLT-11 human readable prefixes: mainnet, testnet, signet, regtest, simnet.
var invoicePrefixes = []string{"lnbc", "lntb", "lntbs", "lnbcrt", "lnsb"}

// Classify buckets an inbound message. Rules apply in order to the trimmed
// text: JSON object or array, bare invoice, "!" command, empty, anything else.
func Classify(text string) Class {
	text = strings.TrimSpace(text)
	if text == "" {
		return ClassEmpty
	}
	if (text[0] == '{' || text[0] == '[') && json.Valid([]byte(text)) {
		return ClassControlJSON
	}
	if isPaymentToken(text) {
		return ClassPaymentToken
	}
	if text[0] == '!' {
		return ClassCommand
	}
	return ClassConversational
}

func isPaymentToken(text string) bool {
	if strings.IndexFunc(text, unicode.IsSpace) >= 0 {
		return false
	}
	lower := strings.ToLower(text)
	for _, p := range invoicePrefixes {
		if strings.HasPrefix(lower, p) {
			return true
		}
	}
	return false
}

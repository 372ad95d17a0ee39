// internal/types/ids.go
package types

import (
	"strings"

	"github.com/google/uuid"
)

type UserID string
type ThreadID string
type TurnID string

// NewThreadID returns a random id rendered as 32 lowercase hex characters.
func NewThreadID() ThreadID {
	return ThreadID(strings.ReplaceAll(uuid.New().String(), "-", ""))
}

// MaxThreadIDLen bounds thread ids accepted from the wire.
const MaxThreadIDLen = 128

// Valid reports whether the id is safe to use as a storage key: 1 to
// MaxThreadIDLen characters drawn from [A-Za-z0-9_-].
func (id ThreadID) Valid() bool {
	if len(id) == 0 || len(id) > MaxThreadIDLen {
		return false
	}
	for _, c := range []byte(id) {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
		default:
			return false
		}
	}
	return true
}

func NewTurnID() TurnID {
	return TurnID(uuid.New().String())
}

// DelegatedUserID namespaces a delegated sub-user under the sender that
// forwarded it.
func DelegatedUserID(sender, sub string) UserID {
	return UserID(sender + ":" + sub)
}

// internal/state/store_test.go
package state_test

import (
	"testing"

	"github.com/user/nostragent/internal/state"
	"github.com/user/nostragent/internal/store/storetest"
	"github.com/user/nostragent/internal/types"
)

func TestStoreConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T, agent string) types.SessionStore {
		return state.NewStore(t.TempDir(), agent)
	})
}

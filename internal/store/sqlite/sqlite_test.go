package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/user/nostragent/internal/store/sqlite"
	"github.com/user/nostragent/internal/store/storetest"
	"github.com/user/nostragent/internal/types"
)

func TestSQLiteStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T, agent string) types.SessionStore {
		s, err := sqlite.Open(context.Background(), filepath.Join(t.TempDir(), "agent.db"), agent)
		require.NoError(t, err)
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSQLiteStoreSharedFileSeparatesAgents(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")

	a, err := sqlite.Open(ctx, path, "a")
	require.NoError(t, err)
	defer a.Close()
	b, err := sqlite.Open(ctx, path, "b")
	require.NoError(t, err)
	defer b.Close()

	_, err = a.Credit(ctx, "alice", 9)
	require.NoError(t, err)
	m, err := a.AppendMessage(ctx, &types.Message{ThreadID: "th", UserID: "alice", Role: types.RoleUser, Kind: types.KindRequest})
	require.NoError(t, err)
	require.Equal(t, int64(0), m.Idx)

	u, err := b.GetUser(ctx, "alice")
	require.NoError(t, err)
	require.Zero(t, u.AvailableBalance)

	m, err = b.AppendMessage(ctx, &types.Message{ThreadID: "th", UserID: "alice", Role: types.RoleUser, Kind: types.KindRequest})
	require.NoError(t, err)
	require.Equal(t, int64(0), m.Idx, "idx sequences are per agent")
}

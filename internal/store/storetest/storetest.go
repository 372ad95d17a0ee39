// Package storetest holds a conformance suite run against every
// types.SessionStore backend.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/user/nostragent/internal/types"
)

// Factory returns a fresh, empty store scoped to agent.
type Factory func(t *testing.T, agent string) types.SessionStore

func Run(t *testing.T, newStore Factory) {
	t.Run("UnknownUserIsNotPersisted", func(t *testing.T) { testUnknownUser(t, newStore) })
	t.Run("DebitCredit", func(t *testing.T) { testDebitCredit(t, newStore) })
	t.Run("ConcurrentDebitsNeverOverdraw", func(t *testing.T) { testConcurrentDebits(t, newStore) })
	t.Run("ResolveThreadIsIdempotent", func(t *testing.T) { testResolveThread(t, newStore) })
	t.Run("AppendAllocatesGaplessIdx", func(t *testing.T) { testAppend(t, newStore) })
	t.Run("ConcurrentAppends", func(t *testing.T) { testConcurrentAppend(t, newStore) })
	t.Run("ListFilters", func(t *testing.T) { testListFilters(t, newStore) })
	t.Run("AgentsAreIsolated", func(t *testing.T) { testAgentIsolation(t, newStore) })
}

func testUnknownUser(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, "agent")

	u, err := s.GetUser(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, types.UserID("nobody"), u.UserID)
	assert.Zero(t, u.AvailableBalance)
	assert.Empty(t, u.CurrentThreadID)

	thread, err := s.CurrentThread(ctx, "nobody")
	require.NoError(t, err)
	assert.Empty(t, thread)

	ok, err := s.Debit(ctx, "nobody", 1)
	require.NoError(t, err)
	assert.False(t, ok)
}

func testDebitCredit(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, "agent")

	require.NoError(t, s.UpsertUser(ctx, &types.User{UserID: "alice", AvailableBalance: 10}))

	ok, err := s.Debit(ctx, "alice", 10)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Debit(ctx, "alice", 1)
	require.NoError(t, err)
	assert.False(t, ok, "debit must fail once the balance is exhausted")

	bal, err := s.Credit(ctx, "alice", 25)
	require.NoError(t, err)
	assert.Equal(t, int64(25), bal)

	bal, err = s.Credit(ctx, "carol", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), bal, "credit creates the row lazily")

	ok, err = s.Debit(ctx, "alice", 0)
	require.NoError(t, err)
	assert.True(t, ok, "zero debit always succeeds")
}

func testConcurrentDebits(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, "agent")
	_, err := s.Credit(ctx, "bob", 20)
	require.NoError(t, err)

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
	)
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.Debit(ctx, "bob", 3)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				succeeded++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	u, err := s.GetUser(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, 6, succeeded)
	assert.Equal(t, int64(2), u.AvailableBalance)
}

func testResolveThread(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, "agent")

	var wg sync.WaitGroup
	results := make([]types.ThreadID, 10)
	for i := range results {
		wg.Add(1)
		go func() {
			defer wg.Done()
			th, err := s.ResolveThread(ctx, "alice", types.ThreadID(fmt.Sprintf("cand-%d", i)))
			assert.NoError(t, err)
			results[i] = th
		}()
	}
	wg.Wait()

	for _, th := range results {
		assert.Equal(t, results[0], th, "all resolutions must agree on one thread")
	}
	current, err := s.CurrentThread(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, results[0], current)

	require.NoError(t, s.SetCurrentThread(ctx, "alice", "fresh"))
	th, err := s.ResolveThread(ctx, "alice", "other")
	require.NoError(t, err)
	assert.Equal(t, types.ThreadID("fresh"), th)

	require.NoError(t, s.SetCurrentThread(ctx, "alice", ""))
	th, err = s.ResolveThread(ctx, "alice", "after-clear")
	require.NoError(t, err)
	assert.Equal(t, types.ThreadID("after-clear"), th)
}

func testAppend(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, "agent")

	first, err := s.AppendMessage(ctx, &types.Message{
		ThreadID:    "th",
		UserID:      "alice",
		Role:        types.RoleUser,
		Kind:        types.KindRequest,
		Message:     "hi",
		ExtraInputs: map[string]any{"source": "nostr"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(0), first.Idx)

	second, err := s.AppendMessage(ctx, &types.Message{
		ThreadID: "th",
		UserID:   "alice",
		Role:     types.RoleAgent,
		Kind:     types.KindRequiresPayment,
		Message:  "pay up",
		Satoshis: types.Satoshis(7),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), second.Idx)

	other, err := s.AppendMessage(ctx, &types.Message{ThreadID: "th2", UserID: "alice", Role: types.RoleUser, Kind: types.KindRequest})
	require.NoError(t, err)
	assert.Equal(t, int64(0), other.Idx, "idx is per thread")

	msgs, err := s.ListMessages(ctx, "th", "alice", types.MessageFilter{})
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi", msgs[0].Message)
	assert.Equal(t, "nostr", msgs[0].ExtraInputs["source"])
	require.NotNil(t, msgs[1].Satoshis)
	assert.Equal(t, int64(7), *msgs[1].Satoshis)
	assert.Equal(t, types.KindRequiresPayment, msgs[1].Kind)
	assert.Nil(t, msgs[0].Satoshis)
}

func testConcurrentAppend(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, "agent")

	var wg sync.WaitGroup
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.AppendMessage(ctx, &types.Message{ThreadID: "th", UserID: "u", Role: types.RoleTool, Kind: types.KindToolMessage})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	msgs, err := s.ListMessages(ctx, "th", "", types.MessageFilter{})
	require.NoError(t, err)
	require.Len(t, msgs, 30)
	for i, m := range msgs {
		assert.Equal(t, int64(i), m.Idx)
	}
}

func testListFilters(t *testing.T, newStore Factory) {
	ctx := context.Background()
	s := newStore(t, "agent")

	kinds := []types.Kind{types.KindRequest, types.KindToolMessage, types.KindFinalResponse, types.KindRequest, types.KindFinalResponse}
	for _, k := range kinds {
		_, err := s.AppendMessage(ctx, &types.Message{ThreadID: "th", UserID: "alice", Role: types.RoleUser, Kind: k})
		require.NoError(t, err)
	}
	_, err := s.AppendMessage(ctx, &types.Message{ThreadID: "th", UserID: "mallory", Role: types.RoleUser, Kind: types.KindRequest})
	require.NoError(t, err)

	before, after := int64(4), int64(0)
	msgs, err := s.ListMessages(ctx, "th", "alice", types.MessageFilter{BeforeIdx: &before, AfterIdx: &after})
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, idxs(msgs))

	msgs, err = s.ListMessages(ctx, "th", "alice", types.MessageFilter{Reverse: true, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []int64{4, 3}, idxs(msgs))

	msgs, err = s.ListMessages(ctx, "th", "alice", types.MessageFilter{Kinds: []types.Kind{types.KindFinalResponse}})
	require.NoError(t, err)
	assert.Equal(t, []int64{2, 4}, idxs(msgs))

	msgs, err = s.ListMessages(ctx, "th", "mallory", types.MessageFilter{})
	require.NoError(t, err)
	assert.Equal(t, []int64{5}, idxs(msgs))
}

func testAgentIsolation(t *testing.T, newStore Factory) {
	ctx := context.Background()
	a := newStore(t, "agent-a")

	_, err := a.Credit(ctx, "alice", 5)
	require.NoError(t, err)
	_, err = a.AppendMessage(ctx, &types.Message{ThreadID: "th", UserID: "alice", Role: types.RoleUser, Kind: types.KindRequest})
	require.NoError(t, err)

	u, err := a.GetUser(ctx, "alice")
	require.NoError(t, err)
	assert.NotEmpty(t, u.AgentName)
	assert.Equal(t, int64(5), u.AvailableBalance)
}

func idxs(msgs []*types.Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.Idx
	}
	return out
}

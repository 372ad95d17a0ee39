// internal/state/store.go
package state

import (
	"context"

	"github.com/user/nostragent/internal/types"
)

// Store combines the user ledger and the message log under one root.
type Store struct {
	Users    *UserStore
	Messages *MessageLog
}

func NewStore(root, agent string) *Store {
	return &Store{
		Users:    NewUserStore(root, agent),
		Messages: NewMessageLog(root, agent),
	}
}

func (s *Store) GetUser(ctx context.Context, id types.UserID) (*types.User, error) {
	return s.Users.Get(ctx, id)
}

func (s *Store) UpsertUser(ctx context.Context, user *types.User) error {
	return s.Users.Upsert(ctx, user)
}

func (s *Store) Debit(ctx context.Context, id types.UserID, amount int64) (bool, error) {
	return s.Users.Debit(ctx, id, amount)
}

func (s *Store) Credit(ctx context.Context, id types.UserID, amount int64) (int64, error) {
	return s.Users.Credit(ctx, id, amount)
}

func (s *Store) CurrentThread(ctx context.Context, id types.UserID) (types.ThreadID, error) {
	u, err := s.Users.Get(ctx, id)
	if err != nil {
		return "", err
	}
	return u.CurrentThreadID, nil
}

func (s *Store) SetCurrentThread(ctx context.Context, id types.UserID, thread types.ThreadID) error {
	return s.Users.SetCurrentThread(ctx, id, thread)
}

func (s *Store) ResolveThread(ctx context.Context, id types.UserID, candidate types.ThreadID) (types.ThreadID, error) {
	return s.Users.ResolveThread(ctx, id, candidate)
}

func (s *Store) AppendMessage(ctx context.Context, msg *types.Message) (*types.Message, error) {
	return s.Messages.Append(ctx, msg)
}

func (s *Store) ListMessages(ctx context.Context, thread types.ThreadID, user types.UserID, filter types.MessageFilter) ([]*types.Message, error) {
	return s.Messages.List(ctx, thread, user, filter)
}

func (s *Store) Close() error { return nil }

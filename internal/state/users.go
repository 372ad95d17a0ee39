// internal/state/users.go
package state

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/user/nostragent/internal/types"
)

// UserStore is a JSON-file-backed ledger of users for one agent.
// It stores all rows in <root>/<agent>/users.json.
type UserStore struct {
	root  string
	agent string
	mu    sync.RWMutex
}

// NewUserStore creates a file-backed UserStore rooted at the given directory.
func NewUserStore(root, agent string) *UserStore {
	return &UserStore{root: root, agent: agent}
}

func (s *UserStore) dir() string {
	return filepath.Join(s.root, s.agent)
}

func (s *UserStore) indexPath() string {
	return filepath.Join(s.dir(), "users.json")
}

// loadIndex reads users.json and returns a map keyed by UserID.
func (s *UserStore) loadIndex() (map[types.UserID]*types.User, error) {
	data, err := os.ReadFile(s.indexPath())
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[types.UserID]*types.User), nil
		}
		return nil, fmt.Errorf("read user index: %w", err)
	}

	var users []*types.User
	if err := json.Unmarshal(data, &users); err != nil {
		return nil, fmt.Errorf("unmarshal user index: %w", err)
	}

	index := make(map[types.UserID]*types.User, len(users))
	for _, u := range users {
		index[u.UserID] = u
	}
	return index, nil
}

// saveIndex marshals the index with indentation and writes it atomically.
func (s *UserStore) saveIndex(index map[types.UserID]*types.User) error {
	users := make([]*types.User, 0, len(index))
	for _, u := range index {
		users = append(users, u)
	}

	data, err := json.MarshalIndent(users, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal user index: %w", err)
	}

	if err := os.MkdirAll(s.dir(), 0o755); err != nil {
		return fmt.Errorf("create agent dir: %w", err)
	}

	tmp := s.indexPath() + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write temp index: %w", err)
	}
	if err := os.Rename(tmp, s.indexPath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rename temp index: %w", err)
	}
	return nil
}

// update loads the index, applies fn to the (possibly new) row and saves.
func (s *UserStore) update(id types.UserID, fn func(u *types.User) (bool, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	index, err := s.loadIndex()
	if err != nil {
		return err
	}
	u, ok := index[id]
	if !ok {
		u = &types.User{AgentName: s.agent, UserID: id}
	}
	changed, err := fn(u)
	if err != nil || !changed {
		return err
	}
	index[id] = u
	return s.saveIndex(index)
}

// Get returns the stored user, or a zero-balance user that is not persisted.
func (s *UserStore) Get(_ context.Context, id types.UserID) (*types.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	if u, ok := index[id]; ok {
		cp := *u
		return &cp, nil
	}
	return &types.User{AgentName: s.agent, UserID: id}, nil
}

// List returns all persisted users.
func (s *UserStore) List(_ context.Context) ([]*types.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	index, err := s.loadIndex()
	if err != nil {
		return nil, err
	}
	users := make([]*types.User, 0, len(index))
	for _, u := range index {
		users = append(users, u)
	}
	return users, nil
}

func (s *UserStore) Upsert(_ context.Context, user *types.User) error {
	if user.AvailableBalance < 0 {
		return fmt.Errorf("upsert user %s: negative balance", user.UserID)
	}
	return s.update(user.UserID, func(u *types.User) (bool, error) {
		u.AvailableBalance = user.AvailableBalance
		u.CurrentThreadID = user.CurrentThreadID
		return true, nil
	})
}

func (s *UserStore) Debit(_ context.Context, id types.UserID, amount int64) (bool, error) {
	var ok bool
	err := s.update(id, func(u *types.User) (bool, error) {
		if amount < 0 || u.AvailableBalance < amount {
			return false, nil
		}
		u.AvailableBalance -= amount
		ok = true
		return true, nil
	})
	return ok, err
}

func (s *UserStore) Credit(_ context.Context, id types.UserID, amount int64) (int64, error) {
	if amount < 0 {
		return 0, fmt.Errorf("credit user %s: negative amount", id)
	}
	var balance int64
	err := s.update(id, func(u *types.User) (bool, error) {
		u.AvailableBalance += amount
		balance = u.AvailableBalance
		return true, nil
	})
	return balance, err
}

func (s *UserStore) SetCurrentThread(_ context.Context, id types.UserID, thread types.ThreadID) error {
	return s.update(id, func(u *types.User) (bool, error) {
		u.CurrentThreadID = thread
		return true, nil
	})
}

func (s *UserStore) ResolveThread(_ context.Context, id types.UserID, candidate types.ThreadID) (types.ThreadID, error) {
	var thread types.ThreadID
	err := s.update(id, func(u *types.User) (bool, error) {
		if u.CurrentThreadID != "" {
			thread = u.CurrentThreadID
			return false, nil
		}
		u.CurrentThreadID = candidate
		thread = candidate
		return true, nil
	})
	return thread, err
}

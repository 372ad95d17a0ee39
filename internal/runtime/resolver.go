package runtime

import (
	"context"
	"fmt"

	"github.com/user/nostragent/internal/types"
)

// Identity is who a turn acts for and in which thread. Payer is always the
// direct sender.
type Identity struct {
	UserID      types.UserID
	ThreadID    types.ThreadID
	Payer       types.UserID
	Delegated   bool
	SubUserID   string
	SubThreadID types.ThreadID
}

// ReplyTags returns the tags replies must carry so a delegating caller can
// correlate them.
func (id *Identity) ReplyTags() types.Tags {
	if !id.Delegated {
		return nil
	}
	return types.DelegationTags(id.SubUserID, id.SubThreadID)
}

type Resolver struct {
	store types.SessionStore
}

func NewResolver(store types.SessionStore) *Resolver {
	return &Resolver{store: store}
}

// Resolve maps a sender and its message tags to an Identity. A delegated
// message acts as "sender:sub" in the caller-chosen thread and never reads
// or writes the sender's own row. A direct message continues the sender's
// current thread, minting one on first contact.
func (r *Resolver) Resolve(ctx context.Context, sender string, tags types.Tags) (*Identity, error) {
	payer := types.UserID(sender)

	if sub, thread, ok := tags.Delegation(); ok {
		user := types.DelegatedUserID(sender, sub)
		if err := r.store.SetCurrentThread(ctx, user, thread); err != nil {
			return nil, fmt.Errorf("set delegated thread: %w", err)
		}
		return &Identity{
			UserID:      user,
			ThreadID:    thread,
			Payer:       payer,
			Delegated:   true,
			SubUserID:   sub,
			SubThreadID: thread,
		}, nil
	}

	thread, err := r.store.ResolveThread(ctx, payer, types.NewThreadID())
	if err != nil {
		return nil, fmt.Errorf("resolve thread: %w", err)
	}
	return &Identity{UserID: payer, ThreadID: thread, Payer: payer}, nil
}

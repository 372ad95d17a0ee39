// Package state provides the filesystem-backed session store.
package state

import "github.com/user/nostragent/internal/types"

// Compile-time interface compliance check.
var _ types.SessionStore = (*Store)(nil)

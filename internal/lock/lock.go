// Package lock implements the WebDAV lock state machine from spec §4.3:
// Unlocked -> Locked{owner, token, depth, expires}, with transitions gated
// on the caller presenting the current holder's token (the "If:" header
// check) and auto-expiry once Expires passes. Persistence lives behind
// internal/store's GetLock/TryLock/Unlock; this package only adds token
// minting. A Depth-Infinity lock is stored on its own path only and is not
// propagated to the resources beneath it.
package lock

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/spilledink/mailcore/internal/mailerrors"
	"github.com/spilledink/mailcore/internal/store"
)

// Depth mirrors the WebDAV Depth header values a lock can carry.
type Depth int

const (
	DepthZero Depth = 0
	DepthOne  Depth = 1
	// DepthInfinity locks path and, implicitly, every resource beneath it.
	DepthInfinity Depth = -1
)

// Manager mints and checks WebDAV locks for one Store façade.
type Manager struct {
	store *store.Store
}

// New builds a Manager over s.
func New(s *store.Store) *Manager {
	return &Manager{store: s}
}

// Held is the lock state returned to a PROPFIND/LOCK caller.
type Held struct {
	Token   string
	Owner   string
	Depth   Depth
	Expires time.Time
}

// Acquire locks path for owner, minting a fresh "opaquelocktoken:" URI
// (the RFC 4918-conventional Lock-Token scheme) via uuid. It returns
// mailerrors.ErrForbidden if a different holder already has a live lock
// on path.
func (m *Manager) Acquire(ctx context.Context, account uint32, coll store.Collection, path, owner string, depth Depth, timeout time.Duration) (Held, error) {
	token := "opaquelocktoken:" + uuid.NewString()
	l, err := m.store.TryLock(ctx, account, coll, path, token, owner, int(depth), timeout)
	if err != nil {
		return Held{}, err
	}
	return Held{Token: l.Token, Owner: l.Owner, Depth: Depth(l.Depth), Expires: l.Expires}, nil
}

// Refresh extends an existing lock's timeout, presenting its own current
// token so TryLock treats it as the same holder rather than a conflict.
func (m *Manager) Refresh(ctx context.Context, account uint32, coll store.Collection, path, token string, timeout time.Duration) (Held, error) {
	current, ok, err := m.store.GetLock(ctx, account, coll, path)
	if err != nil {
		return Held{}, err
	}
	if !ok {
		return Held{}, mailerrors.ErrNotFound.WithTarget("lock")
	}
	if current.Token != token {
		return Held{}, mailerrors.ErrBadPrecond.WithTarget("lock")
	}
	l, err := m.store.TryLock(ctx, account, coll, path, token, current.Owner, current.Depth, timeout)
	if err != nil {
		return Held{}, err
	}
	return Held{Token: l.Token, Owner: l.Owner, Depth: Depth(l.Depth), Expires: l.Expires}, nil
}

// Release unlocks path, requiring the caller's token to match the current
// holder (spec §4.3: "transitions require the lock token and appropriate
// If: header matching").
func (m *Manager) Release(ctx context.Context, account uint32, coll store.Collection, path, token string) error {
	return m.store.Unlock(ctx, account, coll, path, token)
}

// Check reports whether path is currently locked by someone other than
// token (empty token means "no credential presented"). Callers evaluating
// a write request under a Depth-Infinity ancestor lock should also Check
// each ancestor path up to the collection root.
func (m *Manager) Check(ctx context.Context, account uint32, coll store.Collection, path, token string) (bool, error) {
	l, ok, err := m.store.GetLock(ctx, account, coll, path)
	if err != nil || !ok {
		return false, err
	}
	return l.Token != token, nil
}

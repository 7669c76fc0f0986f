package lock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spilledink/mailcore/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Config{Driver: "sqlite", DSN: []string{":memory:"}, NoRun: true})
	require.NoError(t, err)
	return s
}

func TestAcquireThenConflict(t *testing.T) {
	m := New(openTestStore(t))
	ctx := context.Background()

	held, err := m.Acquire(ctx, 1, store.CollFileNode, "/a.txt", "alice", DepthZero, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, held.Token)

	_, err = m.Acquire(ctx, 1, store.CollFileNode, "/a.txt", "bob", DepthZero, time.Minute)
	require.Error(t, err)
}

func TestReleaseRequiresMatchingToken(t *testing.T) {
	m := New(openTestStore(t))
	ctx := context.Background()

	held, err := m.Acquire(ctx, 1, store.CollFileNode, "/a.txt", "alice", DepthZero, time.Minute)
	require.NoError(t, err)

	require.Error(t, m.Release(ctx, 1, store.CollFileNode, "/a.txt", "wrong-token"))

	require.NoError(t, m.Release(ctx, 1, store.CollFileNode, "/a.txt", held.Token))

	held2, err := m.Acquire(ctx, 1, store.CollFileNode, "/a.txt", "bob", DepthZero, time.Minute)
	require.NoError(t, err)
	require.NotEmpty(t, held2.Token)
}

func TestExpiredLockIsTreatedAsUnlocked(t *testing.T) {
	m := New(openTestStore(t))
	ctx := context.Background()

	_, err := m.Acquire(ctx, 1, store.CollFileNode, "/a.txt", "alice", DepthZero, time.Millisecond)
	require.NoError(t, err)

	time.Sleep(5 * time.Millisecond)

	locked, err := m.Check(ctx, 1, store.CollFileNode, "/a.txt", "")
	require.NoError(t, err)
	require.False(t, locked, "an expired lock must be treated as unlocked without explicit cleanup")

	_, err = m.Acquire(ctx, 1, store.CollFileNode, "/a.txt", "bob", DepthZero, time.Minute)
	require.NoError(t, err)
}

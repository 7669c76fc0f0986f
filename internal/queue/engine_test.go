package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spilledink/mailcore/internal/coreconfig"
	"github.com/spilledink/mailcore/internal/mailerrors"
	"github.com/spilledink/mailcore/internal/store"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	s, err := store.Open(store.Config{Driver: "sqlite", DSN: []string{":memory:"}, NoRun: true})
	require.NoError(t, err)
	return &Engine{
		Store:         s,
		Core:          coreconfig.NewCore(nil),
		SenderLimiter: NewLimiter(60, 120),
		DomainLimiter: NewLimiter(20, 40),
		Hostname:      "mx.example.com",
	}
}

// TestCancelUnlockedTaskRemovesIt covers the ordinary undoStatus=Canceled
// path: a submission still waiting in the queue (never claimed by RunOnce)
// is removed outright.
func TestCancelUnlockedTaskRemovesIt(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id, err := e.Submit(ctx, 1, "alice@example.com", "deadbeef", []string{"bob@example.org"}, "")
	require.NoError(t, err)

	require.NoError(t, e.Cancel(ctx, id))

	tasks, err := e.Store.LockDueTasks(ctx, deliverAction, 10)
	require.NoError(t, err)
	require.Empty(t, tasks, "a cancelled task must not be dequeued by RunOnce")
}

// TestCancelLockedTaskReturnsCannotUnsend reproduces spec §8 scenario 5: a
// submission already claimed by RunOnce (mid-delivery) cannot be
// cancelled, and the in-flight row must be left untouched.
func TestCancelLockedTaskReturnsCannotUnsend(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id, err := e.Submit(ctx, 1, "alice@example.com", "deadbeef", []string{"bob@example.org"}, "")
	require.NoError(t, err)

	locked, err := e.Store.LockDueTasks(ctx, deliverAction, 10)
	require.NoError(t, err)
	require.Len(t, locked, 1, "the task must be due and claimable before simulating an in-flight RunOnce")
	require.Equal(t, id, locked[0].ID)

	err = e.Cancel(ctx, id)
	require.Error(t, err)
	require.True(t, errors.Is(err, mailerrors.ErrCannotUnsend) || err == mailerrors.ErrCannotUnsend)

	// the locked row must survive the failed cancel so the in-flight
	// delivery attempt can still complete it.
	require.NoError(t, e.Store.DeferTask(ctx, id, locked[0].Due, locked[0].Payload))
	again, err := e.Store.LockDueTasks(ctx, deliverAction, 10)
	require.NoError(t, err)
	require.Len(t, again, 1)
}

// TestCancelAlreadyGoneTaskIsNoOp: cancelling a task id that no longer
// exists (already completed or already cancelled) must not error.
func TestCancelAlreadyGoneTaskIsNoOp(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	id, err := e.Submit(ctx, 1, "alice@example.com", "deadbeef", []string{"bob@example.org"}, "")
	require.NoError(t, err)
	require.NoError(t, e.Store.CompleteTask(ctx, id))

	require.NoError(t, e.Cancel(ctx, id))
}

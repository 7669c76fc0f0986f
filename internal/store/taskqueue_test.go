package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLockDueTasksOnlyClaimsUnlockedPastDueRows(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	future := time.Now().Add(time.Hour)

	_, err := s.EnqueueTask(ctx, 1, 100, "deliver", past, "", []byte("a"))
	require.NoError(t, err)
	_, err = s.EnqueueTask(ctx, 1, 101, "deliver", future, "", []byte("b"))
	require.NoError(t, err)

	claimed, err := s.LockDueTasks(ctx, "deliver", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	require.EqualValues(t, 100, claimed[0].DocumentID)

	again, err := s.LockDueTasks(ctx, "deliver", 10)
	require.NoError(t, err)
	require.Empty(t, again, "a locked task must not be claimed twice concurrently")
}

func TestEnqueueTaskCoalescesOnDedupKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	due1 := time.Now().Add(-time.Minute)
	id1, err := s.EnqueueTask(ctx, 1, 100, "deliver", due1, "msg:1", []byte("attempt-1"))
	require.NoError(t, err)

	due2 := time.Now().Add(time.Minute)
	id2, err := s.EnqueueTask(ctx, 1, 100, "deliver", due2, "msg:1", []byte("attempt-2"))
	require.NoError(t, err)
	require.Equal(t, id1, id2, "same dedup key must merge into the existing row")

	claimed, err := s.LockDueTasks(ctx, "deliver", 10)
	require.NoError(t, err)
	require.Empty(t, claimed, "coalesced row's due time must be the later one")
}

func TestDeferTaskUnlocksAndReschedules(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	_, err := s.EnqueueTask(ctx, 1, 100, "deliver", past, "", []byte("a"))
	require.NoError(t, err)

	claimed, err := s.LockDueTasks(ctx, "deliver", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	nextDue := time.Now().Add(-time.Second)
	require.NoError(t, s.DeferTask(ctx, claimed[0].ID, nextDue, []byte("attempt-2")))

	reclaimed, err := s.LockDueTasks(ctx, "deliver", 10)
	require.NoError(t, err)
	require.Len(t, reclaimed, 1)
	require.Equal(t, []byte("attempt-2"), reclaimed[0].Payload)
}

func TestCompleteTaskRemovesRow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	id, err := s.EnqueueTask(ctx, 1, 100, "deliver", past, "", []byte("a"))
	require.NoError(t, err)

	claimed, err := s.LockDueTasks(ctx, "deliver", 10)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	require.NoError(t, s.CompleteTask(ctx, id))

	require.NoError(t, s.DeferTask(ctx, id, past, []byte("a")))
	reclaimed, err := s.LockDueTasks(ctx, "deliver", 10)
	require.NoError(t, err)
	require.Empty(t, reclaimed, "a completed task's id no longer refers to any row")
}

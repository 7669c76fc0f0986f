package push

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spilledink/mailcore/internal/store"
)

func TestLocalBroadcasterDeliversToSubscriber(t *testing.T) {
	b := NewLocal()
	ch, unsub, err := b.Subscribe(context.Background(), 7)
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, b.Publish(context.Background(), StateChange{AccountID: 7, Collection: store.CollEmail, ChangeID: 42}))

	select {
	case sc := <-ch:
		require.Equal(t, uint64(42), sc.ChangeID)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func TestLocalBroadcasterDropsWhenSubscriberChannelFull(t *testing.T) {
	b := NewLocal()
	ch, unsub, err := b.Subscribe(context.Background(), 1)
	require.NoError(t, err)
	defer unsub()

	for i := 0; i < 100; i++ {
		_ = b.Publish(context.Background(), StateChange{AccountID: 1, ChangeID: uint64(i)})
	}
	require.NotEmpty(t, ch)
}

func TestLocalBroadcasterIgnoresOtherAccounts(t *testing.T) {
	b := NewLocal()
	ch, unsub, err := b.Subscribe(context.Background(), 1)
	require.NoError(t, err)
	defer unsub()

	require.NoError(t, b.Publish(context.Background(), StateChange{AccountID: 2, ChangeID: 1}))

	select {
	case <-ch:
		t.Fatal("should not have received a notification scoped to another account")
	case <-time.After(50 * time.Millisecond):
	}
}

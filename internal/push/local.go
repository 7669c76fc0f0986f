package push

import (
	"context"
	"sync"
)

// LocalBroadcaster fans StateChange events out to in-process subscribers.
// Grounded on the deleted internal/updatepipe/unix_pipe.go's Listen/Push/
// InitPush/Close shape, reimplemented over a Go channel registry instead
// of a Unix socket since single-process fan-out needs no serialization.
type LocalBroadcaster struct {
	mu   sync.Mutex
	subs map[uint32][]chan StateChange
}

// NewLocal builds an in-process broadcaster.
func NewLocal() *LocalBroadcaster {
	return &LocalBroadcaster{subs: make(map[uint32][]chan StateChange)}
}

// Publish delivers sc to every subscriber of sc.AccountID. A subscriber
// whose channel is full is skipped and a drop is logged rather than
// blocking the publisher (spec §5 "a full channel causes the producer to
// log a server-thread error and continue").
func (b *LocalBroadcaster) Publish(_ context.Context, sc StateChange) error {
	b.mu.Lock()
	chans := append([]chan StateChange(nil), b.subs[sc.AccountID]...)
	b.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- sc:
		default:
			logger.Msg("dropped state-change notification, subscriber channel full",
				"account_id", sc.AccountID, "collection", sc.Collection)
		}
	}
	return nil
}

// Subscribe registers a new listener for accountID and returns a channel
// plus an unsubscribe function. The channel is closed once unsubscribe is
// called.
func (b *LocalBroadcaster) Subscribe(_ context.Context, accountID uint32) (<-chan StateChange, func(), error) {
	ch := make(chan StateChange, 64)

	b.mu.Lock()
	b.subs[accountID] = append(b.subs[accountID], ch)
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		list := b.subs[accountID]
		for i, c := range list {
			if c == ch {
				b.subs[accountID] = append(list[:i], list[i+1:]...)
				break
			}
		}
		close(ch)
	}
	return ch, unsubscribe, nil
}

// Close releases all subscriber channels.
func (b *LocalBroadcaster) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for account, list := range b.subs {
		for _, ch := range list {
			close(ch)
		}
		delete(b.subs, account)
	}
	return nil
}

// Package push implements the push-notification channel from spec §2/§5:
// after a committed ingest batch, internal/ingest broadcasts a JMAP
// state-change notification; no other subsystem publishes here. A full
// channel logs a server-thread error and continues — notifications are
// best-effort, never a source of backpressure on the write path.
package push

import (
	"context"

	"github.com/spilledink/mailcore/framework/log"
	"github.com/spilledink/mailcore/internal/store"
)

var logger = log.Logger{Name: "push"}

// StateChange is one account-scoped notification: "account's view of
// collection has moved to change ID id". JMAP EventSource/WebSocket
// subscribers and REPORT sync-collection long-pollers key off this.
type StateChange struct {
	AccountID  uint32
	Collection store.Collection
	ChangeID   uint64
}

// Broadcaster fans StateChange events out to local subscribers and,
// where clustered, to peer processes. Implementations must never block
// the caller of Publish beyond a single non-blocking channel send.
type Broadcaster interface {
	Publish(ctx context.Context, sc StateChange) error
	Subscribe(ctx context.Context, accountID uint32) (<-chan StateChange, func(), error)
	Close() error
}

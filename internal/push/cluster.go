package push

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/spilledink/mailcore/framework/log"
	mdb "github.com/spilledink/mailcore/internal/db"
)

// clusterChannel is the single Postgres NOTIFY channel every process
// listens on; StateChange payloads carry their own account scoping so one
// channel suffices instead of one LISTEN per account.
const clusterChannel = "mailcore_state_change"

// ClusterBroadcaster fans StateChange events to local subscribers and, via
// Postgres LISTEN/NOTIFY, to every peer process sharing the same
// database. Grounded on internal/updatepipe/pubsub/pq.go's PqPubSub —
// same pq.NewListener/pg_notify wiring, renamed to the push domain and
// rewired to decode/encode StateChange instead of opaque string payloads.
type ClusterBroadcaster struct {
	local *LocalBroadcaster

	mu     sync.Mutex
	l      *pq.Listener
	sender *gorm.DB
	log    log.Logger

	closeOnce sync.Once
	done      chan struct{}
}

// NewCluster connects to dsn and begins relaying remote notifications into
// the local broadcaster.
func NewCluster(dsn string, debug bool) (*ClusterBroadcaster, error) {
	c := &ClusterBroadcaster{
		local: NewLocal(),
		log:   log.Logger{Name: "push.cluster"},
		done:  make(chan struct{}),
	}

	sender, err := mdb.New(mdb.Config{Driver: "postgres", DSN: []string{dsn}, Debug: debug})
	if err != nil {
		return nil, fmt.Errorf("push: opening cluster sender: %w", err)
	}
	c.sender = sender

	c.l = pq.NewListener(dsn, 10*time.Second, time.Minute, c.eventHandler)
	if err := c.l.Listen(clusterChannel); err != nil {
		return nil, fmt.Errorf("push: listening on %s: %w", clusterChannel, err)
	}

	go c.relay()
	return c, nil
}

func (c *ClusterBroadcaster) eventHandler(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnected:
		c.log.DebugMsg("connected")
	case pq.ListenerEventReconnected:
		c.log.Msg("connection reestablished")
	case pq.ListenerEventConnectionAttemptFailed:
		c.log.Error("connection attempt failed", err)
	case pq.ListenerEventDisconnected:
		c.log.Msg("connection closed", "err", err)
	}
}

func (c *ClusterBroadcaster) relay() {
	for {
		select {
		case <-c.done:
			return
		case n, ok := <-c.l.Notify:
			if !ok {
				return
			}
			if n == nil {
				continue
			}
			var sc StateChange
			if err := json.Unmarshal([]byte(n.Extra), &sc); err != nil {
				c.log.Error("malformed cluster notification payload", err)
				continue
			}
			_ = c.local.Publish(context.Background(), sc)
		}
	}
}

// Publish broadcasts sc to local subscribers immediately and asynchronously
// notifies peers via pg_notify; a local deny/drop never blocks on the
// cluster round trip.
func (c *ClusterBroadcaster) Publish(ctx context.Context, sc StateChange) error {
	if err := c.local.Publish(ctx, sc); err != nil {
		return err
	}
	payload, err := json.Marshal(sc)
	if err != nil {
		return err
	}
	go func() {
		if err := c.sender.Exec(`SELECT pg_notify(?, ?)`, clusterChannel, string(payload)).Error; err != nil {
			c.log.Error("cluster notify failed", err)
		}
	}()
	return nil
}

func (c *ClusterBroadcaster) Subscribe(ctx context.Context, accountID uint32) (<-chan StateChange, func(), error) {
	return c.local.Subscribe(ctx, accountID)
}

// Close stops relaying remote notifications and releases the connection.
func (c *ClusterBroadcaster) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.l.Close()
		if sqlDB, dberr := c.sender.DB(); dberr == nil && sqlDB != nil {
			sqlDB.Close()
		}
		c.local.Close()
	})
	return err
}

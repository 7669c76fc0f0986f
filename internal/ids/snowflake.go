// Package ids implements the identifier-allocation rules from spec §4.1:
// document IDs, per-(account, sync_collection) change IDs, per-mailbox
// IMAP UIDs, and process-wide snowflake IDs for JMAP-visible state tokens.
//
// The snowflake generator is a bare atomic counter in the style of
// framework/module/msgcounter.go's package-level atomic.Int64 counters;
// the document/change/UID allocators delegate to the Store façade's
// COUNTER subspace so their durability matches the owning commit point.
package ids

import (
	"fmt"
	"sync/atomic"
	"time"
)

const (
	// epoch is an arbitrary reference point so the timestamp component
	// fits comfortably in the bits allotted to it for decades.
	epoch         = int64(1700000000000) // 2023-11-14T22:13:20Z, ms
	timestampBits = 41
	nodeBits      = 10
	sequenceBits  = 12
	maxSequence   = 1<<sequenceBits - 1
	maxNode       = 1<<nodeBits - 1
)

// Snowflake generates 64-bit, roughly time-sortable, cluster-unique IDs:
// 41 bits of millisecond timestamp, 10 bits of node ID, 12 bits of
// per-millisecond sequence.
type Snowflake struct {
	node  int64
	state atomic.Int64 // packed (lastMs << 12) | sequence
}

// NewSnowflake builds a generator for the given cluster node ID.
func NewSnowflake(nodeID int64) (*Snowflake, error) {
	if nodeID < 0 || nodeID > maxNode {
		return nil, fmt.Errorf("ids: node id %d out of range [0,%d]", nodeID, maxNode)
	}
	return &Snowflake{node: nodeID}, nil
}

// Next returns a fresh ID, spinning briefly if the per-millisecond
// sequence space is exhausted.
func (s *Snowflake) Next() int64 {
	for {
		now := time.Now().UnixMilli() - epoch
		prev := s.state.Load()
		prevMs := prev >> sequenceBits
		var seq int64

		if now == prevMs {
			seq = (prev & maxSequence) + 1
			if seq > maxSequence {
				// sequence exhausted this millisecond; spin to the next one
				continue
			}
		} else if now > prevMs {
			seq = 0
		} else {
			// clock moved backwards; reuse prevMs to stay monotonic
			now = prevMs
			seq = (prev & maxSequence) + 1
			if seq > maxSequence {
				continue
			}
		}

		next := (now << sequenceBits) | seq
		if s.state.CompareAndSwap(prev, next) {
			return (now << (nodeBits + sequenceBits)) | (s.node << sequenceBits) | seq
		}
	}
}

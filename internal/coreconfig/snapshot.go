// Package coreconfig holds the process-wide SharedCore snapshot described
// in spec §6.5: readers borrow a cheap, internally-consistent view while a
// writer publishes a new version without a stop-the-world lock.
//
// Loading the snapshot from a config file, watching it for changes, and any
// admin surface to trigger a reload are out of scope here (configuration
// loading/hot-reload is an external collaborator per spec §1); this package
// only carries the atomic-swap primitive itself, generalized from the
// teacher's single lazily-initialized settings-provider function
// (framework/module/settings.go) to a whole struct of compiled predicates.
package coreconfig

import "sync/atomic"

// RouteStrategy selects how a recipient domain's mail should be delivered.
type RouteStrategy int

const (
	RouteMX RouteStrategy = iota
	RouteRelay
	RouteLocal
)

// TLSRequirement is the strictness mode for a TLS-related policy knob.
type TLSRequirement int

const (
	TLSOptional TLSRequirement = iota
	TLSRequire
)

// QueueStrategy is the retry/notify/expiry schedule for a virtual queue,
// per spec §4.4.
type QueueStrategy struct {
	Name    string
	Retry   []int // seconds
	Notify  []int // seconds
	ExpiryS int
	Threads int
}

// DefaultQueueStrategy is the spec §4.4 default retry schedule.
func DefaultQueueStrategy(name string) QueueStrategy {
	return QueueStrategy{
		Name:    name,
		Retry:   []int{120, 300, 600, 900, 1800, 3600, 7200},
		Notify:  []int{86400, 259200},
		ExpiryS: 432000,
		Threads: 25,
	}
}

// TLSPolicy bundles the per-route TLS strictness knobs from spec §6.4
// (queue.strategy.tls.*).
type TLSPolicy struct {
	DANE       TLSRequirement
	MTASTS     TLSRequirement
	STARTTLS   TLSRequirement
	TryMTASTS  bool
	ConnectTO  int // seconds
	CommandTO  int
	TLSRptFreq TLSRptFrequency
}

type TLSRptFrequency int

const (
	TLSRptOff TLSRptFrequency = iota
	TLSRptHourly
	TLSRptDaily
	TLSRptWeekly
)

// GroupwareLimits bundles spec §6.4 groupware.* knobs.
type GroupwareLimits struct {
	MaxICalSize       int64
	MaxVCardSize      int64
	MaxICalInstances  int
	ITIPEnabled       bool
	ITIPInboundMaxSz  int64
	ITIPOutboundMaxRc int
}

// Snapshot is one internally-consistent, immutable configuration view.
// Never mutate a Snapshot in place; build a new one and Swap it in.
type Snapshot struct {
	Version int64

	VirtualQueues map[string]QueueStrategy
	RouteOf       func(envelopeFrom, rcptDomain string) RouteStrategy
	RelayHostOf   func(rcptDomain string) string // consulted when RouteOf returns RouteRelay
	TLSPolicyOf   func(rcptDomain string) TLSPolicy
	Groupware     GroupwareLimits
	SpamEnabled   bool
	UploadTmpTTLS int64
}

// Core is the process-wide atomically-swappable configuration handle.
type Core struct {
	p atomic.Pointer[Snapshot]
}

// NewCore creates a Core seeded with the given snapshot.
func NewCore(initial *Snapshot) *Core {
	c := &Core{}
	c.p.Store(initial)
	return c
}

// Load returns the current snapshot. Safe for concurrent use; the returned
// pointer is never mutated after publication, so callers may retain it for
// the duration of one request without re-Load()ing.
func (c *Core) Load() *Snapshot {
	return c.p.Load()
}

// Swap atomically publishes a new snapshot, returning the previous one.
func (c *Core) Swap(next *Snapshot) *Snapshot {
	return c.p.Swap(next)
}

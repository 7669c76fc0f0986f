package ids

import (
	"context"

	"github.com/spilledink/mailcore/internal/store"
)

// Allocator exposes the identifier rules of spec §4.1 against a Store.
type Allocator struct {
	s *store.Store
}

// New builds an Allocator over s.
func New(s *store.Store) *Allocator {
	return &Allocator{s: s}
}

// DocumentIDs returns n fresh document IDs for (account, collection),
// preferring tombstone reuse, monotonic within the call.
func (a *Allocator) DocumentIDs(ctx context.Context, account uint32, coll store.Collection, n int) ([]uint32, error) {
	return a.s.AssignDocumentIDs(ctx, account, coll, n)
}

// NextUID assigns the next IMAP UID for mailboxDoc inside account. It
// increments the mailbox's UID counter at once, in its own write outside
// any batch, so a UID it returns stays consumed even when the batch that
// would commit the message later fails.
func (a *Allocator) NextUID(ctx context.Context, account uint32, mailboxDoc uint32) (uint32, error) {
	v, err := a.s.AddAndGet(ctx, store.UIDCounterClass(account, mailboxDoc), 1)
	if err != nil {
		return 0, err
	}
	return uint32(v), nil
}

// LastChangeID returns the most recently assigned change ID for account,
// the watermark JMAP `/changes` and WebDAV sync tokens are built against.
func (a *Allocator) LastChangeID(ctx context.Context, account uint32) (uint64, error) {
	return a.s.LastChangeID(ctx, account)
}

// Quota returns the account's current used-quota counter value.
func (a *Allocator) Quota(ctx context.Context, account uint32) (int64, error) {
	return a.s.GetCounter(ctx, store.QuotaCounterClass(account))
}

// AddQuota adjusts the account's used-quota counter by delta (positive on
// ingest, negative on blob-link reclamation) and returns the new total.
func (a *Allocator) AddQuota(ctx context.Context, account uint32, delta int64) (int64, error) {
	return a.s.AddAndGet(ctx, store.QuotaCounterClass(account), delta)
}

// TenantQuota mirrors Quota for the optional tenant-level counter.
func (a *Allocator) TenantQuota(ctx context.Context, tenant uint32) (int64, error) {
	return a.s.GetCounter(ctx, store.TenantQuotaCounterClass(tenant))
}

// AddTenantQuota mirrors AddQuota for the tenant-level counter.
func (a *Allocator) AddTenantQuota(ctx context.Context, tenant uint32, delta int64) (int64, error) {
	return a.s.AddAndGet(ctx, store.TenantQuotaCounterClass(tenant), delta)
}

package store

import (
	"context"
	"time"

	"github.com/spilledink/mailcore/internal/mailerrors"
)

// BlobLink mirrors one store_blob_links row for callers that enumerate an
// account's links (quota accounting, expiry sweeps).
type BlobLink struct {
	Hash       string
	LinkID     string
	Kind       BlobLinkKind
	Collection Collection
	DocumentID uint32
	Until      *time.Time
	QuotaSize  int64
}

// LiveQuotaUsed sums QuotaSize across every BlobLink owned by account,
// matching invariant I4 ("used_quota(account) equals the sum of sizes of
// all live, quota-accounted blob links of that account").
func (s *Store) LiveQuotaUsed(ctx context.Context, account uint32) (int64, error) {
	var total int64
	err := s.db.WithContext(ctx).Model(&blobLinkRow{}).
		Where("account_id = ?", account).
		Select("COALESCE(SUM(quota_size), 0)").Scan(&total).Error
	if err != nil {
		return 0, mailerrors.Wrap(mailerrors.KindTransientIO, "store live_quota_used", err)
	}
	return total, nil
}

// ExpiredTemporaryLinks returns every Temporary BlobLink whose Until has
// passed asOf, for a reclaim sweep to UnlinkBlob (spec §3: a temporary
// link not converted to Linked before its deadline is collected).
func (s *Store) ExpiredTemporaryLinks(ctx context.Context, asOf time.Time) ([]BlobLink, error) {
	var rows []blobLinkRow
	err := s.db.WithContext(ctx).
		Where("kind = ? AND until IS NOT NULL AND until < ?", BlobLinkTemporary, asOf).
		Find(&rows).Error
	if err != nil {
		return nil, mailerrors.Wrap(mailerrors.KindTransientIO, "store expired_temporary_links", err)
	}
	out := make([]BlobLink, 0, len(rows))
	for _, r := range rows {
		out = append(out, BlobLink{
			Hash: r.Hash, LinkID: r.LinkID, Kind: r.Kind,
			Collection: r.Collection, DocumentID: r.DocumentID,
			Until: r.Until, QuotaSize: r.QuotaSize,
		})
	}
	return out, nil
}

// BlobLinksFor returns every BlobLink referencing hash, for callers that
// need to know whether a blob is still referenced before acting on it.
func (s *Store) BlobLinksFor(ctx context.Context, hash string) ([]BlobLink, error) {
	var rows []blobLinkRow
	if err := s.db.WithContext(ctx).Where("hash = ?", hash).Find(&rows).Error; err != nil {
		return nil, mailerrors.Wrap(mailerrors.KindTransientIO, "store blob_links_for", err)
	}
	out := make([]BlobLink, 0, len(rows))
	for _, r := range rows {
		out = append(out, BlobLink{
			Hash: r.Hash, LinkID: r.LinkID, Kind: r.Kind,
			Collection: r.Collection, DocumentID: r.DocumentID,
			Until: r.Until, QuotaSize: r.QuotaSize,
		})
	}
	return out, nil
}

// Package quota implements the accounting described by spec invariant I4:
// used_quota(account) equals the sum of sizes of all live,
// quota-accounted blob links of that account.
//
// Grounded on internal/db/models.go's Quota table shape (Username,
// MaxStorage), generalized from a per-user row to a per-(account, tenant)
// pair, and on framework/module/storage.go's GetQuota/SetQuota/ResetQuota
// naming convention.
package quota

import (
	"context"

	"github.com/spilledink/mailcore/internal/ids"
	"github.com/spilledink/mailcore/internal/mailerrors"
)

// Limits is the ceiling configuration for one account (and, optionally,
// its tenant).
type Limits struct {
	AccountMax int64
	TenantID   uint32
	TenantMax  int64 // 0 means "no separate tenant ceiling"
}

// Accountant checks and adjusts quota counters through the identifier
// allocator's COUNTER-subspace helpers.
type Accountant struct {
	ids *ids.Allocator
}

func New(a *ids.Allocator) *Accountant {
	return &Accountant{ids: a}
}

// Used returns the account's current used-quota counter.
func (q *Accountant) Used(ctx context.Context, account uint32) (int64, error) {
	return q.ids.Quota(ctx, account)
}

// CheckAndReserve enforces spec §4.2 step 1: reject with Quota if
// used + size > limit, checking the tenant ceiling in addition when
// present. On success the reservation is applied immediately; callers
// that abort ingest afterward must call Release with the same size.
func (q *Accountant) CheckAndReserve(ctx context.Context, lim Limits, account uint32, size int64) error {
	used, err := q.ids.Quota(ctx, account)
	if err != nil {
		return err
	}
	if lim.AccountMax > 0 && used+size > lim.AccountMax {
		return mailerrors.ErrQuotaExceeded.WithFields(map[string]interface{}{
			"account": account, "used": used, "size": size, "limit": lim.AccountMax,
		})
	}

	if lim.TenantMax > 0 {
		tused, err := q.ids.TenantQuota(ctx, lim.TenantID)
		if err != nil {
			return err
		}
		if tused+size > lim.TenantMax {
			return mailerrors.ErrTenantQuota.WithFields(map[string]interface{}{
				"tenant": lim.TenantID, "used": tused, "size": size, "limit": lim.TenantMax,
			})
		}
		if _, err := q.ids.AddTenantQuota(ctx, lim.TenantID, size); err != nil {
			return err
		}
	}

	_, err = q.ids.AddQuota(ctx, account, size)
	return err
}

// Release reverses a prior reservation, e.g. when a blob link expires or
// an ingest that reserved quota is rolled back.
func (q *Accountant) Release(ctx context.Context, lim Limits, account uint32, size int64) error {
	if lim.TenantMax > 0 {
		if _, err := q.ids.AddTenantQuota(ctx, lim.TenantID, -size); err != nil {
			return err
		}
	}
	_, err := q.ids.AddQuota(ctx, account, -size)
	return err
}

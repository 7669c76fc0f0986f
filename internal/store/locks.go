package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/spilledink/mailcore/internal/mailerrors"
)

// Lock mirrors one store_locks row for callers that need the current
// state of a resource path (spec §4.3's "state-machine of WebDAV locks").
type Lock struct {
	Token   string
	Owner   string
	Depth   int
	Expires time.Time
}

// GetLock returns the live lock on (account, collection, path), or
// ok=false if the resource is unlocked — either because no row exists or
// because the existing row's Expires has passed (spec §4.3: "a lock
// auto-expires at expires and subsequent operations treat the resource as
// unlocked without explicit cleanup").
func (s *Store) GetLock(ctx context.Context, account uint32, coll Collection, path string) (Lock, bool, error) {
	var row lockRow
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND collection = ? AND resource_path = ?", account, coll, path).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Lock{}, false, nil
	}
	if err != nil {
		return Lock{}, false, mailerrors.Wrap(mailerrors.KindTransientIO, "store get_lock", err)
	}
	if !row.Expires.After(time.Now()) {
		return Lock{}, false, nil
	}
	return Lock{Token: row.Token, Owner: row.Owner, Depth: row.Depth, Expires: row.Expires}, true, nil
}

// TryLock transitions (account, collection, path) from Unlocked to
// Locked{owner, token, depth, expires}. It fails with
// mailerrors.ErrForbidden if a live lock already holds the resource,
// unless that lock's token matches token (a refresh by the same holder).
func (s *Store) TryLock(ctx context.Context, account uint32, coll Collection, path, token, owner string, depth int, timeout time.Duration) (Lock, error) {
	var result Lock
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing lockRow
		err := tx.Where("account_id = ? AND collection = ? AND resource_path = ?", account, coll, path).Take(&existing).Error
		now := time.Now()
		if err == nil && existing.Expires.After(now) && existing.Token != token {
			return mailerrors.ErrForbidden.WithTarget("lock")
		}
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		row := lockRow{
			AccountID: account, Collection: coll, Path: path,
			Token: token, Owner: owner, Depth: depth,
			TimeoutS: int(timeout / time.Second),
			Expires:  now.Add(timeout),
		}
		if err := tx.Save(&row).Error; err != nil {
			return err
		}
		result = Lock{Token: row.Token, Owner: row.Owner, Depth: row.Depth, Expires: row.Expires}
		return nil
	})
	if err != nil {
		var merr *mailerrors.Error
		if errors.As(err, &merr) {
			return Lock{}, err
		}
		return Lock{}, mailerrors.Wrap(mailerrors.KindTransientIO, "store try_lock", err)
	}
	return result, nil
}

// Unlock transitions (account, collection, path) back to Unlocked,
// requiring token to match the current holder (the "If:" header check of
// spec §4.3). It is a no-op if the resource is already unlocked or
// expired.
func (s *Store) Unlock(ctx context.Context, account uint32, coll Collection, path, token string) error {
	var row lockRow
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND collection = ? AND resource_path = ?", account, coll, path).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	if err != nil {
		return mailerrors.Wrap(mailerrors.KindTransientIO, "store unlock lookup", err)
	}
	if !row.Expires.After(time.Now()) {
		return nil
	}
	if row.Token != token {
		return mailerrors.ErrBadPrecond.WithTarget("lock")
	}
	if err := s.db.WithContext(ctx).
		Where("account_id = ? AND collection = ? AND resource_path = ?", account, coll, path).
		Delete(&lockRow{}).Error; err != nil {
		return mailerrors.Wrap(mailerrors.KindTransientIO, "store unlock delete", err)
	}
	return nil
}

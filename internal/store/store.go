// Package store implements the Store façade from spec §4.1: a small,
// implementation-agnostic contract (get/iterate/write/counters/blobs) over
// an ordered key-value engine. It is built on GORM, following the teacher's
// internal/db connection-management idiom (internal/db/db.go), because the
// façade's actual persistence is a set of composite-primary-key tables
// rather than a literal byte-ordered store; the contract above is what
// every caller sees regardless.
package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/spilledink/mailcore/internal/mailerrors"
)

// Store is the process-wide façade. All persistent state in the server
// lives behind this type (spec §3, first paragraph).
type Store struct {
	db *gorm.DB
}

// Open connects to the configured SQL engine and ensures every façade
// table exists.
func Open(cfg Config) (*Store, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(allModels()...); err != nil {
		return nil, fmt.Errorf("store: automigrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Raw exposes the underlying *gorm.DB for subsystems that must build
// adjacent tables of their own (e.g. internal/table, internal/dns_cache)
// against the same connection pool.
func (s *Store) Raw() *gorm.DB { return s.db }

// Get returns the raw bytes stored at key, or ok=false if absent.
func (s *Store) Get(ctx context.Context, key Key) ([]byte, bool, error) {
	var row archiveRow
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND collection = ? AND document_id = ? AND class = ?",
			key.AccountID, key.Collection, key.DocumentID, key.Class).
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, mailerrors.Wrap(mailerrors.KindTransientIO, "store get", err)
	}
	return row.Value, true, nil
}

// GetValue fetches and JSON-deserializes the value at key into T.
func GetValue[T any](ctx context.Context, s *Store, key Key) (T, bool, error) {
	var zero T
	raw, ok, err := s.Get(ctx, key)
	if err != nil || !ok {
		return zero, ok, err
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return zero, false, mailerrors.Wrap(mailerrors.KindInternal, "store decode value", err)
	}
	return v, true, nil
}

// IterateOptions controls an Iterate scan (spec §4.1 "iterate(range, options)").
type IterateOptions struct {
	Ascending bool
	KeysOnly  bool
	Limit     int // 0 = unbounded
}

// IndexEntry is one row surfaced by Iterate over the INDEX subspace.
type IndexEntry struct {
	IndexValue []byte
	DocumentID uint32
}

// Iterate scans the INDEX subspace over r, invoking fn for each row in
// order until fn returns false or the range is exhausted.
func (s *Store) Iterate(ctx context.Context, r IndexRange, opts IterateOptions, fn func(IndexEntry) bool) error {
	q := s.db.WithContext(ctx).Model(&indexRow{}).
		Where("account_id = ? AND collection = ? AND field = ?", r.AccountID, r.Collection, r.Field)
	if r.FromKey != nil {
		q = q.Where("index_key >= ?", r.FromKey)
	}
	if r.ToKey != nil {
		q = q.Where("index_key < ?", r.ToKey)
	}
	order := "index_key ASC, document_id ASC"
	if !opts.Ascending {
		order = "index_key DESC, document_id DESC"
	}
	q = q.Order(order)
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit)
	}

	rows, err := q.Rows()
	if err != nil {
		return mailerrors.Wrap(mailerrors.KindTransientIO, "store iterate", err)
	}
	defer rows.Close()

	for rows.Next() {
		var row indexRow
		if err := s.db.ScanRows(rows, &row); err != nil {
			return mailerrors.Wrap(mailerrors.KindInternal, "store iterate scan", err)
		}
		if !fn(IndexEntry{IndexValue: row.Key, DocumentID: row.DocumentID}) {
			break
		}
	}
	return rows.Err()
}

// GetCounter reads a counter's current value without incrementing it.
func (s *Store) GetCounter(ctx context.Context, class string) (int64, error) {
	var row counterRow
	err := s.db.WithContext(ctx).Where("class = ?", class).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, mailerrors.Wrap(mailerrors.KindTransientIO, "store get_counter", err)
	}
	return row.Value, nil
}

// AddAndGet atomically adds delta to the named counter and returns the new
// value, creating the counter at 0 first if it does not exist. It backs
// document-ID allocation, per-mailbox UID assignment, and quota accounting.
func (s *Store) AddAndGet(ctx context.Context, class string, delta int64) (int64, error) {
	var newVal int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "class"}},
			DoNothing: true,
		}).Create(&counterRow{Class: class, Value: 0}).Error; err != nil {
			return err
		}
		if err := tx.Model(&counterRow{}).Where("class = ?", class).
			Update("value", gorm.Expr("value + ?", delta)).Error; err != nil {
			return err
		}
		var row counterRow
		if err := tx.Where("class = ?", class).Take(&row).Error; err != nil {
			return err
		}
		newVal = row.Value
		return nil
	})
	if err != nil {
		return 0, mailerrors.Wrap(mailerrors.KindTransientIO, "store add_and_get", err)
	}
	return newVal, nil
}

// AssignDocumentIDs returns n fresh document IDs for (account, collection),
// preferring reuse of tombstoned IDs before extending the counter (spec
// §4.1 "Document IDs"). Tombstone reuse draws from change-log DeleteItem/
// DeleteContainer entries whose document_id has no live archive row.
func (s *Store) AssignDocumentIDs(ctx context.Context, account uint32, coll Collection, n int) ([]uint32, error) {
	ids := make([]uint32, 0, n)

	var tombstoned []uint32
	err := s.db.WithContext(ctx).
		Model(&ChangeLogRow{}).
		Where("account_id = ? AND vanished = ?", account, true).
		Where("document_id NOT IN (SELECT document_id FROM store_values WHERE account_id = ? AND collection = ?)", account, coll).
		Distinct("document_id").
		Limit(n).
		Pluck("document_id", &tombstoned).Error
	if err != nil {
		return nil, mailerrors.Wrap(mailerrors.KindTransientIO, "store assign_document_ids reuse scan", err)
	}
	ids = append(ids, tombstoned...)

	remaining := n - len(ids)
	if remaining > 0 {
		last, err := s.AddAndGet(ctx, DocIDCounterClass(account, coll), int64(remaining))
		if err != nil {
			return nil, err
		}
		first := last - int64(remaining) + 1
		for i := int64(0); i < int64(remaining); i++ {
			ids = append(ids, uint32(first+i))
		}
	}
	return ids, nil
}

// ChangesSince returns every change-log entry for (account, syncColl) with
// change_id > sinceID, ordered oldest first, backing REPORT sync-collection
// (spec §4.3 step 1: "Load changes since id for the collection").
func (s *Store) ChangesSince(ctx context.Context, account uint32, syncColl Collection, sinceID uint64) ([]ChangeLogRow, error) {
	var rows []ChangeLogRow
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND sync_collection = ? AND change_id > ?", account, syncColl, sinceID).
		Order("change_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, mailerrors.Wrap(mailerrors.KindTransientIO, "store changes_since", err)
	}
	return rows, nil
}

// LastChangeID returns the most recently assigned change ID for account
// across all its sync collections.
func (s *Store) LastChangeID(ctx context.Context, account uint32) (uint64, error) {
	var max uint64
	err := s.db.WithContext(ctx).Model(&ChangeLogRow{}).
		Where("account_id = ?", account).
		Select("COALESCE(MAX(change_id), 0)").Scan(&max).Error
	if err != nil {
		return 0, mailerrors.Wrap(mailerrors.KindTransientIO, "store last_change_id", err)
	}
	return max, nil
}

// DeleteRange removes every VALUE row in [from, to) under one
// (account, collection), matching the class prefix if set.
func (s *Store) DeleteRange(ctx context.Context, r Range) error {
	q := s.db.WithContext(ctx).
		Where("account_id = ? AND collection = ?", r.AccountID, r.Collection)
	if r.FromDocument != 0 {
		q = q.Where("document_id >= ?", r.FromDocument)
	}
	if r.ToDocument != 0 {
		q = q.Where("document_id < ?", r.ToDocument)
	}
	if r.ClassPrefix != "" {
		q = q.Where("class LIKE ?", r.ClassPrefix+"%")
	}
	if err := q.Delete(&archiveRow{}).Error; err != nil {
		return mailerrors.Wrap(mailerrors.KindTransientIO, "store delete_range", err)
	}
	return nil
}

// ListValues returns every archive value stored under (account, coll,
// class), keyed by document id. It backs DavResources' full-tree cache
// build (spec §4.3): the resource cache loads every container and item
// archive for a collection once, then stays current via change-log
// watermarks rather than re-scanning.
func (s *Store) ListValues(ctx context.Context, account uint32, coll Collection, class string) (map[uint32][]byte, error) {
	var rows []archiveRow
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND collection = ? AND class = ?", account, coll, class).
		Find(&rows).Error
	if err != nil {
		return nil, mailerrors.Wrap(mailerrors.KindTransientIO, "store list_values", err)
	}
	out := make(map[uint32][]byte, len(rows))
	for _, r := range rows {
		out[r.DocumentID] = r.Value
	}
	return out, nil
}

// BlobHash returns the content address for bytes, per spec §3's
// "content-addressed by cryptographic hash of the bytes".
func BlobHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// BlobExists reports whether a blob with the given hash is already stored.
func (s *Store) BlobExists(ctx context.Context, hash string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&blobRow{}).Where("hash = ?", hash).Count(&count).Error
	if err != nil {
		return false, mailerrors.Wrap(mailerrors.KindTransientIO, "store blob_exists", err)
	}
	return count > 0, nil
}

// PutBlob stores bytes under their content hash if not already present,
// returning the hash.
func (s *Store) PutBlob(ctx context.Context, data []byte) (string, error) {
	hash := BlobHash(data)
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&blobRow{Hash: hash, Data: data, Size: int64(len(data))}).Error
	if err != nil {
		return "", mailerrors.Wrap(mailerrors.KindTransientIO, "store put_blob", err)
	}
	return hash, nil
}

// GetBlob retrieves the bytes for hash, optionally sliced to [from, to).
// to == 0 means "through end of blob".
func (s *Store) GetBlob(ctx context.Context, hash string, from, to int) ([]byte, bool, error) {
	var row blobRow
	err := s.db.WithContext(ctx).Where("hash = ?", hash).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, mailerrors.Wrap(mailerrors.KindTransientIO, "store get_blob", err)
	}
	if to <= 0 || to > len(row.Data) {
		to = len(row.Data)
	}
	if from < 0 || from > to {
		return nil, false, mailerrors.New(mailerrors.KindInput, "get_blob: invalid range")
	}
	return row.Data[from:to], true, nil
}

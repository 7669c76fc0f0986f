package store

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/spilledink/mailcore/internal/mailerrors"
)

// opKind enumerates the commit-point operations from spec §4.1.
type opKind int

const (
	opSet opKind = iota
	opClear
	opAddAndGet
	opCustomIndex
	opLogInsertContainer
	opLogChange
	opLogVanishedItem
	opLinkBlob
	opUnlinkBlob
)

type op struct {
	kind opKind

	// set/clear/custom
	account    uint32
	collection Collection
	document   uint32
	class      string
	value      []byte

	// assertion for custom index ops: stored archive must equal this
	// before the write applies (optimistic concurrency).
	assertCurrent []byte
	hasAssertion  bool

	// index differential, populated by custom()
	index *ObjectIndexBuilder

	// add_and_get
	counterClass string
	delta        int64
	resultSlot   *int64 // AssignedIds destination

	// log_container_*
	syncColl Collection
	logKind  ChangeLogKind
	docID    uint32

	// link_blob / unlink_blob
	blobHash   string
	blobLinkID string
	blobKind   BlobLinkKind
	blobUntil  *time.Time
	blobQuota  int64
}

// IndexField is one (field, key) pair an ObjectIndexBuilder adds or removes.
type IndexField struct {
	Field string
	Key   []byte
}

// ObjectIndexBuilder computes the differential index update between a
// document's previous and new archive, per spec §4.1's `custom(...)`.
// When Current is non-nil, the write additionally asserts the stored
// archive still equals it (optimistic concurrency); a nil Current means
// "insert, no predecessor to assert against".
type ObjectIndexBuilder struct {
	Account    uint32
	Collection Collection
	Document   uint32
	Class      string

	Current []byte // previous archive bytes, nil on insert
	New     []byte // new archive bytes, nil on delete

	// Index terms present for Current and for New; the differential
	// (New \ Current, Current \ New) determines the set/clear index ops.
	CurrentIndex []IndexField
	NewIndex     []IndexField
}

// CommitPoint is one atomically-applied group of operations. A Batch is
// one or more CommitPoints; earlier points remain durable even if a later
// one aborts with AssertionFailure (spec §4.1 contract paragraph).
type CommitPoint struct {
	ops []op
}

// Set stores class's value for (account, collection, document).
func (c *CommitPoint) Set(account uint32, coll Collection, doc uint32, class string, value []byte) *CommitPoint {
	c.ops = append(c.ops, op{kind: opSet, account: account, collection: coll, document: doc, class: class, value: value})
	return c
}

// SetValue JSON-serializes v and stores it via Set.
func (c *CommitPoint) SetValue(account uint32, coll Collection, doc uint32, class string, v interface{}) *CommitPoint {
	raw, _ := json.Marshal(v)
	return c.Set(account, coll, doc, class, raw)
}

// Clear removes class's value for (account, collection, document).
func (c *CommitPoint) Clear(account uint32, coll Collection, doc uint32, class string) *CommitPoint {
	c.ops = append(c.ops, op{kind: opClear, account: account, collection: coll, document: doc, class: class})
	return c
}

// AddAndGet increments a counter as part of this commit point. If result
// is non-nil, the post-commit value is written into *result once the
// batch commits successfully (mirrors AssignedIds.UIDs / .DocumentIDs).
func (c *CommitPoint) AddAndGet(counterClass string, delta int64, result *int64) *CommitPoint {
	c.ops = append(c.ops, op{kind: opAddAndGet, counterClass: counterClass, delta: delta, resultSlot: result})
	return c
}

// Custom computes the ObjectIndexBuilder's differential index update and
// queues it, along with the assertion on Current when set.
func (c *CommitPoint) Custom(b ObjectIndexBuilder) *CommitPoint {
	o := op{kind: opCustomIndex, account: b.Account, collection: b.Collection, document: b.Document, class: b.Class, index: &b}
	if b.Current != nil {
		o.assertCurrent = b.Current
		o.hasAssertion = true
	}
	c.ops = append(c.ops, o)
	return c
}

// LogContainerInsert appends an InsertContainer change-log entry.
func (c *CommitPoint) LogContainerInsert(account uint32, syncColl Collection, docID uint32) *CommitPoint {
	c.ops = append(c.ops, op{kind: opLogInsertContainer, account: account, syncColl: syncColl, docID: docID, logKind: LogInsertContainer})
	return c
}

// LogChange appends a change-log entry of the given kind (Update/Insert
// Item, UpdateContainerProperty, etc).
func (c *CommitPoint) LogChange(account uint32, syncColl Collection, docID uint32, kind ChangeLogKind) *CommitPoint {
	c.ops = append(c.ops, op{kind: opLogChange, account: account, syncColl: syncColl, docID: docID, logKind: kind})
	return c
}

// LinkBlob creates a BlobLink row for hash, either Temporary{until} (with a
// quota-accounted size) or Linked{account, collection, document}, per
// spec §3's BlobLink lifecycle. It returns the generated link id so the
// caller can UnlinkBlob it again later (e.g. on queued-message completion).
func (c *CommitPoint) LinkBlob(hash string, kind BlobLinkKind, account uint32, coll Collection, doc uint32, until *time.Time, quotaSize int64) (*CommitPoint, string) {
	linkID := uuid.NewString()
	c.ops = append(c.ops, op{
		kind: opLinkBlob, blobHash: hash, blobLinkID: linkID, blobKind: kind,
		account: account, collection: coll, document: doc, blobUntil: until, blobQuota: quotaSize,
	})
	return c, linkID
}

// UnlinkBlob removes a previously created BlobLink. When no other link
// references hash afterward, the blob itself is reclaimed (spec §3 "a blob
// is durable only while at least one BlobLink references it").
func (c *CommitPoint) UnlinkBlob(hash, linkID string) *CommitPoint {
	c.ops = append(c.ops, op{kind: opUnlinkBlob, blobHash: hash, blobLinkID: linkID})
	return c
}

// LogVanishedItem appends a tombstone entry (DeleteItem/DeleteContainer)
// to the change log, flagged Vanished so REPORT sync-collection reports
// it as deleted (spec §4.3 step 4).
func (c *CommitPoint) LogVanishedItem(account uint32, syncColl Collection, docID uint32, kind ChangeLogKind) *CommitPoint {
	c.ops = append(c.ops, op{kind: opLogVanishedItem, account: account, syncColl: syncColl, docID: docID, logKind: kind})
	return c
}

// Batch is a sequence of CommitPoints built by BatchBuilder.
type Batch struct {
	points []*CommitPoint
}

// BatchBuilder accumulates operations grouped into commit points (spec
// §4.1). Callers that require cross-point atomicity must keep everything
// in a single commit point.
type BatchBuilder struct {
	batch Batch
}

// NewBatchBuilder starts a new batch with one open commit point.
func NewBatchBuilder() *BatchBuilder {
	b := &BatchBuilder{}
	b.batch.points = []*CommitPoint{{}}
	return b
}

// Current returns the commit point currently accepting operations.
func (b *BatchBuilder) Current() *CommitPoint {
	return b.batch.points[len(b.batch.points)-1]
}

// CommitPoint starts a new commit point boundary; prior operations become
// a separate atomically-applied unit from what follows.
func (b *BatchBuilder) CommitPoint() *CommitPoint {
	cp := &CommitPoint{}
	b.batch.points = append(b.batch.points, cp)
	return cp
}

// Build finalizes the accumulated operations into a Batch for Write.
func (b *BatchBuilder) Build() Batch { return b.batch }

// AssignedIds carries the identifiers assigned while writing a batch:
// CounterValues holds the post-commit value of every AddAndGet op, and
// ChangeID the last change id assigned by a change-log op.
type AssignedIds struct {
	CounterValues map[string]int64
	ChangeID      uint64
}

// AssertionFailure is returned when a commit point's optimistic assertion
// does not hold against the currently stored archive.
type AssertionFailure struct {
	Account    uint32
	Collection Collection
	Document   uint32
	Class      string
}

func (e *AssertionFailure) Error() string {
	return "store: assertion failure on commit point write"
}

// Write applies batch atomically per commit point: if any assertion in a
// commit point fails, the batch aborts at that point with
// AssertionFailure, but earlier commit points remain durable (spec §4.1).
func (s *Store) Write(ctx context.Context, batch Batch) (AssignedIds, error) {
	result := AssignedIds{CounterValues: map[string]int64{}}

	for _, cp := range batch.points {
		err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			return applyCommitPoint(ctx, tx, cp, &result)
		})
		if err != nil {
			var af *AssertionFailure
			if errAs(err, &af) {
				return result, af
			}
			return result, mailerrors.Wrap(mailerrors.KindTransientIO, "store write", err)
		}
	}

	return result, nil
}

func errAs(err error, target **AssertionFailure) bool {
	for err != nil {
		if af, ok := err.(*AssertionFailure); ok {
			*target = af
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

func applyCommitPoint(ctx context.Context, tx *gorm.DB, cp *CommitPoint, result *AssignedIds) error {
	for _, o := range cp.ops {
		switch o.kind {
		case opSet:
			if err := upsertArchive(tx, o.account, o.collection, o.document, o.class, o.value); err != nil {
				return err
			}
		case opClear:
			if err := tx.Where("account_id = ? AND collection = ? AND document_id = ? AND class = ?",
				o.account, o.collection, o.document, o.class).Delete(&archiveRow{}).Error; err != nil {
				return err
			}
		case opAddAndGet:
			newVal, err := addAndGetTx(tx, o.counterClass, o.delta)
			if err != nil {
				return err
			}
			result.CounterValues[o.counterClass] = newVal
			if o.resultSlot != nil {
				*o.resultSlot = newVal
			}
		case opCustomIndex:
			if o.hasAssertion {
				var row archiveRow
				err := tx.Where("account_id = ? AND collection = ? AND document_id = ? AND class = ?",
					o.account, o.collection, o.document, o.class).Take(&row).Error
				if err != nil && err != gorm.ErrRecordNotFound {
					return err
				}
				if string(row.Value) != string(o.assertCurrent) {
					return &AssertionFailure{Account: o.account, Collection: o.collection, Document: o.document, Class: o.class}
				}
			}
			if err := applyObjectIndex(tx, o.index); err != nil {
				return err
			}
		case opLogInsertContainer, opLogChange, opLogVanishedItem:
			changeID, err := nextChangeIDTx(tx, o.account, o.syncColl)
			if err != nil {
				return err
			}
			result.ChangeID = changeID
			entry := ChangeLogRow{
				AccountID:      o.account,
				SyncCollection: o.syncColl,
				ChangeID:       changeID,
				Kind:           string(o.logKind),
				DocumentID:     o.docID,
				Vanished:       o.kind == opLogVanishedItem,
			}
			if err := tx.Create(&entry).Error; err != nil {
				return err
			}
		case opLinkBlob:
			row := blobLinkRow{
				Hash: o.blobHash, LinkID: o.blobLinkID, Kind: o.blobKind,
				AccountID: o.account, Collection: o.collection, DocumentID: o.document,
				Until: o.blobUntil, QuotaSize: o.blobQuota,
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
				return err
			}
		case opUnlinkBlob:
			if err := tx.Where("hash = ? AND link_id = ?", o.blobHash, o.blobLinkID).
				Delete(&blobLinkRow{}).Error; err != nil {
				return err
			}
			var remaining int64
			if err := tx.Model(&blobLinkRow{}).Where("hash = ?", o.blobHash).Count(&remaining).Error; err != nil {
				return err
			}
			if remaining == 0 {
				if err := tx.Where("hash = ?", o.blobHash).Delete(&blobRow{}).Error; err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func upsertArchive(tx *gorm.DB, account uint32, coll Collection, doc uint32, class string, value []byte) error {
	row := archiveRow{AccountID: account, Collection: coll, DocumentID: doc, Class: class, Value: value}
	return tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "collection"}, {Name: "document_id"}, {Name: "class"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "mod_seq", "updated_at"}),
	}).Create(&row).Error
}

func addAndGetTx(tx *gorm.DB, class string, delta int64) (int64, error) {
	if err := tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "class"}},
		DoNothing: true,
	}).Create(&counterRow{Class: class, Value: 0}).Error; err != nil {
		return 0, err
	}
	if err := tx.Model(&counterRow{}).Where("class = ?", class).
		Update("value", gorm.Expr("value + ?", delta)).Error; err != nil {
		return 0, err
	}
	var row counterRow
	if err := tx.Where("class = ?", class).Take(&row).Error; err != nil {
		return 0, err
	}
	return row.Value, nil
}

func nextChangeIDTx(tx *gorm.DB, account uint32, syncColl Collection) (uint64, error) {
	class := ChangeIDCounterClass(account, syncColl)
	v, err := addAndGetTx(tx, class, 1)
	if err != nil {
		return 0, err
	}
	return uint64(v), nil
}

// applyObjectIndex stores the new archive (if any, or clears it on
// delete) and emits the set/clear INDEX rows for the differential between
// CurrentIndex and NewIndex.
func applyObjectIndex(tx *gorm.DB, b *ObjectIndexBuilder) error {
	if b.New != nil {
		if err := upsertArchive(tx, b.Account, b.Collection, b.Document, b.Class, b.New); err != nil {
			return err
		}
	} else {
		if err := tx.Where("account_id = ? AND collection = ? AND document_id = ? AND class = ?",
			b.Account, b.Collection, b.Document, b.Class).Delete(&archiveRow{}).Error; err != nil {
			return err
		}
	}

	add, remove := diffIndexFields(b.CurrentIndex, b.NewIndex)
	for _, f := range add {
		row := indexRow{AccountID: b.Account, Collection: b.Collection, Field: f.Field, Key: f.Key, DocumentID: b.Document}
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&row).Error; err != nil {
			return err
		}
	}
	for _, f := range remove {
		if err := tx.Where("account_id = ? AND collection = ? AND field = ? AND index_key = ? AND document_id = ?",
			b.Account, b.Collection, f.Field, f.Key, b.Document).Delete(&indexRow{}).Error; err != nil {
			return err
		}
	}
	return nil
}

// diffIndexFields returns (present in next but not prev, present in prev
// but not next), comparing by (Field, Key) identity.
func diffIndexFields(prev, next []IndexField) (add, remove []IndexField) {
	key := func(f IndexField) string { return f.Field + "\x00" + string(f.Key) }

	prevSet := make(map[string]IndexField, len(prev))
	for _, f := range prev {
		prevSet[key(f)] = f
	}
	nextSet := make(map[string]IndexField, len(next))
	for _, f := range next {
		nextSet[key(f)] = f
	}

	for k, f := range nextSet {
		if _, ok := prevSet[k]; !ok {
			add = append(add, f)
		}
	}
	for k, f := range prevSet {
		if _, ok := nextSet[k]; !ok {
			remove = append(remove, f)
		}
	}
	return add, remove
}

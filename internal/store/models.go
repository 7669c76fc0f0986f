package store

import "time"

// Collection is the §3 typed-kind-of-document enum. Each value defines
// which secondary indexes exist and whether it carries a sync-log twin.
type Collection uint8

const (
	CollEmail Collection = iota
	CollMailbox
	CollThread
	CollCalendar
	CollCalendarEvent
	CollCalendarEventNotification
	CollAddressBook
	CollContactCard
	CollFileNode
	CollPrincipal
	CollEmailSubmission
	CollSieveScript
	CollIdentity
)

// archiveRow backs the VALUE(account, collection, doc_id, class) subspace
// for the document's canonical serialized archive (spec §6.2). Table name:
// "store_values". Grounded on internal/db/models.go's explicit gorm-tag
// convention (composite primary keys spelled out as struct tags).
type archiveRow struct {
	AccountID  uint32     `gorm:"primaryKey;column:account_id"`
	Collection Collection `gorm:"primaryKey;column:collection"`
	DocumentID uint32     `gorm:"primaryKey;column:document_id"`
	Class      string     `gorm:"primaryKey;column:class"`
	Value      []byte     `gorm:"column:value"`
	ModSeq     int64      `gorm:"column:mod_seq"` // written as 0 by every write; optimistic assertions compare Value instead
	UpdatedAt  time.Time  `gorm:"autoUpdateTime"`
}

func (archiveRow) TableName() string { return "store_values" }

// indexRow backs INDEX(account, collection, field, key, doc_id). The value
// is typically empty; presence of the row is the fact being indexed.
type indexRow struct {
	AccountID  uint32     `gorm:"primaryKey;column:account_id"`
	Collection Collection `gorm:"primaryKey;column:collection"`
	Field      string     `gorm:"primaryKey;column:field"`
	Key        []byte     `gorm:"primaryKey;column:index_key"`
	DocumentID uint32     `gorm:"primaryKey;column:document_id"`
}

func (indexRow) TableName() string { return "store_index" }

// ChangeLogRow backs LOG(account, sync_collection, change_id). Payload is
// the compact tagged variant described in spec §6.2.
type ChangeLogRow struct {
	AccountID      uint32     `gorm:"primaryKey;column:account_id"`
	SyncCollection Collection `gorm:"primaryKey;column:sync_collection"`
	ChangeID       uint64     `gorm:"primaryKey;column:change_id"`
	Kind           string     `gorm:"column:kind"` // InsertContainer, UpdateItem, ...
	DocumentID     uint32     `gorm:"column:document_id"`
	Vanished       bool       `gorm:"column:vanished"` // tombstone entry
	CreatedAt      time.Time  `gorm:"autoCreateTime"`
}

func (ChangeLogRow) TableName() string { return "store_changelog" }

// counterRow backs COUNTER(class).
type counterRow struct {
	Class string `gorm:"primaryKey;column:class"`
	Value int64  `gorm:"column:value"`
}

func (counterRow) TableName() string { return "store_counters" }

// blobRow backs BLOB(hash).
type blobRow struct {
	Hash string `gorm:"primaryKey;column:hash"`
	Data []byte `gorm:"column:data"`
	Size int64  `gorm:"column:size"`
}

func (blobRow) TableName() string { return "store_blobs" }

// BlobLinkKind distinguishes Temporary from Linked BlobLinks (spec §3).
type BlobLinkKind uint8

const (
	BlobLinkTemporary BlobLinkKind = iota
	BlobLinkLinked
)

// blobLinkRow backs BLOBLINK(hash, link).
type blobLinkRow struct {
	Hash       string       `gorm:"primaryKey;column:hash"`
	LinkID     string       `gorm:"primaryKey;column:link_id"` // uuid generated by CommitPoint.LinkBlob
	Kind       BlobLinkKind `gorm:"column:kind"`
	AccountID  uint32       `gorm:"column:account_id"`
	Collection Collection   `gorm:"column:collection"`
	DocumentID uint32       `gorm:"column:document_id"`
	Until      *time.Time   `gorm:"column:until"` // set for Temporary links
	QuotaSize  int64        `gorm:"column:quota_size"`
}

func (blobLinkRow) TableName() string { return "store_blob_links" }

// taskQueueRow backs TASKQUEUE(due, account, doc_id, action).
type taskQueueRow struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement;column:id"`
	Due        time.Time `gorm:"column:due"`
	AccountID  uint32    `gorm:"column:account_id"`
	DocumentID uint32    `gorm:"column:document_id"`
	Action     string    `gorm:"column:action"`
	DedupKey   string    `gorm:"column:dedup_key"`
	Payload    []byte    `gorm:"column:payload"`
	Locked     bool      `gorm:"column:locked"`
}

func (taskQueueRow) TableName() string { return "store_task_queue" }

// lockRow backs the WebDAV lock state machine (spec §4.3 "State-machine of
// WebDAV locks").
type lockRow struct {
	AccountID  uint32     `gorm:"primaryKey;column:account_id"`
	Collection Collection `gorm:"primaryKey;column:collection"`
	Path       string     `gorm:"primaryKey;column:resource_path"`
	Token      string     `gorm:"column:token"`
	Owner      string     `gorm:"column:owner"`
	Depth      int        `gorm:"column:depth"`
	TimeoutS   int        `gorm:"column:timeout_s"`
	Expires    time.Time  `gorm:"column:expires"`
}

func (lockRow) TableName() string { return "store_locks" }

// aclRow backs per-container sharing grants (spec §4.3 `container_acl` /
// `shared_containers`). One row per (owner account, collection, container
// document, grantee account), carrying the granted privilege set as a
// comma-joined token list (e.g. "read,write,share") rather than a bitmask,
// matching the archive/index rows' preference for readable column values
// over packed encodings.
type aclRow struct {
	AccountID  uint32     `gorm:"primaryKey;column:account_id"` // owner account
	Collection Collection `gorm:"primaryKey;column:collection"`
	DocumentID uint32     `gorm:"primaryKey;column:document_id"` // container's own document id
	GranteeID  uint32     `gorm:"primaryKey;column:grantee_id"`
	Rights     string     `gorm:"column:rights"`
}

func (aclRow) TableName() string { return "store_acls" }

// allModels lists every table for AutoMigrate, mirroring internal/table's
// single-table AutoMigrate call but enumerated for the whole façade.
func allModels() []interface{} {
	return []interface{}{
		&archiveRow{}, &indexRow{}, &ChangeLogRow{}, &counterRow{},
		&blobRow{}, &blobLinkRow{}, &taskQueueRow{}, &lockRow{}, &aclRow{},
	}
}

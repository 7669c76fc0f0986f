package store

import "fmt"

// Key identifies a single logical slot inside one of the subspaces listed
// in spec §6.2. It is not a byte string: the GORM-backed façade resolves a
// Key into a composite-primary-key row lookup rather than a literal
// ordered-bytes comparison, but every field that would appear in the
// byte-prefix encoding is preserved here so range queries stay expressible.
type Key struct {
	AccountID  uint32
	Collection Collection
	DocumentID uint32
	Class      string
}

// ValueKey builds a VALUE(account, collection, doc_id, class) key.
func ValueKey(account uint32, coll Collection, doc uint32, class string) Key {
	return Key{AccountID: account, Collection: coll, DocumentID: doc, Class: class}
}

// IndexKey identifies one INDEX(account, collection, field, key, doc_id) row.
type IndexKey struct {
	AccountID  uint32
	Collection Collection
	Field      string
	IndexValue []byte
	DocumentID uint32
}

// IndexRange describes a scan over the INDEX subspace bounded to one
// (account, collection, field) and an optional key prefix/bound.
type IndexRange struct {
	AccountID  uint32
	Collection Collection
	Field      string
	FromKey    []byte // inclusive lower bound, nil = unbounded
	ToKey      []byte // exclusive upper bound, nil = unbounded
	Ascending  bool
	KeysOnly   bool
}

// CounterKey identifies a COUNTER(class) row. Class encodes the counter's
// purpose, e.g. "docid:{account}:{collection}", "uid:{account}:{mailbox}",
// "quota:{account}", "changeid:{account}:{sync_collection}".
type CounterKey struct {
	Class string
}

func DocIDCounterClass(account uint32, coll Collection) string {
	return fmt.Sprintf("docid:%d:%d", account, coll)
}

func UIDCounterClass(account uint32, mailboxDoc uint32) string {
	return fmt.Sprintf("uid:%d:%d", account, mailboxDoc)
}

func QuotaCounterClass(account uint32) string {
	return fmt.Sprintf("quota:%d", account)
}

func TenantQuotaCounterClass(tenant uint32) string {
	return fmt.Sprintf("tenant_quota:%d", tenant)
}

func ChangeIDCounterClass(account uint32, syncColl Collection) string {
	return fmt.Sprintf("changeid:%d:%d", account, syncColl)
}

// ChangeLogKind enumerates the change record kinds partitioned by REPORT
// sync-collection handling (spec §4.3 step 2).
type ChangeLogKind string

const (
	LogInsertContainer         ChangeLogKind = "InsertContainer"
	LogUpdateContainer         ChangeLogKind = "UpdateContainer"
	LogDeleteContainer         ChangeLogKind = "DeleteContainer"
	LogUpdateContainerProperty ChangeLogKind = "UpdateContainerProperty"
	LogInsertItem              ChangeLogKind = "InsertItem"
	LogUpdateItem              ChangeLogKind = "UpdateItem"
	LogDeleteItem              ChangeLogKind = "DeleteItem"
)

// Range is a generic (from, to) bound pair over VALUE-subspace classes,
// used by delete_range and by class-prefix scans (e.g. listing every
// property value of a document).
type Range struct {
	AccountID    uint32
	Collection   Collection
	FromDocument uint32
	ToDocument   uint32 // exclusive; 0 means unbounded-upper
	ClassPrefix  string
}

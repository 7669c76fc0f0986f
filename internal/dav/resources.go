// Package dav implements the WebDAV/JMAP query engine from spec §4.3:
// resource resolution, PROPFIND with depth, REPORT (sync-collection,
// multiget, calendar-query/addressbook-query), ACL-bounded visibility,
// and sync tokens. IMAP/CalDAV/CardDAV wire framing and the raw
// iCalendar/vCard parsers are external collaborators (spec §1 Non-goals);
// this package works against already-parsed resource metadata plus the
// Store façade; WebDAV locks live in internal/lock, which this package
// does not consult.
//
// Grounded on original_source/crates/dav/src/common/propfind.rs for the
// PropfindMode (allprop/expand vs. named-properties) distinction and the
// not-found-vs-elided rule; internal/go-imap-mess/mailbox.go's
// per-connection pending-update/sync pattern for how a resource cache's
// highest_change_id watermark is maintained without locking across
// network sends.
package dav

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/spilledink/mailcore/internal/store"
)

func unmarshalResourceRecord(raw []byte, rec *resourceRecord) error {
	return json.Unmarshal(raw, rec)
}

// ResourcePath is one node in a groupware collection's tree: a container
// (Calendar, AddressBook, FileNode directory, Principal) or a leaf item
// (CalendarEvent, ContactCard, FileNode file), per spec §3's
// "DavResourcePath{document_id, parent_id, name, is_container, acl}".
type ResourcePath struct {
	DocumentID  uint32
	ParentID    uint32 // 0 = collection root
	Name        string
	IsContainer bool
	ACL         []store.ACLGrant
}

// resourceRecord is the archive shape every groupware container/item
// stores under class "dav_meta" (spec §9's ArchivedResource capability
// set: etag, created, modified, acls live in the document's own archive;
// this record is the subset the tree cache needs to resolve paths and
// visibility without re-reading every document body).
type resourceRecord struct {
	ParentID    uint32 `json:"parent_id"`
	Name        string `json:"name"`
	IsContainer bool   `json:"is_container"`
}

// Resources is the in-memory cache of one (account, sync collection)'s
// full resource tree, per spec §3's "Resource cache (in-memory, derived)".
// It is rebuilt from the Store façade and kept current via change-log
// watermarks rather than by direct invalidation from other subsystems
// (spec §5's caching discipline).
type Resources struct {
	store      *store.Store
	account    uint32
	collection store.Collection

	mu       sync.RWMutex
	byID     map[uint32]ResourcePath
	children map[uint32][]uint32 // parent -> child doc ids, sorted by Name
	highest  uint64
}

// NewResources builds an empty cache for (account, collection); call
// Refresh before first use.
func NewResources(s *store.Store, account uint32, coll store.Collection) *Resources {
	return &Resources{store: s, account: account, collection: coll, byID: map[uint32]ResourcePath{}, children: map[uint32][]uint32{}}
}

// Refresh reloads the full tree from the Store façade and advances the
// watermark to the collection's current highest change id. Cheap enough
// to call whenever a caller observes a change-log entry past the cached
// watermark; a dedicated invalidation channel is not required because
// every write to this collection goes through the Store façade's change
// log, which Refresh consults directly.
func (r *Resources) Refresh(ctx context.Context) error {
	metaClass := "dav_meta"
	raws, err := r.store.ListValues(ctx, r.account, r.collection, metaClass)
	if err != nil {
		return err
	}

	byID := make(map[uint32]ResourcePath, len(raws))
	children := make(map[uint32][]uint32)
	for id, raw := range raws {
		var rec resourceRecord
		if err := unmarshalResourceRecord(raw, &rec); err != nil {
			continue
		}
		acl, err := r.store.ContainerACL(ctx, r.account, r.collection, id)
		if err != nil {
			return err
		}
		byID[id] = ResourcePath{DocumentID: id, ParentID: rec.ParentID, Name: rec.Name, IsContainer: rec.IsContainer, ACL: acl}
		children[rec.ParentID] = append(children[rec.ParentID], id)
	}
	for parent := range children {
		sort.Slice(children[parent], func(i, j int) bool {
			return byID[children[parent][i]].Name < byID[children[parent][j]].Name
		})
	}

	last, err := r.store.GetCounter(ctx, store.ChangeIDCounterClass(r.account, r.collection))
	if err != nil {
		return err
	}
	highest := uint64(last)

	r.mu.Lock()
	r.byID, r.children, r.highest = byID, children, highest
	r.mu.Unlock()
	return nil
}

// HighestChangeID returns the watermark this cache was last built at,
// consulted by REPORT sync-collection to mint the next sync token (spec
// §4.3 step 5).
func (r *Resources) HighestChangeID() uint64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.highest
}

// ByPath resolves a '/'-joined name path (relative to the collection
// root) to a resource, ok=false if no such path exists.
func (r *Resources) ByPath(ctx context.Context, segments []string) (ResourcePath, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var parent uint32
	var found ResourcePath
	ok := len(segments) == 0
	for _, seg := range segments {
		ok = false
		for _, childID := range r.children[parent] {
			child := r.byID[childID]
			if child.Name == seg {
				found = child
				parent = childID
				ok = true
				break
			}
		}
		if !ok {
			return ResourcePath{}, false
		}
	}
	return found, ok
}

// TreeWithDepth returns root (document id 0 meaning the collection root)
// and, depending on depth, its children (DepthOne) or its full subtree
// (DepthInfinity). DepthZero returns just the root resources named by
// roots. Non-Principal/non-groupware-event callers should reject
// DepthInfinity before calling this (spec §4.3's "Infinity allowed only
// for Principal...").
func (r *Resources) TreeWithDepth(roots []uint32, depth Depth) []ResourcePath {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ResourcePath
	for _, root := range roots {
		if res, ok := r.byID[root]; ok {
			out = append(out, res)
		}
		switch depth {
		case DepthOne:
			for _, childID := range r.children[root] {
				out = append(out, r.byID[childID])
			}
		case DepthInfinity:
			out = append(out, r.subtree(root)...)
		}
	}
	return out
}

// SubtreeWithDepth is TreeWithDepth for a single explicit resource path
// rather than the collection root(s) — the "groupware events under an
// explicit resource path" Depth-Infinity exception of spec §4.3.
func (r *Resources) SubtreeWithDepth(root uint32, depth Depth) []ResourcePath {
	return r.TreeWithDepth([]uint32{root}, depth)
}

func (r *Resources) subtree(root uint32) []ResourcePath {
	var out []ResourcePath
	for _, childID := range r.children[root] {
		child := r.byID[childID]
		out = append(out, child)
		out = append(out, r.subtree(childID)...)
	}
	return out
}

// Depth mirrors the WebDAV Depth header values a PROPFIND/REPORT request
// can carry (spec §4.3).
type Depth int

const (
	DepthZero     Depth = 0
	DepthOne      Depth = 1
	DepthInfinity Depth = -1
)

// SharedContainers delegates to the Store façade's ACL scan, the
// authoritative source for "containers visible to grantee" (spec §4.3's
// `shared_containers(token, required_acls, include_owned)`).
func (r *Resources) SharedContainers(ctx context.Context, grantee uint32, requiredRights []string, includeOwned bool) ([]store.SharedContainer, error) {
	return r.store.SharedContainers(ctx, grantee, requiredRights, includeOwned)
}

// ContainerACL returns the live ACL grants on one container's document,
// re-reading the cached copy built by Refresh when present (avoiding a
// store round trip for the common case of re-checking the same container
// across many items in one PROPFIND response).
func (r *Resources) ContainerACL(doc uint32) []store.ACLGrant {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[doc].ACL
}

// ByID resolves a resource by document id directly, the lookup a JMAP
// `Foo/get` call needs (JMAP addresses objects by id, never by path).
func (r *Resources) ByID(doc uint32) (ResourcePath, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.byID[doc]
	return res, ok
}

// ChildrenOf returns the immediate children of parent in display order,
// the enumeration a JMAP `Foo/query` call filters and paginates over.
func (r *Resources) ChildrenOf(parent uint32) []ResourcePath {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := r.children[parent]
	out := make([]ResourcePath, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.byID[id])
	}
	return out
}

// Account returns the account this cache was built for.
func (r *Resources) Account() uint32 { return r.account }

// Collection returns the sync collection this cache was built for.
func (r *Resources) Collection() store.Collection { return r.collection }

package store

import (
	"context"
	"sort"
	"strings"

	"gorm.io/gorm/clause"

	"github.com/spilledink/mailcore/internal/mailerrors"
)

// ACLGrant is one grantee's privilege set on a container, as surfaced by
// DavResources.container_acl (spec §4.3).
type ACLGrant struct {
	GranteeID uint32
	Rights    []string
}

// SetACL replaces the privilege set a container (account, collection, doc)
// grants to grantee. An empty rights set removes the grant entirely, so
// callers don't need a separate RevokeACL.
func (s *Store) SetACL(ctx context.Context, account uint32, coll Collection, doc, grantee uint32, rights []string) error {
	if len(rights) == 0 {
		err := s.db.WithContext(ctx).
			Where("account_id = ? AND collection = ? AND document_id = ? AND grantee_id = ?",
				account, coll, doc, grantee).
			Delete(&aclRow{}).Error
		if err != nil {
			return mailerrors.Wrap(mailerrors.KindTransientIO, "store set_acl revoke", err)
		}
		return nil
	}

	sorted := append([]string(nil), rights...)
	sort.Strings(sorted)
	row := aclRow{
		AccountID:  account,
		Collection: coll,
		DocumentID: doc,
		GranteeID:  grantee,
		Rights:     strings.Join(sorted, ","),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "account_id"}, {Name: "collection"}, {Name: "document_id"}, {Name: "grantee_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"rights"}),
	}).Create(&row).Error
	if err != nil {
		return mailerrors.Wrap(mailerrors.KindTransientIO, "store set_acl", err)
	}
	return nil
}

// ContainerACL returns every grant on one container, backing
// DavResources.container_acl.
func (s *Store) ContainerACL(ctx context.Context, account uint32, coll Collection, doc uint32) ([]ACLGrant, error) {
	var rows []aclRow
	err := s.db.WithContext(ctx).
		Where("account_id = ? AND collection = ? AND document_id = ?", account, coll, doc).
		Order("grantee_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, mailerrors.Wrap(mailerrors.KindTransientIO, "store container_acl", err)
	}
	out := make([]ACLGrant, 0, len(rows))
	for _, r := range rows {
		out = append(out, ACLGrant{GranteeID: r.GranteeID, Rights: splitRights(r.Rights)})
	}
	return out, nil
}

// SharedContainer is one container visible to a grantee through an ACL
// grant (or ownership, when requested), backing
// DavResources.shared_containers(token, required_acls, include_owned).
type SharedContainer struct {
	AccountID  uint32 // owning account
	Collection Collection
	DocumentID uint32
	Rights     []string // empty when surfaced purely via include_owned
	Owned      bool
}

// SharedContainers returns every container visible to grantee: containers
// where grantee holds all of requiredRights, plus (when includeOwned) every
// container grantee owns outright, matching spec §4.3's ACL-bounded
// visibility rule for PROPFIND/REPORT traversal.
func (s *Store) SharedContainers(ctx context.Context, grantee uint32, requiredRights []string, includeOwned bool) ([]SharedContainer, error) {
	var rows []aclRow
	err := s.db.WithContext(ctx).
		Where("grantee_id = ?", grantee).
		Order("account_id ASC, collection ASC, document_id ASC").
		Find(&rows).Error
	if err != nil {
		return nil, mailerrors.Wrap(mailerrors.KindTransientIO, "store shared_containers acl scan", err)
	}

	out := make([]SharedContainer, 0, len(rows))
	for _, r := range rows {
		granted := splitRights(r.Rights)
		if !hasAllRights(granted, requiredRights) {
			continue
		}
		out = append(out, SharedContainer{
			AccountID:  r.AccountID,
			Collection: r.Collection,
			DocumentID: r.DocumentID,
			Rights:     granted,
		})
	}

	if includeOwned {
		var owned []archiveRow
		err := s.db.WithContext(ctx).
			Where("account_id = ?", grantee).
			Find(&owned).Error
		if err != nil {
			return nil, mailerrors.Wrap(mailerrors.KindTransientIO, "store shared_containers owned scan", err)
		}
		seen := make(map[[2]uint32]bool, len(owned))
		for _, o := range owned {
			key := [2]uint32{uint32(o.Collection), o.DocumentID}
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, SharedContainer{
				AccountID:  grantee,
				Collection: o.Collection,
				DocumentID: o.DocumentID,
				Owned:      true,
			})
		}
	}
	return out, nil
}

func splitRights(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}

func hasAllRights(granted, required []string) bool {
	if len(required) == 0 {
		return true
	}
	have := make(map[string]bool, len(granted))
	for _, g := range granted {
		have[g] = true
	}
	for _, r := range required {
		if !have[r] {
			return false
		}
	}
	return true
}

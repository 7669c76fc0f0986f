package jmap

import (
	"context"
	"strconv"

	"github.com/spilledink/mailcore/internal/dav"
	"github.com/spilledink/mailcore/internal/store"
)

// propsClass is the archive class under which a JMAP object's own
// property set is stored, parallel to dav's "dav_meta" class that carries
// only the tree-shape fields (parent/name/container). Keeping the two
// classes separate lets dav.Resources.Refresh stay a cheap tree-only scan
// even as JMAP objects accumulate large property sets.
const propsClass = "jmap_props"

// GetRequest is a `Foo/get` argument object (spec §4.3, RFC 8620 §5.1).
type GetRequest struct {
	AccountID  string   `json:"accountId"`
	IDs        []string `json:"ids"`
	Properties []string `json:"properties"`
}

// GetResponse is a `Foo/get` result object.
type GetResponse struct {
	AccountID string                   `json:"accountId"`
	State     string                   `json:"state"`
	List      []map[string]interface{} `json:"list"`
	NotFound  []string                 `json:"notFound"`
}

// Get resolves each id in req against res/s, projecting req.Properties
// when given (nil/empty means "all properties"), per RFC 8620 §5.1's
// get-by-id contract. ids not present, or present but ACL-invisible to
// grantee, are reported in NotFound rather than erroring the whole call
// (RFC 8620: "a Foo/get call never fails just because some ids don't
// exist"). owner is the account principal id CanRead compares grantee
// against for the implicit "owner always sees their own data" rule.
func Get(ctx context.Context, s *store.Store, res *dav.Resources, owner, grantee uint32, req GetRequest) (GetResponse, error) {
	out := GetResponse{AccountID: req.AccountID, State: changeIDState(res.HighestChangeID())}

	ids := req.IDs
	if ids == nil {
		ids = allIDs(res)
	}

	for _, idStr := range ids {
		doc, ok := parseID(idStr)
		if !ok {
			out.NotFound = append(out.NotFound, idStr)
			continue
		}
		rp, ok := res.ByID(doc)
		if !ok {
			out.NotFound = append(out.NotFound, idStr)
			continue
		}
		acl := res.ContainerACL(rp.ParentID)
		if !dav.CanRead(acl, owner, grantee) {
			out.NotFound = append(out.NotFound, idStr)
			continue
		}

		props, ok, err := store.GetValue[map[string]interface{}](ctx, s, store.ValueKey(res.Account(), res.Collection(), doc, propsClass))
		if err != nil {
			return GetResponse{}, err
		}
		if !ok {
			props = map[string]interface{}{}
		}
		props["id"] = idStr
		out.List = append(out.List, projectProperties(props, req.Properties))
	}

	return out, nil
}

func projectProperties(props map[string]interface{}, wanted []string) map[string]interface{} {
	if len(wanted) == 0 {
		return props
	}
	out := make(map[string]interface{}, len(wanted)+1)
	out["id"] = props["id"]
	for _, p := range wanted {
		if v, ok := props[p]; ok {
			out[p] = v
		}
	}
	return out
}

// allIDs lists every document id currently in res's tree, the "ids
// omitted entirely" branch of RFC 8620 §5.1 ("null means all the
// records").
func allIDs(res *dav.Resources) []string {
	var out []string
	for _, rp := range res.TreeWithDepth([]uint32{0}, dav.DepthInfinity) {
		out = append(out, formatID(rp.DocumentID))
	}
	return out
}

// formatID renders a document id as the opaque decimal string JMAP
// object ids use on the wire (RFC 8620 §1.2: ids are arbitrary strings
// of 1-255 ASCII characters, no structure implied to the client).
func formatID(doc uint32) string {
	return strconv.FormatUint(uint64(doc), 10)
}

// parseID is formatID's inverse, rejecting anything a client could not
// have gotten from a prior Get/Query response.
func parseID(s string) (uint32, bool) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, false
	}
	return uint32(n), true
}

// changeIDState renders a change-log watermark as the opaque "state"
// string RFC 8620 §5.1 has clients echo back unexamined on the next
// call; any two calls observing the same highest change id must render
// the same state string.
func changeIDState(highest uint64) string {
	return strconv.FormatUint(highest, 10)
}

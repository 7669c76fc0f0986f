package dav

import (
	"context"
	"encoding/xml"

	"github.com/spilledink/mailcore/internal/mailerrors"
	"github.com/spilledink/mailcore/internal/store"
)

// PropfindMode distinguishes the three request shapes PROPFIND can carry,
// grounded on original_source/crates/dav/src/common/propfind.rs's
// Allprop/Propname-vs-explicit-Prop split.
type PropfindMode int

const (
	// PropAll returns every live property the requester can see
	// (DAV:allprop).
	PropAll PropfindMode = iota
	// PropNames returns only the names of every live property, no values
	// (DAV:propname).
	PropNames
	// PropNamed returns only the explicitly requested properties.
	PropNamed
)

// Request is a parsed PROPFIND request (spec §4.3's "depth 0/1/infinity,
// allprop vs. named props").
type Request struct {
	Mode  PropfindMode
	Names []xml.Name // consulted only when Mode == PropNamed
	Depth Depth
}

// PropResult is one resource's property results. Missing holds property
// names that do not exist on this resource (surfaced as 404 inside the
// multistatus per-property response, never by omitting the resource
// entirely — the not-found-vs-elided rule from propfind.rs).
type PropResult struct {
	Resource ResourcePath
	Href     string
	Props    map[xml.Name]string
	Missing  []xml.Name
}

// PropertySource resolves named properties for one resource. Callers
// (the Email/Calendar/Contact/FileNode document types) each implement
// this against their own archived property set; dav itself only drives
// traversal, ACL filtering, and result assembly.
type PropertySource interface {
	LiveProperties(ctx context.Context, res ResourcePath) (map[xml.Name]string, error)
}

// CanRead reports whether grantee may see res, either by direct ACL grant
// on the container or container ownership. Item-level visibility
// inherits from its container's ACL (spec §4.3: ACL grants attach to
// containers, not individual items).
func CanRead(containerACL []store.ACLGrant, owner, grantee uint32) bool {
	if owner == grantee {
		return true
	}
	for _, g := range containerACL {
		if g.GranteeID != grantee {
			continue
		}
		for _, r := range g.Rights {
			if r == "read" {
				return true
			}
		}
	}
	return false
}

// HandleQuery implements the spec §4.3 PROPFIND algorithm: starting from
// the root document id the caller has already resolved the request URI
// to, reject Depth:infinity on non-Principal/
// non-event collections (the propfind-finite-depth precondition), walk
// the tree at the requested depth, drop resources the requester cannot
// read, and resolve properties for what remains.
func HandleQuery(ctx context.Context, res *Resources, src PropertySource, owner, grantee uint32, root uint32, allowInfinity bool, req Request) ([]PropResult, error) {
	if req.Depth == DepthInfinity && !allowInfinity {
		return nil, mailerrors.New(mailerrors.KindInput, "propfind-finite-depth").WithTarget("dav")
	}

	nodes := res.TreeWithDepth([]uint32{root}, req.Depth)

	out := make([]PropResult, 0, len(nodes))
	for _, n := range nodes {
		acl := res.ContainerACL(containerOf(n))
		if !CanRead(acl, owner, grantee) {
			continue
		}

		pr := PropResult{Resource: n, Href: hrefFor(n)}
		switch req.Mode {
		case PropNames:
			live, err := src.LiveProperties(ctx, n)
			if err != nil {
				return nil, err
			}
			pr.Props = map[xml.Name]string{}
			for name := range live {
				pr.Props[name] = ""
			}
		case PropAll:
			live, err := src.LiveProperties(ctx, n)
			if err != nil {
				return nil, err
			}
			pr.Props = live
		case PropNamed:
			live, err := src.LiveProperties(ctx, n)
			if err != nil {
				return nil, err
			}
			pr.Props = map[xml.Name]string{}
			for _, name := range req.Names {
				if v, ok := live[name]; ok {
					pr.Props[name] = v
				} else {
					pr.Missing = append(pr.Missing, name)
				}
			}
		}
		out = append(out, pr)
	}
	return out, nil
}

// containerOf returns the ACL-bearing container for a resource: itself
// if it is a container, else its parent.
func containerOf(n ResourcePath) uint32 {
	if n.IsContainer {
		return n.DocumentID
	}
	return n.ParentID
}

func hrefFor(n ResourcePath) string { return n.Name }

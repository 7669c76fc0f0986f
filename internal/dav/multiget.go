package dav

import (
	"context"
	"strings"
)

// MultigetResult is one requested href's resolution: either a resource
// (with its properties already evaluated) or a miss.
type MultigetResult struct {
	Href  string
	Found bool
	Prop  PropResult
}

// Multiget implements REPORT {calendar,addressbook}-multiget (spec §4.3):
// resolve each requested href independently against the resource tree,
// apply the same ACL visibility rule as PROPFIND, and resolve properties
// for hits. Hrefs are resolved relative to the collection root; a miss is
// reported rather than causing the whole REPORT to fail, mirroring
// PROPFIND's "missing props are per-property 404s, not request failures"
// philosophy at the per-href level.
func Multiget(ctx context.Context, res *Resources, src PropertySource, owner, grantee uint32, hrefs []string, req Request) ([]MultigetResult, error) {
	out := make([]MultigetResult, 0, len(hrefs))
	for _, href := range hrefs {
		segs := splitHref(href)
		rp, ok := res.ByPath(ctx, segs)
		if !ok {
			out = append(out, MultigetResult{Href: href, Found: false})
			continue
		}

		acl := res.ContainerACL(containerOf(rp))
		if !CanRead(acl, owner, grantee) {
			out = append(out, MultigetResult{Href: href, Found: false})
			continue
		}

		single, err := HandleQuery(ctx, res, src, owner, grantee, rp.DocumentID, false, Request{Mode: req.Mode, Names: req.Names, Depth: DepthZero})
		if err != nil {
			return nil, err
		}
		if len(single) == 0 {
			out = append(out, MultigetResult{Href: href, Found: false})
			continue
		}
		out = append(out, MultigetResult{Href: href, Found: true, Prop: single[0]})
	}
	return out, nil
}

func splitHref(href string) []string {
	trimmed := strings.Trim(href, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

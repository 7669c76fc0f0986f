package dav

import (
	"context"
	"encoding/xml"
	"strings"
	"time"

	"github.com/spilledink/mailcore/internal/mailerrors"
)

// TimeRange bounds a calendar-query VEVENT/VTODO time-range filter.
type TimeRange struct {
	Start time.Time
	End   time.Time
}

// Instant is one expanded recurrence occurrence, used only to count
// instances against max_ical_instances — the occurrence's own fields
// are not otherwise inspected here.
type Instant struct {
	Start time.Time
	End   time.Time
}

// RecurrenceExpander expands one CalendarEvent's RRULE against window,
// implemented by the calendar document type (the iCalendar RRULE parser
// itself is an external collaborator per spec §1 Non-goals; dav only
// consumes its output to test a time-range filter and enforce the
// instance cap).
type RecurrenceExpander interface {
	ExpandInstances(ctx context.Context, res ResourcePath, window TimeRange, max int) ([]Instant, error)
}

// Filter is a parsed calendar-query/addressbook-query filter (spec §4.3):
// an optional component-type constraint (e.g. "VEVENT"), an optional
// time-range (calendar-query only), and property text-match constraints
// (case-insensitive substring, matching CardDAV's default collation).
type Filter struct {
	ComponentType string
	TimeRange     *TimeRange
	PropMatch     map[string]string // property local name -> required substring
}

func (f Filter) matchesProps(props map[string]string) bool {
	for name, want := range f.PropMatch {
		got, ok := props[name]
		if !ok || !strings.Contains(strings.ToLower(got), strings.ToLower(want)) {
			return false
		}
	}
	return true
}

// EvaluateQuery implements REPORT calendar-query/addressbook-query (spec
// §4.3): walk every item under root, drop ones the requester cannot read
// or that fail the filter's property/time-range test, expanding
// recurrence via expander when filter.TimeRange is set. Overflowing
// maxMatches returns mailerrors.ErrMatchesLimit ("INSUFFICIENT_STORAGE" +
// number-of-matches-within-limit, spec §4.3); overflowing maxInstances
// for any single event returns mailerrors.ErrRecurrenceCap.
func EvaluateQuery(ctx context.Context, res *Resources, src PropertySource, expander RecurrenceExpander, owner, grantee, root uint32, filter Filter, maxMatches, maxInstances int) ([]PropResult, error) {
	candidates := res.SubtreeWithDepth(root, DepthInfinity)

	var out []PropResult
	for _, n := range candidates {
		if n.IsContainer {
			continue
		}
		acl := res.ContainerACL(containerOf(n))
		if !CanRead(acl, owner, grantee) {
			continue
		}

		props, err := src.LiveProperties(ctx, n)
		if err != nil {
			return nil, err
		}
		if !filter.matchesProps(localNames(props)) {
			continue
		}

		if filter.TimeRange != nil {
			if expander == nil {
				continue
			}
			instances, err := expander.ExpandInstances(ctx, n, *filter.TimeRange, maxInstances)
			if err != nil {
				return nil, err
			}
			if len(instances) == 0 {
				continue
			}
			if len(instances) > maxInstances {
				return nil, mailerrors.ErrRecurrenceCap.WithTarget("dav")
			}
		}

		if maxMatches > 0 && len(out) >= maxMatches {
			return nil, mailerrors.ErrMatchesLimit.WithTarget("dav")
		}
		out = append(out, PropResult{Resource: n, Href: hrefFor(n), Props: props})
	}
	return out, nil
}

// localNames reduces a LiveProperties result to its local (unqualified)
// property names for filter matching, discarding namespace — distinct
// from propResultFields only in that it operates directly on the
// PropertySource return value rather than an already-built PropResult.
func localNames(props map[xml.Name]string) map[string]string {
	out := make(map[string]string, len(props))
	for name, v := range props {
		out[name.Local] = v
	}
	return out
}

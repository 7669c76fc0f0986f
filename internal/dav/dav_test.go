package dav

import (
	"context"
	"encoding/xml"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/spilledink/mailcore/internal/store"
)

func TestSyncTokenRoundTrips(t *testing.T) {
	tok := SyncToken{ID: 100, Seq: 42}
	parsed, err := ParseSyncToken(tok.String())
	require.NoError(t, err)
	require.Equal(t, tok, parsed)
}

func TestParseSyncTokenEmptyMeansInitial(t *testing.T) {
	parsed, err := ParseSyncToken("")
	require.NoError(t, err)
	require.Equal(t, SyncToken{}, parsed)
}

func TestParseSyncTokenRejectsGarbage(t *testing.T) {
	_, err := ParseSyncToken("not-a-token")
	require.Error(t, err)
}

// TestSyncCollectionPaginatesWithFixedWatermark reproduces spec §8
// scenario 3: a client holding Sync:100:0 against an account that just
// received 250 new changes, paged at limit=100, must see exactly
// Sync:100:0 -> Sync:100:1 -> Sync:100:2 -> Sync:350:0 — the watermark
// (100) stays fixed across the paginated session and only advances (to
// the new highest change id, 350) once the session's last page ships.
func TestSyncCollectionPaginatesWithFixedWatermark(t *testing.T) {
	s, err := store.Open(store.Config{Driver: "sqlite", DSN: []string{":memory:"}, NoRun: true})
	require.NoError(t, err)
	ctx := context.Background()

	const account = uint32(1)
	for i := 0; i < 350; i++ {
		b := store.NewBatchBuilder()
		b.Current().LogContainerInsert(account, store.CollCalendarEvent, uint32(i+1))
		_, err := s.Write(ctx, b.Build())
		require.NoError(t, err)
	}

	res := &Resources{byID: map[uint32]ResourcePath{}, children: map[uint32][]uint32{}}
	res.highest = 350

	page1, err := SyncCollection(ctx, s, res, account, store.CollCalendarEvent, 7, 7, SyncToken{ID: 100}, 100)
	require.NoError(t, err)
	require.True(t, page1.Truncated)
	require.Len(t, page1.Changes, 100)
	require.Equal(t, SyncToken{ID: 100, Seq: 1}, page1.NextToken)
	require.Equal(t, "urn:ietf:params:xml:ns:Sync:100:1", page1.NextToken.String())

	page2, err := SyncCollection(ctx, s, res, account, store.CollCalendarEvent, 7, 7, page1.NextToken, 100)
	require.NoError(t, err)
	require.True(t, page2.Truncated)
	require.Len(t, page2.Changes, 100)
	require.Equal(t, SyncToken{ID: 100, Seq: 2}, page2.NextToken)
	require.Equal(t, "urn:ietf:params:xml:ns:Sync:100:2", page2.NextToken.String())

	page3, err := SyncCollection(ctx, s, res, account, store.CollCalendarEvent, 7, 7, page2.NextToken, 100)
	require.NoError(t, err)
	require.False(t, page3.Truncated)
	require.Len(t, page3.Changes, 50)
	require.Equal(t, SyncToken{ID: 350, Seq: 0}, page3.NextToken)
	require.Equal(t, "urn:ietf:params:xml:ns:Sync:350:0", page3.NextToken.String())

	seen := make(map[string]bool, 250)
	for _, c := range page1.Changes {
		seen[c.Href] = true
	}
	for _, c := range page2.Changes {
		require.False(t, seen[c.Href], "page 2 must not repeat a page 1 entry")
		seen[c.Href] = true
	}
	for _, c := range page3.Changes {
		require.False(t, seen[c.Href], "page 3 must not repeat an earlier page's entry")
		seen[c.Href] = true
	}
	require.Len(t, seen, 250)
}

func TestFilterMatchesPropsRequiresAllTerms(t *testing.T) {
	f := Filter{PropMatch: map[string]string{"SUMMARY": "standup", "LOCATION": "room"}}
	require.True(t, f.matchesProps(map[string]string{"SUMMARY": "Daily Standup", "LOCATION": "Room 4"}))
	require.False(t, f.matchesProps(map[string]string{"SUMMARY": "Daily Standup"}))
}

func TestLocalNamesDropsNamespace(t *testing.T) {
	props := map[xml.Name]string{
		{Space: "DAV:", Local: "displayname"}: "Team Calendar",
	}
	out := localNames(props)
	require.Equal(t, "Team Calendar", out["displayname"])
}

// fakeResources builds a minimal in-memory tree bypassing Store, exercising
// TreeWithDepth/SubtreeWithDepth/ByPath/ContainerACL directly — the pieces
// PROPFIND, sync, multiget, and filter evaluation all depend on.
func fakeResources() *Resources {
	r := &Resources{
		byID:     map[uint32]ResourcePath{},
		children: map[uint32][]uint32{},
	}
	r.byID[1] = ResourcePath{DocumentID: 1, ParentID: 0, Name: "work", IsContainer: true}
	r.byID[2] = ResourcePath{DocumentID: 2, ParentID: 1, Name: "standup.ics", IsContainer: false}
	r.byID[3] = ResourcePath{DocumentID: 3, ParentID: 1, Name: "retro.ics", IsContainer: false}
	r.children[0] = []uint32{1}
	r.children[1] = []uint32{2, 3}
	return r
}

func TestTreeWithDepthZeroReturnsOnlyRoot(t *testing.T) {
	r := fakeResources()
	out := r.TreeWithDepth([]uint32{1}, DepthZero)
	require.Len(t, out, 1)
	require.Equal(t, uint32(1), out[0].DocumentID)
}

func TestTreeWithDepthOneReturnsChildren(t *testing.T) {
	r := fakeResources()
	out := r.TreeWithDepth([]uint32{1}, DepthOne)
	require.Len(t, out, 3)
}

func TestSubtreeWithDepthInfinityRecurses(t *testing.T) {
	r := fakeResources()
	out := r.SubtreeWithDepth(0, DepthInfinity)
	require.Len(t, out, 3)
}

func TestByPathResolvesNestedName(t *testing.T) {
	r := fakeResources()
	found, ok := r.ByPath(context.Background(), []string{"work", "standup.ics"})
	require.True(t, ok)
	require.Equal(t, uint32(2), found.DocumentID)
}

func TestByPathMissingSegmentFails(t *testing.T) {
	r := fakeResources()
	_, ok := r.ByPath(context.Background(), []string{"work", "nope.ics"})
	require.False(t, ok)
}

type stubPropSource struct {
	props map[uint32]map[xml.Name]string
}

func (s stubPropSource) LiveProperties(ctx context.Context, res ResourcePath) (map[xml.Name]string, error) {
	return s.props[res.DocumentID], nil
}

func TestHandleQueryRejectsInfiniteDepthWhenDisallowed(t *testing.T) {
	r := fakeResources()
	src := stubPropSource{props: map[uint32]map[xml.Name]string{}}
	_, err := HandleQuery(context.Background(), r, src, 0, 0, 1, false, Request{Mode: PropAll, Depth: DepthInfinity})
	require.Error(t, err)
}

func TestHandleQueryOwnerSeesAllResourcesAtDepthOne(t *testing.T) {
	r := fakeResources()
	src := stubPropSource{props: map[uint32]map[xml.Name]string{
		1: {{Space: "DAV:", Local: "displayname"}: "Work"},
		2: {{Space: "DAV:", Local: "displayname"}: "Standup"},
		3: {{Space: "DAV:", Local: "displayname"}: "Retro"},
	}}
	out, err := HandleQuery(context.Background(), r, src, 7, 7, 1, true, Request{Mode: PropAll, Depth: DepthOne})
	require.NoError(t, err)
	require.Len(t, out, 3)
}

func TestHandleQueryNamedPropReportsMissing(t *testing.T) {
	r := fakeResources()
	src := stubPropSource{props: map[uint32]map[xml.Name]string{
		1: {{Space: "DAV:", Local: "displayname"}: "Work"},
	}}
	want := []xml.Name{{Space: "DAV:", Local: "displayname"}, {Space: "DAV:", Local: "getetag"}}
	out, err := HandleQuery(context.Background(), r, src, 7, 7, 1, true, Request{Mode: PropNamed, Names: want, Depth: DepthZero})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Len(t, out[0].Missing, 1)
	require.Equal(t, "getetag", out[0].Missing[0].Local)
}

func TestMultigetReturnsMissForUnknownHref(t *testing.T) {
	r := fakeResources()
	src := stubPropSource{props: map[uint32]map[xml.Name]string{}}
	out, err := Multiget(context.Background(), r, src, 7, 7, []string{"work/ghost.ics"}, Request{Mode: PropAll})
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.False(t, out[0].Found)
}

func TestMultigetResolvesKnownHref(t *testing.T) {
	r := fakeResources()
	src := stubPropSource{props: map[uint32]map[xml.Name]string{
		2: {{Space: "DAV:", Local: "getetag"}: "\"abc\""},
	}}
	out, err := Multiget(context.Background(), r, src, 7, 7, []string{"work/standup.ics"}, Request{Mode: PropAll})
	require.NoError(t, err)
	require.True(t, out[0].Found)
	require.Equal(t, uint32(2), out[0].Prop.Resource.DocumentID)
}

type stubExpander struct {
	instances []Instant
	err       error
}

func (s stubExpander) ExpandInstances(ctx context.Context, res ResourcePath, window TimeRange, max int) ([]Instant, error) {
	return s.instances, s.err
}

func TestEvaluateQueryCapsRecurrenceInstances(t *testing.T) {
	r := fakeResources()
	src := stubPropSource{props: map[uint32]map[xml.Name]string{
		2: {}, 3: {},
	}}
	expander := stubExpander{instances: []Instant{{}, {}, {}}}
	window := TimeRange{Start: time.Now(), End: time.Now().Add(time.Hour)}
	_, err := EvaluateQuery(context.Background(), r, src, expander, 7, 7, 1, Filter{TimeRange: &window}, 0, 2)
	require.Error(t, err)
}

func TestEvaluateQueryEnforcesMatchesLimit(t *testing.T) {
	r := fakeResources()
	src := stubPropSource{props: map[uint32]map[xml.Name]string{
		2: {}, 3: {},
	}}
	_, err := EvaluateQuery(context.Background(), r, src, nil, 7, 7, 1, Filter{}, 1, 0)
	require.Error(t, err)
}

package jmap

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spilledink/mailcore/internal/dav"
	"github.com/spilledink/mailcore/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Config{Driver: "sqlite", DSN: []string{":memory:"}, NoRun: true})
	require.NoError(t, err)
	return s
}

// seedResource writes one dav_meta row plus a jmap_props row under the
// given account/collection, the shape internal/dav.Resources.Refresh and
// this package's Get both read.
func seedResource(t *testing.T, s *store.Store, account uint32, coll store.Collection, doc, parent uint32, name string, isContainer bool, props map[string]interface{}) {
	t.Helper()
	b := store.NewBatchBuilder()
	b.Current().SetValue(account, coll, doc, "dav_meta", map[string]interface{}{
		"parent_id":    parent,
		"name":         name,
		"is_container": isContainer,
	})
	if props != nil {
		b.Current().SetValue(account, coll, doc, propsClass, props)
	}
	_, err := s.Write(context.Background(), b.Build())
	require.NoError(t, err)
}

func buildResources(t *testing.T, s *store.Store, account uint32, coll store.Collection) *dav.Resources {
	t.Helper()
	res := dav.NewResources(s, account, coll)
	require.NoError(t, res.Refresh(context.Background()))
	return res
}

func TestInvocationRoundTripsAsThreeElementArray(t *testing.T) {
	inv := Invocation{Name: "CalendarEvent/get", Args: []byte(`{"accountId":"a1"}`), CallID: "c1"}
	raw, err := inv.MarshalJSON()
	require.NoError(t, err)
	require.JSONEq(t, `["CalendarEvent/get",{"accountId":"a1"},"c1"]`, string(raw))

	var back Invocation
	require.NoError(t, back.UnmarshalJSON(raw))
	require.Equal(t, inv.Name, back.Name)
	require.Equal(t, inv.CallID, back.CallID)
	require.JSONEq(t, string(inv.Args), string(back.Args))
}

func TestDispatchRoutesByMethodNameInOrder(t *testing.T) {
	d := NewDispatcher()
	var order []string
	d.Handle("Foo/get", func(args []byte, callID string) Invocation {
		order = append(order, callID)
		return reply("Foo/get", callID, map[string]string{"ok": "1"})
	})

	req := Request{MethodCalls: []Invocation{
		{Name: "Foo/get", CallID: "c1"},
		{Name: "Foo/get", CallID: "c2"},
	}}
	resp := d.Dispatch(req, "state1")
	require.Equal(t, "state1", resp.SessionState)
	require.Equal(t, []string{"c1", "c2"}, order)
	require.Len(t, resp.MethodResponses, 2)
}

func TestDispatchUnknownMethodReturnsMethodError(t *testing.T) {
	d := NewDispatcher()
	req := Request{MethodCalls: []Invocation{{Name: "Bogus/get", CallID: "c1"}}}
	resp := d.Dispatch(req, "state1")
	require.Len(t, resp.MethodResponses, 1)
	require.Equal(t, "error", resp.MethodResponses[0].Name)

	var methErr MethodError
	raw := resp.MethodResponses[0].Args
	require.NoError(t, json.Unmarshal(raw, &methErr))
	require.Equal(t, "unknownMethod", methErr.Type)
}

func TestGetProjectsRequestedPropertiesOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedResource(t, s, 1, store.CollCalendarEvent, 1, 0, "standup.ics", false, map[string]interface{}{
		"summary":  "Daily Standup",
		"location": "Room 4",
	})
	res := buildResources(t, s, 1, store.CollCalendarEvent)

	resp, err := Get(ctx, s, res, 0, 0, GetRequest{
		IDs:        []string{formatID(1)},
		Properties: []string{"summary"},
	})
	require.NoError(t, err)
	require.Len(t, resp.List, 1)
	require.Equal(t, "Daily Standup", resp.List[0]["summary"])
	require.NotContains(t, resp.List[0], "location")
	require.Empty(t, resp.NotFound)
}

func TestGetUnknownIDReportedAsNotFound(t *testing.T) {
	s := openTestStore(t)
	res := buildResources(t, s, 1, store.CollCalendarEvent)

	resp, err := Get(context.Background(), s, res, 0, 0, GetRequest{IDs: []string{formatID(99)}})
	require.NoError(t, err)
	require.Empty(t, resp.List)
	require.Equal(t, []string{formatID(99)}, resp.NotFound)
}

func TestGetHidesResourceGranteeCannotRead(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedResource(t, s, 1, store.CollCalendarEvent, 1, 0, "private.ics", false, map[string]interface{}{"summary": "Secret"})
	res := buildResources(t, s, 1, store.CollCalendarEvent)

	resp, err := Get(ctx, s, res, 1, 2, GetRequest{IDs: []string{formatID(1)}})
	require.NoError(t, err)
	require.Empty(t, resp.List)
	require.Equal(t, []string{formatID(1)}, resp.NotFound)
}

func TestGetOwnerAlwaysSeesOwnData(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	seedResource(t, s, 1, store.CollCalendarEvent, 1, 0, "mine.ics", false, map[string]interface{}{"summary": "Mine"})
	res := buildResources(t, s, 1, store.CollCalendarEvent)

	resp, err := Get(ctx, s, res, 5, 5, GetRequest{})
	require.NoError(t, err)
	require.Len(t, resp.List, 1)
	require.Equal(t, "Mine", resp.List[0]["summary"])
}

func TestParseIDRejectsNonNumeric(t *testing.T) {
	_, ok := parseID("not-an-id")
	require.False(t, ok)
}

func TestFormatIDParseIDRoundTrip(t *testing.T) {
	id, ok := parseID(formatID(42))
	require.True(t, ok)
	require.EqualValues(t, 42, id)
}

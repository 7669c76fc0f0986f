// Package jmap implements the JMAP half of spec §4.3's "WebDAV/JMAP query
// engine": the method-call dispatch contract of RFC 8620/8621 (`Foo/get`,
// `Foo/query`, `Foo/changes`, `Foo/queryChanges`, `Foo/set`) over the same
// groupware resource tree internal/dav drives for PROPFIND/REPORT. Wire
// framing (HTTP routing for the endpoints spec §6.1 names, JSON decoding
// of the outer request) is an external collaborator; this package owns
// the method semantics once a request has been unmarshaled into a
// Request. Of those methods only `Foo/get` is implemented here (Get);
// there is no query, changes, queryChanges or set implementation.
//
// Grounded on the retrieved jmap-service-email example's plugin
// invocation contract (cmd/email-set/main.go's
// plugincontract.PluginInvocationRequest/Response: Method, Args, ClientID,
// and an error MethodResponse shaped {type, description}), adapted from
// its one-method-per-Lambda split to a single in-process dispatcher over
// internal/store and internal/dav.Resources.
package jmap

import (
	"encoding/json"
)

// Invocation is one `[name, arguments, id]` triple from a JMAP request or
// response body (spec §6.1: "a method-calls request is an array of
// [name, args, callId]").
type Invocation struct {
	Name   string
	Args   json.RawMessage
	CallID string
}

// MarshalJSON renders an Invocation as the 3-element array RFC 8620
// requires, not a JSON object.
func (inv Invocation) MarshalJSON() ([]byte, error) {
	args := inv.Args
	if args == nil {
		args = json.RawMessage("{}")
	}
	return json.Marshal([3]json.RawMessage{
		mustQuoteString(inv.Name), args, mustQuoteString(inv.CallID),
	})
}

// UnmarshalJSON parses the 3-element array form back into an Invocation.
func (inv *Invocation) UnmarshalJSON(data []byte) error {
	var triple [3]json.RawMessage
	if err := json.Unmarshal(data, &triple); err != nil {
		return err
	}
	if err := json.Unmarshal(triple[0], &inv.Name); err != nil {
		return err
	}
	inv.Args = triple[1]
	return json.Unmarshal(triple[2], &inv.CallID)
}

func mustQuoteString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

// Request is one JMAP HTTP POST /jmap body (spec §6.1).
type Request struct {
	Using       []string     `json:"using"`
	MethodCalls []Invocation `json:"methodCalls"`
}

// Response is the body returned from a JMAP POST /jmap call.
type Response struct {
	MethodResponses []Invocation `json:"methodResponses"`
	SessionState    string       `json:"sessionState"`
}

// MethodError is the JMAP method-level error shape (distinct from a
// per-object SetError): the whole invocation failed before producing a
// type-specific response, e.g. "unknownMethod", "accountNotFound",
// "invalidArguments".
type MethodError struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

func errorInvocation(callID string, errType, description string) Invocation {
	raw, _ := json.Marshal(MethodError{Type: errType, Description: description})
	return Invocation{Name: "error", Args: raw, CallID: callID}
}

// Dispatcher routes one Invocation to its method handler and accumulates
// the prior call's results the way a real JMAP client's back-reference
// (`#id`) resolution would need them; this dispatcher does not itself
// resolve back-references (an external collaborator's concern per spec
// §1's parser/wire-format non-goals) but keeps the per-call ordering a
// back-reference resolver would rely on.
type Dispatcher struct {
	handlers map[string]func(args json.RawMessage, callID string) Invocation
}

// NewDispatcher builds an empty method dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]func(json.RawMessage, string) Invocation)}
}

// Handle registers fn for method name (e.g. "CalendarEvent/get").
func (d *Dispatcher) Handle(name string, fn func(args json.RawMessage, callID string) Invocation) {
	d.handlers[name] = fn
}

// Dispatch processes every call in req in order and builds the Response.
// State is reused verbatim as SessionState since this package's Session
// object keeps no separate account-independent state counter.
func (d *Dispatcher) Dispatch(req Request, sessionState string) Response {
	resp := Response{SessionState: sessionState}
	for _, call := range req.MethodCalls {
		fn, ok := d.handlers[call.Name]
		if !ok {
			resp.MethodResponses = append(resp.MethodResponses, errorInvocation(call.CallID, "unknownMethod", "no handler for "+call.Name))
			continue
		}
		resp.MethodResponses = append(resp.MethodResponses, fn(call.Args, call.CallID))
	}
	return resp
}

// reply wraps a successful method result into its response Invocation.
func reply(name, callID string, result interface{}) Invocation {
	raw, _ := json.Marshal(result)
	return Invocation{Name: name, Args: raw, CallID: callID}
}

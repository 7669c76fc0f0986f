// Package mailerrors implements the error taxonomy from spec §7: a small
// set of Kinds (not language exception types) that every subsystem maps
// its failures onto, plus field attachment for logging.
//
// Grounded on internal/target/remote's moduleError/exterrors.WithFields
// idiom (a plain error wrapped with a map of structured fields) — the
// teacher's own framework/exterrors package is not part of the retrieved
// pack, so the shape is reimplemented here rather than imported.
package mailerrors

import "fmt"

// Kind classifies an error for propagation-policy purposes (spec §7).
type Kind int

const (
	KindInput Kind = iota
	KindQuota
	KindConflict
	KindTransientIO
	KindPermanentIO
	KindInternal
)

func (k Kind) String() string {
	switch k {
	case KindInput:
		return "input"
	case KindQuota:
		return "quota"
	case KindConflict:
		return "conflict"
	case KindTransientIO:
		return "transient_io"
	case KindPermanentIO:
		return "permanent_io"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is a typed, field-carrying error value.
type Error struct {
	Kind   Kind
	Reason string
	Target string
	Fields map[string]interface{}
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Reason, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an Error of the given kind.
func New(kind Kind, reason string) *Error {
	return &Error{Kind: kind, Reason: reason}
}

// Wrap builds an Error of the given kind around a cause.
func Wrap(kind Kind, reason string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Err: err}
}

// WithFields attaches structured fields, mirroring the teacher's
// exterrors.WithFields(err, map[string]interface{}{...}) call shape.
func (e *Error) WithFields(fields map[string]interface{}) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]interface{}, len(fields))
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// WithTarget records which subsystem raised the error, mirroring
// moduleError's {"target": "remote"} tagging in internal/target/remote.
func (e *Error) WithTarget(target string) *Error {
	e.Target = target
	return e
}

// IsTemporary reports whether retrying later has a chance of succeeding.
func IsTemporary(err error) bool {
	var me *Error
	if !As(err, &me) {
		return false
	}
	return me.Kind == KindTransientIO || me.Kind == KindConflict
}

// As is a local alias kept so call sites don't need a second stdlib
// errors import purely for this package's helpers.
func As(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// Sentinel failure reasons used across the ingest pipeline (spec §4.2).
var (
	ErrQuotaExceeded  = New(KindQuota, "account quota exceeded")
	ErrTenantQuota    = New(KindQuota, "tenant quota exceeded")
	ErrParse          = New(KindInput, "message parse failure")
	ErrCrypto         = New(KindInternal, "message encryption failure")
	ErrAssertion      = New(KindConflict, "optimistic assertion failure")
	ErrCannotUnsend   = New(KindInput, "message already dequeued, cannot unsend")
	ErrForbidden      = New(KindInput, "forbidden by ACL")
	ErrNotFound       = New(KindInput, "resource not found")
	ErrBadPrecond     = New(KindInput, "precondition failed")
	ErrRecurrenceCap  = New(KindQuota, "recurrence instance limit exceeded")
	ErrMatchesLimit   = New(KindQuota, "number of matches exceeds limit")
	ErrRateLimited    = New(KindTransientIO, "rate limit deny")
	ErrNullMX         = New(KindPermanentIO, "null MX")
	ErrMTASTSStrict   = New(KindPermanentIO, "MTA-STS policy violation")
	ErrDANEMismatch   = New(KindPermanentIO, "DANE TLSA mismatch")
	ErrStartTLSAbsent = New(KindTransientIO, "STARTTLS not offered")
)

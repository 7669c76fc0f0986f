package queue

import (
	"bytes"
	"fmt"
	"time"

	"github.com/emersion/go-message"

	"github.com/spilledink/mailcore/internal/coreconfig"
)

// DSNKind distinguishes the two DSN shapes spec §4.4 step 3 sends: a
// delay notice (recipient still pending, past a notify threshold) and a
// final failure (recipient moved to perm_fail or expired).
type DSNKind int

const (
	DSNDelay DSNKind = iota
	DSNFailure
)

// dueNotify reports whether recipient r, having been created at created,
// has crossed its next notify-cadence threshold (spec §4.4's
// `notify: [86400, 259200]`).
func dueNotify(strategy coreconfig.QueueStrategy, created time.Time, alreadyNotified int) (bool, int) {
	if alreadyNotified >= len(strategy.Notify) {
		return false, alreadyNotified
	}
	if time.Since(created) < time.Duration(strategy.Notify[alreadyNotified])*time.Second {
		return false, alreadyNotified
	}
	return true, alreadyNotified + 1
}

// renderDSN builds a multipart/report; report-type=delivery-status message
// (RFC 3464) around the recipients that failed or are delayed, for
// submission back to the sender as a new envelope.
//
// Grounded on internal/ingest/parse.go's use of go-message for header
// handling, extended here to go-message's writer half (CreateWriter/
// CreatePart) for composing rather than parsing — the teacher's own tree
// never composes a DSN, so this construction follows go-message's
// documented multipart-writer API rather than a grounded teacher example.
func renderDSN(kind DSNKind, reportingMTA, mailFrom, subject string, failed []Recipient) ([]byte, error) {
	var buf bytes.Buffer

	var rootHeader message.Header
	rootHeader.SetContentType("multipart/report", map[string]string{"report-type": "delivery-status"})
	rootHeader.Set("Subject", subject)
	rootHeader.Set("From", fmt.Sprintf("Mail Delivery System <mailer-daemon@%s>", reportingMTA))
	rootHeader.Set("To", mailFrom)
	rootHeader.Set("Auto-Submitted", "auto-replied")

	w, err := message.CreateWriter(&buf, rootHeader)
	if err != nil {
		return nil, fmt.Errorf("queue: create DSN writer: %w", err)
	}

	var humanHeader message.Header
	humanHeader.SetContentType("text/plain", map[string]string{"charset": "utf-8"})
	human, err := w.CreatePart(humanHeader)
	if err != nil {
		return nil, fmt.Errorf("queue: create DSN human part: %w", err)
	}
	fmt.Fprintf(human, "%s\n\n", humanSummary(kind, failed))
	if err := human.Close(); err != nil {
		return nil, err
	}

	var statusHeader message.Header
	statusHeader.SetContentType("message/delivery-status", nil)
	status, err := w.CreatePart(statusHeader)
	if err != nil {
		return nil, fmt.Errorf("queue: create DSN status part: %w", err)
	}
	fmt.Fprintf(status, "Reporting-MTA: dns;%s\n\n", reportingMTA)
	for _, r := range failed {
		fmt.Fprintf(status, "Final-Recipient: rfc822;%s\n", r.Address)
		fmt.Fprintf(status, "Action: %s\n", dsnAction(kind))
		fmt.Fprintf(status, "Status: %s\n", dsnStatusCode(kind))
		if r.LastError != "" {
			fmt.Fprintf(status, "Diagnostic-Code: smtp;%s\n", r.LastError)
		}
		fmt.Fprint(status, "\n")
	}
	if err := status.Close(); err != nil {
		return nil, err
	}

	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("queue: close DSN writer: %w", err)
	}
	return buf.Bytes(), nil
}

func humanSummary(kind DSNKind, failed []Recipient) string {
	var b bytes.Buffer
	switch kind {
	case DSNDelay:
		fmt.Fprintln(&b, "This is a delay notice. Delivery is still being attempted for:")
	default:
		fmt.Fprintln(&b, "The following recipients could not be delivered to:")
	}
	for _, r := range failed {
		fmt.Fprintf(&b, "  %s: %s\n", r.Address, r.LastError)
	}
	return b.String()
}

func dsnAction(kind DSNKind) string {
	if kind == DSNDelay {
		return "delayed"
	}
	return "failed"
}

func dsnStatusCode(kind DSNKind) string {
	if kind == DSNDelay {
		return "4.4.7"
	}
	return "5.4.7"
}

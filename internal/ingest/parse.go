package ingest

import (
	"bufio"
	"bytes"
	"fmt"
	"net/mail"
	"strings"

	"github.com/emersion/go-message/textproto"
)

// parseMessage extracts the minimal structural view Ingest needs from raw
// RFC 5322 bytes using the header-parsing half of go-message (the full
// MIME/body tree walk belongs to the external parser per spec §1
// Non-goals; this mirrors only the fields listed on ParsedMessage).
func parseMessage(raw []byte) (*ParsedMessage, error) {
	header, err := textproto.ReadHeader(bufio.NewReader(bytes.NewReader(raw)))
	if err != nil {
		return nil, fmt.Errorf("ingest: read header: %w", err)
	}

	msg := &ParsedMessage{
		MessageID:  strings.Trim(header.Get("Message-Id"), "<> \t"),
		Subject:    header.Get("Subject"),
		From:       fromAddress(header.Get("From")),
		References: splitReferences(header.Get("References"), header.Get("In-Reply-To")),
	}
	msg.ThreadName = normalizeThreadName(msg.Subject)
	msg.PreviewText = previewFrom(raw)
	return msg, nil
}

// fromAddress extracts the bare mailbox (no display name) from a From:
// header, the teacher's own address-parsing pattern
// (internal/check/pgp_encryption's mail.ParseAddress use) rather than a
// hand-rolled RFC 5322 mailbox scanner. An unparseable or absent header
// yields "" — the spam-override address-book lookup then simply never
// matches, which is the correct fail-open behavior (spec §4.2 step 4 only
// fires on a positive match).
func fromAddress(header string) string {
	if header == "" {
		return ""
	}
	addr, err := mail.ParseAddress(header)
	if err != nil {
		return ""
	}
	return addr.Address
}

// splitReferences merges References and In-Reply-To into one ordered,
// deduplicated reference set, per RFC 5322 §3.6.4 threading guidance.
func splitReferences(references, inReplyTo string) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(raw string) {
		for _, tok := range strings.Fields(raw) {
			id := strings.Trim(tok, "<> \t")
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}
	add(references)
	add(inReplyTo)
	return out
}

// normalizeThreadName strips reply/forward prefixes ("Re:", "Fwd:", ...)
// and surrounding whitespace so semantically-equal subjects hash equal.
func normalizeThreadName(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		lower := strings.ToLower(s)
		switch {
		case strings.HasPrefix(lower, "re:"):
			s = strings.TrimSpace(s[3:])
		case strings.HasPrefix(lower, "fwd:"):
			s = strings.TrimSpace(s[4:])
		case strings.HasPrefix(lower, "fw:"):
			s = strings.TrimSpace(s[3:])
		default:
			return s
		}
	}
}

func previewFrom(raw []byte) string {
	idx := bytes.Index(raw, []byte("\r\n\r\n"))
	if idx < 0 {
		idx = bytes.Index(raw, []byte("\n\n"))
	}
	if idx < 0 || idx+4 >= len(raw) {
		return ""
	}
	body := raw[idx+4:]
	if len(body) > 256 {
		body = body[:256]
	}
	return strings.TrimSpace(string(body))
}

// prependDeliveredTo inserts a Delivered-To header in front of the
// message, shifting all following bytes (and therefore any previously
// computed MIME offsets) accordingly — spec §4.2 step 3.
func prependDeliveredTo(raw []byte, deliverTo string) []byte {
	line := "Delivered-To: " + deliverTo + "\r\n"
	out := make([]byte, 0, len(line)+len(raw))
	out = append(out, line...)
	out = append(out, raw...)
	return out
}

// Package ingest implements the message ingest & threading pipeline from
// spec §4.2: parse, optionally encrypt/spam-classify, thread, deduplicate,
// store deduplicated blobs, and emit change-log entries.
//
// Grounded on internal/target/remote's moduleError/exterrors field-tagging
// idiom for the typed failure taxonomy (reimplemented in
// internal/mailerrors since framework/exterrors itself is not in the
// retrieved pack), and on original_source/crates/email/src/message/
// ingest.rs for the IngestSource variants, ThreadResult sum type, and the
// MergeThreadTask record (see thread.go).
package ingest

import (
	"context"
	"time"

	"github.com/spilledink/mailcore/framework/log"
	"github.com/spilledink/mailcore/internal/ids"
	"github.com/spilledink/mailcore/internal/mailerrors"
	"github.com/spilledink/mailcore/internal/metrics"
	"github.com/spilledink/mailcore/internal/push"
	"github.com/spilledink/mailcore/internal/quota"
	"github.com/spilledink/mailcore/internal/store"
)

// Source identifies the caller of Ingest, per spec §4.2's
// `source ∈ {SMTP{deliver_to, sender_authenticated}, JMAP, IMAP, Restore}`.
type Source struct {
	Kind                SourceKind
	DeliverTo           string // SMTP only
	SenderAuthenticated bool   // SMTP only
}

type SourceKind int

const (
	SourceSMTP SourceKind = iota
	SourceJMAP
	SourceIMAP
	SourceRestore
)

func (s Source) isSMTP() bool { return s.Kind == SourceSMTP }

// Keyword is a mailbox tag, e.g. "$Seen", "$Junk", "$Flagged".
type Keyword string

// Request is the input to Ingest (spec §4.2).
type Request struct {
	RawMessage     []byte
	Parsed         *ParsedMessage // reused if the caller already parsed
	AccessToken    AccessToken
	MailboxIDs     []uint32
	Keywords       []Keyword
	ReceivedAt     *time.Time
	Source         Source
	SpamClassify   bool
	SpamTrain      bool
	AddDeliveredTo bool
}

// AccessToken carries the principal, quota, and tenant scoping for a
// request.
type AccessToken struct {
	AccountID uint32
	TenantID  uint32
	QuotaMax  int64
	TenantMax int64

	ITIPInboundMaxICalSz int64 // step 5: calendar parts larger than this are skipped
}

// ParsedMessage is the already-structurally-parsed view of a message. The
// raw RFC 5322/MIME parser itself is an external collaborator (spec §1
// Non-goals "the raw iCalendar/vCard/MIME parsers"); this struct is the
// shape Ingest consumes from it.
type ParsedMessage struct {
	MessageID     string
	References    []string
	Subject       string
	From          string // bare mailbox from the From: header, "" if absent/unparseable
	ThreadName    string
	PreviewText   string
	CalendarParts []CalendarPart
	IsEncrypted   bool
}

// CalendarPart is a text/calendar MIME part candidate for iTIP detection
// (spec §4.2 step 5).
type CalendarPart struct {
	Size   int64
	Method string // iTIP METHOD parameter, empty if absent
}

// DedupResult is the SMTP idempotency short-circuit from spec §4.2 step 8:
// a success sentinel with change_id = MaxUint64 and no state change.
type DedupResult struct {
	DuplicateOf uint32
}

// IngestedEmail is the success result of Ingest (spec §4.2 "Output").
type IngestedEmail struct {
	DocumentID uint32
	ThreadID   uint32
	ChangeID   uint64
	BlobID     string
	Size       int64
	IMAPUIDs   map[uint32]uint32 // mailbox_id -> assigned UID
}

// DedupChangeID is the sentinel change_id returned on the SMTP
// duplicate-suppression short-circuit (spec §4.2 step 8).
const DedupChangeID = ^uint64(0)

// SpamClassifier is the account's optional Bayesian spam filter hookpoint
// (spec §4.2 step 4; the classifier's internals are an external
// collaborator per spec §1 Non-goals).
type SpamClassifier interface {
	Classify(ctx context.Context, account uint32, msg *ParsedMessage) (isSpam bool, score float64, err error)
	Train(ctx context.Context, account uint32, msg *ParsedMessage, isSpam bool) error
}

// ITIPHandler is the calendar subsystem's iTIP ingest hookpoint (spec §4.2
// step 5).
type ITIPHandler interface {
	IngestITIP(ctx context.Context, account uint32, part CalendarPart, raw []byte) error
}

// Encryptor seals a message's stored bytes under the account's
// encryption parameters (spec §4.2 step 9).
type Encryptor interface {
	Encrypt(ctx context.Context, account uint32, plaintext []byte) ([]byte, error)
}

// AddressBook checks whether a sender address already appears among an
// account's contacts (spec §4.2 step 4, ham override).
type AddressBook interface {
	Contains(ctx context.Context, account uint32, address string) (bool, error)
}

// Limits bundles the per-request size/feature ceilings consulted during
// ingest (spec §6.4 groupware.* and itip_inbound_max_ical_size knobs).
type Limits struct {
	Quota                quota.Limits
	ITIPInboundMaxICalSz int64
}

// Pipeline wires the Store façade, identifier allocator, push broadcaster,
// and the optional spam/iTIP/encryption hookpoints into one Ingest entry
// point.
type Pipeline struct {
	Store     *store.Store
	Ids       *ids.Allocator
	Quota     *quota.Accountant
	Push      push.Broadcaster
	Spam      SpamClassifier // nil disables step 4
	ITIP      ITIPHandler    // nil disables step 5
	Encryptor Encryptor      // nil disables step 9
	Contacts  AddressBook    // nil disables the ham-override check

	JunkMailboxOf func(account uint32) uint32 // resolves the account's Junk mailbox id
	InboxOf       func(account uint32) uint32 // resolves the account's Inbox mailbox id

	Log log.Logger
}

// Result is the tri-state outcome of Ingest: exactly one of Email, Dedup
// is non-nil on success.
type Result struct {
	Email *IngestedEmail
	Dedup *DedupResult
}

// Ingest runs the full pipeline described in spec §4.2.
func (p *Pipeline) Ingest(ctx context.Context, req Request) (*Result, error) {
	start := time.Now()
	defer func() { metrics.IngestDuration.Observe(time.Since(start).Seconds()) }()

	// Step 1: quota check.
	if err := p.Quota.CheckAndReserve(ctx, req.Limits().Quota, req.AccessToken.AccountID, int64(len(req.RawMessage))); err != nil {
		metrics.IngestedMessages.WithLabelValues("quota").Inc()
		return nil, err
	}
	reserved := int64(len(req.RawMessage))
	rollbackQuota := func() {
		_ = p.Quota.Release(ctx, req.Limits().Quota, req.AccessToken.AccountID, reserved)
	}

	// Step 2: parse, if not already done.
	parsed := req.Parsed
	if parsed == nil {
		var err error
		parsed, err = parseMessage(req.RawMessage)
		if err != nil {
			rollbackQuota()
			metrics.IngestedMessages.WithLabelValues("parse_error").Inc()
			return nil, mailerrors.Wrap(mailerrors.KindInput, "parse message", err).WithTarget("ingest")
		}
	}

	raw := req.RawMessage

	// Step 3: SMTP adornment.
	if req.Source.isSMTP() && req.AddDeliveredTo {
		raw = prependDeliveredTo(raw, req.Source.DeliverTo)
	}

	// Step 4: spam classification (SMTP only).
	targetMailboxes := req.MailboxIDs
	keywords := append([]Keyword(nil), req.Keywords...)
	isSpam := false
	if req.Source.isSMTP() && req.SpamClassify && p.Spam != nil {
		var err error
		isSpam, _, err = p.Spam.Classify(ctx, req.AccessToken.AccountID, parsed)
		if err != nil {
			p.Log.Error("spam classification failed, treating as ham", err)
			isSpam = false
		}

		if isSpam && req.Source.SenderAuthenticated && p.Contacts != nil {
			if known, _ := p.Contacts.Contains(ctx, req.AccessToken.AccountID, parsed.From); known {
				isSpam = false
				if req.SpamTrain {
					_ = p.Spam.Train(ctx, req.AccessToken.AccountID, parsed, false)
				}
			}
		}

		if isSpam {
			if junk := p.JunkMailboxOf; junk != nil {
				targetMailboxes = []uint32{junk(req.AccessToken.AccountID)}
			}
			keywords = append(keywords, "$Junk")
		}
	}

	// Step 5: iTIP detection (SMTP, non-spam, authenticated sender).
	if req.Source.isSMTP() && !isSpam && req.Source.SenderAuthenticated && p.ITIP != nil {
		for _, part := range parsed.CalendarParts {
			if part.Method == "" || part.Size > req.Limits().ITIPInboundMaxICalSz {
				continue
			}
			if err := p.ITIP.IngestITIP(ctx, req.AccessToken.AccountID, part, raw); err != nil {
				p.Log.Error("itip ingest failed, continuing without it", err)
			}
		}
	}

	// Step 6: threading keys.
	threadHash := ThreadHash(parsed.ThreadName)

	// Step 7: thread resolution.
	resolved, err := ResolveThread(ctx, p.Store, req.AccessToken.AccountID, threadHash, parsed.MessageID, parsed.References)
	if err != nil {
		rollbackQuota()
		return nil, err
	}

	// Step 8: duplicate suppression (SMTP only).
	if req.Source.isSMTP() && len(resolved.DuplicateDocIDs) > 0 {
		inbox := uint32(0)
		if p.InboxOf != nil {
			inbox = p.InboxOf(req.AccessToken.AccountID)
		}
		for _, mb := range targetMailboxes {
			if mb == inbox {
				rollbackQuota()
				metrics.IngestedMessages.WithLabelValues("duplicate").Inc()
				return &Result{Dedup: &DedupResult{DuplicateOf: resolved.DuplicateDocIDs[0]}}, nil
			}
		}
	}

	// Step 9: encryption.
	stored := raw
	if p.Encryptor != nil && !parsed.IsEncrypted {
		enc, err := p.Encryptor.Encrypt(ctx, req.AccessToken.AccountID, raw)
		if err != nil {
			rollbackQuota()
			metrics.IngestedMessages.WithLabelValues("crypto_error").Inc()
			return nil, mailerrors.Wrap(mailerrors.KindInternal, "encrypt message", err).WithTarget("ingest")
		}
		stored = enc
	}

	// Step 10: blob write.
	hash := store.BlobHash(stored)
	exists, err := p.Store.BlobExists(ctx, hash)
	if err != nil {
		rollbackQuota()
		return nil, err
	}
	if !exists {
		if _, err := p.Store.PutBlob(ctx, stored); err != nil {
			rollbackQuota()
			metrics.IngestedMessages.WithLabelValues("store_error").Inc()
			return nil, err
		}
	}

	// Document ID allocation (needed before UID/batch build).
	docIDs, err := p.Ids.DocumentIDs(ctx, req.AccessToken.AccountID, store.CollEmail, 1)
	if err != nil {
		rollbackQuota()
		return nil, err
	}
	docID := docIDs[0]

	// Step 11: UID assignment.
	uids := make(map[uint32]uint32, len(targetMailboxes))
	for _, mb := range targetMailboxes {
		uid, err := p.Ids.NextUID(ctx, req.AccessToken.AccountID, mb)
		if err != nil {
			rollbackQuota()
			return nil, err
		}
		uids[mb] = uid
	}

	threadID := resolved.ThreadID
	isNewThread := resolved.IsNew
	if isNewThread {
		threadID = docID
	}

	// Step 12: batch build.
	b := store.NewBatchBuilder()
	cp := b.Current()

	messageData := map[string]interface{}{
		"keywords":   keywords,
		"mailboxes":  uids,
		"thread_id":  threadID,
		"message_id": parsed.MessageID,
		"references": parsed.References,
		"size":       len(stored),
		"blob_hash":  hash,
	}
	cp.Custom(store.ObjectIndexBuilder{
		Account:    req.AccessToken.AccountID,
		Collection: store.CollEmail,
		Document:   docID,
		Class:      "data",
		New:        mustJSON(messageData),
		NewIndex: append([]store.IndexField{
			{Field: "Threading", Key: threadHash[:]},
		}, messageIDIndexFields(parsed)...),
	})
	cp.SetValue(req.AccessToken.AccountID, store.CollEmail, docID, "metadata", map[string]interface{}{
		"message_id": parsed.MessageID,
		"references": parsed.References,
		"subject":    parsed.Subject,
		"preview":    parsed.PreviewText,
		"blob_hash":  hash,
	})

	if isNewThread {
		cp.SetValue(req.AccessToken.AccountID, store.CollThread, threadID, "data", map[string]interface{}{"message_count": 1})
		cp.LogContainerInsert(req.AccessToken.AccountID, store.CollThread, threadID)
	} else if len(resolved.MergeTargets) > 0 {
		// multiple hits: joined the largest, enqueue a MergeThreadTask to
		// rewrite the others asynchronously (spec §4.2 step 7).
		for _, other := range resolved.MergeTargets {
			task := MergeThreadTask{Account: req.AccessToken.AccountID, FromThread: other, IntoThread: threadID}
			cp.SetValue(req.AccessToken.AccountID, store.CollThread, other, "merge_task", task)
		}
	}

	cp.LinkBlob(hash, store.BlobLinkLinked, req.AccessToken.AccountID, store.CollEmail, docID, nil, int64(len(stored)))
	cp.LogContainerInsert(req.AccessToken.AccountID, store.CollEmail, docID)

	fts := map[string]interface{}{"account": req.AccessToken.AccountID, "doc": docID, "action": "fts_index"}
	cp.SetValue(req.AccessToken.AccountID, store.CollEmail, docID, "task:fts", fts)

	result, err := p.Store.Write(ctx, b.Build())
	if err != nil {
		// Assertion failures are retried from step 7 with the latest
		// snapshot by the caller (spec §4.2 "Failure semantics"); this
		// pipeline surfaces the error rather than looping internally.
		rollbackQuota()
		metrics.IngestedMessages.WithLabelValues("store_error").Inc()
		return nil, err
	}

	// Step 13: notify.
	if p.Push != nil {
		_ = p.Push.Publish(ctx, push.StateChange{
			AccountID:  req.AccessToken.AccountID,
			Collection: store.CollEmail,
			ChangeID:   result.ChangeID,
		})
	}

	metrics.IngestedMessages.WithLabelValues("stored").Inc()
	return &Result{Email: &IngestedEmail{
		DocumentID: docID,
		ThreadID:   threadID,
		ChangeID:   result.ChangeID,
		BlobID:     hash,
		Size:       int64(len(stored)),
		IMAPUIDs:   uids,
	}}, nil
}

// Limits derives the step-1 quota ceilings and the step-5 iTIP part-size
// ceiling from the request's access token.
func (r Request) Limits() Limits {
	return Limits{
		Quota: quota.Limits{
			AccountMax: r.AccessToken.QuotaMax,
			TenantID:   r.AccessToken.TenantID,
			TenantMax:  r.AccessToken.TenantMax,
		},
		ITIPInboundMaxICalSz: r.AccessToken.ITIPInboundMaxICalSz,
	}
}

func messageIDIndexFields(msg *ParsedMessage) []store.IndexField {
	if msg.MessageID == "" {
		return nil
	}
	return []store.IndexField{{Field: "MessageId", Key: []byte(msg.MessageID)}}
}

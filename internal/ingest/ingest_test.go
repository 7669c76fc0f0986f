package ingest

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spilledink/mailcore/internal/ids"
	"github.com/spilledink/mailcore/internal/push"
	"github.com/spilledink/mailcore/internal/quota"
	"github.com/spilledink/mailcore/internal/store"
)

const inboxID = uint32(1)

func newTestPipeline(t *testing.T) (*Pipeline, *store.Store) {
	t.Helper()
	s, err := store.Open(store.Config{Driver: "sqlite", DSN: []string{":memory:"}, NoRun: true})
	require.NoError(t, err)

	alloc := ids.New(s)
	return &Pipeline{
		Store:         s,
		Ids:           alloc,
		Quota:         quota.New(alloc),
		Push:          push.NewLocal(),
		InboxOf:       func(uint32) uint32 { return inboxID },
		JunkMailboxOf: func(uint32) uint32 { return 2 },
	}, s
}

func rawMessage(messageID, subject, references string) []byte {
	msg := "Message-Id: <" + messageID + ">\r\n" +
		"Subject: " + subject + "\r\n"
	if references != "" {
		msg += "References: " + references + "\r\n"
	}
	msg += "\r\nhello world\r\n"
	return []byte(msg)
}

func TestIngestFreshThreadCreatesNewThread(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := context.Background()

	res, err := p.Ingest(ctx, Request{
		RawMessage:  rawMessage("m1@example.com", "Hello", ""),
		AccessToken: AccessToken{AccountID: 1, QuotaMax: 1 << 20},
		MailboxIDs:  []uint32{inboxID},
		Source:      Source{Kind: SourceJMAP},
	})
	require.NoError(t, err)
	require.NotNil(t, res.Email)
	require.Nil(t, res.Dedup)
	require.True(t, res.Email.ThreadID == res.Email.DocumentID, "a brand-new thread's id is the first message's document id")
	require.EqualValues(t, 1, res.Email.IMAPUIDs[inboxID])
}

func TestIngestSecondMessageJoinsExistingThread(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := context.Background()

	first, err := p.Ingest(ctx, Request{
		RawMessage:  rawMessage("m1@example.com", "Hello", ""),
		AccessToken: AccessToken{AccountID: 1, QuotaMax: 1 << 20},
		MailboxIDs:  []uint32{inboxID},
		Source:      Source{Kind: SourceJMAP},
	})
	require.NoError(t, err)

	second, err := p.Ingest(ctx, Request{
		RawMessage:  rawMessage("m2@example.com", "Re: Hello", "<m1@example.com>"),
		AccessToken: AccessToken{AccountID: 1, QuotaMax: 1 << 20},
		MailboxIDs:  []uint32{inboxID},
		Source:      Source{Kind: SourceJMAP},
	})
	require.NoError(t, err)

	require.Equal(t, first.Email.ThreadID, second.Email.ThreadID)
	require.NotEqual(t, first.Email.DocumentID, second.Email.DocumentID)
}

func TestIngestSMTPDuplicateIsSuppressed(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := context.Background()

	req := Request{
		RawMessage:  rawMessage("dup@example.com", "Hello", ""),
		AccessToken: AccessToken{AccountID: 1, QuotaMax: 1 << 20},
		MailboxIDs:  []uint32{inboxID},
		Source:      Source{Kind: SourceSMTP, DeliverTo: "user@example.com"},
	}

	first, err := p.Ingest(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, first.Email)

	// Retransmission of the exact same message: its Message-Id equals the
	// first copy's, which is what marks that copy as a duplicate (the
	// self-reference in References plays no part in that).
	dupReq := req
	dupReq.RawMessage = rawMessage("dup@example.com", "Hello", "<dup@example.com>")
	second, err := p.Ingest(ctx, dupReq)
	require.NoError(t, err)
	require.Nil(t, second.Email)
	require.NotNil(t, second.Dedup)
	require.Equal(t, first.Email.DocumentID, second.Dedup.DuplicateOf)
}

// fakeSpamClassifier always returns a fixed verdict and records Train calls.
type fakeSpamClassifier struct {
	isSpam  bool
	trained []bool
}

func (f *fakeSpamClassifier) Classify(context.Context, uint32, *ParsedMessage) (bool, float64, error) {
	return f.isSpam, 0, nil
}

func (f *fakeSpamClassifier) Train(_ context.Context, _ uint32, _ *ParsedMessage, isSpam bool) error {
	f.trained = append(f.trained, isSpam)
	return nil
}

// fakeAddressBook reports a sender known iff it is in the given set.
type fakeAddressBook map[string]bool

func (b fakeAddressBook) Contains(_ context.Context, _ uint32, address string) (bool, error) {
	return b[address], nil
}

func smtpMessageWithFrom(from string) []byte {
	return []byte("Message-Id: <m1@example.com>\r\n" +
		"Subject: Hello\r\n" +
		"From: " + from + "\r\n" +
		"\r\nhello world\r\n")
}

// storedKeywords reads back the "data" archive's keywords list for a
// delivered message, the same shape ingest.go's step 12 batch build writes.
func storedKeywords(t *testing.T, s *store.Store, account, doc uint32) []string {
	t.Helper()
	raw, ok, err := s.Get(context.Background(), store.ValueKey(account, store.CollEmail, doc, "data"))
	require.NoError(t, err)
	require.True(t, ok)
	var data struct {
		Keywords []string `json:"keywords"`
	}
	require.NoError(t, json.Unmarshal(raw, &data))
	return data.Keywords
}

// TestIngestSpamFromKnownAuthenticatedContactIsOverriddenToHam covers spec
// §4.2 step 4: an authenticated sender whose address is already in the
// recipient's address book overrides a spam verdict to ham.
func TestIngestSpamFromKnownAuthenticatedContactIsOverriddenToHam(t *testing.T) {
	p, s := newTestPipeline(t)
	spam := &fakeSpamClassifier{isSpam: true}
	p.Spam = spam
	p.Contacts = fakeAddressBook{"friend@example.com": true}
	ctx := context.Background()

	res, err := p.Ingest(ctx, Request{
		RawMessage:   smtpMessageWithFrom("friend@example.com"),
		AccessToken:  AccessToken{AccountID: 1, QuotaMax: 1 << 20},
		MailboxIDs:   []uint32{inboxID},
		Source:       Source{Kind: SourceSMTP, DeliverTo: "user@example.com", SenderAuthenticated: true},
		SpamClassify: true,
		SpamTrain:    true,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Email)
	_, delivered := res.Email.IMAPUIDs[inboxID]
	require.True(t, delivered, "ham override must deliver to the originally-requested mailbox, not Junk")
	require.NotContains(t, storedKeywords(t, s, 1, res.Email.DocumentID), "$Junk")
	require.Equal(t, []bool{false}, spam.trained, "a ham override retrains the classifier when SpamTrain is set")
}

// TestIngestSpamFromUnknownSenderStaysJunk is the negative case: an
// unrecognized sender's spam verdict is left alone and the message is
// routed to Junk.
func TestIngestSpamFromUnknownSenderStaysJunk(t *testing.T) {
	p, s := newTestPipeline(t)
	spam := &fakeSpamClassifier{isSpam: true}
	p.Spam = spam
	p.Contacts = fakeAddressBook{"friend@example.com": true}
	ctx := context.Background()

	res, err := p.Ingest(ctx, Request{
		RawMessage:   smtpMessageWithFrom("stranger@example.com"),
		AccessToken:  AccessToken{AccountID: 1, QuotaMax: 1 << 20},
		MailboxIDs:   []uint32{inboxID},
		Source:       Source{Kind: SourceSMTP, DeliverTo: "user@example.com", SenderAuthenticated: true},
		SpamClassify: true,
	})
	require.NoError(t, err)
	require.NotNil(t, res.Email)
	_, deliveredToJunk := res.Email.IMAPUIDs[2]
	require.True(t, deliveredToJunk)
	require.Contains(t, storedKeywords(t, s, 1, res.Email.DocumentID), "$Junk")
	require.Empty(t, spam.trained)
}

func TestIngestRejectsOverQuota(t *testing.T) {
	p, _ := newTestPipeline(t)
	ctx := context.Background()

	_, err := p.Ingest(ctx, Request{
		RawMessage:  rawMessage("big@example.com", "Hello", ""),
		AccessToken: AccessToken{AccountID: 1, QuotaMax: 4},
		MailboxIDs:  []uint32{inboxID},
		Source:      Source{Kind: SourceJMAP},
	})
	require.Error(t, err)
}

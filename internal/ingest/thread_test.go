package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/spilledink/mailcore/internal/store"
)

func openThreadTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(store.Config{Driver: "sqlite", DSN: []string{":memory:"}, NoRun: true})
	require.NoError(t, err)
	return s
}

// seedThreadedMessage writes one CollEmail document's "data" archive plus
// its Threading index entry, the same shape ingest.go's step 12 batch
// build produces.
func seedThreadedMessage(t *testing.T, s *store.Store, account, doc, threadID uint32, messageID string, references []string, threadHash [8]byte) {
	t.Helper()
	b := store.NewBatchBuilder()
	b.Current().Custom(store.ObjectIndexBuilder{
		Account:    account,
		Collection: store.CollEmail,
		Document:   doc,
		Class:      "data",
		New: mustJSON(map[string]interface{}{
			"thread_id":  threadID,
			"message_id": messageID,
			"references": references,
		}),
		NewIndex: []store.IndexField{{Field: "Threading", Key: threadHash[:]}},
	})
	_, err := s.Write(context.Background(), b.Build())
	require.NoError(t, err)
}

// TestResolveThreadGenuineReplyIsNotADuplicate reproduces spec §8
// scenario 2: M1 (<1@x>) lands in the Inbox, then a genuine reply M2
// (References: <1@x>, Message-Id: <2@x>) must join M1's thread without
// being flagged as a duplicate of M1 — only an exact Message-Id match
// against the incoming message's own id is a duplicate.
func TestResolveThreadGenuineReplyIsNotADuplicate(t *testing.T) {
	s := openThreadTestStore(t)
	ctx := context.Background()
	hash := ThreadHash("re: hello")

	seedThreadedMessage(t, s, 1, 1, 1, "<1@x>", nil, hash)

	resolved, err := ResolveThread(ctx, s, 1, hash, "<2@x>", []string{"<1@x>"})
	require.NoError(t, err)
	require.False(t, resolved.IsNew)
	require.EqualValues(t, 1, resolved.ThreadID)
	require.Empty(t, resolved.DuplicateDocIDs, "a reply merely referencing M1 must not be reported as a duplicate of M1")
}

// TestResolveThreadExactMessageIDIsADuplicate covers the real duplicate
// case: redelivering a message with the same Message-Id must still be
// reported.
func TestResolveThreadExactMessageIDIsADuplicate(t *testing.T) {
	s := openThreadTestStore(t)
	ctx := context.Background()
	hash := ThreadHash("hello")

	seedThreadedMessage(t, s, 1, 1, 1, "<1@x>", nil, hash)

	resolved, err := ResolveThread(ctx, s, 1, hash, "<1@x>", nil)
	require.NoError(t, err)
	require.Equal(t, []uint32{1}, resolved.DuplicateDocIDs)
}

func TestResolveThreadNoCandidatesIsNew(t *testing.T) {
	s := openThreadTestStore(t)
	resolved, err := ResolveThread(context.Background(), s, 1, ThreadHash("fresh"), "<new@x>", nil)
	require.NoError(t, err)
	require.True(t, resolved.IsNew)
	require.Empty(t, resolved.DuplicateDocIDs)
}

func TestResolveThreadMultipleHitsJoinsLargestAndMergesRest(t *testing.T) {
	s := openThreadTestStore(t)
	ctx := context.Background()
	hash := ThreadHash("fan-in")

	seedThreadedMessage(t, s, 1, 1, 10, "<a@x>", nil, hash)
	seedThreadedMessage(t, s, 1, 2, 20, "<b@x>", nil, hash)
	seedThreadedMessage(t, s, 1, 3, 20, "<c@x>", []string{"<b@x>"}, hash)

	resolved, err := ResolveThread(ctx, s, 1, hash, "<d@x>", []string{"<a@x>", "<b@x>"})
	require.NoError(t, err)
	require.False(t, resolved.IsNew)
	require.EqualValues(t, 20, resolved.ThreadID, "thread 20 has two members, thread 10 has one")
	require.Equal(t, []uint32{10}, resolved.MergeTargets)
	require.Empty(t, resolved.DuplicateDocIDs)
}

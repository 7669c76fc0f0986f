package ingest

import (
	"context"
	"encoding/json"

	"github.com/spilledink/mailcore/internal/store"
)

// MergeThreadTask is the async rewrite job enqueued when an incoming
// message's references intersect more than one existing thread: the
// message joins the largest thread and every other candidate is
// scheduled to be folded into it (spec §4.2 step 7).
//
// Grounded on original_source/crates/email/src/message/ingest.rs's
// MergeThreadTask serialize/deserialize record.
type MergeThreadTask struct {
	Account    uint32 `json:"account"`
	FromThread uint32 `json:"from_thread"`
	IntoThread uint32 `json:"into_thread"`
}

// ThreadResolution is the outcome of thread resolution (spec §4.2 step 7):
// either a brand-new thread, a single join, or a join-the-largest with
// MergeThreadTasks for the rest. This is the Go rendering of
// ingest.rs's ThreadResult sum type.
type ThreadResolution struct {
	IsNew           bool
	ThreadID        uint32
	DuplicateDocIDs []uint32 // live documents whose own Message-Id equals the incoming message's Message-Id
	MergeTargets    []uint32 // thread ids to be merged into ThreadID, when multiple hits
}

// threadCandidate is one row seen while range-scanning the Threading
// index for thread_hash.
type threadCandidate struct {
	threadID     uint32
	messageCount int
}

// ThreadHash derives the threading index key from a normalized subject,
// per spec §4.2 step 6 ("thread_hash = hash(thread_name(subject))").
func ThreadHash(threadName string) [8]byte {
	var out [8]byte
	h := fnv64a(threadName)
	for i := 0; i < 8; i++ {
		out[i] = byte(h >> (8 * i))
	}
	return out
}

func fnv64a(s string) uint64 {
	const offset = 14695981039346656037
	const prime = 1099511628211
	h := uint64(offset)
	for i := 0; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime
	}
	return h
}

// ResolveThread range-scans the Threading index over thread_hash,
// collects every candidate thread whose member references intersect refs,
// and applies the spec §4.2 step 7 outcome rules:
//
//   - zero hits: a new thread (caller sets thread_id := document_id)
//   - one hit: join that thread
//   - multiple hits: join the largest (ties broken by smallest thread_id),
//     and enqueue MergeThreadTasks for the rest.
//
// Membership is decided by reference-set intersection: the incoming
// message's own id is unioned into its References to form its reference
// set, and a candidate matches when its own (message_id ∪ references) set
// shares any member with it — this catches both "B replies to A" (B's
// References contains A's id) and "B and C both reply to A, A was never
// ingested" (B and C's reference sets intersect on A's id even though
// neither is the other's direct parent).
//
// Duplicate detection is a stricter, separate test: per
// original_source/crates/email/src/message/ingest.rs's
// ThreadInfo::serialize (the candidate's own Message-Id hash always comes
// first, and is_message_id && from_offset == U32_LEN is the only check
// that marks a duplicate), only a candidate whose own Message-Id exactly
// equals the incoming message's Message-Id is a duplicate. A reply whose
// References merely mentions an existing message is thread membership,
// not duplication — it must still be stored.
func ResolveThread(ctx context.Context, s *store.Store, account uint32, threadHash [8]byte, messageID string, refs []string) (*ThreadResolution, error) {
	refSet := make(map[string]bool, len(refs)+1)
	for _, r := range refs {
		refSet[r] = true
	}
	if messageID != "" {
		refSet[messageID] = true
	}

	candidates := make(map[uint32]*threadCandidate)
	var duplicateDocs []uint32

	err := s.Iterate(ctx, store.IndexRange{
		AccountID:  account,
		Collection: store.CollEmail,
		Field:      "Threading",
		FromKey:    threadHash[:],
		ToKey:      nextKey(threadHash[:]),
		Ascending:  true,
	}, store.IterateOptions{}, func(entry store.IndexEntry) bool {
		raw, ok, err := s.Get(ctx, store.ValueKey(account, store.CollEmail, entry.DocumentID, "data"))
		if err != nil || !ok {
			return true
		}
		var data struct {
			ThreadID   uint32   `json:"thread_id"`
			MessageID  string   `json:"message_id"`
			References []string `json:"references"`
		}
		if err := json.Unmarshal(raw, &data); err != nil {
			return true
		}

		intersects := refSet[data.MessageID]
		if !intersects {
			for _, r := range data.References {
				if refSet[r] {
					intersects = true
					break
				}
			}
		}
		if !intersects {
			return true
		}

		if messageID != "" && data.MessageID == messageID {
			duplicateDocs = append(duplicateDocs, entry.DocumentID)
		}
		c, ok := candidates[data.ThreadID]
		if !ok {
			c = &threadCandidate{threadID: data.ThreadID}
			candidates[data.ThreadID] = c
		}
		c.messageCount++
		return true
	})
	if err != nil {
		return nil, err
	}

	res := &ThreadResolution{DuplicateDocIDs: duplicateDocs}

	switch len(candidates) {
	case 0:
		res.IsNew = true
	case 1:
		for id := range candidates {
			res.ThreadID = id
		}
	default:
		var winner *threadCandidate
		var merge []uint32
		for _, c := range candidates {
			switch {
			case winner == nil:
				winner = c
			case c.messageCount > winner.messageCount,
				c.messageCount == winner.messageCount && c.threadID < winner.threadID:
				merge = append(merge, winner.threadID)
				winner = c
			default:
				merge = append(merge, c.threadID)
			}
		}
		res.ThreadID = winner.threadID
		res.MergeTargets = merge
	}

	return res, nil
}

func nextKey(key []byte) []byte {
	next := append([]byte(nil), key...)
	for i := len(next) - 1; i >= 0; i-- {
		if next[i] != 0xff {
			next[i]++
			return next[:i+1]
		}
	}
	return nil // unbounded: key was all 0xff
}

func mustJSON(v interface{}) []byte {
	raw, _ := json.Marshal(v)
	return raw
}

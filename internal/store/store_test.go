package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{Driver: "sqlite", DSN: []string{":memory:"}, NoRun: true})
	require.NoError(t, err)
	return s
}

func TestAddAndGetAllocatesMonotonically(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	v1, err := s.AddAndGet(ctx, "uid:1:10", 1)
	require.NoError(t, err)
	require.EqualValues(t, 1, v1)

	v2, err := s.AddAndGet(ctx, "uid:1:10", 1)
	require.NoError(t, err)
	require.EqualValues(t, 2, v2)
}

func TestAssignDocumentIDsExtendsCounterWhenNoTombstones(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ids, err := s.AssignDocumentIDs(ctx, 1, CollEmail, 3)
	require.NoError(t, err)
	require.Len(t, ids, 3)
	require.Equal(t, []uint32{1, 2, 3}, ids)

	more, err := s.AssignDocumentIDs(ctx, 1, CollEmail, 2)
	require.NoError(t, err)
	require.Equal(t, []uint32{4, 5}, more)
}

func TestWriteAssertionFailureAbortsOnlyThatCommitPoint(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	b := NewBatchBuilder()
	b.Current().SetValue(1, CollEmail, 1, "archive", map[string]string{"v": "1"})
	b.Current().LogContainerInsert(1, CollEmail, 1)
	_, err := s.Write(ctx, b.Build())
	require.NoError(t, err)

	raw, ok, err := s.Get(ctx, ValueKey(1, CollEmail, 1, "archive"))
	require.NoError(t, err)
	require.True(t, ok)
	require.Contains(t, string(raw), `"v":"1"`)

	b2 := NewBatchBuilder()
	b2.Current().SetValue(1, CollEmail, 2, "archive", map[string]string{"v": "2"})
	b2.Current().LogContainerInsert(1, CollEmail, 2)
	_, err = s.Write(ctx, b2.Build())
	require.NoError(t, err)

	b3 := NewBatchBuilder()
	b3.Current().Custom(ObjectIndexBuilder{
		Account:    1,
		Collection: CollEmail,
		Document:   1,
		Class:      "archive",
		Current:    []byte(`{"v":"stale"}`),
		New:        []byte(`{"v":"3"}`),
	})
	b3.CommitPoint().SetValue(1, CollEmail, 3, "archive", map[string]string{"v": "3"})

	_, err = s.Write(ctx, b3.Build())
	require.Error(t, err)
	var af *AssertionFailure
	require.ErrorAs(t, err, &af)

	_, ok, err = s.Get(ctx, ValueKey(1, CollEmail, 3, "archive"))
	require.NoError(t, err)
	require.False(t, ok, "second commit point in the failed batch must not have been written")
}

func TestPutBlobIsContentAddressedAndIdempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	h1, err := s.PutBlob(ctx, []byte("hello"))
	require.NoError(t, err)
	h2, err := s.PutBlob(ctx, []byte("hello"))
	require.NoError(t, err)
	require.Equal(t, h1, h2)

	exists, err := s.BlobExists(ctx, h1)
	require.NoError(t, err)
	require.True(t, exists)

	data, ok, err := s.GetBlob(ctx, h1, 0, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "hello", string(data))
}

func TestUnlinkBlobReclaimsWhenNoLinksRemain(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	hash, err := s.PutBlob(ctx, []byte("payload"))
	require.NoError(t, err)

	b := NewBatchBuilder()
	_, linkA := b.Current().LinkBlob(hash, BlobLinkLinked, 1, CollEmail, 10, nil, 7)
	_, linkB := b.Current().LinkBlob(hash, BlobLinkTemporary, 1, CollEmail, 0, nil, 3)
	_, err = s.Write(ctx, b.Build())
	require.NoError(t, err)

	used, err := s.LiveQuotaUsed(ctx, 1)
	require.NoError(t, err)
	require.EqualValues(t, 10, used)

	b2 := NewBatchBuilder()
	b2.Current().UnlinkBlob(hash, linkA)
	_, err = s.Write(ctx, b2.Build())
	require.NoError(t, err)

	exists, err := s.BlobExists(ctx, hash)
	require.NoError(t, err)
	require.True(t, exists, "blob must survive while a second link still references it")

	b3 := NewBatchBuilder()
	b3.Current().UnlinkBlob(hash, linkB)
	_, err = s.Write(ctx, b3.Build())
	require.NoError(t, err)

	exists, err = s.BlobExists(ctx, hash)
	require.NoError(t, err)
	require.False(t, exists, "blob must be reclaimed once its last link is removed")
}

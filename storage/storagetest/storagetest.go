// Package storagetest is a conformance suite run against every engine.
package storagetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/docsync/document"
	"github.com/c0deZ3R0/docsync/storage"
)

// Factory returns a fresh, empty engine. The suite closes it.
type Factory func(t *testing.T) storage.Engine

// Run exercises the storage.Engine contract.
func Run(t *testing.T, newEngine Factory) {
	t.Run("Collections", func(t *testing.T) { testCollections(t, newEngine(t)) })
	t.Run("WriteAndRead", func(t *testing.T) { testWriteAndRead(t, newEngine(t)) })
	t.Run("StubUpgrade", func(t *testing.T) { testStubUpgrade(t, newEngine(t)) })
	t.Run("ChangesFeed", func(t *testing.T) { testChangesFeed(t, newEngine(t)) })
	t.Run("Purge", func(t *testing.T) { testPurge(t, newEngine(t)) })
	t.Run("Checkpoints", func(t *testing.T) { testCheckpoints(t, newEngine(t)) })
	t.Run("Blobs", func(t *testing.T) { testBlobs(t, newEngine(t)) })
	t.Run("Closed", func(t *testing.T) { testClosed(t, newEngine(t)) })
}

// Rev builds a deterministic revision ID for fixtures.
func Rev(gen uint64, tag byte) document.RevID {
	var d document.Digest
	d[0] = tag
	return document.RevID{Generation: gen, Digest: d}
}

func testCollections(t *testing.T, e storage.Engine) {
	defer e.Close()
	ctx := context.Background()

	_, err := e.CreateCollection(ctx, "app", "users")
	require.NoError(t, err)
	_, err = e.CreateCollection(ctx, "app", "users")
	require.NoError(t, err, "create is idempotent")
	_, err = e.CreateCollection(ctx, "app", "orders")
	require.NoError(t, err)

	cols, err := e.ListCollections(ctx)
	require.NoError(t, err)
	require.Len(t, cols, 2)
	assert.Equal(t, "app.orders", cols[0].FullName())
	assert.Equal(t, "app.users", cols[1].FullName())

	require.NoError(t, e.SetCheckpoint(ctx, storage.CheckpointKey{Collection: "app.users", Direction: "push", ConfigDigest: "d"}, 4))
	require.NoError(t, e.DeleteCollection(ctx, "app", "users"))
	require.NoError(t, e.DeleteCollection(ctx, "app", "users"), "delete is idempotent")

	cols, err = e.ListCollections(ctx)
	require.NoError(t, err)
	assert.Len(t, cols, 1)

	seq, err := e.GetCheckpoint(ctx, storage.CheckpointKey{Collection: "app.users", Direction: "push", ConfigDigest: "d"})
	require.NoError(t, err)
	assert.Zero(t, seq, "deleting a collection drops its checkpoints")
}

func testWriteAndRead(t *testing.T, e storage.Engine) {
	defer e.Close()
	ctx := context.Background()
	_, err := e.CreateCollection(ctx, "_default", "_default")
	require.NoError(t, err)
	col := "_default._default"

	r1, r2 := Rev(1, 1), Rev(2, 2)
	seqs, err := e.Write(ctx, []storage.WriteOp{{
		Collection: col, DocID: "doc",
		Revisions:    []storage.RevisionRecord{{Rev: r1, Body: []byte(`{"v":1}`), HasBody: true}},
		Document:     &storage.DocumentRecord{Current: r1},
		BumpSequence: true,
	}})
	require.NoError(t, err)
	assert.Equal(t, []uint64{1}, seqs)

	seqs, err = e.Write(ctx, []storage.WriteOp{{
		Collection: col, DocID: "doc",
		Revisions:    []storage.RevisionRecord{{Rev: r2, Parents: []document.RevID{r1}, Body: []byte(`{"v":2}`), HasBody: true}},
		Document:     &storage.DocumentRecord{Current: r2},
		BumpSequence: true,
	}})
	require.NoError(t, err)
	assert.Equal(t, []uint64{2}, seqs)

	rec, err := e.ReadDocument(ctx, col, "doc")
	require.NoError(t, err)
	assert.Equal(t, r2, rec.Current)
	assert.Equal(t, uint64(2), rec.Sequence)

	rev, err := e.ReadRevision(ctx, col, "doc", r2)
	require.NoError(t, err)
	assert.Equal(t, []document.RevID{r1}, rev.Parents)
	assert.JSONEq(t, `{"v":2}`, string(rev.Body))

	history, err := e.ReadRevisionHistory(ctx, col, "doc")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, r2, history[0].Rev)

	_, err = e.ReadDocument(ctx, col, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = e.ReadRevision(ctx, col, "doc", Rev(9, 9))
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = e.Write(ctx, []storage.WriteOp{
		{Collection: col, DocID: "a", Document: &storage.DocumentRecord{Current: r1}, BumpSequence: true},
		{Collection: "nope.nope", DocID: "b", Document: &storage.DocumentRecord{Current: r1}, BumpSequence: true},
	})
	require.Error(t, err)
	_, err = e.ReadDocument(ctx, col, "a")
	assert.ErrorIs(t, err, storage.ErrNotFound, "failed batch must not be partially applied")

	last, err := e.LastSequence(ctx, col)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), last)
}

func testStubUpgrade(t *testing.T, e storage.Engine) {
	defer e.Close()
	ctx := context.Background()
	_, err := e.CreateCollection(ctx, "_default", "_default")
	require.NoError(t, err)
	col := "_default._default"
	r1 := Rev(1, 1)

	_, err = e.Write(ctx, []storage.WriteOp{{Collection: col, DocID: "doc",
		Revisions: []storage.RevisionRecord{{Rev: r1}}}})
	require.NoError(t, err)
	rev, err := e.ReadRevision(ctx, col, "doc", r1)
	require.NoError(t, err)
	assert.False(t, rev.HasBody)

	_, err = e.Write(ctx, []storage.WriteOp{{Collection: col, DocID: "doc",
		Revisions: []storage.RevisionRecord{{Rev: r1, Body: []byte(`{}`), HasBody: true}}}})
	require.NoError(t, err)
	rev, err = e.ReadRevision(ctx, col, "doc", r1)
	require.NoError(t, err)
	assert.True(t, rev.HasBody)

	_, err = e.Write(ctx, []storage.WriteOp{{Collection: col, DocID: "doc",
		Revisions: []storage.RevisionRecord{{Rev: r1}}}})
	require.NoError(t, err)
	rev, err = e.ReadRevision(ctx, col, "doc", r1)
	require.NoError(t, err)
	assert.True(t, rev.HasBody, "a stub never overwrites a body")
}

func testChangesFeed(t *testing.T, e storage.Engine) {
	defer e.Close()
	ctx := context.Background()
	_, err := e.CreateCollection(ctx, "_default", "_default")
	require.NoError(t, err)
	col := "_default._default"

	for i, id := range []string{"a", "b", "c", "a"} {
		rev := Rev(uint64(i+1), byte(i))
		_, err := e.Write(ctx, []storage.WriteOp{{Collection: col, DocID: id,
			Revisions:    []storage.RevisionRecord{{Rev: rev, HasBody: true, Body: []byte(`{}`)}},
			Document:     &storage.DocumentRecord{Current: rev, Deleted: id == "c"},
			BumpSequence: true}})
		require.NoError(t, err)
	}

	changes, err := e.ListChangedSince(ctx, col, 0, 0)
	require.NoError(t, err)
	require.Len(t, changes, 3, "each document appears once at its latest sequence")
	assert.Equal(t, "b", changes[0].DocID)
	assert.Equal(t, "c", changes[1].DocID)
	assert.True(t, changes[1].Deleted)
	assert.Equal(t, "a", changes[2].DocID)
	assert.Equal(t, uint64(4), changes[2].Sequence)

	changes, err = e.ListChangedSince(ctx, col, 2, 1)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "c", changes[0].DocID)

	_, err = e.Write(ctx, []storage.WriteOp{{Collection: col, DocID: "b",
		Revisions: []storage.RevisionRecord{{Rev: Rev(3, 7)}},
		Document:  &storage.DocumentRecord{Current: Rev(2, 1), ConflictRev: Rev(3, 7)}}})
	require.NoError(t, err)
	conflicts, err := e.ListConflicts(ctx, col)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, conflicts)

	rec, err := e.ReadDocument(ctx, col, "b")
	require.NoError(t, err)
	assert.Equal(t, uint64(2), rec.Sequence, "rows written without BumpSequence keep their sequence")
}

func testPurge(t *testing.T, e storage.Engine) {
	defer e.Close()
	ctx := context.Background()
	_, err := e.CreateCollection(ctx, "_default", "_default")
	require.NoError(t, err)
	col := "_default._default"
	r1 := Rev(1, 1)

	_, err = e.Write(ctx, []storage.WriteOp{{Collection: col, DocID: "doc",
		Revisions: []storage.RevisionRecord{{Rev: r1, HasBody: true, Body: []byte(`{}`)}},
		Document:  &storage.DocumentRecord{Current: r1}, BumpSequence: true}})
	require.NoError(t, err)
	_, err = e.Write(ctx, []storage.WriteOp{{Collection: col, DocID: "doc", Purge: true}})
	require.NoError(t, err)

	_, err = e.ReadDocument(ctx, col, "doc")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	history, err := e.ReadRevisionHistory(ctx, col, "doc")
	require.NoError(t, err)
	assert.Empty(t, history)
}

func testCheckpoints(t *testing.T, e storage.Engine) {
	defer e.Close()
	ctx := context.Background()
	push := storage.CheckpointKey{Collection: "s.c", Direction: "push", ConfigDigest: "one"}
	pull := storage.CheckpointKey{Collection: "s.c", Direction: "pull", ConfigDigest: "one"}
	other := storage.CheckpointKey{Collection: "s.c", Direction: "push", ConfigDigest: "two"}

	seq, err := e.GetCheckpoint(ctx, push)
	require.NoError(t, err)
	assert.Zero(t, seq)

	require.NoError(t, e.SetCheckpoint(ctx, push, 10))
	require.NoError(t, e.SetCheckpoint(ctx, push, 12))
	require.NoError(t, e.SetCheckpoint(ctx, pull, 3))
	require.NoError(t, e.SetCheckpoint(ctx, other, 99))

	seq, err = e.GetCheckpoint(ctx, push)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), seq)

	require.NoError(t, e.DeleteCheckpoints(ctx, "s.c", "one"))
	seq, err = e.GetCheckpoint(ctx, pull)
	require.NoError(t, err)
	assert.Zero(t, seq)
	seq, err = e.GetCheckpoint(ctx, other)
	require.NoError(t, err)
	assert.Equal(t, uint64(99), seq, "other configurations keep their checkpoints")
}

func testBlobs(t *testing.T, e storage.Engine) {
	defer e.Close()
	ctx := context.Background()

	require.NoError(t, e.PutBlob(ctx, storage.Blob{Digest: "d1", ContentType: "text/plain", Data: []byte("hi")}))
	require.NoError(t, e.PutBlob(ctx, storage.Blob{Digest: "d1", ContentType: "text/plain", Data: []byte("hi")}))

	b, err := e.GetBlob(ctx, "d1")
	require.NoError(t, err)
	assert.Equal(t, []byte("hi"), b.Data)
	assert.Equal(t, "text/plain", b.ContentType)

	_, err = e.GetBlob(ctx, "nope")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testClosed(t *testing.T, e storage.Engine) {
	require.NoError(t, e.Close())
	_, err := e.ListCollections(context.Background())
	assert.ErrorIs(t, err, storage.ErrClosed)
	assert.NoError(t, e.Close(), "double close is harmless")
}

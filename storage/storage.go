// Package storage defines the contract between the database and the
// engines that persist documents, revision trees, checkpoints and blobs.
package storage

import (
	"context"
	"errors"

	"github.com/c0deZ3R0/docsync/document"
)

var (
	// ErrNotFound is returned when a collection, document, revision or blob
	// does not exist.
	ErrNotFound = errors.New("not found")
	// ErrClosed is returned by every method once Close has been called.
	ErrClosed = errors.New("storage engine is closed")
)

// CollectionRecord describes a stored collection.
type CollectionRecord struct {
	Scope        string
	Name         string
	LastSequence uint64
}

// FullName returns "scope.name", the key used by every other table.
func (c CollectionRecord) FullName() string { return FullName(c.Scope, c.Name) }

// FullName joins scope and collection names.
func FullName(scope, name string) string { return scope + "." + name }

// DocumentRecord is the per-document row: which revision is current, the
// sequence of the last mutation and an optional deferred conflict branch.
type DocumentRecord struct {
	DocID       string
	Current     document.RevID
	Sequence    uint64
	Deleted     bool
	ConflictRev document.RevID
}

// RevisionRecord is one node of a document's revision tree. Stubs learnt
// from a peer's history summary have HasBody false.
type RevisionRecord struct {
	DocID   string
	Rev     document.RevID
	Parents []document.RevID
	Deleted bool
	Body    []byte
	HasBody bool
}

// Change is one entry of a collection's changes feed.
type Change struct {
	Sequence uint64
	DocID    string
	Rev      document.RevID
	Deleted  bool
}

// CheckpointKey identifies a persisted replication checkpoint.
type CheckpointKey struct {
	Collection   string
	Direction    string
	ConfigDigest string
}

// Blob is binary content addressed by digest.
type Blob struct {
	Digest      string
	ContentType string
	Data        []byte
}

// WriteOp is one document's share of an atomic Write. Revisions are
// inserted if absent; an existing stub gains the body of a full record.
// Document, when set, replaces the document row; with BumpSequence the
// engine assigns it the collection's next sequence. Purge removes the
// document row and its whole revision tree instead.
type WriteOp struct {
	Collection   string
	DocID        string
	Revisions    []RevisionRecord
	Document     *DocumentRecord
	BumpSequence bool
	Purge        bool
}

// Engine is implemented by every storage backend. Write must be atomic
// across all of its ops; ListChangedSince must be ordered by sequence.
type Engine interface {
	CreateCollection(ctx context.Context, scope, name string) (CollectionRecord, error)
	DeleteCollection(ctx context.Context, scope, name string) error
	ListCollections(ctx context.Context) ([]CollectionRecord, error)

	ReadDocument(ctx context.Context, collection, docID string) (DocumentRecord, error)
	ReadRevision(ctx context.Context, collection, docID string, rev document.RevID) (RevisionRecord, error)
	ReadRevisionHistory(ctx context.Context, collection, docID string) ([]RevisionRecord, error)
	Write(ctx context.Context, ops []WriteOp) ([]uint64, error)
	ListChangedSince(ctx context.Context, collection string, since uint64, limit int) ([]Change, error)
	ListConflicts(ctx context.Context, collection string) ([]string, error)
	LastSequence(ctx context.Context, collection string) (uint64, error)

	GetCheckpoint(ctx context.Context, key CheckpointKey) (uint64, error)
	SetCheckpoint(ctx context.Context, key CheckpointKey, seq uint64) error
	DeleteCheckpoints(ctx context.Context, collection, configDigest string) error

	PutBlob(ctx context.Context, blob Blob) error
	GetBlob(ctx context.Context, digest string) (Blob, error)

	Close() error
}

// ChangeNotice reports that another process committed to a collection.
type ChangeNotice struct {
	Collection string
	DocID      string
	Sequence   uint64
}

// ChangeFeed is implemented by engines that can observe writes made by
// other processes sharing the same store.
type ChangeFeed interface {
	ExternalChanges() <-chan ChangeNotice
}

package database

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync/atomic"

	"github.com/c0deZ3R0/docsync/document"
	syncErrors "github.com/c0deZ3R0/docsync/errors"
	"github.com/c0deZ3R0/docsync/storage"
)

// Collection is a handle on one collection. The registry hands out a
// single handle per (scope, name), so handles compare equal with ==.
type Collection struct {
	db       *Database
	id       CollectionID
	fullName string
	origin   string
	deleted  atomic.Bool
	logger   *slog.Logger
}

func newCollection(db *Database, id CollectionID) *Collection {
	return &Collection{
		db:       db,
		id:       id,
		fullName: id.String(),
		origin:   db.id.String() + "/" + id.String(),
		logger:   db.logger.With(slog.String("collection", id.String())),
	}
}

// ID returns the comparable (scope, name) identity.
func (c *Collection) ID() CollectionID { return c.id }

// Name returns the collection name.
func (c *Collection) Name() string { return c.id.Name }

// ScopeName returns the owning scope's name.
func (c *Collection) ScopeName() string { return c.id.Scope }

// FullName returns "scope.name".
func (c *Collection) FullName() string { return c.fullName }

// Database returns the owning database.
func (c *Collection) Database() *Database { return c.db }

// Origin is stamped on every document read from this collection.
func (c *Collection) Origin() string { return c.origin }

func (c *Collection) String() string { return c.fullName }

func (c *Collection) markDeleted() { c.deleted.Store(true) }

func (c *Collection) docKey(docID string) string { return c.fullName + "\x00" + docID }

func (c *Collection) check(op syncErrors.Operation) error {
	if err := c.db.checkOpen(op); err != nil {
		return err
	}
	if c.deleted.Load() {
		return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindNotFound, "collection "+c.fullName+" was deleted", storage.ErrNotFound)
	}
	return nil
}

func (c *Collection) wrap(err error, op syncErrors.Operation) error {
	return syncErrors.WrapOpComponent(err, op, component)
}

// Get returns the current revision of a live document. Deleted and absent
// documents yield a KindNotFound error.
func (c *Collection) Get(ctx context.Context, docID string) (*document.Document, error) {
	if err := c.check(syncErrors.OpRead); err != nil {
		return nil, err
	}
	rec, err := c.db.engine.ReadDocument(ctx, c.fullName, docID)
	if err != nil {
		return nil, c.wrap(err, syncErrors.OpRead)
	}
	if rec.Deleted {
		return nil, syncErrors.E(syncErrors.OpRead, syncErrors.Component(component), syncErrors.KindNotFound, "document "+docID+" is deleted", storage.ErrNotFound)
	}
	doc, err := c.loadRevision(ctx, docID, rec.Current)
	if err != nil {
		return nil, err
	}
	doc.Sequence = rec.Sequence
	return doc, nil
}

// GetRevision returns any stored revision of a document, current or not,
// including tombstones.
func (c *Collection) GetRevision(ctx context.Context, docID string, rev document.RevID) (*document.Document, error) {
	if err := c.check(syncErrors.OpRead); err != nil {
		return nil, err
	}
	return c.loadRevision(ctx, docID, rev)
}

func (c *Collection) loadRevision(ctx context.Context, docID string, rev document.RevID) (*document.Document, error) {
	r, err := c.db.engine.ReadRevision(ctx, c.fullName, docID, rev)
	if err != nil {
		return nil, c.wrap(err, syncErrors.OpRead)
	}
	if !r.HasBody {
		return nil, syncErrors.E(syncErrors.OpRead, syncErrors.Component(component), syncErrors.KindNotFound, "revision "+rev.String()+" has no body", storage.ErrNotFound)
	}
	return c.toDocument(r)
}

func (c *Collection) toDocument(r storage.RevisionRecord) (*document.Document, error) {
	props := document.NewProperties()
	if len(r.Body) > 0 {
		if err := json.Unmarshal(r.Body, props); err != nil {
			return nil, syncErrors.E(syncErrors.OpRead, syncErrors.Component(component), syncErrors.KindInternal, "decode body of "+r.DocID, err)
		}
	}
	return &document.Document{
		ID:         r.DocID,
		Rev:        r.Rev,
		Deleted:    r.Deleted,
		Properties: props,
		Origin:     c.origin,
	}, nil
}

// Save stores doc.Properties as a new revision whose parent is doc.Rev.
// A zero doc.Rev creates the document (or revives a deleted one). A stale
// parent fails with a KindConflict error; re-read and retry.
func (c *Collection) Save(ctx context.Context, doc *document.Document) (*document.Document, error) {
	var saved *document.Document
	err := c.db.InBatch(ctx, func(b *Batch) error {
		var err error
		saved, err = b.Save(c, doc)
		return err
	})
	return saved, err
}

// Delete creates a tombstone on top of doc.Rev.
func (c *Collection) Delete(ctx context.Context, doc *document.Document) (*document.Document, error) {
	var saved *document.Document
	err := c.db.InBatch(ctx, func(b *Batch) error {
		var err error
		saved, err = b.Delete(c, doc)
		return err
	})
	return saved, err
}

// Purge forgets a document and its whole history without leaving a
// tombstone, so the removal is never replicated.
func (c *Collection) Purge(ctx context.Context, docID string) error {
	if err := c.check(syncErrors.OpPurge); err != nil {
		return err
	}
	unlock := c.db.writeLocks.lock(c.docKey(docID))
	defer unlock()

	if _, err := c.db.engine.ReadDocument(ctx, c.fullName, docID); err != nil {
		return c.wrap(err, syncErrors.OpPurge)
	}
	if _, err := c.db.engine.Write(ctx, []storage.WriteOp{{Collection: c.fullName, DocID: docID, Purge: true}}); err != nil {
		return c.wrap(err, syncErrors.OpPurge)
	}
	c.logger.Debug("document purged", slog.String("doc_id", docID))
	c.postChanges([]DocumentChange{{Collection: c, DocID: docID, Deleted: true}})
	return nil
}

// RevisionInfo describes one node of a revision tree.
type RevisionInfo struct {
	Rev     document.RevID   `json:"rev"`
	Parents []document.RevID `json:"parents,omitempty"`
	Deleted bool             `json:"deleted,omitempty"`
	HasBody bool             `json:"-"`
}

// Revisions returns every known revision of a document, highest first.
func (c *Collection) Revisions(ctx context.Context, docID string) ([]RevisionInfo, error) {
	if err := c.check(syncErrors.OpRead); err != nil {
		return nil, err
	}
	recs, err := c.db.engine.ReadRevisionHistory(ctx, c.fullName, docID)
	if err != nil {
		return nil, c.wrap(err, syncErrors.OpRead)
	}
	out := make([]RevisionInfo, 0, len(recs))
	for _, r := range recs {
		out = append(out, infoOf(r))
	}
	return out, nil
}

// HistoryPath returns the revisions from the current one back to the root
// along primary parents. It stops early where only a partial history is
// known.
func (c *Collection) HistoryPath(ctx context.Context, docID string) ([]RevisionInfo, error) {
	if err := c.check(syncErrors.OpRead); err != nil {
		return nil, err
	}
	rec, err := c.db.engine.ReadDocument(ctx, c.fullName, docID)
	if err != nil {
		return nil, c.wrap(err, syncErrors.OpRead)
	}
	recs, err := c.db.engine.ReadRevisionHistory(ctx, c.fullName, docID)
	if err != nil {
		return nil, c.wrap(err, syncErrors.OpRead)
	}
	return newRevTree(recs).path(rec.Current, 0), nil
}

// CurrentRevision returns the current revision ID of a document, live or
// deleted.
func (c *Collection) CurrentRevision(ctx context.Context, docID string) (document.RevID, bool, error) {
	if err := c.check(syncErrors.OpRead); err != nil {
		return document.RevID{}, false, err
	}
	rec, err := c.db.engine.ReadDocument(ctx, c.fullName, docID)
	if err != nil {
		return document.RevID{}, false, c.wrap(err, syncErrors.OpRead)
	}
	return rec.Current, rec.Deleted, nil
}

// ChangesSince lists documents whose latest mutation has a sequence greater
// than since, in sequence order.
func (c *Collection) ChangesSince(ctx context.Context, since uint64, limit int) ([]storage.Change, error) {
	if err := c.check(syncErrors.OpRead); err != nil {
		return nil, err
	}
	changes, err := c.db.engine.ListChangedSince(ctx, c.fullName, since, limit)
	return changes, c.wrap(err, syncErrors.OpRead)
}

// LastSequence returns the highest sequence assigned in the collection.
func (c *Collection) LastSequence(ctx context.Context) (uint64, error) {
	if err := c.check(syncErrors.OpRead); err != nil {
		return 0, err
	}
	seq, err := c.db.engine.LastSequence(ctx, c.fullName)
	return seq, c.wrap(err, syncErrors.OpRead)
}

// KnowsRevision reports whether rev is already part of the document's
// tree, either with a body or as an ancestor stub.
func (c *Collection) KnowsRevision(ctx context.Context, docID string, rev document.RevID) (bool, error) {
	if err := c.check(syncErrors.OpRead); err != nil {
		return false, err
	}
	_, err := c.db.engine.ReadRevision(ctx, c.fullName, docID, rev)
	switch {
	case err == nil:
		return true, nil
	case syncErrors.Is(err, storage.ErrNotFound):
		return false, nil
	default:
		return false, c.wrap(err, syncErrors.OpRead)
	}
}

// ExportRevision packages a stored revision with up to maxHistory ancestors
// so a peer can place it in its own tree.
func (c *Collection) ExportRevision(ctx context.Context, docID string, rev document.RevID, maxHistory int) (*IncomingRevision, error) {
	if err := c.check(syncErrors.OpRead); err != nil {
		return nil, err
	}
	recs, err := c.db.engine.ReadRevisionHistory(ctx, c.fullName, docID)
	if err != nil {
		return nil, c.wrap(err, syncErrors.OpRead)
	}
	tree := newRevTree(recs)
	node, ok := tree.nodes[rev]
	if !ok || !node.HasBody {
		return nil, syncErrors.E(syncErrors.OpRead, syncErrors.Component(component), syncErrors.KindNotFound, "revision "+rev.String()+" of "+docID, storage.ErrNotFound)
	}
	doc, err := c.toDocument(node)
	if err != nil {
		return nil, err
	}
	return &IncomingRevision{
		DocID:      docID,
		Rev:        rev,
		Parents:    append([]document.RevID(nil), node.Parents...),
		Deleted:    node.Deleted,
		Properties: doc.Properties,
		History:    tree.ancestors(rev, maxHistory),
	}, nil
}

// Conflicts lists documents holding a deferred, unresolved conflict.
func (c *Collection) Conflicts(ctx context.Context) ([]string, error) {
	if err := c.check(syncErrors.OpRead); err != nil {
		return nil, err
	}
	ids, err := c.db.engine.ListConflicts(ctx, c.fullName)
	return ids, c.wrap(err, syncErrors.OpRead)
}

// ConflictRevision returns the deferred conflict branch of docID, zero
// when there is none.
func (c *Collection) ConflictRevision(ctx context.Context, docID string) (document.RevID, error) {
	if err := c.check(syncErrors.OpRead); err != nil {
		return document.RevID{}, err
	}
	rec, err := c.db.engine.ReadDocument(ctx, c.fullName, docID)
	if err != nil {
		if syncErrors.Is(err, storage.ErrNotFound) {
			return document.RevID{}, nil
		}
		return document.RevID{}, c.wrap(err, syncErrors.OpRead)
	}
	return rec.ConflictRev, nil
}

// Checkpoint returns the last acknowledged sequence persisted for a
// replication direction and configuration digest, zero when none.
func (c *Collection) Checkpoint(ctx context.Context, direction, digest string) (uint64, error) {
	if err := c.check(syncErrors.OpCheckpoint); err != nil {
		return 0, err
	}
	seq, err := c.db.engine.GetCheckpoint(ctx, storage.CheckpointKey{Collection: c.fullName, Direction: direction, ConfigDigest: digest})
	if syncErrors.Is(err, storage.ErrNotFound) {
		return 0, nil
	}
	return seq, c.wrap(err, syncErrors.OpCheckpoint)
}

// SetCheckpoint persists seq for direction and digest.
func (c *Collection) SetCheckpoint(ctx context.Context, direction, digest string, seq uint64) error {
	if err := c.check(syncErrors.OpCheckpoint); err != nil {
		return err
	}
	err := c.db.engine.SetCheckpoint(ctx, storage.CheckpointKey{Collection: c.fullName, Direction: direction, ConfigDigest: digest}, seq)
	return c.wrap(err, syncErrors.OpCheckpoint)
}

// ResetCheckpoints drops the checkpoints for digest in every direction.
func (c *Collection) ResetCheckpoints(ctx context.Context, digest string) error {
	if err := c.check(syncErrors.OpCheckpoint); err != nil {
		return err
	}
	return c.wrap(c.db.engine.DeleteCheckpoints(ctx, c.fullName, digest), syncErrors.OpCheckpoint)
}

func infoOf(r storage.RevisionRecord) RevisionInfo {
	return RevisionInfo{
		Rev:     r.Rev,
		Parents: append([]document.RevID(nil), r.Parents...),
		Deleted: r.Deleted,
		HasBody: r.HasBody,
	}
}

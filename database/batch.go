package database

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/oklog/ulid/v2"

	"github.com/c0deZ3R0/docsync/document"
	syncErrors "github.com/c0deZ3R0/docsync/errors"
	"github.com/c0deZ3R0/docsync/storage"
)

type batchOp struct {
	col     *Collection
	docID   string
	parent  document.RevID
	rev     document.RevID
	deleted bool
	body    []byte
	result  *document.Document
}

// Batch collects document writes that InBatch commits atomically.
type Batch struct {
	ctx  context.Context
	db   *Database
	ops  []*batchOp
	tips map[string]batchTip
	done bool
}

type batchTip struct {
	rev      document.RevID
	deleted  bool
	exists   bool
	conflict document.RevID
}

// InBatch runs fn and commits every write it made in one atomic storage
// write. If fn returns an error nothing is written. Change notifications
// are coalesced to one collection event per collection.
func (db *Database) InBatch(ctx context.Context, fn func(b *Batch) error) error {
	if err := db.checkOpen(syncErrors.OpBatch); err != nil {
		return err
	}
	b := &Batch{ctx: ctx, db: db, tips: make(map[string]batchTip)}
	if err := fn(b); err != nil {
		return err
	}
	b.done = true
	return b.commit()
}

// Save queues a new revision of doc on top of doc.Rev and returns the
// snapshot that will be current once the batch commits.
func (b *Batch) Save(c *Collection, doc *document.Document) (*document.Document, error) {
	if doc == nil {
		return nil, syncErrors.E(syncErrors.OpSave, syncErrors.Component(component), syncErrors.KindInvalid, "nil document")
	}
	id := doc.ID
	if id == "" {
		id = ulid.Make().String()
	}
	return b.add(syncErrors.OpSave, c, id, doc.Rev, doc.Properties, false)
}

// Delete queues a tombstone on top of doc.Rev.
func (b *Batch) Delete(c *Collection, doc *document.Document) (*document.Document, error) {
	if doc == nil || doc.ID == "" {
		return nil, syncErrors.E(syncErrors.OpDelete, syncErrors.Component(component), syncErrors.KindInvalid, "document ID is required")
	}
	return b.add(syncErrors.OpDelete, c, doc.ID, doc.Rev, nil, true)
}

func (b *Batch) add(op syncErrors.Operation, c *Collection, docID string, parent document.RevID, props *document.Properties, deleted bool) (*document.Document, error) {
	if b.done {
		return nil, syncErrors.E(op, syncErrors.Component(component), syncErrors.KindUnsupported, "batch already committed")
	}
	if c == nil || c.db != b.db {
		return nil, syncErrors.E(op, syncErrors.Component(component), syncErrors.KindInvalid, "collection belongs to another database")
	}
	if err := c.check(op); err != nil {
		return nil, err
	}

	tip, err := b.tip(c, docID)
	if err != nil {
		return nil, err
	}
	if err := checkParent(op, docID, tip, parent, deleted); err != nil {
		return nil, err
	}
	// Re-creating a deleted document continues its tombstone branch.
	if parent.IsZero() && tip.exists {
		parent = tip.rev
	}

	if props == nil {
		props = document.NewProperties()
	}
	var parents []document.RevID
	if !parent.IsZero() {
		parents = []document.RevID{parent}
	}
	var body []byte
	if !deleted {
		body, err = props.MarshalJSON()
		if err != nil {
			return nil, syncErrors.E(op, syncErrors.Component(component), syncErrors.KindInvalid, err)
		}
	}
	bodyProps := props
	if deleted {
		bodyProps = nil
	}
	rev, err := document.NewRevID(parents, deleted, bodyProps)
	if err != nil {
		return nil, syncErrors.E(op, syncErrors.Component(component), syncErrors.KindInvalid, err)
	}

	result := &document.Document{ID: docID, Rev: rev, Deleted: deleted, Properties: props.Clone(), Origin: c.origin}
	if deleted {
		result.Properties = document.NewProperties()
	}
	b.ops = append(b.ops, &batchOp{col: c, docID: docID, parent: parent, rev: rev, deleted: deleted, body: body, result: result})
	b.tips[c.docKey(docID)] = batchTip{rev: rev, deleted: deleted, exists: true}
	return result, nil
}

// tip is the document's current revision as seen by this batch.
func (b *Batch) tip(c *Collection, docID string) (batchTip, error) {
	if t, ok := b.tips[c.docKey(docID)]; ok {
		return t, nil
	}
	rec, err := c.db.engine.ReadDocument(b.ctx, c.fullName, docID)
	if syncErrors.Is(err, storage.ErrNotFound) {
		return batchTip{}, nil
	}
	if err != nil {
		return batchTip{}, c.wrap(err, syncErrors.OpRead)
	}
	return batchTip{rev: rec.Current, deleted: rec.Deleted, exists: true}, nil
}

func checkParent(op syncErrors.Operation, docID string, tip batchTip, parent document.RevID, deleting bool) error {
	if deleting && (!tip.exists || tip.deleted) {
		return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindNotFound, "document "+docID+" does not exist", storage.ErrNotFound)
	}
	if parent.IsZero() && (!tip.exists || tip.deleted) {
		return nil
	}
	if parent == tip.rev {
		return nil
	}
	return staleParent(op, docID, parent, tip.rev)
}

func staleParent(op syncErrors.Operation, docID string, parent, current document.RevID) error {
	cause := fmt.Errorf("document %s: parent %q is not the current revision %q", docID, parent, current)
	e := syncErrors.NewConflictError(op, cause)
	e.Metadata = map[string]interface{}{"doc_id": docID, "current_rev": current.String()}
	return e
}

func (b *Batch) commit() error {
	if len(b.ops) == 0 {
		return nil
	}
	keys := make([]string, 0, len(b.ops))
	for _, op := range b.ops {
		keys = append(keys, op.col.docKey(op.docID))
	}
	unlock := b.db.writeLocks.lock(keys...)
	defer unlock()

	// Re-validate against storage now that the documents are locked.
	tips := make(map[string]batchTip)
	writes := make([]storage.WriteOp, 0, len(b.ops))
	for _, op := range b.ops {
		key := op.col.docKey(op.docID)
		tip, ok := tips[key]
		if !ok {
			rec, err := b.db.engine.ReadDocument(b.ctx, op.col.fullName, op.docID)
			switch {
			case err == nil:
				tip = batchTip{rev: rec.Current, deleted: rec.Deleted, exists: true, conflict: rec.ConflictRev}
			case syncErrors.Is(err, storage.ErrNotFound):
			default:
				return op.col.wrap(err, syncErrors.OpBatch)
			}
		}
		if tip.rev != op.parent {
			opName := syncErrors.OpSave
			if op.deleted {
				opName = syncErrors.OpDelete
			}
			return staleParent(opName, op.docID, op.parent, tip.rev)
		}
		tips[key] = batchTip{rev: op.rev, deleted: op.deleted, exists: true, conflict: tip.conflict}

		var parents []document.RevID
		if !op.parent.IsZero() {
			parents = []document.RevID{op.parent}
		}
		writes = append(writes, storage.WriteOp{
			Collection: op.col.fullName,
			DocID:      op.docID,
			Revisions: []storage.RevisionRecord{{
				DocID: op.docID, Rev: op.rev, Parents: parents, Deleted: op.deleted,
				Body: op.body, HasBody: true,
			}},
			Document: &storage.DocumentRecord{
				DocID: op.docID, Current: op.rev, Deleted: op.deleted, ConflictRev: tip.conflict,
			},
			BumpSequence: true,
		})
	}

	seqs, err := b.db.engine.Write(b.ctx, writes)
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpBatch, component)
	}

	perCollection := make(map[*Collection][]DocumentChange)
	var order []*Collection
	for i, op := range b.ops {
		op.result.Sequence = seqs[i]
		if _, ok := perCollection[op.col]; !ok {
			order = append(order, op.col)
		}
		perCollection[op.col] = append(perCollection[op.col], DocumentChange{
			Collection: op.col, DocID: op.docID, Rev: op.rev, Sequence: seqs[i], Deleted: op.deleted,
		})
	}
	for _, c := range order {
		c.postChanges(perCollection[c])
	}
	b.db.logger.Debug("batch committed", slog.Int("writes", len(writes)))
	return nil
}

// encodeBody is shared by the conflict engine.
func encodeBody(p *document.Properties) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

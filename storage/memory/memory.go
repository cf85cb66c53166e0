// Package memory provides an in-process storage.Engine. Nothing survives
// Close; it backs ephemeral databases and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/c0deZ3R0/docsync/document"
	syncErrors "github.com/c0deZ3R0/docsync/errors"
	"github.com/c0deZ3R0/docsync/storage"
)

const component = "storage/memory"

type collection struct {
	record    storage.CollectionRecord
	docs      map[string]storage.DocumentRecord
	revisions map[string]map[document.RevID]storage.RevisionRecord
}

// Engine is a map-backed storage.Engine guarded by a single RWMutex.
type Engine struct {
	mu          sync.RWMutex
	closed      bool
	collections map[string]*collection
	checkpoints map[storage.CheckpointKey]uint64
	blobs       map[string]storage.Blob
}

var _ storage.Engine = (*Engine)(nil)

// New returns an empty engine.
func New() *Engine {
	return &Engine{
		collections: make(map[string]*collection),
		checkpoints: make(map[storage.CheckpointKey]uint64),
		blobs:       make(map[string]storage.Blob),
	}
}

func (e *Engine) checkOpen(op syncErrors.Operation) error {
	if e.closed {
		return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindClosed, storage.ErrClosed)
	}
	return nil
}

func notFound(op syncErrors.Operation, what string) error {
	return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindNotFound, what, storage.ErrNotFound)
}

func (e *Engine) CreateCollection(ctx context.Context, scope, name string) (storage.CollectionRecord, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOpen(syncErrors.OpSave); err != nil {
		return storage.CollectionRecord{}, err
	}
	key := storage.FullName(scope, name)
	if c, ok := e.collections[key]; ok {
		return c.record, nil
	}
	c := &collection{
		record:    storage.CollectionRecord{Scope: scope, Name: name},
		docs:      make(map[string]storage.DocumentRecord),
		revisions: make(map[string]map[document.RevID]storage.RevisionRecord),
	}
	e.collections[key] = c
	return c.record, nil
}

func (e *Engine) DeleteCollection(ctx context.Context, scope, name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOpen(syncErrors.OpDelete); err != nil {
		return err
	}
	key := storage.FullName(scope, name)
	delete(e.collections, key)
	for k := range e.checkpoints {
		if k.Collection == key {
			delete(e.checkpoints, k)
		}
	}
	return nil
}

func (e *Engine) ListCollections(ctx context.Context) ([]storage.CollectionRecord, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.checkOpen(syncErrors.OpRead); err != nil {
		return nil, err
	}
	out := make([]storage.CollectionRecord, 0, len(e.collections))
	for _, c := range e.collections {
		out = append(out, c.record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FullName() < out[j].FullName() })
	return out, nil
}

func (e *Engine) lookup(op syncErrors.Operation, name string) (*collection, error) {
	if err := e.checkOpen(op); err != nil {
		return nil, err
	}
	c, ok := e.collections[name]
	if !ok {
		return nil, notFound(op, "collection "+name)
	}
	return c, nil
}

func (e *Engine) ReadDocument(ctx context.Context, collection, docID string) (storage.DocumentRecord, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, err := e.lookup(syncErrors.OpRead, collection)
	if err != nil {
		return storage.DocumentRecord{}, err
	}
	rec, ok := c.docs[docID]
	if !ok {
		return storage.DocumentRecord{}, notFound(syncErrors.OpRead, "document "+docID)
	}
	return rec, nil
}

func (e *Engine) ReadRevision(ctx context.Context, collection, docID string, rev document.RevID) (storage.RevisionRecord, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, err := e.lookup(syncErrors.OpRead, collection)
	if err != nil {
		return storage.RevisionRecord{}, err
	}
	r, ok := c.revisions[docID][rev]
	if !ok {
		return storage.RevisionRecord{}, notFound(syncErrors.OpRead, "revision "+rev.String())
	}
	return cloneRevision(r), nil
}

func (e *Engine) ReadRevisionHistory(ctx context.Context, collection, docID string) ([]storage.RevisionRecord, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, err := e.lookup(syncErrors.OpRead, collection)
	if err != nil {
		return nil, err
	}
	tree := c.revisions[docID]
	out := make([]storage.RevisionRecord, 0, len(tree))
	for _, r := range tree {
		out = append(out, cloneRevision(r))
	}
	sort.Slice(out, func(i, j int) bool { return document.Compare(out[i].Rev, out[j].Rev) > 0 })
	return out, nil
}

// Write validates every op before applying any, which makes it atomic.
func (e *Engine) Write(ctx context.Context, ops []storage.WriteOp) ([]uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, op := range ops {
		if _, err := e.lookup(syncErrors.OpBatch, op.Collection); err != nil {
			return nil, err
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, syncErrors.E(syncErrors.OpBatch, syncErrors.Component(component), err)
	}

	seqs := make([]uint64, len(ops))
	for i, op := range ops {
		c := e.collections[op.Collection]
		if op.Purge {
			delete(c.docs, op.DocID)
			delete(c.revisions, op.DocID)
			continue
		}
		tree := c.revisions[op.DocID]
		if tree == nil {
			tree = make(map[document.RevID]storage.RevisionRecord)
			c.revisions[op.DocID] = tree
		}
		for _, r := range op.Revisions {
			if existing, ok := tree[r.Rev]; ok && (existing.HasBody || !r.HasBody) {
				continue
			}
			r.DocID = op.DocID
			tree[r.Rev] = cloneRevision(r)
		}
		if op.Document != nil {
			rec := *op.Document
			rec.DocID = op.DocID
			if op.BumpSequence {
				c.record.LastSequence++
				rec.Sequence = c.record.LastSequence
			} else if prev, ok := c.docs[op.DocID]; ok {
				rec.Sequence = prev.Sequence
			}
			c.docs[op.DocID] = rec
			seqs[i] = rec.Sequence
		}
	}
	return seqs, nil
}

func (e *Engine) ListChangedSince(ctx context.Context, collection string, since uint64, limit int) ([]storage.Change, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, err := e.lookup(syncErrors.OpRead, collection)
	if err != nil {
		return nil, err
	}
	var out []storage.Change
	for _, d := range c.docs {
		if d.Sequence > since {
			out = append(out, storage.Change{Sequence: d.Sequence, DocID: d.DocID, Rev: d.Current, Deleted: d.Deleted})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (e *Engine) ListConflicts(ctx context.Context, collection string) ([]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, err := e.lookup(syncErrors.OpRead, collection)
	if err != nil {
		return nil, err
	}
	var out []string
	for id, d := range c.docs {
		if !d.ConflictRev.IsZero() {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out, nil
}

func (e *Engine) LastSequence(ctx context.Context, collection string) (uint64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	c, err := e.lookup(syncErrors.OpRead, collection)
	if err != nil {
		return 0, err
	}
	return c.record.LastSequence, nil
}

func (e *Engine) GetCheckpoint(ctx context.Context, key storage.CheckpointKey) (uint64, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.checkOpen(syncErrors.OpCheckpoint); err != nil {
		return 0, err
	}
	return e.checkpoints[key], nil
}

func (e *Engine) SetCheckpoint(ctx context.Context, key storage.CheckpointKey, seq uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOpen(syncErrors.OpCheckpoint); err != nil {
		return err
	}
	e.checkpoints[key] = seq
	return nil
}

func (e *Engine) DeleteCheckpoints(ctx context.Context, collection, configDigest string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOpen(syncErrors.OpCheckpoint); err != nil {
		return err
	}
	for k := range e.checkpoints {
		if k.Collection == collection && (configDigest == "" || k.ConfigDigest == configDigest) {
			delete(e.checkpoints, k)
		}
	}
	return nil
}

func (e *Engine) PutBlob(ctx context.Context, blob storage.Blob) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkOpen(syncErrors.OpSave); err != nil {
		return err
	}
	blob.Data = append([]byte(nil), blob.Data...)
	e.blobs[blob.Digest] = blob
	return nil
}

func (e *Engine) GetBlob(ctx context.Context, digest string) (storage.Blob, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if err := e.checkOpen(syncErrors.OpRead); err != nil {
		return storage.Blob{}, err
	}
	b, ok := e.blobs[digest]
	if !ok {
		return storage.Blob{}, notFound(syncErrors.OpRead, "blob "+digest)
	}
	b.Data = append([]byte(nil), b.Data...)
	return b, nil
}

// Close drops all state. Calling Close twice is a no-op.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.collections = nil
	e.checkpoints = nil
	e.blobs = nil
	return nil
}

func cloneRevision(r storage.RevisionRecord) storage.RevisionRecord {
	r.Parents = append([]document.RevID(nil), r.Parents...)
	if r.Body != nil {
		r.Body = append([]byte(nil), r.Body...)
	}
	return r
}

// Package sqlstore implements storage.Engine on top of database/sql. The
// sqlite and postgres packages open a *sql.DB and hand it over together
// with their Dialect.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sort"
	"strconv"
	"sync"

	"github.com/c0deZ3R0/docsync/document"
	syncErrors "github.com/c0deZ3R0/docsync/errors"
	"github.com/c0deZ3R0/docsync/logging"
	"github.com/c0deZ3R0/docsync/storage"
)

// WriteHook runs inside a Write transaction after every op has been
// applied. Returning an error rolls the write back.
type WriteHook func(ctx context.Context, tx *sql.Tx, notices []storage.ChangeNotice) error

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithWriteHook installs a hook called at the end of each Write.
func WithWriteHook(h WriteHook) Option {
	return func(e *Engine) { e.hook = h }
}

// Engine is a storage.Engine backed by a SQL database.
type Engine struct {
	db        *sql.DB
	dialect   Dialect
	component syncErrors.Component
	logger    *slog.Logger
	hook      WriteHook

	mu     sync.RWMutex
	closed bool
}

var _ storage.Engine = (*Engine)(nil)

// New creates the schema if needed and returns an engine owning db.
func New(ctx context.Context, db *sql.DB, d Dialect, opts ...Option) (*Engine, error) {
	component := "storage/" + d.Name
	e := &Engine{
		db:        db,
		dialect:   d,
		component: syncErrors.Component(component),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.logger == nil {
		e.logger = logging.Default().WithComponent(logging.Component(component)).Logger
	}
	log := &logging.Logger{Logger: e.logger}
	err := log.LogOperation(ctx, "setup schema", logging.Component(component), func() error {
		for _, stmt := range d.Schema {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				return syncErrors.E(syncErrors.OpOpen, e.component, syncErrors.KindInternal, "setup schema", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// DB exposes the underlying handle, mainly for pool statistics.
func (e *Engine) DB() *sql.DB { return e.db }

func (e *Engine) q(query string) string { return e.dialect.Rebind(query) }

// acquire takes the read lock and fails once the engine is closed. The
// caller must release it.
func (e *Engine) acquire(op syncErrors.Operation) error {
	e.mu.RLock()
	if e.closed {
		e.mu.RUnlock()
		return syncErrors.E(op, e.component, syncErrors.KindClosed, storage.ErrClosed)
	}
	return nil
}

func (e *Engine) fail(op syncErrors.Operation, err error) error {
	return syncErrors.E(op, e.component, syncErrors.KindInternal, err)
}

func (e *Engine) notFound(op syncErrors.Operation, what string) error {
	return syncErrors.E(op, e.component, syncErrors.KindNotFound, what, storage.ErrNotFound)
}

func (e *Engine) CreateCollection(ctx context.Context, scope, name string) (storage.CollectionRecord, error) {
	if err := e.acquire(syncErrors.OpSave); err != nil {
		return storage.CollectionRecord{}, err
	}
	defer e.mu.RUnlock()
	full := storage.FullName(scope, name)
	_, err := e.db.ExecContext(ctx, e.q(`INSERT INTO collections (full_name, scope, name, last_seq)
		VALUES (?, ?, ?, 0) ON CONFLICT (full_name) DO NOTHING`), full, scope, name)
	if err != nil {
		return storage.CollectionRecord{}, e.fail(syncErrors.OpSave, err)
	}
	rec := storage.CollectionRecord{Scope: scope, Name: name}
	if err := e.db.QueryRowContext(ctx, e.q(`SELECT last_seq FROM collections WHERE full_name = ?`), full).Scan(&rec.LastSequence); err != nil {
		return storage.CollectionRecord{}, e.fail(syncErrors.OpSave, err)
	}
	return rec, nil
}

// DeleteCollection removes the collection with its documents, revisions
// and checkpoints.
func (e *Engine) DeleteCollection(ctx context.Context, scope, name string) error {
	if err := e.acquire(syncErrors.OpDelete); err != nil {
		return err
	}
	defer e.mu.RUnlock()
	full := storage.FullName(scope, name)
	return e.inTx(ctx, syncErrors.OpDelete, func(tx *sql.Tx) error {
		for _, stmt := range []string{
			`DELETE FROM revisions WHERE collection = ?`,
			`DELETE FROM documents WHERE collection = ?`,
			`DELETE FROM checkpoints WHERE collection = ?`,
			`DELETE FROM collections WHERE full_name = ?`,
		} {
			if _, err := tx.ExecContext(ctx, e.q(stmt), full); err != nil {
				return err
			}
		}
		return nil
	})
}

func (e *Engine) ListCollections(ctx context.Context) ([]storage.CollectionRecord, error) {
	if err := e.acquire(syncErrors.OpRead); err != nil {
		return nil, err
	}
	defer e.mu.RUnlock()
	rows, err := e.db.QueryContext(ctx, `SELECT scope, name, last_seq FROM collections ORDER BY full_name`)
	if err != nil {
		return nil, e.fail(syncErrors.OpRead, err)
	}
	defer rows.Close()
	var out []storage.CollectionRecord
	for rows.Next() {
		var rec storage.CollectionRecord
		if err := rows.Scan(&rec.Scope, &rec.Name, &rec.LastSequence); err != nil {
			return nil, e.fail(syncErrors.OpRead, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, e.fail(syncErrors.OpRead, err)
	}
	return out, nil
}

// lastSeq reads a collection's counter; q is the DB or a transaction.
func (e *Engine) lastSeq(ctx context.Context, q querier, op syncErrors.Operation, collection string) (uint64, error) {
	var seq uint64
	err := q.QueryRowContext(ctx, e.q(`SELECT last_seq FROM collections WHERE full_name = ?`), collection).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, e.notFound(op, "collection "+collection)
	}
	if err != nil {
		return 0, e.fail(op, err)
	}
	return seq, nil
}

func (e *Engine) LastSequence(ctx context.Context, collection string) (uint64, error) {
	if err := e.acquire(syncErrors.OpRead); err != nil {
		return 0, err
	}
	defer e.mu.RUnlock()
	return e.lastSeq(ctx, e.db, syncErrors.OpRead, collection)
}

func (e *Engine) ReadDocument(ctx context.Context, collection, docID string) (storage.DocumentRecord, error) {
	if err := e.acquire(syncErrors.OpRead); err != nil {
		return storage.DocumentRecord{}, err
	}
	defer e.mu.RUnlock()
	if _, err := e.lastSeq(ctx, e.db, syncErrors.OpRead, collection); err != nil {
		return storage.DocumentRecord{}, err
	}
	var current, conflict string
	rec := storage.DocumentRecord{DocID: docID}
	err := e.db.QueryRowContext(ctx, e.q(`SELECT current_rev, sequence, deleted, conflict_rev
		FROM documents WHERE collection = ? AND doc_id = ?`), collection, docID).
		Scan(&current, &rec.Sequence, &rec.Deleted, &conflict)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.DocumentRecord{}, e.notFound(syncErrors.OpRead, "document "+docID)
	}
	if err != nil {
		return storage.DocumentRecord{}, e.fail(syncErrors.OpRead, err)
	}
	if rec.Current, err = document.ParseRevID(current); err != nil {
		return storage.DocumentRecord{}, e.fail(syncErrors.OpRead, err)
	}
	if rec.ConflictRev, err = document.ParseRevID(conflict); err != nil {
		return storage.DocumentRecord{}, e.fail(syncErrors.OpRead, err)
	}
	return rec, nil
}

const revisionColumns = `generation, digest, parent1, parent2, deleted, body, has_body`

func (e *Engine) ReadRevision(ctx context.Context, collection, docID string, rev document.RevID) (storage.RevisionRecord, error) {
	if err := e.acquire(syncErrors.OpRead); err != nil {
		return storage.RevisionRecord{}, err
	}
	defer e.mu.RUnlock()
	if _, err := e.lastSeq(ctx, e.db, syncErrors.OpRead, collection); err != nil {
		return storage.RevisionRecord{}, err
	}
	row := e.db.QueryRowContext(ctx, e.q(`SELECT `+revisionColumns+` FROM revisions
		WHERE collection = ? AND doc_id = ? AND generation = ? AND digest = ?`),
		collection, docID, rev.Generation, rev.Digest.String())
	r, err := scanRevision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.RevisionRecord{}, e.notFound(syncErrors.OpRead, "revision "+rev.String())
	}
	if err != nil {
		return storage.RevisionRecord{}, e.fail(syncErrors.OpRead, err)
	}
	r.DocID = docID
	return r, nil
}

func (e *Engine) ReadRevisionHistory(ctx context.Context, collection, docID string) ([]storage.RevisionRecord, error) {
	if err := e.acquire(syncErrors.OpRead); err != nil {
		return nil, err
	}
	defer e.mu.RUnlock()
	if _, err := e.lastSeq(ctx, e.db, syncErrors.OpRead, collection); err != nil {
		return nil, err
	}
	rows, err := e.db.QueryContext(ctx, e.q(`SELECT `+revisionColumns+` FROM revisions
		WHERE collection = ? AND doc_id = ?`), collection, docID)
	if err != nil {
		return nil, e.fail(syncErrors.OpRead, err)
	}
	defer rows.Close()
	out := []storage.RevisionRecord{}
	for rows.Next() {
		r, err := scanRevision(rows)
		if err != nil {
			return nil, e.fail(syncErrors.OpRead, err)
		}
		r.DocID = docID
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, e.fail(syncErrors.OpRead, err)
	}
	sort.Slice(out, func(i, j int) bool { return document.Compare(out[i].Rev, out[j].Rev) > 0 })
	return out, nil
}

// Write applies every op in one transaction.
func (e *Engine) Write(ctx context.Context, ops []storage.WriteOp) ([]uint64, error) {
	if err := e.acquire(syncErrors.OpBatch); err != nil {
		return nil, err
	}
	defer e.mu.RUnlock()

	seqs := make([]uint64, len(ops))
	err := e.inTx(ctx, syncErrors.OpBatch, func(tx *sql.Tx) error {
		var notices []storage.ChangeNotice
		for i, op := range ops {
			if _, err := e.lastSeq(ctx, tx, syncErrors.OpBatch, op.Collection); err != nil {
				return err
			}
			if op.Purge {
				for _, stmt := range []string{
					`DELETE FROM revisions WHERE collection = ? AND doc_id = ?`,
					`DELETE FROM documents WHERE collection = ? AND doc_id = ?`,
				} {
					if _, err := tx.ExecContext(ctx, e.q(stmt), op.Collection, op.DocID); err != nil {
						return err
					}
				}
				continue
			}
			for _, r := range op.Revisions {
				if err := e.insertRevision(ctx, tx, op.Collection, op.DocID, r); err != nil {
					return err
				}
			}
			if op.Document == nil {
				continue
			}
			seq, err := e.writeDocument(ctx, tx, op)
			if err != nil {
				return err
			}
			seqs[i] = seq
			if op.BumpSequence {
				notices = append(notices, storage.ChangeNotice{Collection: op.Collection, DocID: op.DocID, Sequence: seq})
			}
		}
		if e.hook != nil && len(notices) > 0 {
			return e.hook(ctx, tx, notices)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return seqs, nil
}

// insertRevision adds a revision if absent. An existing stub takes the
// body of a full record; a full record is never replaced.
func (e *Engine) insertRevision(ctx context.Context, tx *sql.Tx, collection, docID string, r storage.RevisionRecord) error {
	if len(r.Parents) > 2 {
		return syncErrors.E(syncErrors.OpBatch, e.component, syncErrors.KindInvalid,
			"revision "+r.Rev.String()+" has "+strconv.Itoa(len(r.Parents))+" parents")
	}
	var parents [2]string
	for i, p := range r.Parents {
		parents[i] = p.String()
	}
	var body []byte
	if r.HasBody {
		body = r.Body
	}
	_, err := tx.ExecContext(ctx, e.q(`INSERT INTO revisions
		(collection, doc_id, generation, digest, parent1, parent2, deleted, body, has_body)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (collection, doc_id, generation, digest) DO UPDATE SET
			parent1 = excluded.parent1, parent2 = excluded.parent2, deleted = excluded.deleted,
			body = excluded.body, has_body = excluded.has_body
		WHERE NOT revisions.has_body AND excluded.has_body`),
		collection, docID, r.Rev.Generation, r.Rev.Digest.String(), parents[0], parents[1], r.Deleted, body, r.HasBody)
	return err
}

// writeDocument upserts the document row and returns its sequence.
func (e *Engine) writeDocument(ctx context.Context, tx *sql.Tx, op storage.WriteOp) (uint64, error) {
	var seq uint64
	if op.BumpSequence {
		if _, err := tx.ExecContext(ctx, e.q(`UPDATE collections SET last_seq = last_seq + 1 WHERE full_name = ?`), op.Collection); err != nil {
			return 0, err
		}
		var err error
		if seq, err = e.lastSeq(ctx, tx, syncErrors.OpBatch, op.Collection); err != nil {
			return 0, err
		}
	} else {
		err := tx.QueryRowContext(ctx, e.q(`SELECT sequence FROM documents WHERE collection = ? AND doc_id = ?`),
			op.Collection, op.DocID).Scan(&seq)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return 0, err
		}
	}
	d := op.Document
	_, err := tx.ExecContext(ctx, e.q(`INSERT INTO documents
		(collection, doc_id, current_rev, sequence, deleted, conflict_rev)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (collection, doc_id) DO UPDATE SET
			current_rev = excluded.current_rev, sequence = excluded.sequence,
			deleted = excluded.deleted, conflict_rev = excluded.conflict_rev`),
		op.Collection, op.DocID, d.Current.String(), seq, d.Deleted, d.ConflictRev.String())
	return seq, err
}

// ListChangedSince returns one change per document whose sequence is
// above since, oldest first. A limit of zero means no limit.
func (e *Engine) ListChangedSince(ctx context.Context, collection string, since uint64, limit int) ([]storage.Change, error) {
	if err := e.acquire(syncErrors.OpRead); err != nil {
		return nil, err
	}
	defer e.mu.RUnlock()
	if _, err := e.lastSeq(ctx, e.db, syncErrors.OpRead, collection); err != nil {
		return nil, err
	}
	query := `SELECT sequence, doc_id, current_rev, deleted FROM documents
		WHERE collection = ? AND sequence > ? ORDER BY sequence`
	args := []any{collection, since}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := e.db.QueryContext(ctx, e.q(query), args...)
	if err != nil {
		return nil, e.fail(syncErrors.OpRead, err)
	}
	defer rows.Close()
	var out []storage.Change
	for rows.Next() {
		var ch storage.Change
		var rev string
		if err := rows.Scan(&ch.Sequence, &ch.DocID, &rev, &ch.Deleted); err != nil {
			return nil, e.fail(syncErrors.OpRead, err)
		}
		if ch.Rev, err = document.ParseRevID(rev); err != nil {
			return nil, e.fail(syncErrors.OpRead, err)
		}
		out = append(out, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, e.fail(syncErrors.OpRead, err)
	}
	return out, nil
}

func (e *Engine) ListConflicts(ctx context.Context, collection string) ([]string, error) {
	if err := e.acquire(syncErrors.OpRead); err != nil {
		return nil, err
	}
	defer e.mu.RUnlock()
	if _, err := e.lastSeq(ctx, e.db, syncErrors.OpRead, collection); err != nil {
		return nil, err
	}
	rows, err := e.db.QueryContext(ctx, e.q(`SELECT doc_id FROM documents
		WHERE collection = ? AND conflict_rev <> '' ORDER BY doc_id`), collection)
	if err != nil {
		return nil, e.fail(syncErrors.OpRead, err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, e.fail(syncErrors.OpRead, err)
		}
		out = append(out, id)
	}
	if err := rows.Err(); err != nil {
		return nil, e.fail(syncErrors.OpRead, err)
	}
	return out, nil
}

// GetCheckpoint returns zero for a checkpoint that was never saved.
func (e *Engine) GetCheckpoint(ctx context.Context, key storage.CheckpointKey) (uint64, error) {
	if err := e.acquire(syncErrors.OpCheckpoint); err != nil {
		return 0, err
	}
	defer e.mu.RUnlock()
	var seq uint64
	err := e.db.QueryRowContext(ctx, e.q(`SELECT last_seq FROM checkpoints
		WHERE collection = ? AND direction = ? AND config_digest = ?`),
		key.Collection, key.Direction, key.ConfigDigest).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, e.fail(syncErrors.OpCheckpoint, err)
	}
	return seq, nil
}

func (e *Engine) SetCheckpoint(ctx context.Context, key storage.CheckpointKey, seq uint64) error {
	if err := e.acquire(syncErrors.OpCheckpoint); err != nil {
		return err
	}
	defer e.mu.RUnlock()
	_, err := e.db.ExecContext(ctx, e.q(`INSERT INTO checkpoints (collection, direction, config_digest, last_seq)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (collection, direction, config_digest) DO UPDATE SET last_seq = excluded.last_seq`),
		key.Collection, key.Direction, key.ConfigDigest, seq)
	if err != nil {
		return e.fail(syncErrors.OpCheckpoint, err)
	}
	return nil
}

// DeleteCheckpoints drops a collection's checkpoints for one config
// digest, or for every digest when configDigest is empty.
func (e *Engine) DeleteCheckpoints(ctx context.Context, collection, configDigest string) error {
	if err := e.acquire(syncErrors.OpCheckpoint); err != nil {
		return err
	}
	defer e.mu.RUnlock()
	query := `DELETE FROM checkpoints WHERE collection = ?`
	args := []any{collection}
	if configDigest != "" {
		query += ` AND config_digest = ?`
		args = append(args, configDigest)
	}
	if _, err := e.db.ExecContext(ctx, e.q(query), args...); err != nil {
		return e.fail(syncErrors.OpCheckpoint, err)
	}
	return nil
}

// PutBlob stores content under its digest. Storing the same digest twice
// keeps the first copy.
func (e *Engine) PutBlob(ctx context.Context, blob storage.Blob) error {
	if err := e.acquire(syncErrors.OpSave); err != nil {
		return err
	}
	defer e.mu.RUnlock()
	data := blob.Data
	if data == nil {
		data = []byte{}
	}
	_, err := e.db.ExecContext(ctx, e.q(`INSERT INTO blobs (digest, content_type, data)
		VALUES (?, ?, ?) ON CONFLICT (digest) DO NOTHING`), blob.Digest, blob.ContentType, data)
	if err != nil {
		return e.fail(syncErrors.OpSave, err)
	}
	return nil
}

func (e *Engine) GetBlob(ctx context.Context, digest string) (storage.Blob, error) {
	if err := e.acquire(syncErrors.OpRead); err != nil {
		return storage.Blob{}, err
	}
	defer e.mu.RUnlock()
	b := storage.Blob{Digest: digest}
	err := e.db.QueryRowContext(ctx, e.q(`SELECT content_type, data FROM blobs WHERE digest = ?`), digest).
		Scan(&b.ContentType, &b.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Blob{}, e.notFound(syncErrors.OpRead, "blob "+digest)
	}
	if err != nil {
		return storage.Blob{}, e.fail(syncErrors.OpRead, err)
	}
	return b, nil
}

// Close closes the database handle. Calling Close twice is a no-op.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if err := e.db.Close(); err != nil {
		return e.fail(syncErrors.OpClose, err)
	}
	e.logger.Info("storage closed")
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRevision(s scanner) (storage.RevisionRecord, error) {
	var (
		r       storage.RevisionRecord
		digest  string
		parents [2]string
	)
	if err := s.Scan(&r.Rev.Generation, &digest, &parents[0], &parents[1], &r.Deleted, &r.Body, &r.HasBody); err != nil {
		return r, err
	}
	rev, err := document.ParseRevID(strconv.FormatUint(r.Rev.Generation, 10) + "-" + digest)
	if err != nil {
		return r, err
	}
	r.Rev = rev
	for _, p := range parents {
		if p == "" {
			continue
		}
		pr, err := document.ParseRevID(p)
		if err != nil {
			return r, err
		}
		r.Parents = append(r.Parents, pr)
	}
	if !r.HasBody {
		r.Body = nil
	}
	return r, nil
}

// inTx runs fn in a transaction, committing on success. Errors that are
// not already typed are reported as internal.
func (e *Engine) inTx(ctx context.Context, op syncErrors.Operation, fn func(tx *sql.Tx) error) (err error) {
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return e.fail(op, err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				e.logger.Warn("rollback failed", slog.String("error", rbErr.Error()))
			}
		}
	}()
	if err = fn(tx); err != nil {
		var typed *syncErrors.Error
		if !errors.As(err, &typed) {
			err = e.fail(op, err)
		}
		return err
	}
	if err = tx.Commit(); err != nil {
		return e.fail(op, err)
	}
	return nil
}

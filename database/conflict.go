package database

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/c0deZ3R0/docsync/document"
	syncErrors "github.com/c0deZ3R0/docsync/errors"
	"github.com/c0deZ3R0/docsync/storage"
)

// Conflict is the three-way view handed to a resolver. Mine and Theirs are
// nil when that side is a tombstone; Base is nil when no common ancestor
// body is known locally.
type Conflict struct {
	Collection *Collection
	DocID      string
	Mine       *document.Document
	Theirs     *document.Document
	Base       *document.Document
	MineRev    document.RevID
	TheirsRev  document.RevID
}

// ConflictResolver decides the body that becomes current after a fork.
// Returning a nil document deletes the document. Returning an error defers
// the conflict: the local revision stays current and the incoming one is
// kept as a branch to retry later. Resolvers may run on any goroutine.
type ConflictResolver interface {
	Resolve(ctx context.Context, c Conflict) (*document.Document, error)
}

// ResolverFunc adapts a function to ConflictResolver.
type ResolverFunc func(ctx context.Context, c Conflict) (*document.Document, error)

func (f ResolverFunc) Resolve(ctx context.Context, c Conflict) (*document.Document, error) {
	return f(ctx, c)
}

// IncomingRevision is a revision received from a peer together with the
// part of its ancestry the peer sent.
type IncomingRevision struct {
	DocID      string
	Rev        document.RevID
	Parents    []document.RevID
	Deleted    bool
	Properties *document.Properties
	History    []RevisionInfo
}

func (in *IncomingRevision) validate() error {
	if in == nil || in.DocID == "" {
		return fmt.Errorf("incoming revision without document ID")
	}
	if in.Rev.IsZero() {
		return fmt.Errorf("document %s: incoming revision without ID", in.DocID)
	}
	if len(in.Parents) > 2 {
		return fmt.Errorf("document %s: revision %s has %d parents", in.DocID, in.Rev, len(in.Parents))
	}
	if len(in.Parents) == 0 && in.Rev.Generation != 1 {
		return fmt.Errorf("document %s: root revision %s must be generation 1", in.DocID, in.Rev)
	}
	var primary uint64
	for _, p := range in.Parents {
		if p.Generation > primary {
			primary = p.Generation
		}
	}
	if len(in.Parents) > 0 && primary+1 != in.Rev.Generation {
		return fmt.Errorf("document %s: revision %s is not one generation above its parent", in.DocID, in.Rev)
	}
	return nil
}

func (in *IncomingRevision) record() (storage.RevisionRecord, error) {
	rec := storage.RevisionRecord{
		DocID:   in.DocID,
		Rev:     in.Rev,
		Parents: append([]document.RevID(nil), in.Parents...),
		Deleted: in.Deleted,
		HasBody: true,
	}
	if !in.Deleted {
		body, err := encodeBody(in.Properties)
		if err != nil {
			return rec, err
		}
		rec.Body = body
	}
	return rec, nil
}

// OutcomeKind says what a reconciliation did.
type OutcomeKind int

const (
	// OutcomeUnchanged: the incoming revision was already known or older.
	OutcomeUnchanged OutcomeKind = iota
	// OutcomeFastForward: the incoming revision descended from the current
	// one and became current.
	OutcomeFastForward
	// OutcomeKept: a fork where the local revision stayed current; the
	// incoming revision is stored as a non-current branch.
	OutcomeKept
	// OutcomeMerged: a fork resolved to a new live current revision.
	OutcomeMerged
	// OutcomeDeleted: a fork resolved to a tombstone.
	OutcomeDeleted
	// OutcomeDeferred: resolution failed; nothing became current and the
	// incoming revision waits as a conflict branch.
	OutcomeDeferred
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeUnchanged:
		return "unchanged"
	case OutcomeFastForward:
		return "fast_forward"
	case OutcomeKept:
		return "kept"
	case OutcomeMerged:
		return "merged"
	case OutcomeDeleted:
		return "deleted"
	case OutcomeDeferred:
		return "deferred"
	}
	return fmt.Sprintf("outcome(%d)", int(k))
}

// Outcome reports the result of Reconcile. Err is set for deferred
// conflicts; it is a per-document error, not a failure of the call.
type Outcome struct {
	Kind     OutcomeKind
	Rev      document.RevID
	Sequence uint64
	Deleted  bool
	Attempts int
	Err      error
}

// Changed reports whether the current revision moved.
func (o Outcome) Changed() bool {
	switch o.Kind {
	case OutcomeFastForward, OutcomeMerged, OutcomeDeleted:
		return true
	}
	return false
}

// Reconcile applies a revision received from a peer. A descendant of the
// current revision is adopted; a fork is handed to resolver (nil selects
// the deterministic tie-break). Reconciliations of one document are
// serialised; ordinary writes to it may happen while a resolver runs, in
// which case resolution is repeated against the new local state.
func (c *Collection) Reconcile(ctx context.Context, in *IncomingRevision, resolver ConflictResolver) (Outcome, error) {
	if err := c.check(syncErrors.OpReconcile); err != nil {
		return Outcome{}, err
	}
	if err := in.validate(); err != nil {
		return Outcome{}, syncErrors.E(syncErrors.OpReconcile, syncErrors.Component(component), syncErrors.KindInvalid, err)
	}
	unlock := c.db.reconcileLocks.lock(c.docKey(in.DocID))
	defer unlock()
	r := &reconciler{c: c, in: in, resolver: resolver, logger: c.logger.With(slog.String("doc_id", in.DocID), slog.String("rev", in.Rev.String()))}
	return r.run(ctx)
}

// ResolveConflict retries a deferred conflict with resolver.
func (c *Collection) ResolveConflict(ctx context.Context, docID string, resolver ConflictResolver) (Outcome, error) {
	if err := c.check(syncErrors.OpConflictResolve); err != nil {
		return Outcome{}, err
	}
	unlock := c.db.reconcileLocks.lock(c.docKey(docID))
	defer unlock()

	rec, err := c.db.engine.ReadDocument(ctx, c.fullName, docID)
	if err != nil {
		return Outcome{}, c.wrap(err, syncErrors.OpConflictResolve)
	}
	if rec.ConflictRev.IsZero() {
		return Outcome{Kind: OutcomeUnchanged, Rev: rec.Current, Sequence: rec.Sequence, Deleted: rec.Deleted}, nil
	}
	in, err := c.ExportRevision(ctx, docID, rec.ConflictRev, 0)
	if err != nil {
		return Outcome{}, err
	}
	r := &reconciler{c: c, in: in, resolver: resolver, logger: c.logger.With(slog.String("doc_id", docID), slog.String("rev", in.Rev.String()))}
	return r.run(ctx)
}

type docState struct {
	exists bool
	record storage.DocumentRecord
	tree   *revTree
}

type reconciler struct {
	c        *Collection
	in       *IncomingRevision
	resolver ConflictResolver
	logger   *slog.Logger
}

func (r *reconciler) key() string { return r.c.docKey(r.in.DocID) }

func (r *reconciler) run(ctx context.Context) (Outcome, error) {
	maxAttempts := r.c.db.opts.maxResolveAttempts
	for attempt := 1; ; attempt++ {
		unlock := r.c.db.writeLocks.lock(r.key())
		st, err := r.load(ctx)
		if err != nil {
			unlock()
			return Outcome{}, err
		}
		if out, done, err := r.trivial(ctx, st); done || err != nil {
			unlock()
			out.Attempts = attempt
			return out, err
		}
		if isDefaultResolver(r.resolver) {
			out, err := r.commitTieBreak(ctx, st)
			unlock()
			out.Attempts = attempt
			return out, err
		}
		conflict, err := r.conflictView(ctx, st)
		unlock()
		if err != nil {
			return Outcome{}, err
		}

		resolved, resolveErr := r.invoke(ctx, conflict)

		unlock = r.c.db.writeLocks.lock(r.key())
		fresh, err := r.load(ctx)
		if err != nil {
			unlock()
			return Outcome{}, err
		}
		if fresh.exists != st.exists || fresh.record.Current != st.record.Current {
			if attempt >= maxAttempts {
				cause := syncErrors.E(syncErrors.OpReconcile, syncErrors.Component(component), syncErrors.KindExhausted,
					fmt.Sprintf("document %s kept changing during %d resolution attempts", r.in.DocID, attempt))
				out, err := r.deferConflict(ctx, fresh, cause)
				unlock()
				out.Attempts = attempt
				return out, err
			}
			unlock()
			r.logger.Debug("local document changed while resolving, retrying", slog.Int("attempt", attempt))
			continue
		}

		var out Outcome
		switch {
		case resolveErr != nil:
			out, err = r.deferConflict(ctx, fresh, syncErrors.NewResolutionError(r.in.DocID, resolveErr))
		case resolved != nil && resolved.Origin != "" && resolved.Origin != r.c.origin:
			cause := fmt.Errorf("resolver returned a document from %s", resolved.Origin)
			out, err = r.deferConflict(ctx, fresh, syncErrors.NewResolutionError(r.in.DocID, cause))
		default:
			if resolved != nil && resolved.ID != "" && resolved.ID != r.in.DocID {
				r.logger.Warn("resolver returned a document with a different ID, using its body", slog.String("returned_id", resolved.ID))
			}
			out, err = r.commitResolution(ctx, fresh, resolved)
		}
		unlock()
		out.Attempts = attempt
		return out, err
	}
}

func (r *reconciler) load(ctx context.Context) (docState, error) {
	var st docState
	rec, err := r.c.db.engine.ReadDocument(ctx, r.c.fullName, r.in.DocID)
	switch {
	case err == nil:
		st.exists = true
		st.record = rec
	case syncErrors.Is(err, storage.ErrNotFound):
	default:
		return st, r.c.wrap(err, syncErrors.OpReconcile)
	}
	recs, err := r.c.db.engine.ReadRevisionHistory(ctx, r.c.fullName, r.in.DocID)
	if err != nil {
		return st, r.c.wrap(err, syncErrors.OpReconcile)
	}
	st.tree = newRevTree(recs)
	return st, nil
}

func (r *reconciler) view(st docState) *revTree {
	return st.tree.withStubs(r.in.DocID, append(append([]RevisionInfo(nil), r.in.History...),
		RevisionInfo{Rev: r.in.Rev, Parents: r.in.Parents, Deleted: r.in.Deleted})...)
}

// trivial handles every case that needs no resolver: unknown document,
// fast-forward, already-known or older revisions.
func (r *reconciler) trivial(ctx context.Context, st docState) (Outcome, bool, error) {
	if !st.exists {
		out, err := r.adopt(ctx, st, OutcomeFastForward)
		return out, true, err
	}
	cur := st.record.Current
	retrying := st.record.ConflictRev == r.in.Rev
	known := st.tree.nodes[r.in.Rev]
	if r.in.Rev == cur || (known.HasBody && !retrying) {
		return r.unchanged(ctx, st, retrying), true, nil
	}
	view := r.view(st)
	if view.isAncestor(cur, r.in.Rev) {
		out, err := r.adopt(ctx, st, OutcomeFastForward)
		return out, true, err
	}
	if view.isAncestor(r.in.Rev, cur) {
		return r.unchanged(ctx, st, retrying), true, nil
	}
	return Outcome{}, false, nil
}

func (r *reconciler) unchanged(ctx context.Context, st docState, clearConflict bool) Outcome {
	if clearConflict {
		rec := st.record
		rec.ConflictRev = document.RevID{}
		if _, err := r.c.db.engine.Write(ctx, []storage.WriteOp{{Collection: r.c.fullName, DocID: r.in.DocID, Document: &rec}}); err != nil {
			r.logger.Warn("could not clear conflict marker", slog.String("error", err.Error()))
		}
	}
	return Outcome{Kind: OutcomeUnchanged, Rev: st.record.Current, Sequence: st.record.Sequence, Deleted: st.record.Deleted}
}

func (r *reconciler) conflictView(ctx context.Context, st docState) (Conflict, error) {
	cur := st.record.Current
	c := Conflict{Collection: r.c, DocID: r.in.DocID, MineRev: cur, TheirsRev: r.in.Rev}

	if mine, ok := st.tree.nodes[cur]; ok && mine.HasBody && !mine.Deleted {
		doc, err := r.c.toDocument(mine)
		if err != nil {
			return c, err
		}
		doc.Sequence = st.record.Sequence
		c.Mine = doc
	}
	if !r.in.Deleted {
		c.Theirs = &document.Document{
			ID:         r.in.DocID,
			Rev:        r.in.Rev,
			Properties: r.in.Properties.Clone(),
			Origin:     r.c.origin,
		}
		if c.Theirs.Properties == nil {
			c.Theirs.Properties = document.NewProperties()
		}
	}
	if base, ok := r.view(st).commonAncestor(cur, r.in.Rev); ok {
		if node, ok := st.tree.nodes[base]; ok && node.HasBody && !node.Deleted {
			doc, err := r.c.toDocument(node)
			if err != nil {
				return c, err
			}
			c.Base = doc
		}
	}
	return c, nil
}

// invoke runs the resolver on its own goroutine so a panic is contained and
// a hung resolver only delays this document. A resolver that outlives the
// timeout keeps running but its result is dropped.
func (r *reconciler) invoke(ctx context.Context, c Conflict) (*document.Document, error) {
	type result struct {
		doc *document.Document
		err error
	}
	ctx, cancel := context.WithTimeout(ctx, r.c.db.opts.resolverTimeout)
	defer cancel()

	ch := make(chan result, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				r.logger.Error("conflict resolver panicked", slog.Any("panic", p), slog.String("stack", string(debug.Stack())))
				ch <- result{err: fmt.Errorf("resolver panicked: %v", p)}
			}
		}()
		doc, err := r.resolver.Resolve(ctx, c)
		ch <- result{doc: doc, err: err}
	}()

	select {
	case res := <-ch:
		return res.doc, res.err
	case <-ctx.Done():
		return nil, fmt.Errorf("resolver did not finish: %w", ctx.Err())
	}
}

// branchRecords are the stubs and incoming revision that every conflict
// outcome persists, so the fork stays visible in the history.
func (r *reconciler) branchRecords(st docState) ([]storage.RevisionRecord, error) {
	var recs []storage.RevisionRecord
	for _, h := range r.in.History {
		if _, ok := st.tree.nodes[h.Rev]; ok {
			continue
		}
		recs = append(recs, storage.RevisionRecord{DocID: r.in.DocID, Rev: h.Rev, Parents: h.Parents, Deleted: h.Deleted})
	}
	in, err := r.in.record()
	if err != nil {
		return nil, syncErrors.E(syncErrors.OpReconcile, syncErrors.Component(component), syncErrors.KindInvalid, err)
	}
	return append(recs, in), nil
}

func (r *reconciler) remainingConflict(st docState) document.RevID {
	if st.record.ConflictRev == r.in.Rev {
		return document.RevID{}
	}
	return st.record.ConflictRev
}

// adopt makes the incoming revision current.
func (r *reconciler) adopt(ctx context.Context, st docState, kind OutcomeKind) (Outcome, error) {
	recs, err := r.branchRecords(st)
	if err != nil {
		return Outcome{}, err
	}
	rec := storage.DocumentRecord{
		DocID:       r.in.DocID,
		Current:     r.in.Rev,
		Deleted:     r.in.Deleted,
		ConflictRev: r.remainingConflict(st),
	}
	if kind != OutcomeFastForward && r.in.Deleted {
		kind = OutcomeDeleted
	}
	return r.commit(ctx, recs, rec, kind)
}

func (r *reconciler) commit(ctx context.Context, recs []storage.RevisionRecord, rec storage.DocumentRecord, kind OutcomeKind) (Outcome, error) {
	seqs, err := r.c.db.engine.Write(ctx, []storage.WriteOp{{
		Collection:   r.c.fullName,
		DocID:        r.in.DocID,
		Revisions:    recs,
		Document:     &rec,
		BumpSequence: true,
	}})
	if err != nil {
		return Outcome{}, r.c.wrap(err, syncErrors.OpReconcile)
	}
	r.c.postChanges([]DocumentChange{{
		Collection: r.c, DocID: r.in.DocID, Rev: rec.Current, Sequence: seqs[0], Deleted: rec.Deleted,
	}})
	r.logger.Debug("revision reconciled", slog.String("outcome", kind.String()), slog.String("current", rec.Current.String()))
	return Outcome{Kind: kind, Rev: rec.Current, Sequence: seqs[0], Deleted: rec.Deleted}, nil
}

// commitTieBreak applies the resolver-free rule: the winner of
// document.Compare becomes current and the loser remains a branch.
func (r *reconciler) commitTieBreak(ctx context.Context, st docState) (Outcome, error) {
	if document.Winner(st.record.Current, r.in.Rev) == r.in.Rev {
		return r.adopt(ctx, st, OutcomeMerged)
	}
	recs, err := r.branchRecords(st)
	if err != nil {
		return Outcome{}, err
	}
	rec := st.record
	rec.ConflictRev = r.remainingConflict(st)
	if _, err := r.c.db.engine.Write(ctx, []storage.WriteOp{{Collection: r.c.fullName, DocID: r.in.DocID, Revisions: recs, Document: &rec}}); err != nil {
		return Outcome{}, r.c.wrap(err, syncErrors.OpReconcile)
	}
	return Outcome{Kind: OutcomeKept, Rev: rec.Current, Sequence: rec.Sequence, Deleted: rec.Deleted}, nil
}

// commitResolution turns the resolver's answer into a new current revision.
func (r *reconciler) commitResolution(ctx context.Context, st docState, resolved *document.Document) (Outcome, error) {
	deleted := resolved == nil || resolved.Deleted
	if !deleted && !r.in.Deleted && resolved.Rev == r.in.Rev && resolved.Properties.Equal(r.in.Properties) {
		return r.adopt(ctx, st, OutcomeMerged)
	}

	recs, err := r.branchRecords(st)
	if err != nil {
		return Outcome{}, err
	}
	cur := st.record.Current
	primary := document.Winner(cur, r.in.Rev)
	secondary := cur
	if primary == cur {
		secondary = r.in.Rev
	}
	parents := []document.RevID{primary, secondary}

	var props *document.Properties
	if !deleted {
		props = resolved.Properties
		if props == nil {
			props = document.NewProperties()
		}
	}
	rev, err := document.NewRevID(parents, deleted, props)
	if err != nil {
		return Outcome{}, syncErrors.E(syncErrors.OpReconcile, syncErrors.Component(component), syncErrors.KindInvalid, err)
	}
	body, err := encodeBody(props)
	if err != nil {
		return Outcome{}, syncErrors.E(syncErrors.OpReconcile, syncErrors.Component(component), syncErrors.KindInvalid, err)
	}
	recs = append(recs, storage.RevisionRecord{DocID: r.in.DocID, Rev: rev, Parents: parents, Deleted: deleted, Body: body, HasBody: true})

	kind := OutcomeMerged
	if deleted {
		kind = OutcomeDeleted
	}
	return r.commit(ctx, recs, storage.DocumentRecord{
		DocID:       r.in.DocID,
		Current:     rev,
		Deleted:     deleted,
		ConflictRev: r.remainingConflict(st),
	}, kind)
}

// deferConflict leaves the current revision alone, stores the incoming
// revision as a branch and marks the document as conflicted.
func (r *reconciler) deferConflict(ctx context.Context, st docState, cause error) (Outcome, error) {
	recs, err := r.branchRecords(st)
	if err != nil {
		return Outcome{}, err
	}
	op := storage.WriteOp{Collection: r.c.fullName, DocID: r.in.DocID, Revisions: recs}
	if st.exists {
		rec := st.record
		rec.ConflictRev = r.in.Rev
		op.Document = &rec
	}
	if _, err := r.c.db.engine.Write(ctx, []storage.WriteOp{op}); err != nil {
		return Outcome{}, r.c.wrap(err, syncErrors.OpReconcile)
	}
	r.logger.Warn("conflict deferred", slog.String("error", cause.Error()))
	return Outcome{Kind: OutcomeDeferred, Rev: st.record.Current, Sequence: st.record.Sequence, Deleted: st.record.Deleted, Err: cause}, nil
}

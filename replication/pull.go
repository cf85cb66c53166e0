package replication

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/c0deZ3R0/docsync/database"
	syncErrors "github.com/c0deZ3R0/docsync/errors"
	"github.com/c0deZ3R0/docsync/protocol"
)

// pullResult is the fate of one remote change.
type pullResult struct {
	doc      *ReplicatedDocument
	settled  bool
	pulled   bool
	resolved bool
	deferred bool
}

// pull applies the peer's changes newer than the pull checkpoint.
func (r *Replicator) pull(ctx context.Context, pc *protocol.Conn, cs *collState, log *slog.Logger) error {
	base, err := cs.coll.Checkpoint(ctx, dirPull, cs.digest)
	if err != nil {
		return err
	}
	tracker := newSequenceTracker(base)
	since := base
	for {
		req := protocol.GetChanges{
			Collection: cs.coll.FullName(),
			Since:      since,
			Limit:      r.opts.batchSize,
			DocIDs:     cs.cfg.DocumentIDs,
			Channels:   cs.cfg.Channels,
			Continuous: r.cfg.Continuous,
		}
		var feed protocol.ChangesReply
		if err := pc.Call(ctx, protocol.TypeGetChanges, req, &feed); err != nil {
			return err
		}
		for _, ch := range feed.Changes {
			tracker.add(ch.Seq)
		}
		tracker.skipTo(feed.LastSeq)
		r.addProgress(0, uint64(len(feed.Changes)))

		if err := r.pullBatch(ctx, pc, cs, tracker, feed.Changes, log); err != nil {
			return err
		}
		cp := tracker.checkpoint()
		if err := cs.coll.SetCheckpoint(context.WithoutCancel(ctx), dirPull, cs.digest, cp); err != nil {
			return err
		}
		if feed.LastSeq <= since {
			return nil
		}
		since = feed.LastSeq
	}
}

func (r *Replicator) pullBatch(ctx context.Context, pc *protocol.Conn, cs *collState, tracker *sequenceTracker, changes []protocol.Change, log *slog.Logger) error {
	if len(changes) == 0 {
		return nil
	}
	results := make([]pullResult, len(changes))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.workers)
	for i, ch := range changes {
		i, ch := i, ch
		g.Go(func() error {
			res, err := r.pullChange(gctx, pc, cs, ch)
			if err != nil {
				return err
			}
			if res.settled {
				tracker.done(ch.Seq)
			}
			if res.doc != nil && res.doc.Err != nil {
				log.Warn("document not pulled",
					slog.String("doc_id", ch.ID),
					slog.String("rev", ch.Rev.String()),
					slog.String("error", res.doc.Err.Error()))
			}
			results[i] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	var docs []ReplicatedDocument
	pulled, resolved, deferred := 0, 0, 0
	for _, res := range results {
		if res.doc != nil {
			docs = append(docs, *res.doc)
		}
		if res.pulled {
			pulled++
		}
		if res.resolved {
			resolved++
		}
		if res.deferred {
			deferred++
		}
	}
	r.addProgress(uint64(len(changes)), 0)
	r.opts.metrics.RecordDocuments(0, pulled)
	if resolved > 0 || deferred > 0 {
		r.opts.metrics.RecordConflicts(resolved, deferred)
	}
	r.report(false, docs)
	return nil
}

// pullChange fetches and applies one remote change. A returned error ends
// the session.
func (r *Replicator) pullChange(ctx context.Context, pc *protocol.Conn, cs *collState, ch protocol.Change) (pullResult, error) {
	fail := func(err error) pullResult {
		d := cs.replicated(ch.ID, ch.Rev, ch.Deleted, err)
		return pullResult{doc: &d, settled: permanent(err)}
	}
	if !cs.cfg.allows(ch.ID) {
		return pullResult{settled: true}, nil
	}

	known, err := cs.coll.KnowsRevision(ctx, ch.ID, ch.Rev)
	if err != nil {
		return fail(err), nil
	}
	if known {
		conflict, err := cs.coll.ConflictRevision(ctx, ch.ID)
		if err != nil {
			return fail(err), nil
		}
		if conflict != ch.Rev {
			return pullResult{settled: true}, nil
		}
		// A deferred conflict from an earlier delivery: resolve again.
		out, err := cs.coll.ResolveConflict(ctx, ch.ID, cs.resolver)
		return r.applied(cs, ch, out, err), nil
	}

	var rev protocol.Revision
	err = pc.Call(ctx, protocol.TypeGetRev, protocol.GetRev{
		Collection: cs.coll.FullName(),
		ID:         ch.ID,
		Rev:        ch.Rev,
		MaxHistory: protocol.DefaultMaxHistory,
	}, &rev)
	if err != nil {
		if sessionFatal(err) {
			return pullResult{}, err
		}
		return fail(err), nil
	}
	if f := cs.cfg.PullFilter; f != nil {
		doc := rev.Document()
		if !f(doc, doc.Flags()) {
			return pullResult{settled: true}, nil
		}
	}
	if err := fetchBlobs(ctx, pc, r.cfg.db, rev.Body); err != nil {
		if sessionFatal(err) {
			return pullResult{}, err
		}
		return fail(err), nil
	}
	out, err := cs.coll.Reconcile(ctx, rev.Incoming(), cs.resolver)
	return r.applied(cs, ch, out, err), nil
}

// applied turns a reconciliation outcome into a pull result. Deferred
// conflicts stay pending so the next pass retries them.
func (r *Replicator) applied(cs *collState, ch protocol.Change, out database.Outcome, err error) pullResult {
	if err != nil {
		d := cs.replicated(ch.ID, ch.Rev, ch.Deleted, err)
		return pullResult{doc: &d, settled: permanent(err)}
	}
	if out.Kind == database.OutcomeDeferred {
		cause := out.Err
		if cause == nil {
			cause = syncErrors.NewResolutionError(ch.ID, nil)
		}
		d := cs.replicated(ch.ID, ch.Rev, ch.Deleted, cause)
		return pullResult{doc: &d, deferred: true}
	}
	d := cs.replicated(ch.ID, ch.Rev, ch.Deleted, nil)
	res := pullResult{doc: &d, settled: true, pulled: out.Changed()}
	// The peer's own revision became current under a new local sequence;
	// there is nothing to push back. A merge result still is.
	if out.Changed() && out.Rev == ch.Rev {
		cs.settle(out.Sequence)
	}
	switch out.Kind {
	case database.OutcomeMerged, database.OutcomeKept, database.OutcomeDeleted:
		res.resolved = true
	}
	return res
}

package replication

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/errgroup"

	syncErrors "github.com/c0deZ3R0/docsync/errors"
	"github.com/c0deZ3R0/docsync/protocol"
	"github.com/c0deZ3R0/docsync/storage"
)

// push sends local changes newer than the push checkpoint.
func (r *Replicator) push(ctx context.Context, pc *protocol.Conn, cs *collState, log *slog.Logger) error {
	base, err := cs.coll.Checkpoint(ctx, dirPush, cs.digest)
	if err != nil {
		return err
	}
	tracker := newSequenceTracker(base)
	since := base
	for {
		changes, err := cs.coll.ChangesSince(ctx, since, r.opts.batchSize)
		if err != nil {
			return err
		}
		if len(changes) == 0 {
			return nil
		}
		since = changes[len(changes)-1].Sequence

		candidates := make([]storage.Change, 0, len(changes))
		for _, ch := range changes {
			tracker.add(ch.Sequence)
			ok, err := cs.pushable(ctx, ch)
			if err != nil {
				return err
			}
			if !ok || cs.isSettled(ch.Sequence) {
				tracker.done(ch.Sequence)
				continue
			}
			candidates = append(candidates, ch)
		}
		r.addProgress(0, uint64(len(candidates)))

		if err := r.pushBatch(ctx, pc, cs, tracker, candidates, log); err != nil {
			return err
		}
		if err := r.savePush(ctx, cs, tracker); err != nil {
			return err
		}
		if len(changes) < r.opts.batchSize {
			return nil
		}
	}
}

func (r *Replicator) pushBatch(ctx context.Context, pc *protocol.Conn, cs *collState, tracker *sequenceTracker, candidates []storage.Change, log *slog.Logger) error {
	if len(candidates) == 0 {
		return nil
	}
	proposal := protocol.ProposeChanges{Collection: cs.coll.FullName(), Changes: make([]protocol.Change, len(candidates))}
	for i, ch := range candidates {
		proposal.Changes[i] = protocol.Change{Seq: ch.Sequence, ID: ch.DocID, Rev: ch.Rev, Deleted: ch.Deleted}
	}
	var proposed protocol.ProposeReply
	if err := pc.Call(ctx, protocol.TypeProposeChanges, proposal, &proposed); err != nil {
		return err
	}

	results := make([]*ReplicatedDocument, len(candidates))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.opts.workers)
	for i, ch := range candidates {
		if i < len(proposed.Needed) && !proposed.Needed[i] {
			tracker.done(ch.Sequence)
			cs.settle(ch.Sequence)
			continue
		}
		i, ch := i, ch
		g.Go(func() error {
			docErr, err := r.pushRevision(gctx, pc, cs, ch)
			if err != nil {
				return err
			}
			if docErr == errSuperseded {
				tracker.done(ch.Sequence)
				cs.settle(ch.Sequence)
				return nil
			}
			if docErr == nil || permanent(docErr) {
				tracker.done(ch.Sequence)
				cs.settle(ch.Sequence)
			}
			if docErr != nil {
				log.Warn("document not pushed",
					slog.String("doc_id", ch.DocID),
					slog.String("rev", ch.Rev.String()),
					slog.String("error", docErr.Error()))
			}
			d := cs.replicated(ch.DocID, ch.Rev, ch.Deleted, docErr)
			results[i] = &d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	docs := make([]ReplicatedDocument, 0, len(results))
	for _, d := range results {
		if d != nil {
			docs = append(docs, *d)
		}
	}
	r.addProgress(uint64(len(candidates)), 0)
	pushed := 0
	for _, d := range docs {
		if d.Err == nil {
			pushed++
		}
	}
	r.opts.metrics.RecordDocuments(pushed, 0)
	r.report(true, docs)
	return nil
}

// errSuperseded marks a listed revision that was purged or replaced
// before it could be exported; the later change, if any, carries on.
var errSuperseded = errors.New("revision superseded")

// pushRevision sends one revision. The first result is a per-document
// failure; the second ends the session.
func (r *Replicator) pushRevision(ctx context.Context, pc *protocol.Conn, cs *collState, ch storage.Change) (error, error) {
	in, err := cs.coll.ExportRevision(ctx, ch.DocID, ch.Rev, protocol.DefaultMaxHistory)
	if err != nil {
		if syncErrors.IsKind(err, syncErrors.KindNotFound) {
			return errSuperseded, nil
		}
		return err, nil
	}
	var reply protocol.PutReply
	if err := pc.Call(ctx, protocol.TypePutRev, protocol.RevisionFrom(cs.coll.FullName(), in), &reply); err != nil {
		if sessionFatal(err) {
			return nil, err
		}
		return err, nil
	}
	return reply.Err(), nil
}

// savePush persists the push checkpoint and forgets settled sequences it
// covers.
func (r *Replicator) savePush(ctx context.Context, cs *collState, tracker *sequenceTracker) error {
	cp := tracker.checkpoint()
	if err := cs.coll.SetCheckpoint(context.WithoutCancel(ctx), dirPush, cs.digest, cp); err != nil {
		return err
	}
	cs.prune(cp)
	return nil
}

// sessionFatal reports whether a request error ends the connection rather
// than one document.
func sessionFatal(err error) bool {
	switch syncErrors.KindOf(err) {
	case syncErrors.KindTransport, syncErrors.KindClosed, syncErrors.KindUnsupported:
		return true
	}
	return syncErrors.Is(err, context.Canceled) || syncErrors.Is(err, context.DeadlineExceeded)
}

// permanent reports whether a per-document failure is a policy decision
// that retrying cannot change.
func permanent(err error) bool {
	switch syncErrors.KindOf(err) {
	case syncErrors.KindPermission, syncErrors.KindNotFound, syncErrors.KindInvalid:
		return true
	}
	return false
}

// Package replication synchronises collections of a local database with a
// peer. A Replicator drives the active side of a session; a Responder
// serves the passive side.
package replication

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"golang.org/x/sync/errgroup"

	"github.com/c0deZ3R0/docsync/database"
	"github.com/c0deZ3R0/docsync/document"
	syncErrors "github.com/c0deZ3R0/docsync/errors"
	"github.com/c0deZ3R0/docsync/logging"
	"github.com/c0deZ3R0/docsync/notify"
	"github.com/c0deZ3R0/docsync/protocol"
	"github.com/c0deZ3R0/docsync/storage"
)

const component = "replication"

const (
	DefaultBatchSize = 100
	DefaultWorkers   = 8
)

type options struct {
	logger    *slog.Logger
	metrics   MetricsCollector
	backoff   BackoffStrategy
	batchSize int
	workers   int
	codec     protocol.Codec
}

// Option configures a Replicator.
type Option func(*options)

func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

func WithMetrics(m MetricsCollector) Option { return func(o *options) { o.metrics = m } }

// WithBackoff replaces the reconnection delay strategy. Delays are still
// capped by the configuration's MaxAttemptWaitTime.
func WithBackoff(b BackoffStrategy) Option { return func(o *options) { o.backoff = b } }

// WithBatchSize sets how many changes are read per round trip.
func WithBatchSize(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.batchSize = n
		}
	}
}

// WithWorkers bounds concurrent revision transfers per collection and
// direction.
func WithWorkers(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.workers = n
		}
	}
}

func WithCodec(c protocol.Codec) Option { return func(o *options) { o.codec = c } }

// collState is the per-collection runtime state of a Replicator.
type collState struct {
	coll     *database.Collection
	cfg      CollectionConfig
	resolver database.ConflictResolver
	digest   string

	mu sync.Mutex
	// settled holds push sequences above the persisted checkpoint that
	// need no further work, including those written by pulls.
	settled map[uint64]struct{}
}

func (cs *collState) settle(seq uint64) {
	cs.mu.Lock()
	cs.settled[seq] = struct{}{}
	cs.mu.Unlock()
}

func (cs *collState) isSettled(seq uint64) bool {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	_, ok := cs.settled[seq]
	return ok
}

func (cs *collState) prune(checkpoint uint64) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	for seq := range cs.settled {
		if seq <= checkpoint {
			delete(cs.settled, seq)
		}
	}
}

// Replicator runs replication sessions for one Config. Start and Stop
// return immediately; progress is reported through listeners.
type Replicator struct {
	cfg    *Config
	opts   options
	log    *slog.Logger
	colls  []*collState
	byID   map[database.CollectionID]*collState
	status *notify.Hub[Status]
	docs   *notify.Hub[DocumentReplication]

	mu       sync.Mutex
	state    Status
	running  bool
	stopping bool
	closed   bool
	session  string
	cancel   context.CancelFunc
	done     chan struct{}

	wake chan struct{}
}

// New validates cfg and returns a stopped Replicator holding a copy of it.
func New(cfg *Config, opts ...Option) (*Replicator, error) {
	if cfg == nil {
		return nil, invalid("configuration is nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	o := options{
		metrics:   NoOpMetricsCollector{},
		backoff:   DefaultBackoff(),
		batchSize: DefaultBatchSize,
		workers:   DefaultWorkers,
	}
	for _, opt := range opts {
		opt(&o)
	}
	frozen := cfg.clone()
	logger := logging.Or(o.logger, component).With(slog.String("endpoint", frozen.Endpoint.String()))
	r := &Replicator{
		cfg:    frozen,
		opts:   o,
		log:    logger,
		byID:   make(map[database.CollectionID]*collState),
		status: notify.NewHub[Status](logger),
		docs:   notify.NewHub[DocumentReplication](logger),
		wake:   make(chan struct{}, 1),
	}
	for _, id := range frozen.order {
		e := frozen.collections[id]
		cc := frozen.settings(e)
		resolver := cc.Resolver
		if resolver == nil {
			resolver = frozen.Resolver
		}
		cs := &collState{
			coll:     e.coll,
			cfg:      cc,
			resolver: resolver,
			digest:   frozen.Digest(e.coll),
			settled:  make(map[uint64]struct{}),
		}
		r.colls = append(r.colls, cs)
		r.byID[id] = cs
	}
	return r, nil
}

// Config returns a copy of the configuration the replicator runs.
func (r *Replicator) Config() *Config { return r.cfg.clone() }

// Status returns the latest status.
func (r *Replicator) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// AddChangeListener registers l for status changes. Listeners stay
// registered across restarts until their token is removed or the
// replicator is closed.
func (r *Replicator) AddChangeListener(l StatusListener) *notify.Token {
	return r.status.Add("", l)
}

// AddDocumentListener registers l for per-revision outcomes.
func (r *Replicator) AddDocumentListener(l DocumentReplicationListener) *notify.Token {
	return r.docs.Add("", l)
}

// Start begins replicating in the background. It is a no-op while a
// session is running. A session that is still stopping is waited for and
// then replaced by a new one. With reset, persisted checkpoints for this
// configuration are discarded first and every sequence is replayed.
func (r *Replicator) Start(reset bool) error {
	r.mu.Lock()
	for r.running && r.stopping {
		done := r.done
		r.mu.Unlock()
		<-done
		r.mu.Lock()
	}
	defer r.mu.Unlock()
	if r.closed {
		return syncErrors.E(syncErrors.OpStart, syncErrors.Component(component), syncErrors.KindClosed, "replicator is closed")
	}
	if r.running {
		return nil
	}
	if reset {
		for _, cs := range r.colls {
			if err := cs.coll.ResetCheckpoints(context.Background(), cs.digest); err != nil {
				return err
			}
			cs.prune(^uint64(0))
		}
	}
	untrack, err := r.cfg.db.Track(r)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	r.running = true
	r.stopping = false
	r.session = ulid.Make().String()
	r.cancel = cancel
	r.done = make(chan struct{})
	r.setLocked(Status{Activity: Connecting})
	log := (&logging.Logger{Logger: r.log}).WithSession(r.session)
	log.Info("replication started",
		slog.String("direction", r.cfg.Direction.String()),
		slog.Bool("continuous", r.cfg.Continuous),
		slog.Bool("reset", reset))
	go r.run(ctx, log, r.done, untrack)
	return nil
}

// Stop requests a graceful shutdown. Listeners observe Stopping, then
// Stopped once the transport is closed. Stop is safe in any state.
func (r *Replicator) Stop() {
	r.mu.Lock()
	if !r.running || r.stopping {
		r.mu.Unlock()
		return
	}
	r.stopping = true
	cancel := r.cancel
	st := r.state
	st.Activity = Stopping
	r.setLocked(st)
	r.mu.Unlock()
	cancel()
}

// StopAndWait stops the session and blocks until it has ended. Unlike
// Close, the replicator may be started again.
func (r *Replicator) StopAndWait() {
	r.Stop()
	r.mu.Lock()
	done := r.done
	r.mu.Unlock()
	if done != nil {
		<-done
	}
}

// UsesCollection reports whether id is part of the configuration.
func (r *Replicator) UsesCollection(id database.CollectionID) bool {
	_, ok := r.byID[id]
	return ok
}

var _ database.CollectionSession = (*Replicator)(nil)

// Close stops the replicator, waits for the session to end and releases
// its listeners. A closed replicator cannot be restarted.
func (r *Replicator) Close() error {
	r.Stop()
	r.mu.Lock()
	done := r.done
	already := r.closed
	r.closed = true
	r.mu.Unlock()
	if done != nil {
		<-done
	}
	if !already {
		r.status.Close()
		r.docs.Close()
	}
	return nil
}

// setLocked records st and posts it when it differs from the previous
// status.
func (r *Replicator) setLocked(st Status) {
	prev := r.state
	if prev.Activity == st.Activity && prev.Progress == st.Progress && sameError(prev.Err, st.Err) {
		return
	}
	r.state = st
	r.status.Post("", st)
}

func sameError(a, b error) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Error() == b.Error()
}

func (r *Replicator) setActivity(a Activity, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopping && a != Stopped {
		return
	}
	st := r.state
	st.Activity = a
	st.Err = err
	r.setLocked(st)
}

func (r *Replicator) addProgress(completed, total uint64) {
	if completed == 0 && total == 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	st := r.state
	st.Progress.Completed += completed
	st.Progress.Total += total
	if r.stopping {
		r.state = st
		return
	}
	r.setLocked(st)
}

func (r *Replicator) poke() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// run reconnects with backoff until the session ends for good.
func (r *Replicator) run(ctx context.Context, log *logging.Logger, done chan struct{}, untrack func()) {
	defer close(done)
	var final error
	attempt := 0
	maxAttempts := r.cfg.maxAttempts()

	for {
		r.setActivity(Connecting, nil)
		connected, err := r.connect(ctx, log)
		if ctx.Err() != nil {
			break
		}
		if err == nil {
			break
		}
		if connected {
			attempt = 0
		}
		if !syncErrors.IsRetryable(err) {
			log.LogError(context.Background(), err, "replication failed")
			final = err
			break
		}
		attempt++
		if maxAttempts > 0 && attempt >= maxAttempts {
			log.Warn("giving up after repeated failures", slog.Int("attempts", attempt), slog.String("error", err.Error()))
			final = err
			break
		}
		delay := r.opts.backoff.NextDelay(attempt - 1)
		if max := r.cfg.maxAttemptWait(); delay > max {
			delay = max
		}
		r.opts.metrics.RecordReconnect(attempt)
		r.setActivity(Offline, err)
		log.Info("offline, will retry",
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()))
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
		}
		if ctx.Err() != nil {
			break
		}
	}

	untrack()
	r.mu.Lock()
	r.running = false
	r.stopping = false
	r.cancel = nil
	st := r.state
	st.Activity = Stopped
	st.Err = final
	r.setLocked(st)
	r.mu.Unlock()
	log.Info("replication stopped")
}

// connect runs one connection. It returns nil when a one-shot session
// caught up, and reports whether the handshake succeeded.
func (r *Replicator) connect(ctx context.Context, log *logging.Logger) (bool, error) {
	tc, err := r.cfg.Endpoint.Dial(ctx)
	if err != nil {
		if syncErrors.KindOf(err) == syncErrors.KindOther {
			err = syncErrors.NewNetworkError(syncErrors.OpTransport, fmt.Errorf("dial %s: %w", r.cfg.Endpoint, err))
		}
		return false, err
	}
	pc := protocol.NewConn(tc,
		protocol.WithCodec(r.opts.codec),
		protocol.WithHandler(protocol.HandlerFunc(r.serve)),
		protocol.WithLogger(log.Logger))
	defer pc.Close()

	var hello protocol.HelloReply
	req := protocol.Hello{Version: protocol.Version, Session: r.session, DatabaseUUID: r.cfg.db.UUID().String()}
	for _, cs := range r.colls {
		req.Collections = append(req.Collections, cs.coll.FullName())
	}
	if err := pc.Call(ctx, protocol.TypeHello, req, &hello); err != nil {
		return false, err
	}
	if hello.Version != protocol.Version {
		return true, syncErrors.E(syncErrors.OpStart, syncErrors.Component(component), syncErrors.KindUnsupported,
			fmt.Sprintf("peer speaks protocol version %d", hello.Version))
	}
	log.Debug("connected", slog.String("peer_uuid", hello.DatabaseUUID))

	if r.cfg.Continuous && r.cfg.Direction.pushes() {
		for _, cs := range r.colls {
			tok := cs.coll.AddChangeListener(notify.ListenerFunc[database.CollectionChange](func(database.CollectionChange) { r.poke() }))
			defer tok.Remove()
		}
	}

	heartbeat := time.NewTicker(r.cfg.heartbeat())
	defer heartbeat.Stop()
	for {
		r.setActivity(Busy, nil)
		if err := r.pass(ctx, pc, log); err != nil {
			return true, err
		}
		r.setActivity(Idle, nil)
		if !r.cfg.Continuous {
			return true, nil
		}
		select {
		case <-ctx.Done():
			return true, ctx.Err()
		case <-pc.Done():
			return true, syncErrors.E(syncErrors.OpTransport, syncErrors.Component(component), syncErrors.KindTransport, "connection lost", pc.Err())
		case <-r.wake:
		case <-heartbeat.C:
			pctx, cancel := context.WithTimeout(ctx, r.cfg.heartbeat())
			err := pc.Call(pctx, protocol.TypePing, struct{}{}, &protocol.Pong{})
			cancel()
			if err != nil {
				return true, err
			}
		}
	}
}

// serve answers requests the peer sends on the active connection.
func (r *Replicator) serve(ctx context.Context, _ *protocol.Conn, m *protocol.Message) (any, error) {
	switch m.Type {
	case protocol.TypeChangesAvailable:
		r.poke()
		return nil, nil
	case protocol.TypeGetBlob:
		var req protocol.GetBlob
		if err := m.Decode(&req); err != nil {
			return nil, err
		}
		return serveBlob(ctx, r.cfg.db, req)
	case protocol.TypePing:
		return protocol.Pong{Time: time.Now().UnixMilli()}, nil
	}
	return nil, syncErrors.E(syncErrors.OpTransport, syncErrors.Component(component), syncErrors.KindUnsupported, "unexpected message "+string(m.Type))
}

// pass runs one push and/or pull round for every collection. Only
// session-fatal errors are returned; per-document failures are reported
// to document listeners.
func (r *Replicator) pass(ctx context.Context, pc *protocol.Conn, log *logging.Logger) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, cs := range r.colls {
		cs := cs
		clog := log.WithCollection(cs.coll.FullName()).Logger
		if r.cfg.Direction.pushes() {
			g.Go(func() error {
				return r.timed(dirPush, func() error { return r.push(gctx, pc, cs, clog) })
			})
		}
		if r.cfg.Direction.pulls() {
			g.Go(func() error {
				return r.timed(dirPull, func() error { return r.pull(gctx, pc, cs, clog) })
			})
		}
	}
	return g.Wait()
}

func (r *Replicator) timed(direction string, fn func() error) error {
	start := time.Now()
	err := fn()
	r.opts.metrics.RecordPassDuration(direction, time.Since(start))
	return err
}

func (r *Replicator) report(push bool, docs []ReplicatedDocument) {
	if len(docs) == 0 {
		return
	}
	direction := dirPull
	if push {
		direction = dirPush
	}
	for _, d := range docs {
		if d.Err != nil {
			r.opts.metrics.RecordDocumentError(direction, string(syncErrors.KindOf(d.Err)))
		}
	}
	r.mu.Lock()
	stopped := !r.running
	r.mu.Unlock()
	if stopped {
		return
	}
	r.docs.Post("", DocumentReplication{Push: push, Documents: docs})
}

func (cs *collState) replicated(id string, rev document.RevID, deleted bool, err error) ReplicatedDocument {
	var flags document.Flags
	if deleted {
		flags |= document.FlagDeleted
	}
	return ReplicatedDocument{
		Scope:      cs.coll.ScopeName(),
		Collection: cs.coll.Name(),
		ID:         id,
		Rev:        rev,
		Flags:      flags,
		Err:        err,
	}
}

// localDocument loads the revision named by ch for filters. Tombstones
// without a stored body are represented by an empty deleted document.
func localDocument(ctx context.Context, coll *database.Collection, ch storage.Change) (*document.Document, error) {
	doc, err := coll.GetRevision(ctx, ch.DocID, ch.Rev)
	if err != nil {
		if ch.Deleted && syncErrors.IsKind(err, syncErrors.KindNotFound) {
			return &document.Document{ID: ch.DocID, Rev: ch.Rev, Deleted: true, Properties: document.NewProperties()}, nil
		}
		return nil, err
	}
	return doc, nil
}

// pushable applies the document ID and push filters to a local change.
func (cs *collState) pushable(ctx context.Context, ch storage.Change) (bool, error) {
	if !cs.cfg.allows(ch.DocID) {
		return false, nil
	}
	if cs.cfg.PushFilter == nil {
		return true, nil
	}
	doc, err := localDocument(ctx, cs.coll, ch)
	if err != nil {
		return false, err
	}
	return cs.cfg.PushFilter(doc, doc.Flags()), nil
}

// PendingDocumentIDs returns the documents of coll with local changes the
// peer has not acknowledged. It fails with KindUnsupported for pull-only
// replication and KindInvalid for collections outside the configuration.
func (r *Replicator) PendingDocumentIDs(ctx context.Context, coll *database.Collection) (map[string]struct{}, error) {
	cs, err := r.pushState(coll)
	if err != nil {
		return nil, err
	}
	out := make(map[string]struct{})
	err = r.scanPending(ctx, cs, func(id string) bool {
		out[id] = struct{}{}
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// IsDocumentPending is the single-document form of PendingDocumentIDs.
func (r *Replicator) IsDocumentPending(ctx context.Context, docID string, coll *database.Collection) (bool, error) {
	cs, err := r.pushState(coll)
	if err != nil {
		return false, err
	}
	found := false
	err = r.scanPending(ctx, cs, func(id string) bool {
		if id == docID {
			found = true
			return false
		}
		return true
	})
	return found, err
}

func (r *Replicator) pushState(coll *database.Collection) (*collState, error) {
	if !r.cfg.Direction.pushes() {
		return nil, syncErrors.E(syncErrors.OpPending, syncErrors.Component(component), syncErrors.KindUnsupported,
			"pending documents are only tracked when pushing")
	}
	if coll == nil {
		return nil, syncErrors.E(syncErrors.OpPending, syncErrors.Component(component), syncErrors.KindInvalid, "collection is nil")
	}
	cs, ok := r.byID[coll.ID()]
	if !ok || cs.coll.Database() != coll.Database() {
		return nil, syncErrors.E(syncErrors.OpPending, syncErrors.Component(component), syncErrors.KindInvalid,
			"collection "+coll.FullName()+" is not replicated")
	}
	return cs, nil
}

// scanPending calls fn for each pending document until fn returns false.
func (r *Replicator) scanPending(ctx context.Context, cs *collState, fn func(id string) bool) error {
	since, err := cs.coll.Checkpoint(ctx, dirPush, cs.digest)
	if err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpPending, component)
	}
	for {
		changes, err := cs.coll.ChangesSince(ctx, since, r.opts.batchSize)
		if err != nil {
			return syncErrors.WrapOpComponent(err, syncErrors.OpPending, component)
		}
		for _, ch := range changes {
			since = ch.Sequence
			if cs.isSettled(ch.Sequence) {
				continue
			}
			ok, err := cs.pushable(ctx, ch)
			if err != nil {
				return syncErrors.WrapOpComponent(err, syncErrors.OpPending, component)
			}
			if ok && !fn(ch.DocID) {
				return nil
			}
		}
		if len(changes) < r.opts.batchSize {
			return nil
		}
	}
}

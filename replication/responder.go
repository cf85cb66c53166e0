package replication

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/c0deZ3R0/docsync/database"
	"github.com/c0deZ3R0/docsync/document"
	syncErrors "github.com/c0deZ3R0/docsync/errors"
	"github.com/c0deZ3R0/docsync/logging"
	"github.com/c0deZ3R0/docsync/notify"
	"github.com/c0deZ3R0/docsync/protocol"
	"github.com/c0deZ3R0/docsync/transport"
	"github.com/c0deZ3R0/docsync/transport/pipe"
)

// DefaultChangesLimit caps one getChanges reply.
const DefaultChangesLimit = 200

// Authorizer decides whether user may read (push false) or write (push
// true) a document. A nil Authorizer allows everything.
type Authorizer func(user string, coll *database.Collection, docID string, push bool) bool

type responderOptions struct {
	logger     *slog.Logger
	resolver   database.ConflictResolver
	authorize  Authorizer
	maxHistory int
	readOnly   bool
}

// ResponderOption configures a Responder.
type ResponderOption func(*responderOptions)

func WithResponderLogger(l *slog.Logger) ResponderOption {
	return func(o *responderOptions) { o.logger = l }
}

// WithResponderResolver sets the resolver for revisions pushed by peers.
func WithResponderResolver(r database.ConflictResolver) ResponderOption {
	return func(o *responderOptions) { o.resolver = r }
}

func WithAuthorizer(a Authorizer) ResponderOption {
	return func(o *responderOptions) { o.authorize = a }
}

// WithReadOnly refuses every pushed revision.
func WithReadOnly() ResponderOption {
	return func(o *responderOptions) { o.readOnly = true }
}

// Responder serves the passive side of replication for a database.
type Responder struct {
	db   *database.Database
	opts responderOptions
	log  *slog.Logger
}

func NewResponder(db *database.Database, opts ...ResponderOption) *Responder {
	o := responderOptions{maxHistory: protocol.DefaultMaxHistory}
	for _, opt := range opts {
		opt(&o)
	}
	return &Responder{db: db, opts: o, log: logging.Or(o.logger, "responder")}
}

// Serve runs one session on tc until the peer disconnects or ctx ends.
func (r *Responder) Serve(ctx context.Context, tc transport.Conn, user string) error {
	s := &peerSession{r: r, user: user, subs: make(map[string]*notify.Token)}
	s.log = r.log.With(slog.String("user", user))
	conn := protocol.NewConn(tc, protocol.WithHandler(s), protocol.WithLogger(s.log))
	defer s.unsubscribe()

	select {
	case <-conn.Done():
	case <-ctx.Done():
		_ = conn.Close()
	}
	err := conn.Err()
	if syncErrors.Is(err, transport.ErrClosed) {
		return nil
	}
	return err
}

// DatabaseEndpoint returns an in-process endpoint served by a Responder on
// target, for replicating between two local databases.
func DatabaseEndpoint(target *database.Database, opts ...ResponderOption) *pipe.Endpoint {
	resp := NewResponder(target, opts...)
	return pipe.NewEndpoint(target.Name(), func(c transport.Conn) {
		_ = resp.Serve(context.Background(), c, "")
	})
}

type peerSession struct {
	r    *Responder
	user string
	log  *slog.Logger

	mu   sync.Mutex
	subs map[string]*notify.Token
}

func (s *peerSession) unsubscribe() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, tok := range s.subs {
		tok.Remove()
		delete(s.subs, k)
	}
}

func (s *peerSession) collection(name string) (*database.Collection, error) {
	id, err := database.ParseCollectionID(name)
	if err != nil {
		return nil, syncErrors.E(syncErrors.OpRead, syncErrors.KindInvalid, err)
	}
	return s.r.db.Collection(id.Scope, id.Name)
}

func (s *peerSession) allowed(coll *database.Collection, docID string, push bool) bool {
	if push && s.r.opts.readOnly {
		return false
	}
	return s.r.opts.authorize == nil || s.r.opts.authorize(s.user, coll, docID, push)
}

func (s *peerSession) ServeMessage(ctx context.Context, conn *protocol.Conn, m *protocol.Message) (any, error) {
	switch m.Type {
	case protocol.TypeHello:
		var req protocol.Hello
		if err := m.Decode(&req); err != nil {
			return nil, err
		}
		if req.Version != protocol.Version {
			return nil, syncErrors.E(syncErrors.OpStart, syncErrors.KindUnsupported,
				fmt.Sprintf("protocol version %d not supported", req.Version))
		}
		s.log.Debug("peer connected", slog.String("session", req.Session), slog.String("peer_uuid", req.DatabaseUUID))
		return protocol.HelloReply{Version: protocol.Version, DatabaseUUID: s.r.db.UUID().String()}, nil
	case protocol.TypeGetChanges:
		var req protocol.GetChanges
		if err := m.Decode(&req); err != nil {
			return nil, err
		}
		return s.getChanges(ctx, conn, req)
	case protocol.TypeGetRev:
		var req protocol.GetRev
		if err := m.Decode(&req); err != nil {
			return nil, err
		}
		return s.getRev(ctx, req)
	case protocol.TypeProposeChanges:
		var req protocol.ProposeChanges
		if err := m.Decode(&req); err != nil {
			return nil, err
		}
		return s.proposeChanges(ctx, req)
	case protocol.TypePutRev:
		var req protocol.Revision
		if err := m.Decode(&req); err != nil {
			return nil, err
		}
		return s.putRev(ctx, conn, req), nil
	case protocol.TypeGetBlob:
		var req protocol.GetBlob
		if err := m.Decode(&req); err != nil {
			return nil, err
		}
		return serveBlob(ctx, s.r.db, req)
	case protocol.TypePing:
		return protocol.Pong{Time: time.Now().UnixMilli()}, nil
	}
	return nil, syncErrors.E(syncErrors.OpTransport, syncErrors.KindUnsupported, "unknown message type "+string(m.Type))
}

func (s *peerSession) getChanges(ctx context.Context, conn *protocol.Conn, req protocol.GetChanges) (protocol.ChangesReply, error) {
	coll, err := s.collection(req.Collection)
	if err != nil {
		return protocol.ChangesReply{}, err
	}
	if req.Continuous {
		s.subscribe(conn, coll)
	}
	limit := req.Limit
	if limit <= 0 || limit > DefaultChangesLimit {
		limit = DefaultChangesLimit
	}
	changes, err := coll.ChangesSince(ctx, req.Since, limit)
	if err != nil {
		return protocol.ChangesReply{}, err
	}
	cc := CollectionConfig{DocumentIDs: req.DocIDs}
	if len(req.DocIDs) == 0 {
		cc.DocumentIDs = nil
	}
	reply := protocol.ChangesReply{Changes: []protocol.Change{}, LastSeq: req.Since}
	for _, ch := range changes {
		reply.LastSeq = ch.Sequence
		if !cc.allows(ch.DocID) || !s.allowed(coll, ch.DocID, false) {
			continue
		}
		if len(req.Channels) > 0 && !ch.Deleted {
			ok, err := inChannels(ctx, coll, ch.DocID, ch.Rev, req.Channels)
			if err != nil {
				return protocol.ChangesReply{}, err
			}
			if !ok {
				continue
			}
		}
		reply.Changes = append(reply.Changes, protocol.Change{Seq: ch.Sequence, ID: ch.DocID, Rev: ch.Rev, Deleted: ch.Deleted})
	}
	return reply, nil
}

// inChannels reports whether the document's "channels" field shares a
// name with want.
func inChannels(ctx context.Context, coll *database.Collection, docID string, rev document.RevID, want []string) (bool, error) {
	doc, err := coll.GetRevision(ctx, docID, rev)
	if err != nil {
		if syncErrors.IsKind(err, syncErrors.KindNotFound) {
			return false, nil
		}
		return false, err
	}
	v, _ := doc.Properties.Get("channels")
	list, _ := v.([]any)
	for _, c := range list {
		name, _ := c.(string)
		for _, w := range want {
			if name == w {
				return true, nil
			}
		}
	}
	return false, nil
}

func (s *peerSession) subscribe(conn *protocol.Conn, coll *database.Collection) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[coll.FullName()]; ok {
		return
	}
	name := coll.FullName()
	s.subs[name] = coll.AddChangeListener(database.CollectionChangeListener(notify.ListenerFunc[database.CollectionChange](
		func(database.CollectionChange) {
			ctx, cancel := context.WithTimeout(context.Background(), DefaultWriteTimeout)
			defer cancel()
			if err := conn.Notify(ctx, protocol.TypeChangesAvailable, protocol.ChangesAvailable{Collection: name}); err != nil {
				s.log.Debug("could not announce changes", slog.String("collection", name), slog.String("error", err.Error()))
			}
		})))
}

func (s *peerSession) getRev(ctx context.Context, req protocol.GetRev) (*protocol.Revision, error) {
	coll, err := s.collection(req.Collection)
	if err != nil {
		return nil, err
	}
	if !s.allowed(coll, req.ID, false) {
		return nil, syncErrors.E(syncErrors.OpPull, syncErrors.KindPermission, "access to "+req.ID+" denied")
	}
	max := req.MaxHistory
	if max <= 0 {
		max = s.r.opts.maxHistory
	}
	in, err := coll.ExportRevision(ctx, req.ID, req.Rev, max)
	if err != nil {
		return nil, err
	}
	return protocol.RevisionFrom(coll.FullName(), in), nil
}

func (s *peerSession) proposeChanges(ctx context.Context, req protocol.ProposeChanges) (protocol.ProposeReply, error) {
	coll, err := s.collection(req.Collection)
	if err != nil {
		return protocol.ProposeReply{}, err
	}
	reply := protocol.ProposeReply{Needed: make([]bool, len(req.Changes))}
	for i, ch := range req.Changes {
		known, err := coll.KnowsRevision(ctx, ch.ID, ch.Rev)
		if err != nil {
			return protocol.ProposeReply{}, err
		}
		if known {
			// A deferred conflict branch is offered again so the peer's
			// redelivery retries resolution.
			conflict, err := coll.ConflictRevision(ctx, ch.ID)
			if err != nil {
				return protocol.ProposeReply{}, err
			}
			known = conflict != ch.Rev
		}
		reply.Needed[i] = !known
	}
	return reply, nil
}

func (s *peerSession) putRev(ctx context.Context, conn *protocol.Conn, req protocol.Revision) protocol.PutReply {
	coll, err := s.collection(req.Collection)
	if err != nil {
		return protocol.PutReply{Status: protocol.StatusNotFound, Message: err.Error()}
	}
	if !s.allowed(coll, req.ID, true) {
		return protocol.PutReply{Status: protocol.StatusForbidden, Message: "write access to " + req.ID + " denied"}
	}
	if err := fetchBlobs(ctx, conn, s.r.db, req.Body); err != nil {
		return protocol.PutReply{Status: protocol.StatusError, Message: err.Error()}
	}
	out, err := coll.Reconcile(ctx, req.Incoming(), s.r.opts.resolver)
	if err != nil {
		status := protocol.StatusError
		if syncErrors.IsKind(err, syncErrors.KindNotFound) {
			status = protocol.StatusNotFound
		}
		return protocol.PutReply{Status: status, Message: err.Error()}
	}
	if out.Kind == database.OutcomeDeferred {
		reply := protocol.PutReply{Status: protocol.StatusDeferred, Rev: out.Rev}
		if out.Err != nil {
			reply.Message = out.Err.Error()
		}
		return reply
	}
	return protocol.PutReply{Status: protocol.StatusOK, Rev: out.Rev}
}

// DefaultWriteTimeout bounds notifications sent outside a request.
const DefaultWriteTimeout = 15 * time.Second

func serveBlob(ctx context.Context, db *database.Database, req protocol.GetBlob) (protocol.BlobReply, error) {
	data, err := db.GetBlob(ctx, req.Digest)
	if err != nil {
		return protocol.BlobReply{}, err
	}
	return protocol.BlobReply{Data: data}, nil
}

// fetchBlobs downloads every blob body references that db lacks.
func fetchBlobs(ctx context.Context, conn *protocol.Conn, db *database.Database, body *document.Properties) error {
	if body == nil {
		return nil
	}
	for _, ref := range body.Blobs() {
		has, err := db.HasBlob(ctx, ref.Digest)
		if err != nil {
			return err
		}
		if has {
			continue
		}
		var reply protocol.BlobReply
		if err := conn.Call(ctx, protocol.TypeGetBlob, protocol.GetBlob{Digest: ref.Digest}, &reply); err != nil {
			return fmt.Errorf("fetch blob %s: %w", ref.Digest, err)
		}
		if reply.ContentType != "" {
			ref.ContentType = reply.ContentType
		}
		if err := db.PutBlob(ctx, ref, reply.Data); err != nil {
			return err
		}
	}
	return nil
}

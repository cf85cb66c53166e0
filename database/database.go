// Package database implements a document database made of scopes and
// collections. Each document keeps a tree of immutable revisions; writes
// use optimistic concurrency against the current revision and revisions
// arriving from a peer are reconciled by the conflict engine.
package database

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	syncErrors "github.com/c0deZ3R0/docsync/errors"
	"github.com/c0deZ3R0/docsync/logging"
	"github.com/c0deZ3R0/docsync/notify"
	"github.com/c0deZ3R0/docsync/storage"
)

const (
	// DefaultScope and DefaultCollection always exist.
	DefaultScope      = "_default"
	DefaultCollection = "_default"

	// DefaultMaxResolveAttempts bounds how often a conflict is re-resolved
	// because the local document changed while the resolver ran.
	DefaultMaxResolveAttempts = 5

	// DefaultResolverTimeout bounds a single resolver invocation.
	DefaultResolverTimeout = 30 * time.Second

	maxNameLength = 251
	component     = "database"
)

// CollectionID identifies a collection by scope and name. It is comparable
// and is the key replication configurations use.
type CollectionID struct {
	Scope string
	Name  string
}

func (id CollectionID) String() string { return storage.FullName(id.Scope, id.Name) }

// ParseCollectionID parses the "scope.name" form produced by String.
func ParseCollectionID(s string) (CollectionID, error) {
	scope, name, ok := strings.Cut(s, ".")
	if !ok || scope == "" || name == "" {
		return CollectionID{}, fmt.Errorf("collection %q is not of the form scope.name", s)
	}
	return CollectionID{Scope: scope, Name: name}, nil
}

// Session is a background activity bound to the database, such as a
// running replicator. Close must stop it and wait for it to finish.
type Session interface {
	Close() error
}

// CollectionSession is a Session bound to particular collections.
// Deleting one of them stops the session and waits for it to end first.
type CollectionSession interface {
	Session
	UsesCollection(id CollectionID) bool
	// StopAndWait ends the current run without closing the session.
	StopAndWait()
}

type options struct {
	logger             *slog.Logger
	maxResolveAttempts int
	resolverTimeout    time.Duration
	uuid               uuid.UUID
}

// Option configures Open.
type Option func(*options)

// WithLogger sets the logger used by the database and its collections.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithMaxResolveAttempts sets how many times a conflict may be re-resolved
// before giving up with an exhausted error.
func WithMaxResolveAttempts(n int) Option {
	return func(o *options) { o.maxResolveAttempts = n }
}

// WithResolverTimeout bounds how long one resolver call may take before
// the conflict is deferred.
func WithResolverTimeout(d time.Duration) Option {
	return func(o *options) { o.resolverTimeout = d }
}

// WithUUID fixes the public UUID announced to peers.
func WithUUID(id uuid.UUID) Option {
	return func(o *options) { o.uuid = id }
}

// Database owns the storage engine, the collection registry, the document
// locks and the change notification hubs.
type Database struct {
	name   string
	engine storage.Engine
	id     ulid.ULID
	opts   options
	logger *slog.Logger

	mu          sync.RWMutex
	closed      bool
	collections map[CollectionID]*Collection
	sessions    map[Session]struct{}

	writeLocks     *stripedLocks
	reconcileLocks *keyedLocks
	changes        *notify.Hub[CollectionChange]
	docChanges     *notify.Hub[DocumentChange]

	stopFeed context.CancelFunc
	feedDone chan struct{}
}

// Open opens a database on top of engine, creating the default collection
// if needed and loading the existing collections.
func Open(ctx context.Context, name string, engine storage.Engine, opts ...Option) (*Database, error) {
	if name == "" {
		return nil, syncErrors.E(syncErrors.OpOpen, syncErrors.Component(component), syncErrors.KindInvalid, "database name is required")
	}
	o := options{
		maxResolveAttempts: DefaultMaxResolveAttempts,
		resolverTimeout:    DefaultResolverTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.maxResolveAttempts < 2 {
		return nil, syncErrors.E(syncErrors.OpOpen, syncErrors.Component(component), syncErrors.KindInvalid,
			fmt.Sprintf("max resolve attempts must be at least 2, got %d", o.maxResolveAttempts))
	}
	if o.uuid == uuid.Nil {
		o.uuid = uuid.New()
	}
	logger := logging.Or(o.logger, component).With(slog.String("database", name))

	db := &Database{
		name:           name,
		engine:         engine,
		id:             ulid.Make(),
		opts:           o,
		logger:         logger,
		collections:    make(map[CollectionID]*Collection),
		sessions:       make(map[Session]struct{}),
		writeLocks:     newStripedLocks(),
		reconcileLocks: newKeyedLocks(),
		changes:        notify.NewHub[CollectionChange](logger),
		docChanges:     notify.NewHub[DocumentChange](logger),
	}

	if _, err := engine.CreateCollection(ctx, DefaultScope, DefaultCollection); err != nil {
		db.changes.Close()
		db.docChanges.Close()
		return nil, syncErrors.WrapOpComponent(err, syncErrors.OpOpen, component)
	}
	records, err := engine.ListCollections(ctx)
	if err != nil {
		db.changes.Close()
		db.docChanges.Close()
		return nil, syncErrors.WrapOpComponent(err, syncErrors.OpOpen, component)
	}
	for _, r := range records {
		id := CollectionID{Scope: r.Scope, Name: r.Name}
		db.collections[id] = newCollection(db, id)
	}

	if feed, ok := engine.(storage.ChangeFeed); ok {
		feedCtx, cancel := context.WithCancel(context.Background())
		db.stopFeed = cancel
		db.feedDone = make(chan struct{})
		go db.watchExternalChanges(feedCtx, feed)
	}

	logger.Info("database opened", slog.String("instance", db.id.String()), slog.Int("collections", len(records)))
	return db, nil
}

// Name returns the database name.
func (db *Database) Name() string { return db.name }

// InstanceID identifies this open handle. Two handles on the same store
// have different instance IDs.
func (db *Database) InstanceID() string { return db.id.String() }

// UUID is the public identifier exchanged with replication peers.
func (db *Database) UUID() uuid.UUID { return db.opts.uuid }

// Engine exposes the storage engine, used by the replicator for checkpoints.
func (db *Database) Engine() storage.Engine { return db.engine }

// Logger returns the database logger.
func (db *Database) Logger() *slog.Logger { return db.logger }

func (db *Database) checkOpen(op syncErrors.Operation) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return syncErrors.E(op, syncErrors.Component(component), syncErrors.KindClosed, "database "+db.name+" is closed")
	}
	return nil
}

// ValidateName reports whether s is a legal scope or collection name.
func ValidateName(s string) error {
	if s == DefaultScope {
		return nil
	}
	if s == "" || len(s) > maxNameLength {
		return fmt.Errorf("name must be 1-%d characters", maxNameLength)
	}
	if s[0] == '_' || s[0] == '%' {
		return fmt.Errorf("name %q must not start with '_' or '%%'", s)
	}
	for _, r := range s {
		if !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || r == '_' || r == '-' || r == '%') {
			return fmt.Errorf("name %q contains invalid character %q", s, r)
		}
	}
	return nil
}

func normaliseScope(scope string) string {
	if scope == "" {
		return DefaultScope
	}
	return scope
}

// CreateCollection returns the collection, creating it if necessary.
// Calling it twice returns the same handle.
func (db *Database) CreateCollection(ctx context.Context, scope, name string) (*Collection, error) {
	scope = normaliseScope(scope)
	for _, n := range []string{scope, name} {
		if err := ValidateName(n); err != nil {
			return nil, syncErrors.E(syncErrors.OpSave, syncErrors.Component(component), syncErrors.KindInvalid, err)
		}
	}
	id := CollectionID{Scope: scope, Name: name}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, syncErrors.E(syncErrors.OpSave, syncErrors.Component(component), syncErrors.KindClosed, "database is closed")
	}
	if c, ok := db.collections[id]; ok {
		return c, nil
	}
	if _, err := db.engine.CreateCollection(ctx, scope, name); err != nil {
		return nil, syncErrors.WrapOpComponent(err, syncErrors.OpSave, component)
	}
	c := newCollection(db, id)
	db.collections[id] = c
	db.logger.Debug("collection created", slog.String("collection", id.String()))
	return c, nil
}

// DeleteCollection purges a collection with all its documents and
// checkpoints. Deleting a missing collection is a no-op; the default
// collection cannot be deleted.
func (db *Database) DeleteCollection(ctx context.Context, scope, name string) error {
	scope = normaliseScope(scope)
	id := CollectionID{Scope: scope, Name: name}
	if id == (CollectionID{Scope: DefaultScope, Name: DefaultCollection}) {
		return syncErrors.E(syncErrors.OpDelete, syncErrors.Component(component), syncErrors.KindInvalid, "the default collection cannot be deleted")
	}

	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return syncErrors.E(syncErrors.OpDelete, syncErrors.Component(component), syncErrors.KindClosed, "database is closed")
	}
	if _, ok := db.collections[id]; !ok {
		db.mu.Unlock()
		return nil
	}
	var users []CollectionSession
	for s := range db.sessions {
		if cs, ok := s.(CollectionSession); ok && cs.UsesCollection(id) {
			users = append(users, cs)
		}
	}
	db.mu.Unlock()

	// Stopping sessions untrack themselves, which takes db.mu.
	for _, s := range users {
		s.StopAndWait()
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return syncErrors.E(syncErrors.OpDelete, syncErrors.Component(component), syncErrors.KindClosed, "database is closed")
	}
	c, ok := db.collections[id]
	if !ok {
		return nil
	}
	if err := db.engine.DeleteCollection(ctx, scope, name); err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpDelete, component)
	}
	c.markDeleted()
	delete(db.collections, id)
	db.logger.Debug("collection deleted", slog.String("collection", id.String()))
	return nil
}

// Collection returns an existing collection or a KindNotFound error.
func (db *Database) Collection(scope, name string) (*Collection, error) {
	id := CollectionID{Scope: normaliseScope(scope), Name: name}
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, syncErrors.E(syncErrors.OpRead, syncErrors.Component(component), syncErrors.KindClosed, "database is closed")
	}
	c, ok := db.collections[id]
	if !ok {
		return nil, syncErrors.E(syncErrors.OpRead, syncErrors.Component(component), syncErrors.KindNotFound, "collection "+id.String(), storage.ErrNotFound)
	}
	return c, nil
}

// DefaultCollection returns the always-present default collection.
func (db *Database) DefaultCollection() *Collection {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.collections[CollectionID{Scope: DefaultScope, Name: DefaultCollection}]
}

// Collections lists the collections of a scope, sorted by name.
func (db *Database) Collections(scope string) ([]*Collection, error) {
	scope = normaliseScope(scope)
	db.mu.RLock()
	defer db.mu.RUnlock()
	if db.closed {
		return nil, syncErrors.E(syncErrors.OpRead, syncErrors.Component(component), syncErrors.KindClosed, "database is closed")
	}
	var out []*Collection
	for id, c := range db.collections {
		if id.Scope == scope {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id.Name < out[j].id.Name })
	return out, nil
}

// Scopes lists the scopes that currently hold at least one collection.
func (db *Database) Scopes() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	seen := make(map[string]struct{})
	for id := range db.collections {
		seen[id.Scope] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Track registers a session that Close must stop first. The returned
// function unregisters it.
func (db *Database) Track(s Session) (func(), error) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.closed {
		return nil, syncErrors.E(syncErrors.OpStart, syncErrors.Component(component), syncErrors.KindClosed, "database is closed")
	}
	db.sessions[s] = struct{}{}
	return func() {
		db.mu.Lock()
		delete(db.sessions, s)
		db.mu.Unlock()
	}, nil
}

// Close stops every tracked session, then closes the engine. Closing twice
// is a no-op.
func (db *Database) Close() error {
	db.mu.Lock()
	if db.closed {
		db.mu.Unlock()
		return nil
	}
	sessions := make([]Session, 0, len(db.sessions))
	for s := range db.sessions {
		sessions = append(sessions, s)
	}
	db.mu.Unlock()

	// Sessions untrack themselves, which takes db.mu, so stop them unlocked.
	for _, s := range sessions {
		if err := s.Close(); err != nil {
			db.logger.Warn("session did not close cleanly", slog.String("error", err.Error()))
		}
	}

	db.mu.Lock()
	db.closed = true
	for _, c := range db.collections {
		c.markDeleted()
	}
	db.mu.Unlock()

	if db.stopFeed != nil {
		db.stopFeed()
		<-db.feedDone
	}
	db.changes.Close()
	db.docChanges.Close()

	if err := db.engine.Close(); err != nil {
		return syncErrors.WrapOpComponent(err, syncErrors.OpClose, component)
	}
	db.logger.Info("database closed")
	return nil
}

// watchExternalChanges turns commits made by other processes into local
// change notifications.
func (db *Database) watchExternalChanges(ctx context.Context, feed storage.ChangeFeed) {
	defer close(db.feedDone)
	ch := feed.ExternalChanges()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			scope, name, found := strings.Cut(n.Collection, ".")
			if !found {
				continue
			}
			c, err := db.Collection(scope, name)
			if err != nil {
				continue
			}
			c.postChanges([]DocumentChange{{Collection: c, DocID: n.DocID, Sequence: n.Sequence, External: true}})
		}
	}
}

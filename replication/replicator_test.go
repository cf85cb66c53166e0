package replication

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/docsync/database"
	"github.com/c0deZ3R0/docsync/document"
	syncErrors "github.com/c0deZ3R0/docsync/errors"
	"github.com/c0deZ3R0/docsync/logging"
	"github.com/c0deZ3R0/docsync/storage/memory"
	"github.com/c0deZ3R0/docsync/transport/pipe"
)

const waitTimeout = 5 * time.Second

func openDB(t *testing.T, name string) *database.Database {
	t.Helper()
	db, err := database.Open(context.Background(), name, memory.New(), database.WithLogger(logging.Discard().Logger))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func save(t *testing.T, c *database.Collection, id string, kv ...any) *document.Document {
	t.Helper()
	p := document.NewProperties()
	for i := 0; i+1 < len(kv); i += 2 {
		p.Set(kv[i].(string), kv[i+1])
	}
	doc := document.New(id, p)
	if cur, err := c.Get(context.Background(), id); err == nil {
		doc.Rev = cur.Rev
	}
	saved, err := c.Save(context.Background(), doc)
	require.NoError(t, err)
	return saved
}

// statusLog records every status a replicator posts.
type statusLog struct {
	mu   sync.Mutex
	all  []Status
	feed chan Status
}

func (l *statusLog) Notify(s Status) {
	l.mu.Lock()
	l.all = append(l.all, s)
	l.mu.Unlock()
	l.feed <- s
}

func (l *statusLog) activities() []Activity {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Activity, len(l.all))
	for i, s := range l.all {
		out[i] = s.Activity
	}
	return out
}

func (l *statusLog) waitFor(t *testing.T, a Activity) Status {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case s := <-l.feed:
			if s.Activity == a {
				return s
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s, saw %v", a, l.activities())
			return Status{}
		}
	}
}

// docLog records document replication events.
type docLog struct {
	mu     sync.Mutex
	events []DocumentReplication
}

func (l *docLog) Notify(e DocumentReplication) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *docLog) documents(push bool) []ReplicatedDocument {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []ReplicatedDocument
	for _, e := range l.events {
		if e.Push == push {
			out = append(out, e.Documents...)
		}
	}
	return out
}

type harness struct {
	local, remote *database.Database
	endpoint      *pipe.Endpoint
	cfg           *Config
}

func newHarness(t *testing.T, opts ...ResponderOption) *harness {
	t.Helper()
	h := &harness{local: openDB(t, "local"), remote: openDB(t, "remote")}
	opts = append([]ResponderOption{WithResponderLogger(logging.Discard().Logger)}, opts...)
	h.endpoint = DatabaseEndpoint(h.remote, opts...)
	h.cfg = NewConfig(h.endpoint)
	require.NoError(t, h.cfg.AddCollection(h.local.DefaultCollection(), nil))
	return h
}

func (h *harness) replicator(t *testing.T, opts ...Option) (*Replicator, *statusLog, *docLog) {
	t.Helper()
	opts = append([]Option{
		WithLogger(logging.Discard().Logger),
		WithBackoff(&ExponentialBackoff{InitialDelay: 5 * time.Millisecond, MaxDelay: 20 * time.Millisecond, Multiplier: 2}),
	}, opts...)
	r, err := New(h.cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	sl := &statusLog{feed: make(chan Status, 256)}
	dl := &docLog{}
	r.AddChangeListener(sl)
	r.AddDocumentListener(dl)
	return r, sl, dl
}

func runOnce(t *testing.T, r *Replicator, sl *statusLog, reset bool) Status {
	t.Helper()
	require.NoError(t, r.Start(reset))
	st := sl.waitFor(t, Stopped)
	require.NoError(t, st.Err)
	return st
}

func requireSameRevision(t *testing.T, a, b *database.Collection, id string) *document.Document {
	t.Helper()
	da, err := a.Get(context.Background(), id)
	require.NoError(t, err)
	db, err := b.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, da.Rev, db.Rev)
	assert.True(t, da.Properties.Equal(db.Properties), "bodies differ: %v vs %v", da.Properties, db.Properties)
	return da
}

func TestReplicator_PushPullRoundTrip(t *testing.T) {
	h := newHarness(t)
	local, remote := h.local.DefaultCollection(), h.remote.DefaultCollection()
	save(t, local, "from-local", "n", 1, "tags", []any{"a", "b"})
	save(t, remote, "from-remote", "nested", map[string]any{"x": true})

	r, sl, dl := h.replicator(t)
	st := runOnce(t, r, sl, false)

	requireSameRevision(t, local, remote, "from-local")
	requireSameRevision(t, local, remote, "from-remote")
	assert.Equal(t, []Activity{Connecting, Busy, Idle, Stopped}, dedupe(sl.activities()))
	assert.Equal(t, st.Progress.Completed, st.Progress.Total)

	pushed := dl.documents(true)
	require.Len(t, pushed, 1)
	assert.Equal(t, "from-local", pushed[0].ID)
	assert.Equal(t, database.DefaultScope, pushed[0].Scope)
	assert.NoError(t, pushed[0].Err)
	pulled := dl.documents(false)
	require.NotEmpty(t, pulled)

	// Updates and deletions follow on the next run.
	doc := save(t, local, "from-local", "n", 2)
	_, err := remote.Delete(context.Background(), mustGet(t, remote, "from-remote"))
	require.NoError(t, err)
	runOnce(t, r, sl, false)

	requireSameRevision(t, local, remote, "from-local")
	got := mustGet(t, remote, "from-local")
	assert.Equal(t, doc.Rev, got.Rev)
	_, err = local.Get(context.Background(), "from-remote")
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindNotFound), "tombstone replicated")
}

func mustGet(t *testing.T, c *database.Collection, id string) *document.Document {
	t.Helper()
	d, err := c.Get(context.Background(), id)
	require.NoError(t, err)
	return d
}

func dedupe(in []Activity) []Activity {
	var out []Activity
	for _, a := range in {
		if len(out) == 0 || out[len(out)-1] != a {
			out = append(out, a)
		}
	}
	return out
}

func TestReplicator_TieBreakConverges(t *testing.T) {
	for _, dir := range []Direction{PushAndPull, Push, Pull} {
		t.Run(dir.String(), func(t *testing.T) {
			h := newHarness(t)
			local, remote := h.local.DefaultCollection(), h.remote.DefaultCollection()
			mine := save(t, local, "doc", "side", "local")
			theirs := save(t, remote, "doc", "side", "remote")
			require.Equal(t, mine.Rev.Generation, theirs.Rev.Generation)
			winner := document.Winner(mine.Rev, theirs.Rev)

			h.cfg.Direction = dir
			r, sl, _ := h.replicator(t)
			runOnce(t, r, sl, false)

			if dir == PushAndPull {
				requireSameRevision(t, local, remote, "doc")
			}
			switch dir {
			case PushAndPull, Pull:
				assert.Equal(t, winner, mustGet(t, local, "doc").Rev)
			}
			switch dir {
			case PushAndPull, Push:
				assert.Equal(t, winner, mustGet(t, remote, "doc").Rev)
			}
		})
	}
}

func TestReplicator_ResolverOverride(t *testing.T) {
	h := newHarness(t)
	local, remote := h.local.DefaultCollection(), h.remote.DefaultCollection()
	base := save(t, local, "doc", "v", "base")
	h.cfg.Direction = Push
	r, sl, _ := h.replicator(t)
	runOnce(t, r, sl, false)
	save(t, local, "doc", "v", "local edit")
	save(t, remote, "doc", "v", "remote edit")

	var calls int
	var mu sync.Mutex
	pullCfg := NewConfig(h.endpoint)
	pullCfg.Direction = Pull
	pullCfg.Resolver = database.RemoteWinsResolver{}
	require.NoError(t, pullCfg.AddCollection(local, &CollectionConfig{
		Resolver: database.ResolverFunc(func(ctx context.Context, c database.Conflict) (*document.Document, error) {
			mu.Lock()
			calls++
			mu.Unlock()
			assert.Equal(t, base.Rev, c.Base.Rev)
			out := c.Mine.Clone()
			out.Properties.Set("v", "merged")
			return out, nil
		}),
	}))
	h.cfg = pullCfg
	r2, sl2, _ := h.replicator(t)
	runOnce(t, r2, sl2, false)

	mu.Lock()
	assert.Equal(t, 1, calls, "collection resolver overrides the replication default")
	mu.Unlock()
	assert.Equal(t, "merged", mustGet(t, local, "doc").Properties.String("v"))
}

func TestReplicator_PendingDocumentIDs(t *testing.T) {
	h := newHarness(t)
	local := h.local.DefaultCollection()
	ctx := context.Background()
	save(t, local, "a", "keep", true)
	save(t, local, "b", "keep", false)
	save(t, local, "c", "keep", true)
	require.NoError(t, h.cfg.AddCollection(local, &CollectionConfig{
		DocumentIDs: []string{"a", "b"},
		PushFilter: func(doc *document.Document, flags document.Flags) bool {
			v, _ := doc.Properties.Get("keep")
			return flags.Has(document.FlagDeleted) || v == true
		},
	}))
	r, sl, _ := h.replicator(t)

	pending, err := r.PendingDocumentIDs(ctx, local)
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"a": {}}, pending, "pre-flight")
	for id, want := range map[string]bool{"a": true, "b": false, "c": false, "missing": false} {
		got, err := r.IsDocumentPending(ctx, id, local)
		require.NoError(t, err)
		assert.Equal(t, want, got, id)
	}

	runOnce(t, r, sl, false)
	pending, err = r.PendingDocumentIDs(ctx, local)
	require.NoError(t, err)
	assert.Empty(t, pending)
	got, err := r.IsDocumentPending(ctx, "a", local)
	require.NoError(t, err)
	assert.False(t, got)

	save(t, local, "a", "keep", true, "v", 2)
	got, err = r.IsDocumentPending(ctx, "a", local)
	require.NoError(t, err)
	assert.True(t, got)

	_, err = r.PendingDocumentIDs(ctx, h.remote.DefaultCollection())
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid))

	h.cfg.Direction = Pull
	pullOnly, _, _ := h.replicator(t)
	_, err = pullOnly.PendingDocumentIDs(ctx, local)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindUnsupported))
	_, err = pullOnly.IsDocumentPending(ctx, "a", local)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindUnsupported))
}

func TestReplicator_PulledDocumentsAreNotPending(t *testing.T) {
	h := newHarness(t)
	local, remote := h.local.DefaultCollection(), h.remote.DefaultCollection()
	ctx := context.Background()
	for _, id := range []string{"r1", "r2", "r3"} {
		save(t, remote, id, "from", "remote")
	}
	r, sl, dl := h.replicator(t)

	for run := 0; run < 2; run++ {
		runOnce(t, r, sl, false)
		pending, err := r.PendingDocumentIDs(ctx, local)
		require.NoError(t, err)
		assert.Empty(t, pending, "run %d", run)
		for _, id := range []string{"r1", "r2", "r3"} {
			got, err := r.IsDocumentPending(ctx, id, local)
			require.NoError(t, err)
			assert.False(t, got, id)
			requireSameRevision(t, local, remote, id)
		}
	}
	assert.Empty(t, dl.documents(true), "pulled revisions are not sent back")

	save(t, local, "r2", "from", "local")
	pending, err := r.PendingDocumentIDs(ctx, local)
	require.NoError(t, err)
	assert.Equal(t, map[string]struct{}{"r2": {}}, pending)
}

func TestReplicator_ForbiddenPushIsPermanent(t *testing.T) {
	h := newHarness(t, WithReadOnly())
	local := h.local.DefaultCollection()
	save(t, local, "doc", "v", 1)
	h.cfg.Direction = Push
	r, sl, dl := h.replicator(t)
	runOnce(t, r, sl, false)

	pushed := dl.documents(true)
	require.Len(t, pushed, 1)
	assert.True(t, syncErrors.IsKind(pushed[0].Err, syncErrors.KindPermission))
	_, err := h.remote.DefaultCollection().Get(context.Background(), "doc")
	assert.Error(t, err)

	pending, err := r.PendingDocumentIDs(context.Background(), local)
	require.NoError(t, err)
	assert.Empty(t, pending, "policy failures are not retried")
}

func TestReplicator_AuthorizerFiltersPull(t *testing.T) {
	h := newHarness(t, WithAuthorizer(func(user string, coll *database.Collection, docID string, push bool) bool {
		return docID != "secret"
	}))
	remote := h.remote.DefaultCollection()
	save(t, remote, "public", "v", 1)
	save(t, remote, "secret", "v", 2)
	h.cfg.Direction = Pull
	r, sl, _ := h.replicator(t)
	runOnce(t, r, sl, false)

	local := h.local.DefaultCollection()
	mustGet(t, local, "public")
	_, err := local.Get(context.Background(), "secret")
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindNotFound))
}

func TestReplicator_RemovedCollectionIsExcluded(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	extra, err := h.local.CreateCollection(ctx, "app", "extra")
	require.NoError(t, err)
	_, err = h.remote.CreateCollection(ctx, "app", "extra")
	require.NoError(t, err)
	save(t, extra, "x", "v", 1)
	save(t, h.local.DefaultCollection(), "d", "v", 1)

	require.NoError(t, h.cfg.AddCollection(extra, nil))
	h.cfg.RemoveCollection(extra)
	r, sl, dl := h.replicator(t)
	runOnce(t, r, sl, false)

	remoteExtra, err := h.remote.Collection("app", "extra")
	require.NoError(t, err)
	_, err = remoteExtra.Get(ctx, "x")
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindNotFound))
	for _, d := range dl.documents(true) {
		assert.NotEqual(t, "extra", d.Collection)
	}
	mustGet(t, h.remote.DefaultCollection(), "d")
}

func TestReplicator_NamedScopeCollection(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	users, err := h.local.CreateCollection(ctx, "app", "users")
	require.NoError(t, err)
	remoteUsers, err := h.remote.CreateCollection(ctx, "app", "users")
	require.NoError(t, err)
	save(t, users, "alice", "age", 30)
	save(t, remoteUsers, "bob", "age", 40)

	h.cfg = NewConfig(h.endpoint)
	require.NoError(t, h.cfg.AddCollection(users, nil))
	r, sl, dl := h.replicator(t)
	runOnce(t, r, sl, false)

	requireSameRevision(t, users, remoteUsers, "alice")
	requireSameRevision(t, users, remoteUsers, "bob")
	for _, d := range dl.documents(true) {
		assert.Equal(t, "app", d.Scope)
		assert.Equal(t, "users", d.Collection)
	}
}

func TestReplicator_CheckpointsAndReset(t *testing.T) {
	h := newHarness(t)
	local, remote := h.local.DefaultCollection(), h.remote.DefaultCollection()
	ctx := context.Background()
	save(t, local, "doc", "v", 1)
	h.cfg.Direction = Push
	r, sl, _ := h.replicator(t)
	runOnce(t, r, sl, false)
	mustGet(t, remote, "doc")

	cp, err := local.Checkpoint(ctx, dirPush, h.cfg.Digest(local))
	require.NoError(t, err)
	last, err := local.LastSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, last, cp)

	require.NoError(t, remote.Purge(ctx, "doc"))
	runOnce(t, r, sl, false)
	_, err = remote.Get(ctx, "doc")
	assert.Error(t, err, "checkpoint skips already pushed sequences")

	runOnce(t, r, sl, true)
	mustGet(t, remote, "doc")
}

func TestReplicator_Blobs(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	local, remote := h.local.DefaultCollection(), h.remote.DefaultCollection()

	up, err := h.local.SaveBlob(ctx, "text/plain", []byte("pushed bytes"))
	require.NoError(t, err)
	save(t, local, "up", "file", up)
	down, err := h.remote.SaveBlob(ctx, "image/png", []byte{0x89, 'P', 'N', 'G'})
	require.NoError(t, err)
	save(t, remote, "down", "file", down)

	r, sl, _ := h.replicator(t)
	runOnce(t, r, sl, false)

	data, err := h.remote.GetBlob(ctx, up.Digest)
	require.NoError(t, err)
	assert.Equal(t, []byte("pushed bytes"), data)
	data, err = h.local.GetBlob(ctx, down.Digest)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x89, 'P', 'N', 'G'}, data)
}

func TestReplicator_ContinuousFollowsBothSides(t *testing.T) {
	h := newHarness(t)
	local, remote := h.local.DefaultCollection(), h.remote.DefaultCollection()
	h.cfg.Continuous = true
	r, sl, _ := h.replicator(t)
	require.NoError(t, r.Start(false))
	sl.waitFor(t, Idle)

	save(t, local, "pushed", "v", 1)
	require.Eventually(t, func() bool {
		_, err := remote.Get(context.Background(), "pushed")
		return err == nil
	}, waitTimeout, 10*time.Millisecond)

	save(t, remote, "pulled", "v", 2)
	require.Eventually(t, func() bool {
		_, err := local.Get(context.Background(), "pulled")
		return err == nil
	}, waitTimeout, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		pending, err := r.PendingDocumentIDs(context.Background(), local)
		return err == nil && len(pending) == 0 && r.Status().Activity == Idle
	}, waitTimeout, 10*time.Millisecond)
}

func TestReplicator_StopReportsStoppingThenStopped(t *testing.T) {
	h := newHarness(t)
	h.cfg.Continuous = true
	r, sl, _ := h.replicator(t)
	require.NoError(t, r.Start(false))
	require.NoError(t, r.Start(false), "start while running is a no-op")
	sl.waitFor(t, Idle)

	r.Stop()
	r.Stop()
	st := sl.waitFor(t, Stopped)
	assert.NoError(t, st.Err)

	acts := sl.activities()
	require.GreaterOrEqual(t, len(acts), 2)
	assert.Equal(t, []Activity{Stopping, Stopped}, acts[len(acts)-2:])

	// Restartable after a stop.
	require.NoError(t, r.Start(false))
	sl.waitFor(t, Idle)
}

func TestReplicator_StartWhileStoppingRestarts(t *testing.T) {
	h := newHarness(t)
	h.cfg.Continuous = true
	r, sl, _ := h.replicator(t)
	require.NoError(t, r.Start(false))
	sl.waitFor(t, Idle)

	r.Stop()
	require.NoError(t, r.Start(false))
	assert.NotEqual(t, Stopping, r.Status().Activity)
	assert.NotEqual(t, Stopped, r.Status().Activity)

	sl.waitFor(t, Stopped)
	sl.waitFor(t, Idle)
	acts := dedupe(sl.activities())
	i := 0
	for i < len(acts) && acts[i] != Stopping {
		i++
	}
	require.LessOrEqual(t, i+3, len(acts), "saw %v", acts)
	assert.Equal(t, []Activity{Stopping, Stopped, Connecting}, acts[i:i+3], "old session ends before the new one starts")

	// The new session follows local changes.
	save(t, h.local.DefaultCollection(), "late", "n", 1)
	assert.Eventually(t, func() bool {
		_, err := h.remote.DefaultCollection().Get(context.Background(), "late")
		return err == nil
	}, waitTimeout, 10*time.Millisecond)
}

func TestReplicator_OfflineRetriesUntilReachable(t *testing.T) {
	h := newHarness(t)
	h.cfg.Continuous = true
	h.endpoint.SetOffline(true)
	save(t, h.local.DefaultCollection(), "doc", "v", 1)
	metrics := NewCounterMetrics()
	r, sl, _ := h.replicator(t, WithMetrics(metrics))
	require.NoError(t, r.Start(false))

	st := sl.waitFor(t, Offline)
	assert.True(t, syncErrors.IsKind(st.Err, syncErrors.KindTransport))

	h.endpoint.SetOffline(false)
	sl.waitFor(t, Idle)
	mustGet(t, h.remote.DefaultCollection(), "doc")
	assert.GreaterOrEqual(t, metrics.Snapshot().Reconnects, 1)

	// A dropped connection is retried as well.
	require.Equal(t, 1, h.endpoint.Break())
	sl.waitFor(t, Offline)
	save(t, h.local.DefaultCollection(), "after", "v", 1)
	require.Eventually(t, func() bool {
		_, err := h.remote.DefaultCollection().Get(context.Background(), "after")
		return err == nil
	}, waitTimeout, 10*time.Millisecond)
}

func TestReplicator_OneShotGivesUp(t *testing.T) {
	h := newHarness(t)
	h.cfg.MaxAttempts = 2
	h.endpoint.SetOffline(true)
	r, sl, _ := h.replicator(t)
	require.NoError(t, r.Start(false))

	st := sl.waitFor(t, Stopped)
	assert.True(t, syncErrors.IsKind(st.Err, syncErrors.KindTransport))
	assert.Equal(t, 2, h.endpoint.Dials())
}

func TestReplicator_ClosingDatabaseStopsSession(t *testing.T) {
	h := newHarness(t)
	h.cfg.Continuous = true
	r, sl, _ := h.replicator(t)
	require.NoError(t, r.Start(false))
	sl.waitFor(t, Idle)

	require.NoError(t, h.local.Close())
	sl.waitFor(t, Stopped)
	assert.Equal(t, Stopped, r.Status().Activity)
	assert.True(t, syncErrors.IsKind(r.Start(false), syncErrors.KindClosed))
}

func TestReplicator_DeletingCollectionStopsSession(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	users, err := h.local.CreateCollection(ctx, "app", "users")
	require.NoError(t, err)
	_, err = h.remote.CreateCollection(ctx, "app", "users")
	require.NoError(t, err)

	h.cfg.Continuous = true
	other, otherLog, _ := h.replicator(t)
	require.NoError(t, other.Start(false))
	otherLog.waitFor(t, Idle)

	h.cfg = NewConfig(h.endpoint)
	h.cfg.Continuous = true
	require.NoError(t, h.cfg.AddCollection(users, nil))
	r, sl, _ := h.replicator(t)
	require.NoError(t, r.Start(false))
	sl.waitFor(t, Idle)

	require.NoError(t, h.local.DeleteCollection(ctx, "app", "users"))
	assert.Equal(t, Stopped, r.Status().Activity, "stopped before the collection went away")
	assert.NoError(t, r.Status().Err)
	assert.Equal(t, Idle, other.Status().Activity, "sessions on other collections keep running")
}

func TestReplicator_DeferredConflictRetriedOnNextPass(t *testing.T) {
	h := newHarness(t)
	local, remote := h.local.DefaultCollection(), h.remote.DefaultCollection()
	save(t, local, "doc", "side", "local")
	save(t, remote, "doc", "side", "remote")

	h.cfg.Direction = Pull
	h.cfg.Resolver = database.ManualReviewResolver{Reason: "needs a human"}
	r, sl, dl := h.replicator(t)
	runOnce(t, r, sl, false)

	pulled := dl.documents(false)
	require.Len(t, pulled, 1)
	assert.True(t, syncErrors.IsKind(pulled[0].Err, syncErrors.KindResolution))
	ids, err := local.Conflicts(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"doc"}, ids)

	h.cfg.Resolver = database.RemoteWinsResolver{}
	r2, sl2, _ := h.replicator(t)
	runOnce(t, r2, sl2, false)
	assert.Equal(t, "remote", mustGet(t, local, "doc").Properties.String("side"))
	ids, err = local.Conflicts(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestReplicator_ChannelsFilterPull(t *testing.T) {
	h := newHarness(t)
	remote := h.remote.DefaultCollection()
	save(t, remote, "news", "channels", []any{"public"})
	save(t, remote, "memo", "channels", []any{"staff"})
	h.cfg.Direction = Pull
	require.NoError(t, h.cfg.AddCollection(h.local.DefaultCollection(), &CollectionConfig{Channels: []string{"public"}}))
	r, sl, _ := h.replicator(t)
	runOnce(t, r, sl, false)

	mustGet(t, h.local.DefaultCollection(), "news")
	_, err := h.local.DefaultCollection().Get(context.Background(), "memo")
	assert.Error(t, err)
}

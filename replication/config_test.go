package replication

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/docsync/database"
	"github.com/c0deZ3R0/docsync/document"
	syncErrors "github.com/c0deZ3R0/docsync/errors"
	"github.com/c0deZ3R0/docsync/transport/pipe"
)

func TestConfig_Validate(t *testing.T) {
	db := openDB(t, "local")
	other := openDB(t, "other")
	ep := pipe.NewEndpoint("peer", nil)

	cfg := NewConfig(nil)
	require.NoError(t, cfg.AddCollection(db.DefaultCollection(), nil))
	assert.True(t, syncErrors.IsKind(cfg.Validate(), syncErrors.KindInvalid), "missing endpoint")

	assert.True(t, syncErrors.IsKind(NewConfig(ep).Validate(), syncErrors.KindInvalid), "no collections")

	cfg = NewConfig(ep)
	require.NoError(t, cfg.AddCollection(db.DefaultCollection(), nil))
	require.NoError(t, cfg.Validate())

	cfg.Heartbeat = -time.Second
	assert.True(t, syncErrors.IsKind(cfg.Validate(), syncErrors.KindInvalid), "negative heartbeat")
	cfg.Heartbeat = 0

	require.NoError(t, cfg.AddCollection(db.DefaultCollection(), &CollectionConfig{DocumentIDs: []string{}}))
	assert.True(t, syncErrors.IsKind(cfg.Validate(), syncErrors.KindInvalid), "empty document ID filter")

	err := cfg.AddCollection(other.DefaultCollection(), nil)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid), "collection from another database")

	_, err = New(cfg)
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid))
}

func TestConfig_AddTwiceReplacesAndRemove(t *testing.T) {
	db := openDB(t, "local")
	ctx := context.Background()
	users, err := db.CreateCollection(ctx, "app", "users")
	require.NoError(t, err)

	cfg := NewConfig(pipe.NewEndpoint("peer", nil))
	require.NoError(t, cfg.AddCollection(users, &CollectionConfig{Channels: []string{"a"}}))
	require.NoError(t, cfg.AddCollection(db.DefaultCollection(), nil))
	require.NoError(t, cfg.AddCollection(users, &CollectionConfig{Channels: []string{"b"}}))

	cc, ok := cfg.CollectionConfig(users)
	require.True(t, ok)
	assert.Equal(t, []string{"b"}, cc.Channels)
	assert.Len(t, cfg.Collections(), 2)

	// A second handle to the same collection is interchangeable.
	again, err := db.Collection("app", "users")
	require.NoError(t, err)
	cfg.RemoveCollection(again)
	_, ok = cfg.CollectionConfig(users)
	assert.False(t, ok)
	assert.Equal(t, []*database.Collection{db.DefaultCollection()}, cfg.Collections())

	cfg.RemoveCollection(users)
}

func TestConfig_FrozenByReplicator(t *testing.T) {
	db := openDB(t, "local")
	cfg := NewConfig(pipe.NewEndpoint("peer", nil))
	require.NoError(t, cfg.AddCollection(db.DefaultCollection(), &CollectionConfig{DocumentIDs: []string{"a"}}))
	r, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })

	require.NoError(t, cfg.AddCollection(db.DefaultCollection(), &CollectionConfig{DocumentIDs: []string{"b"}}))
	cc, ok := r.Config().CollectionConfig(db.DefaultCollection())
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, cc.DocumentIDs)
}

func TestConfig_Digest(t *testing.T) {
	db := openDB(t, "local")
	coll := db.DefaultCollection()
	ep := pipe.NewEndpoint("peer", nil)

	cfg := NewConfig(ep)
	require.NoError(t, cfg.AddCollection(coll, &CollectionConfig{DocumentIDs: []string{"b", "a"}}))
	d1 := cfg.Digest(coll)

	require.NoError(t, cfg.AddCollection(coll, &CollectionConfig{DocumentIDs: []string{"a", "b"}}))
	assert.Equal(t, d1, cfg.Digest(coll), "order of IDs does not matter")

	require.NoError(t, cfg.AddCollection(coll, &CollectionConfig{DocumentIDs: []string{"a"}}))
	assert.NotEqual(t, d1, cfg.Digest(coll))

	cfg2 := NewConfig(pipe.NewEndpoint("elsewhere", nil))
	require.NoError(t, cfg2.AddCollection(coll, &CollectionConfig{DocumentIDs: []string{"a", "b"}}))
	assert.NotEqual(t, d1, cfg2.Digest(coll))
}

func TestConfig_DefaultsInherited(t *testing.T) {
	db := openDB(t, "local")
	ctx := context.Background()
	users, err := db.CreateCollection(ctx, "app", "users")
	require.NoError(t, err)
	coll := db.DefaultCollection()

	cfg := NewConfig(pipe.NewEndpoint("peer", nil))
	require.NoError(t, cfg.AddCollection(coll, nil))
	require.NoError(t, cfg.AddCollection(users, &CollectionConfig{Channels: []string{"own"}}))
	before := cfg.Digest(coll)
	usersBefore := cfg.Digest(users)

	cfg.Defaults = CollectionConfig{
		DocumentIDs: []string{"a"},
		Channels:    []string{"public"},
		Resolver:    database.RemoteWinsResolver{},
	}
	cc, ok := cfg.CollectionConfig(coll)
	require.True(t, ok)
	assert.Equal(t, []string{"a"}, cc.DocumentIDs, "added before the defaults were set")
	assert.Equal(t, []string{"public"}, cc.Channels)
	assert.NotEqual(t, before, cfg.Digest(coll))

	cc, ok = cfg.CollectionConfig(users)
	require.True(t, ok)
	assert.Nil(t, cc.DocumentIDs, "explicit settings do not inherit")
	assert.Equal(t, []string{"own"}, cc.Channels)
	assert.Equal(t, usersBefore, cfg.Digest(users))

	r, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	cs := r.byID[coll.ID()]
	assert.Equal(t, []string{"a"}, cs.cfg.DocumentIDs)
	assert.Equal(t, database.RemoteWinsResolver{}, cs.resolver)

	cfg.Defaults.DocumentIDs = []string{}
	assert.True(t, syncErrors.IsKind(cfg.Validate(), syncErrors.KindInvalid), "empty inherited document ID filter")
}

func TestReplicator_DefaultFiltersApply(t *testing.T) {
	h := newHarness(t)
	local, remote := h.local.DefaultCollection(), h.remote.DefaultCollection()
	save(t, local, "a", "n", 1)
	save(t, local, "b", "n", 2)
	h.cfg.Defaults = CollectionConfig{DocumentIDs: []string{"a"}}

	r, sl, _ := h.replicator(t)
	runOnce(t, r, sl, false)

	requireSameRevision(t, local, remote, "a")
	_, err := remote.Get(context.Background(), "b")
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindNotFound))
}

func TestParseDirection(t *testing.T) {
	for in, want := range map[string]Direction{"": PushAndPull, "push": Push, "PULL": Pull, "push_and_pull": PushAndPull} {
		got, err := ParseDirection(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseDirection("sideways")
	assert.Error(t, err)
}

func TestSequenceTracker(t *testing.T) {
	tr := newSequenceTracker(10)
	tr.add(11)
	tr.add(12)
	tr.add(13)
	assert.Equal(t, uint64(10), tr.checkpoint())

	tr.done(12)
	assert.Equal(t, uint64(10), tr.checkpoint(), "11 still in flight")

	tr.done(11)
	assert.Equal(t, uint64(12), tr.checkpoint())
	assert.Equal(t, []uint64{13}, tr.inFlight())

	tr.skipTo(20)
	assert.Equal(t, uint64(12), tr.checkpoint())
	tr.done(13)
	assert.Equal(t, uint64(20), tr.checkpoint())

	tr.add(5)
	assert.Equal(t, uint64(20), tr.checkpoint(), "never moves backwards")
}

func TestExponentialBackoff(t *testing.T) {
	b := &ExponentialBackoff{InitialDelay: time.Second, MaxDelay: 10 * time.Second, Multiplier: 2}
	assert.Equal(t, time.Second, b.NextDelay(0))
	assert.Equal(t, 2*time.Second, b.NextDelay(1))
	assert.Equal(t, 8*time.Second, b.NextDelay(3))
	assert.Equal(t, 10*time.Second, b.NextDelay(10))

	j := DefaultBackoff()
	for i := 0; i < 20; i++ {
		d := j.NextDelay(0)
		assert.InDelta(t, float64(time.Second), float64(d), float64(110*time.Millisecond))
	}
}

const yamlConfig = `
endpoint: ws://sync.example.com/db
direction: push
continuous: true
heartbeat: 45s
max_attempts: 3
max_attempt_wait_time: 1m
resolver: remote_wins
rules:
  - name: drafts
    doc_id_prefix: "draft:"
    resolver: local_wins
channels: [shared]
collections:
  - name: _default
  - scope: app
    name: users
    document_ids: [alice, bob]
    channels: [public]
    resolver: merge
`

func TestConfigLoader_YAML(t *testing.T) {
	db := openDB(t, "local")
	var seen []*FileConfig
	cl := NewConfigLoader(WithWatcher(watcherFunc(func(_, cur *FileConfig) { seen = append(seen, cur) })))
	require.NoError(t, cl.LoadFromBytes([]byte(yamlConfig), "yaml"))
	require.Len(t, seen, 1)

	fc := cl.Current()
	assert.Equal(t, Duration(45*time.Second), fc.Heartbeat)
	assert.Equal(t, "ws://sync.example.com/db", fc.Endpoint)

	cfg, err := cl.Build(context.Background(), db, pipe.NewEndpoint("peer", nil))
	require.NoError(t, err)
	assert.Equal(t, Push, cfg.Direction)
	assert.True(t, cfg.Continuous)
	assert.Equal(t, 45*time.Second, cfg.Heartbeat)
	assert.Equal(t, 3, cfg.MaxAttempts)
	assert.Equal(t, time.Minute, cfg.MaxAttemptWaitTime)
	assert.IsType(t, &database.DynamicResolver{}, cfg.Resolver)

	users, err := db.Collection("app", "users")
	require.NoError(t, err, "collections are created")
	cc, ok := cfg.CollectionConfig(users)
	require.True(t, ok)
	assert.Equal(t, []string{"alice", "bob"}, cc.DocumentIDs)
	assert.Equal(t, []string{"public"}, cc.Channels)
	assert.Equal(t, database.MergeResolver{}, cc.Resolver)

	cc, ok = cfg.CollectionConfig(db.DefaultCollection())
	require.True(t, ok)
	assert.Equal(t, []string{"shared"}, cc.Channels, "bare entries inherit the top-level filters")
	assert.Nil(t, cc.DocumentIDs)
}

func TestConfigLoader_JSONFile(t *testing.T) {
	db := openDB(t, "local")
	path := filepath.Join(t.TempDir(), "replication.json")
	require.NoError(t, os.WriteFile(path, []byte(`{
		"endpoint": "ws://localhost:4984/db",
		"direction": "pull",
		"collections": [{"name": "_default"}]
	}`), 0o600))

	cl := NewConfigLoader()
	require.NoError(t, cl.LoadFromFile(path))
	cfg, err := cl.Build(context.Background(), db, pipe.NewEndpoint("peer", nil))
	require.NoError(t, err)
	assert.Equal(t, Pull, cfg.Direction)
	assert.Nil(t, cfg.Resolver)
}

func TestConfigLoader_Rejects(t *testing.T) {
	cases := map[string]string{
		"no collections":     `endpoint: x`,
		"bad direction":      "direction: up\ncollections: [{name: a}]",
		"bad duration":       "heartbeat: soon\ncollections: [{name: a}]",
		"empty document ids": "collections: [{name: a, document_ids: []}]",
		"duplicate":          "collections: [{name: a}, {scope: _default, name: a}]",
		"rule without name":  "rules: [{resolver: mine}]\ncollections: [{name: a}]",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			cl := NewConfigLoader()
			assert.Error(t, cl.LoadFromBytes([]byte(doc), "yaml"))
			assert.Nil(t, cl.Current())
		})
	}

	cl := NewConfigLoader()
	require.NoError(t, cl.LoadFromBytes([]byte("resolver: nope\ncollections: [{name: a}]"), "yaml"))
	_, err := cl.Build(context.Background(), openDB(t, "local"), pipe.NewEndpoint("peer", nil))
	assert.True(t, syncErrors.IsKind(err, syncErrors.KindInvalid))
}

func TestRuleEntryMatcher(t *testing.T) {
	re := RuleEntry{DocIDPrefix: "draft:", Field: "status", Equals: "open"}
	m := re.matcher()
	theirs := &document.Document{ID: "draft:1", Properties: document.NewProperties().Set("status", "open")}
	assert.True(t, m(database.Conflict{DocID: "draft:1", Theirs: theirs}))
	assert.False(t, m(database.Conflict{DocID: "final:1", Theirs: theirs}))
	assert.True(t, RuleEntry{}.matcher()(database.Conflict{DocID: "x"}))
}

type watcherFunc func(prev, cur *FileConfig)

func (f watcherFunc) OnConfigChanged(prev, cur *FileConfig) { f(prev, cur) }
func (watcherFunc) Name() string                            { return "func" }

package replication

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/c0deZ3R0/docsync/database"
	"github.com/c0deZ3R0/docsync/document"
	syncErrors "github.com/c0deZ3R0/docsync/errors"
	"github.com/c0deZ3R0/docsync/transport"
)

const (
	DefaultHeartbeat          = 300 * time.Second
	DefaultMaxAttempts        = 10
	DefaultMaxAttemptWaitTime = 300 * time.Second
)

// Direction selects which way documents flow.
type Direction int

const (
	PushAndPull Direction = iota
	Push
	Pull
)

func (d Direction) String() string {
	switch d {
	case PushAndPull:
		return "push_and_pull"
	case Push:
		return "push"
	case Pull:
		return "pull"
	}
	return "direction(" + strconv.Itoa(int(d)) + ")"
}

// ParseDirection accepts the names produced by String.
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "push_and_pull", "pushandpull", "both":
		return PushAndPull, nil
	case "push":
		return Push, nil
	case "pull":
		return Pull, nil
	}
	return 0, fmt.Errorf("unknown replication direction %q", s)
}

func (d Direction) pushes() bool { return d == PushAndPull || d == Push }
func (d Direction) pulls() bool  { return d == PushAndPull || d == Pull }

// Filter decides whether a revision is replicated. Push filters see local
// revisions before they are sent; pull filters see received revisions
// before they are applied.
type Filter func(doc *document.Document, flags document.Flags) bool

// CollectionConfig holds per-collection replication settings.
type CollectionConfig struct {
	// DocumentIDs, when non-nil, restricts replication to these IDs. An
	// empty non-nil slice is a configuration error.
	DocumentIDs []string
	// Channels is passed to the peer as a subscription filter.
	Channels   []string
	PushFilter Filter
	PullFilter Filter
	// Resolver overrides the replication-wide resolver for this collection.
	Resolver database.ConflictResolver
}

func (c CollectionConfig) clone() CollectionConfig {
	out := c
	if c.DocumentIDs != nil {
		out.DocumentIDs = append([]string{}, c.DocumentIDs...)
	}
	if c.Channels != nil {
		out.Channels = append([]string{}, c.Channels...)
	}
	return out
}

func (c CollectionConfig) allows(docID string) bool {
	if c.DocumentIDs == nil {
		return true
	}
	for _, id := range c.DocumentIDs {
		if id == docID {
			return true
		}
	}
	return false
}

type collectionEntry struct {
	coll *database.Collection
	cfg  CollectionConfig
	// inherit marks a collection added without settings; it follows
	// Config.Defaults.
	inherit bool
}

// Config describes a replication: the peer, direction, tunables and the
// collections taking part. A Replicator copies its Config, so later
// changes do not affect a running session.
type Config struct {
	Endpoint   transport.Endpoint
	Direction  Direction
	Continuous bool
	// Heartbeat is the keepalive interval while idle. Zero uses the
	// default; negative is invalid.
	Heartbeat time.Duration
	// MaxAttempts bounds consecutive failed connection attempts. Zero
	// means 10 for one-shot and unlimited for continuous replication.
	MaxAttempts        int
	MaxAttemptWaitTime time.Duration
	// Resolver is the default for collections without their own.
	Resolver database.ConflictResolver
	// Defaults apply to every collection added with nil settings,
	// including ones added before Defaults was set.
	Defaults CollectionConfig

	db          *database.Database
	collections map[database.CollectionID]*collectionEntry
	order       []database.CollectionID
}

// NewConfig returns a push-and-pull, one-shot configuration.
func NewConfig(endpoint transport.Endpoint) *Config {
	return &Config{Endpoint: endpoint, collections: make(map[database.CollectionID]*collectionEntry)}
}

func invalid(msg string) error {
	return syncErrors.E(syncErrors.OpConfigure, syncErrors.Component(component), syncErrors.KindInvalid, msg)
}

// AddCollection adds coll, or replaces its settings when already present.
// Every collection must belong to the same open database.
func (c *Config) AddCollection(coll *database.Collection, cfg *CollectionConfig) error {
	if coll == nil {
		return invalid("collection is nil")
	}
	if c.db != nil && coll.Database() != c.db {
		return invalid(fmt.Sprintf("collection %s belongs to database %q, configuration uses %q",
			coll.FullName(), coll.Database().Name(), c.db.Name()))
	}
	if c.collections == nil {
		c.collections = make(map[database.CollectionID]*collectionEntry)
	}
	e := &collectionEntry{coll: coll, inherit: cfg == nil}
	if cfg != nil {
		e.cfg = cfg.clone()
	}
	c.db = coll.Database()
	id := coll.ID()
	if _, ok := c.collections[id]; !ok {
		c.order = append(c.order, id)
	}
	c.collections[id] = e
	return nil
}

// AddCollections adds each collection with the same settings.
func (c *Config) AddCollections(colls []*database.Collection, cfg *CollectionConfig) error {
	for _, coll := range colls {
		if err := c.AddCollection(coll, cfg); err != nil {
			return err
		}
	}
	return nil
}

// RemoveCollection is a no-op for collections not in the configuration.
func (c *Config) RemoveCollection(coll *database.Collection) {
	if coll == nil {
		return
	}
	id := coll.ID()
	if _, ok := c.collections[id]; !ok {
		return
	}
	delete(c.collections, id)
	for i, o := range c.order {
		if o == id {
			c.order = append(c.order[:i:i], c.order[i+1:]...)
			break
		}
	}
	if len(c.collections) == 0 {
		c.db = nil
	}
}

// CollectionConfig returns a copy of coll's effective settings.
func (c *Config) CollectionConfig(coll *database.Collection) (CollectionConfig, bool) {
	if coll == nil {
		return CollectionConfig{}, false
	}
	e, ok := c.collections[coll.ID()]
	if !ok {
		return CollectionConfig{}, false
	}
	return c.settings(e), true
}

func (c *Config) settings(e *collectionEntry) CollectionConfig {
	if e.inherit {
		return c.Defaults.clone()
	}
	return e.cfg.clone()
}

// Collections lists the configured collections in insertion order.
func (c *Config) Collections() []*database.Collection {
	out := make([]*database.Collection, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.collections[id].coll)
	}
	return out
}

// Database returns the database the collections belong to.
func (c *Config) Database() *database.Database { return c.db }

// Validate reports the first configuration error.
func (c *Config) Validate() error {
	switch {
	case c.Endpoint == nil:
		return invalid("endpoint is required")
	case len(c.collections) == 0:
		return invalid("at least one collection is required")
	case c.Direction < PushAndPull || c.Direction > Pull:
		return invalid("unknown direction " + c.Direction.String())
	case c.Heartbeat < 0:
		return invalid("heartbeat must not be negative")
	case c.MaxAttempts < 0:
		return invalid("max attempts must not be negative")
	case c.MaxAttemptWaitTime < 0:
		return invalid("max attempt wait time must not be negative")
	}
	for _, id := range c.order {
		e := c.collections[id]
		if cc := c.settings(e); cc.DocumentIDs != nil && len(cc.DocumentIDs) == 0 {
			return invalid("collection " + id.String() + ": document ID filter is empty")
		}
		if e.coll.Database() != c.db {
			return invalid("collection " + id.String() + " belongs to another database")
		}
	}
	return nil
}

func (c *Config) heartbeat() time.Duration {
	if c.Heartbeat == 0 {
		return DefaultHeartbeat
	}
	return c.Heartbeat
}

func (c *Config) maxAttempts() int {
	if c.MaxAttempts > 0 {
		return c.MaxAttempts
	}
	if c.Continuous {
		return 0
	}
	return DefaultMaxAttempts
}

func (c *Config) maxAttemptWait() time.Duration {
	if c.MaxAttemptWaitTime == 0 {
		return DefaultMaxAttemptWaitTime
	}
	return c.MaxAttemptWaitTime
}

func (c *Config) clone() *Config {
	out := *c
	out.collections = make(map[database.CollectionID]*collectionEntry, len(c.collections))
	for id, e := range c.collections {
		out.collections[id] = &collectionEntry{coll: e.coll, cfg: e.cfg.clone(), inherit: e.inherit}
	}
	out.Defaults = c.Defaults.clone()
	out.order = append([]database.CollectionID(nil), c.order...)
	return &out
}

// Digest identifies the checkpoints of one collection under this
// configuration: the peer and the filters that change what is replicated.
// Function-valued settings cannot be hashed and do not contribute.
func (c *Config) Digest(coll *database.Collection) string {
	h := xxhash.New()
	_, _ = h.WriteString(c.Endpoint.String())
	_, _ = h.WriteString("\x00" + coll.FullName())
	if e, ok := c.collections[coll.ID()]; ok {
		cc := c.settings(e)
		ids := append([]string(nil), cc.DocumentIDs...)
		sort.Strings(ids)
		chans := append([]string(nil), cc.Channels...)
		sort.Strings(chans)
		_, _ = h.WriteString("\x00ids:" + strings.Join(ids, "\x01"))
		_, _ = h.WriteString("\x00channels:" + strings.Join(chans, "\x01"))
	}
	return strconv.FormatUint(h.Sum64(), 16)
}

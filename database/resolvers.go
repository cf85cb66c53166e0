package database

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/c0deZ3R0/docsync/document"
)

var (
	_ ConflictResolver = DefaultResolver
	_ ConflictResolver = (*LocalWinsResolver)(nil)
	_ ConflictResolver = (*RemoteWinsResolver)(nil)
	_ ConflictResolver = (*MergeResolver)(nil)
	_ ConflictResolver = (*ManualReviewResolver)(nil)
	_ ConflictResolver = (*DeleteResolver)(nil)
	_ ConflictResolver = (*DynamicResolver)(nil)
)

// ErrManualReview is returned by ManualReviewResolver; the conflict stays
// deferred until Collection.ResolveConflict is called.
var ErrManualReview = errors.New("conflict requires manual review")

type defaultResolver struct{}

// DefaultResolver selects the deterministic tie-break: higher generation,
// then greater digest. The engine applies it without creating a merge
// revision, so stores holding the same siblings converge without talking.
var DefaultResolver ConflictResolver = defaultResolver{}

// Resolve is only used when the default resolver is wrapped by another
// resolver; it returns the winning side.
func (defaultResolver) Resolve(ctx context.Context, c Conflict) (*document.Document, error) {
	if document.Winner(c.MineRev, c.TheirsRev) == c.TheirsRev {
		return c.Theirs, nil
	}
	return c.Mine, nil
}

func isDefaultResolver(r ConflictResolver) bool {
	if r == nil {
		return true
	}
	_, ok := r.(defaultResolver)
	return ok
}

// LocalWinsResolver keeps the local body, recording the remote revision as
// merged into it.
type LocalWinsResolver struct{}

func (LocalWinsResolver) Resolve(ctx context.Context, c Conflict) (*document.Document, error) {
	return c.Mine, nil
}

// RemoteWinsResolver adopts the incoming revision.
type RemoteWinsResolver struct{}

func (RemoteWinsResolver) Resolve(ctx context.Context, c Conflict) (*document.Document, error) {
	return c.Theirs, nil
}

// MergeResolver unions the top-level fields of both sides. Fields changed
// on only one side since the base take that side's value; fields changed on
// both take the local value. A tombstone on either side loses to the live
// side.
type MergeResolver struct{}

func (MergeResolver) Resolve(ctx context.Context, c Conflict) (*document.Document, error) {
	switch {
	case c.Mine == nil && c.Theirs == nil:
		return nil, nil
	case c.Mine == nil:
		return c.Theirs, nil
	case c.Theirs == nil:
		return c.Mine, nil
	}
	var base *document.Properties
	if c.Base != nil {
		base = c.Base.Properties
	}
	merged := c.Mine.Properties.Clone()
	for _, k := range c.Theirs.Properties.Keys() {
		theirs, _ := c.Theirs.Properties.Get(k)
		mine, mineHas := merged.Get(k)
		baseVal, baseHas := base.Get(k)
		switch {
		case !mineHas && baseHas && sameValue(theirs, baseVal):
			// removed locally, untouched remotely
		case !mineHas:
			merged.Set(k, theirs)
		case baseHas && sameValue(mine, baseVal):
			merged.Set(k, theirs)
		}
	}
	// Fields the remote side removed and the local side left untouched.
	for _, k := range merged.Keys() {
		if _, ok := c.Theirs.Properties.Get(k); ok {
			continue
		}
		baseVal, baseHas := base.Get(k)
		mine, _ := merged.Get(k)
		if baseHas && sameValue(mine, baseVal) {
			merged.Delete(k)
		}
	}
	return document.New(c.DocID, merged), nil
}

func sameValue(a, b any) bool {
	pa := document.NewProperties().Set("v", a)
	pb := document.NewProperties().Set("v", b)
	return pa.Equal(pb)
}

// ManualReviewResolver defers every conflict.
type ManualReviewResolver struct{ Reason string }

func (r ManualReviewResolver) Resolve(ctx context.Context, c Conflict) (*document.Document, error) {
	if r.Reason != "" {
		return nil, fmt.Errorf("%w: %s", ErrManualReview, r.Reason)
	}
	return nil, ErrManualReview
}

// DeleteResolver settles every conflict with a tombstone.
type DeleteResolver struct{}

func (DeleteResolver) Resolve(ctx context.Context, c Conflict) (*document.Document, error) {
	return nil, nil
}

// ResolverByName maps configuration names to built-in resolvers.
func ResolverByName(name string) (ConflictResolver, error) {
	switch strings.ToLower(name) {
	case "", "default":
		return DefaultResolver, nil
	case "local_wins", "mine":
		return LocalWinsResolver{}, nil
	case "remote_wins", "theirs":
		return RemoteWinsResolver{}, nil
	case "merge":
		return MergeResolver{}, nil
	case "manual":
		return ManualReviewResolver{}, nil
	case "delete":
		return DeleteResolver{}, nil
	}
	return nil, fmt.Errorf("unknown conflict resolver %q", name)
}

// Matcher matches conflicts for DynamicResolver rules.
type Matcher func(c Conflict) bool

// DocIDPrefix matches documents whose ID starts with prefix.
func DocIDPrefix(prefix string) Matcher {
	return func(c Conflict) bool { return strings.HasPrefix(c.DocID, prefix) }
}

// EitherDeleted matches conflicts where one side is a tombstone.
func EitherDeleted() Matcher {
	return func(c Conflict) bool { return c.Mine == nil || c.Theirs == nil }
}

// FieldEquals matches when the incoming body has field == value.
func FieldEquals(field string, value any) Matcher {
	return func(c Conflict) bool {
		if c.Theirs == nil {
			return false
		}
		v, ok := c.Theirs.Properties.Get(field)
		return ok && sameValue(v, value)
	}
}

// Rule binds a matcher to a resolver. Rules are evaluated in insertion
// order with first-match-wins semantics.
type Rule struct {
	Name     string
	Matcher  Matcher
	Resolver ConflictResolver
}

// Hooks observe a DynamicResolver. Nil functions are skipped.
type Hooks struct {
	OnRuleMatched func(c Conflict, rule Rule)
	OnResolved    func(c Conflict, result *document.Document)
	OnFallback    func(c Conflict)
	OnError       func(c Conflict, err error)
}

type resolverOptions struct {
	rules    []Rule
	fallback ConflictResolver
	hooks    Hooks
}

// ResolverOption configures NewDynamicResolver.
type ResolverOption func(*resolverOptions)

// WithFallback sets the resolver used when no rule matches.
func WithFallback(r ConflictResolver) ResolverOption {
	return func(o *resolverOptions) { o.fallback = r }
}

// WithRule appends a rule.
func WithRule(name string, matcher Matcher, resolver ConflictResolver) ResolverOption {
	return func(o *resolverOptions) {
		o.rules = append(o.rules, Rule{Name: name, Matcher: matcher, Resolver: resolver})
	}
}

// WithHooks sets observability hooks.
func WithHooks(h Hooks) ResolverOption {
	return func(o *resolverOptions) { o.hooks = h }
}

// DynamicResolver dispatches conflicts to resolvers by rule.
type DynamicResolver struct {
	rules    []Rule
	fallback ConflictResolver
	hooks    Hooks
}

// NewDynamicResolver requires at least one rule or a fallback, and no rule
// may have a nil matcher or resolver.
func NewDynamicResolver(opts ...ResolverOption) (*DynamicResolver, error) {
	cfg := &resolverOptions{}
	for _, opt := range opts {
		opt(cfg)
	}
	if len(cfg.rules) == 0 && cfg.fallback == nil {
		return nil, errors.New("dynamic resolver requires at least one rule or a fallback")
	}
	for i, r := range cfg.rules {
		if r.Matcher == nil {
			return nil, fmt.Errorf("rule %d (%s) has nil matcher", i, r.Name)
		}
		if r.Resolver == nil {
			return nil, fmt.Errorf("rule %d (%s) has nil resolver", i, r.Name)
		}
	}
	return &DynamicResolver{rules: cfg.rules, fallback: cfg.fallback, hooks: cfg.hooks}, nil
}

func (d *DynamicResolver) Resolve(ctx context.Context, c Conflict) (*document.Document, error) {
	for _, r := range d.rules {
		if !r.Matcher(c) {
			continue
		}
		if d.hooks.OnRuleMatched != nil {
			d.hooks.OnRuleMatched(c, r)
		}
		doc, err := r.Resolver.Resolve(ctx, c)
		return d.finish(c, doc, err)
	}
	if d.fallback == nil {
		err := errors.New("no rule matched and no fallback configured")
		if d.hooks.OnError != nil {
			d.hooks.OnError(c, err)
		}
		return nil, err
	}
	if d.hooks.OnFallback != nil {
		d.hooks.OnFallback(c)
	}
	doc, err := d.fallback.Resolve(ctx, c)
	return d.finish(c, doc, err)
}

func (d *DynamicResolver) finish(c Conflict, doc *document.Document, err error) (*document.Document, error) {
	if err != nil {
		if d.hooks.OnError != nil {
			d.hooks.OnError(c, err)
		}
		return nil, err
	}
	if d.hooks.OnResolved != nil {
		d.hooks.OnResolved(c, doc)
	}
	return doc, nil
}

package replication

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/c0deZ3R0/docsync/database"
	"github.com/c0deZ3R0/docsync/transport"
)

// Duration accepts Go duration strings ("30s", "5m") in YAML and JSON.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(b []byte) error {
	s := strings.TrimSpace(string(b))
	if s == "" {
		*d = 0
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// FileConfig is the on-disk form of a replication configuration.
// Top-level DocumentIDs and Channels are the defaults for collection
// entries that set none of their own filters or resolver.
type FileConfig struct {
	Endpoint           string            `json:"endpoint" yaml:"endpoint"`
	Direction          string            `json:"direction,omitempty" yaml:"direction,omitempty"`
	Continuous         bool              `json:"continuous,omitempty" yaml:"continuous,omitempty"`
	Heartbeat          Duration          `json:"heartbeat,omitempty" yaml:"heartbeat,omitempty"`
	MaxAttempts        int               `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	MaxAttemptWaitTime Duration          `json:"max_attempt_wait_time,omitempty" yaml:"max_attempt_wait_time,omitempty"`
	Resolver           string            `json:"resolver,omitempty" yaml:"resolver,omitempty"`
	Rules              []RuleEntry       `json:"rules,omitempty" yaml:"rules,omitempty"`
	DocumentIDs        []string          `json:"document_ids,omitempty" yaml:"document_ids,omitempty"`
	Channels           []string          `json:"channels,omitempty" yaml:"channels,omitempty"`
	Auth               AuthConfig        `json:"auth,omitempty" yaml:"auth,omitempty"`
	Collections        []CollectionEntry `json:"collections" yaml:"collections"`
	Metadata           map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// AuthConfig holds client credentials for network endpoints.
type AuthConfig struct {
	Username string `json:"username,omitempty" yaml:"username,omitempty"`
	Password string `json:"password,omitempty" yaml:"password,omitempty"`
	Session  string `json:"session,omitempty" yaml:"session,omitempty"`
	Cookie   string `json:"cookie,omitempty" yaml:"cookie,omitempty"`
	Token    string `json:"token,omitempty" yaml:"token,omitempty"`
}

// CollectionEntry configures one replicated collection.
type CollectionEntry struct {
	Scope       string   `json:"scope,omitempty" yaml:"scope,omitempty"`
	Name        string   `json:"name" yaml:"name"`
	DocumentIDs []string `json:"document_ids,omitempty" yaml:"document_ids,omitempty"`
	Channels    []string `json:"channels,omitempty" yaml:"channels,omitempty"`
	Resolver    string   `json:"resolver,omitempty" yaml:"resolver,omitempty"`
}

// RuleEntry routes matching conflicts to a named resolver. Conditions
// combine with AND; an entry without conditions matches everything.
type RuleEntry struct {
	Name          string `json:"name" yaml:"name"`
	DocIDPrefix   string `json:"doc_id_prefix,omitempty" yaml:"doc_id_prefix,omitempty"`
	EitherDeleted bool   `json:"either_deleted,omitempty" yaml:"either_deleted,omitempty"`
	Field         string `json:"field,omitempty" yaml:"field,omitempty"`
	Equals        any    `json:"equals,omitempty" yaml:"equals,omitempty"`
	Resolver      string `json:"resolver" yaml:"resolver"`
}

// ConfigValidator checks a loaded file before it is applied.
type ConfigValidator interface {
	Validate(fc *FileConfig) error
	Name() string
}

// ConfigWatcher is told about every applied configuration.
type ConfigWatcher interface {
	OnConfigChanged(prev, cur *FileConfig)
	Name() string
}

// ConfigLoader reads replication configurations from YAML or JSON.
type ConfigLoader struct {
	mu         sync.RWMutex
	current    *FileConfig
	validators []ConfigValidator
	watchers   []ConfigWatcher
	logger     *slog.Logger
}

type LoaderOption func(*ConfigLoader)

func WithConfigValidator(v ConfigValidator) LoaderOption {
	return func(cl *ConfigLoader) { cl.validators = append(cl.validators, v) }
}

func WithWatcher(w ConfigWatcher) LoaderOption {
	return func(cl *ConfigLoader) { cl.watchers = append(cl.watchers, w) }
}

func WithLoaderLogger(l *slog.Logger) LoaderOption {
	return func(cl *ConfigLoader) { cl.logger = l }
}

// NewConfigLoader returns a loader that always runs BasicValidator first.
func NewConfigLoader(opts ...LoaderOption) *ConfigLoader {
	cl := &ConfigLoader{validators: []ConfigValidator{BasicValidator{}}}
	for _, opt := range opts {
		opt(cl)
	}
	if cl.logger == nil {
		cl.logger = slog.New(slog.DiscardHandler)
	}
	return cl
}

// LoadFromFile picks the format from the extension; unknown extensions
// are read as YAML.
func (cl *ConfigLoader) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	cl.logger.Debug("loading replication config", slog.String("path", path))
	return cl.LoadFromBytes(data, detectFormat(path))
}

func (cl *ConfigLoader) LoadFromBytes(data []byte, format string) error {
	var fc FileConfig
	switch strings.ToLower(format) {
	case "yaml", "yml":
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case "json":
		if err := json.Unmarshal(data, &fc); err != nil {
			return fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return fmt.Errorf("unsupported config format: %s", format)
	}
	return cl.apply(&fc)
}

func (cl *ConfigLoader) apply(fc *FileConfig) error {
	cl.mu.Lock()
	defer cl.mu.Unlock()
	for _, v := range cl.validators {
		if err := v.Validate(fc); err != nil {
			cl.logger.Error("replication config rejected", slog.String("validator", v.Name()), slog.String("error", err.Error()))
			return fmt.Errorf("validator %s failed: %w", v.Name(), err)
		}
	}
	old := cl.current
	cl.current = fc
	for _, w := range cl.watchers {
		func() {
			defer func() {
				if p := recover(); p != nil {
					cl.logger.Error("config watcher panicked", slog.String("watcher", w.Name()), slog.Any("panic", p))
				}
			}()
			w.OnConfigChanged(old, fc)
		}()
	}
	return nil
}

// Current returns the last applied configuration, or nil.
func (cl *ConfigLoader) Current() *FileConfig {
	cl.mu.RLock()
	defer cl.mu.RUnlock()
	return cl.current
}

// Build turns the current file configuration into a Config for db.
// Missing collections are created.
func (cl *ConfigLoader) Build(ctx context.Context, db *database.Database, endpoint transport.Endpoint) (*Config, error) {
	fc := cl.Current()
	if fc == nil {
		return nil, invalid("no replication configuration loaded")
	}
	return fc.Build(ctx, db, endpoint)
}

func (fc *FileConfig) Build(ctx context.Context, db *database.Database, endpoint transport.Endpoint) (*Config, error) {
	dir, err := ParseDirection(fc.Direction)
	if err != nil {
		return nil, invalid(err.Error())
	}
	cfg := NewConfig(endpoint)
	cfg.Direction = dir
	cfg.Continuous = fc.Continuous
	cfg.Heartbeat = time.Duration(fc.Heartbeat)
	cfg.MaxAttempts = fc.MaxAttempts
	cfg.MaxAttemptWaitTime = time.Duration(fc.MaxAttemptWaitTime)
	if cfg.Resolver, err = fc.resolver(); err != nil {
		return nil, invalid(err.Error())
	}
	cfg.Defaults = CollectionConfig{DocumentIDs: fc.DocumentIDs, Channels: fc.Channels}
	for _, ce := range fc.Collections {
		coll, err := db.CreateCollection(ctx, ce.Scope, ce.Name)
		if err != nil {
			return nil, err
		}
		if ce.DocumentIDs == nil && ce.Channels == nil && ce.Resolver == "" {
			if err := cfg.AddCollection(coll, nil); err != nil {
				return nil, err
			}
			continue
		}
		cc := &CollectionConfig{DocumentIDs: ce.DocumentIDs, Channels: ce.Channels}
		if ce.Resolver != "" {
			if cc.Resolver, err = database.ResolverByName(ce.Resolver); err != nil {
				return nil, invalid(err.Error())
			}
		}
		if err := cfg.AddCollection(coll, cc); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// resolver builds the replication-wide resolver: the named one, or a rule
// set falling back to it.
func (fc *FileConfig) resolver() (database.ConflictResolver, error) {
	var fallback database.ConflictResolver
	if fc.Resolver != "" {
		r, err := database.ResolverByName(fc.Resolver)
		if err != nil {
			return nil, err
		}
		fallback = r
	}
	if len(fc.Rules) == 0 {
		return fallback, nil
	}
	opts := []database.ResolverOption{}
	if fallback != nil {
		opts = append(opts, database.WithFallback(fallback))
	}
	for _, re := range fc.Rules {
		target, err := database.ResolverByName(re.Resolver)
		if err != nil {
			return nil, fmt.Errorf("rule %s: %w", re.Name, err)
		}
		opts = append(opts, database.WithRule(re.Name, re.matcher(), target))
	}
	dyn, err := database.NewDynamicResolver(opts...)
	if err != nil {
		return nil, err
	}
	return dyn, nil
}

func (re RuleEntry) matcher() database.Matcher {
	var matchers []database.Matcher
	if re.DocIDPrefix != "" {
		matchers = append(matchers, database.DocIDPrefix(re.DocIDPrefix))
	}
	if re.EitherDeleted {
		matchers = append(matchers, database.EitherDeleted())
	}
	if re.Field != "" {
		matchers = append(matchers, database.FieldEquals(re.Field, re.Equals))
	}
	return func(c database.Conflict) bool {
		for _, s := range matchers {
			if !s(c) {
				return false
			}
		}
		return true
	}
}

func detectFormat(path string) string {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")) {
	case "json":
		return "json"
	default:
		return "yaml"
	}
}

// BasicValidator rejects structurally invalid files.
type BasicValidator struct{}

func (BasicValidator) Name() string { return "basic" }

func (BasicValidator) Validate(fc *FileConfig) error {
	if len(fc.Collections) == 0 {
		return fmt.Errorf("at least one collection is required")
	}
	if _, err := ParseDirection(fc.Direction); err != nil {
		return err
	}
	if fc.Heartbeat < 0 {
		return fmt.Errorf("heartbeat must not be negative")
	}
	if fc.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must not be negative")
	}
	seen := make(map[string]bool)
	for _, ce := range fc.Collections {
		if ce.Name == "" {
			return fmt.Errorf("collection name is required")
		}
		scope := ce.Scope
		if scope == "" {
			scope = database.DefaultScope
		}
		key := database.CollectionID{Scope: scope, Name: ce.Name}.String()
		if seen[key] {
			return fmt.Errorf("duplicate collection %s", key)
		}
		seen[key] = true
		if ce.DocumentIDs != nil && len(ce.DocumentIDs) == 0 {
			return fmt.Errorf("collection %s: document_ids must not be empty", key)
		}
	}
	names := make(map[string]bool)
	for _, re := range fc.Rules {
		if re.Name == "" {
			return fmt.Errorf("rule name is required")
		}
		if names[re.Name] {
			return fmt.Errorf("duplicate rule name: %s", re.Name)
		}
		names[re.Name] = true
		if re.Resolver == "" {
			return fmt.Errorf("rule %s: resolver is required", re.Name)
		}
	}
	return nil
}

// LoggingWatcher logs every applied configuration.
type LoggingWatcher struct{ Logger *slog.Logger }

func (LoggingWatcher) Name() string { return "logging" }

func (w LoggingWatcher) OnConfigChanged(prev, cur *FileConfig) {
	if w.Logger == nil {
		return
	}
	if prev == nil {
		w.Logger.Debug("replication config loaded", slog.String("endpoint", cur.Endpoint), slog.Int("collections", len(cur.Collections)))
		return
	}
	w.Logger.Debug("replication config updated",
		slog.String("old_endpoint", prev.Endpoint),
		slog.String("endpoint", cur.Endpoint),
		slog.Int("collections", len(cur.Collections)))
}

// Package sqlite provides a SQLite storage engine for docsync databases.
package sqlite

import (
	"context"
	"database/sql"
	"log/slog"
	"strings"
	"time"

	syncErrors "github.com/c0deZ3R0/docsync/errors"
	"github.com/c0deZ3R0/docsync/logging"
	"github.com/c0deZ3R0/docsync/storage/sqlstore"

	// Go SQLite driver
	_ "github.com/mattn/go-sqlite3"
)

const component = "storage/sqlite"

// Config holds configuration options for the SQLite engine.
//
// DefaultConfig applies production defaults:
//   - WAL journal with synchronous=NORMAL and a 5s busy timeout
//   - immediate write transactions so concurrent writers queue instead of deadlocking
//   - a pool of 25 open and 5 idle connections
type Config struct {
	// DataSourceName is a file path or "file:" URI.
	DataSourceName string

	// EnableWAL appends the WAL pragmas to DataSourceName.
	EnableWAL bool

	// Logger receives engine logs. Defaults to the package logger.
	Logger *slog.Logger

	MaxOpenConns    int           // Default: 25
	MaxIdleConns    int           // Default: 5
	ConnMaxLifetime time.Duration // Default: 1h
	ConnMaxIdleTime time.Duration // Default: 5m
}

func (c *Config) setDefaults() {
	if c.Logger == nil {
		c.Logger = logging.WithComponent(logging.Component(component)).Logger
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.EnableWAL && !strings.Contains(c.DataSourceName, "_journal_mode=") {
		sep := "?"
		if strings.Contains(c.DataSourceName, "?") {
			sep = "&"
		}
		c.DataSourceName += sep + "_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000&_txlock=immediate"
	}
}

// DefaultConfig returns a Config with WAL enabled and default pool sizes.
func DefaultConfig(dataSourceName string) *Config {
	config := &Config{
		DataSourceName: dataSourceName,
		EnableWAL:      true,
	}
	config.setDefaults()
	return config
}

// Store is a storage.Engine persisted in a SQLite file.
type Store struct {
	*sqlstore.Engine
}

// Open is a convenience constructor using DefaultConfig.
func Open(ctx context.Context, path string) (*Store, error) {
	return New(ctx, DefaultConfig(path))
}

// New opens the database described by config and creates the schema.
func New(ctx context.Context, config *Config) (*Store, error) {
	if config == nil {
		return nil, syncErrors.E(syncErrors.OpOpen, syncErrors.Component(component), syncErrors.KindInvalid, "config cannot be nil")
	}
	config.setDefaults()
	if config.DataSourceName == "" {
		return nil, syncErrors.E(syncErrors.OpOpen, syncErrors.Component(component), syncErrors.KindInvalid, "DataSourceName is required")
	}

	logger := config.Logger
	logger.InfoContext(ctx, "opening SQLite database",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
	)

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, syncErrors.E(syncErrors.OpOpen, syncErrors.Component(component), syncErrors.KindInternal, err)
	}
	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, syncErrors.E(syncErrors.OpOpen, syncErrors.Component(component), syncErrors.KindInternal, "connect", err)
	}

	engine, err := sqlstore.New(ctx, db, sqlstore.SQLite, sqlstore.WithLogger(logger))
	if err != nil {
		db.Close()
		return nil, err
	}
	logger.InfoContext(ctx, "SQLite engine ready",
		slog.Int("max_open_conns", config.MaxOpenConns),
		slog.Int("max_idle_conns", config.MaxIdleConns),
	)
	return &Store{Engine: engine}, nil
}

// Stats returns connection pool statistics.
func (s *Store) Stats() sql.DBStats {
	return s.DB().Stats()
}

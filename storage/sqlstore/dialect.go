package sqlstore

import (
	"strconv"
	"strings"
)

// Dialect captures what differs between the SQL databases an Engine can
// run on. Queries are written with "?" placeholders and rebound.
type Dialect struct {
	// Name is used in log lines and error components.
	Name string
	// Schema is executed statement by statement when the engine opens.
	Schema []string
	// Numbered selects $1, $2... placeholders instead of "?".
	Numbered bool
}

// Rebind rewrites "?" placeholders for the dialect.
func (d Dialect) Rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// SQLite is the dialect used by storage/sqlite.
var SQLite = Dialect{
	Name: "sqlite",
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS collections (
			full_name TEXT PRIMARY KEY,
			scope     TEXT NOT NULL,
			name      TEXT NOT NULL,
			last_seq  INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			collection   TEXT NOT NULL,
			doc_id       TEXT NOT NULL,
			current_rev  TEXT NOT NULL,
			sequence     INTEGER NOT NULL,
			deleted      INTEGER NOT NULL DEFAULT 0,
			conflict_rev TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (collection, doc_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_sequence ON documents (collection, sequence)`,
		`CREATE TABLE IF NOT EXISTS revisions (
			collection TEXT NOT NULL,
			doc_id     TEXT NOT NULL,
			generation INTEGER NOT NULL,
			digest     TEXT NOT NULL,
			parent1    TEXT NOT NULL DEFAULT '',
			parent2    TEXT NOT NULL DEFAULT '',
			deleted    INTEGER NOT NULL DEFAULT 0,
			body       BLOB,
			has_body   INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (collection, doc_id, generation, digest)
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			collection    TEXT NOT NULL,
			direction     TEXT NOT NULL,
			config_digest TEXT NOT NULL,
			last_seq      INTEGER NOT NULL,
			PRIMARY KEY (collection, direction, config_digest)
		)`,
		`CREATE TABLE IF NOT EXISTS blobs (
			digest       TEXT PRIMARY KEY,
			content_type TEXT NOT NULL DEFAULT '',
			data         BLOB NOT NULL
		)`,
	},
}

// Postgres is the dialect used by storage/postgres.
var Postgres = Dialect{
	Name:     "postgres",
	Numbered: true,
	Schema: []string{
		`CREATE TABLE IF NOT EXISTS collections (
			full_name TEXT PRIMARY KEY,
			scope     TEXT NOT NULL,
			name      TEXT NOT NULL,
			last_seq  BIGINT NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS documents (
			collection   TEXT NOT NULL,
			doc_id       TEXT NOT NULL,
			current_rev  TEXT NOT NULL,
			sequence     BIGINT NOT NULL,
			deleted      BOOLEAN NOT NULL DEFAULT FALSE,
			conflict_rev TEXT NOT NULL DEFAULT '',
			PRIMARY KEY (collection, doc_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_sequence ON documents (collection, sequence)`,
		`CREATE TABLE IF NOT EXISTS revisions (
			collection TEXT NOT NULL,
			doc_id     TEXT NOT NULL,
			generation BIGINT NOT NULL,
			digest     TEXT NOT NULL,
			parent1    TEXT NOT NULL DEFAULT '',
			parent2    TEXT NOT NULL DEFAULT '',
			deleted    BOOLEAN NOT NULL DEFAULT FALSE,
			body       BYTEA,
			has_body   BOOLEAN NOT NULL DEFAULT FALSE,
			PRIMARY KEY (collection, doc_id, generation, digest)
		)`,
		`CREATE TABLE IF NOT EXISTS checkpoints (
			collection    TEXT NOT NULL,
			direction     TEXT NOT NULL,
			config_digest TEXT NOT NULL,
			last_seq      BIGINT NOT NULL,
			PRIMARY KEY (collection, direction, config_digest)
		)`,
		`CREATE TABLE IF NOT EXISTS blobs (
			digest       TEXT PRIMARY KEY,
			content_type TEXT NOT NULL DEFAULT '',
			data         BYTEA NOT NULL
		)`,
	},
}

package sqlite

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/docsync/database"
	"github.com/c0deZ3R0/docsync/document"
	"github.com/c0deZ3R0/docsync/logging"
	"github.com/c0deZ3R0/docsync/storage"
	"github.com/c0deZ3R0/docsync/storage/storagetest"
)

func newTestStore(t *testing.T, path string) *Store {
	t.Helper()
	config := DefaultConfig(path)
	config.Logger = logging.Discard().Logger
	s, err := New(context.Background(), config)
	require.NoError(t, err)
	return s
}

func TestStore_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Engine {
		return newTestStore(t, filepath.Join(t.TempDir(), "conformance.db"))
	})
}

func TestStore_WALAndPoolDefaults(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "defaults.db")
	config := DefaultConfig(dbPath)
	require.True(t, config.EnableWAL, "WAL should be enabled by default")
	assert.True(t, strings.Contains(config.DataSourceName, "_journal_mode=WAL"))
	assert.Equal(t, 25, config.MaxOpenConns)
	assert.Equal(t, 5, config.MaxIdleConns)

	s := newTestStore(t, dbPath)
	defer s.Close()

	var journalMode string
	require.NoError(t, s.DB().QueryRow("PRAGMA journal_mode;").Scan(&journalMode))
	assert.Equal(t, "wal", journalMode)

	var busyTimeout int
	require.NoError(t, s.DB().QueryRow("PRAGMA busy_timeout;").Scan(&busyTimeout))
	assert.Equal(t, 5000, busyTimeout)

	var syncMode int
	require.NoError(t, s.DB().QueryRow("PRAGMA synchronous;").Scan(&syncMode))
	assert.Equal(t, 1, syncMode, "synchronous should be NORMAL")

	_, err := s.CreateCollection(context.Background(), "_default", "_default")
	require.NoError(t, err)
	_, err = os.Stat(dbPath + "-wal")
	assert.NoError(t, err, "WAL file should exist once written")
}

func TestStore_RejectsBadConfig(t *testing.T) {
	_, err := New(context.Background(), nil)
	assert.Error(t, err)
	_, err = New(context.Background(), &Config{})
	assert.Error(t, err)
}

func TestStore_ConcurrentWriters(t *testing.T) {
	s := newTestStore(t, filepath.Join(t.TempDir(), "concurrent.db"))
	defer s.Close()
	ctx := context.Background()
	_, err := s.CreateCollection(ctx, "_default", "_default")
	require.NoError(t, err)

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			rev := storagetest.Rev(1, byte(i))
			_, err := s.Write(ctx, []storage.WriteOp{{
				Collection:   "_default._default",
				DocID:        string(rune('a' + i)),
				Revisions:    []storage.RevisionRecord{{Rev: rev, HasBody: true, Body: []byte(`{}`)}},
				Document:     &storage.DocumentRecord{Current: rev},
				BumpSequence: true,
			}})
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	last, err := s.LastSequence(ctx, "_default._default")
	require.NoError(t, err)
	assert.Equal(t, uint64(20), last, "every writer gets its own sequence")
}

func TestStore_DatabaseSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "reopen.db")

	db, err := database.Open(ctx, "app", newTestStore(t, path), database.WithLogger(logging.Discard().Logger))
	require.NoError(t, err)
	users, err := db.CreateCollection(ctx, "app", "users")
	require.NoError(t, err)
	saved, err := users.Save(ctx, document.New("ann", document.NewProperties().Set("age", 41)))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = database.Open(ctx, "app", newTestStore(t, path), database.WithLogger(logging.Discard().Logger))
	require.NoError(t, err)
	defer db.Close()

	users, err = db.Collection("app", "users")
	require.NoError(t, err, "collections are reloaded from disk")
	got, err := users.Get(ctx, "ann")
	require.NoError(t, err)
	assert.Equal(t, saved.Rev, got.Rev)
	age, ok := got.Properties.Get("age")
	require.True(t, ok)
	assert.EqualValues(t, 41, age)

	last, err := users.LastSequence(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), last)
}

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/docsync/database"
	"github.com/c0deZ3R0/docsync/document"
	"github.com/c0deZ3R0/docsync/logging"
	"github.com/c0deZ3R0/docsync/replication"
	"github.com/c0deZ3R0/docsync/storage/memory"
	"github.com/c0deZ3R0/docsync/transport/websocket"
)

// syncServer serves an in-memory database holding app.users and returns
// it with the ws:// URL of its replication listener.
func syncServer(t *testing.T, serveOpts *ServeOptions) (*database.Database, string) {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, "server", memory.New(), database.WithLogger(logging.Discard().Logger))
	require.NoError(t, err)
	_, err = db.CreateCollection(ctx, "app", "users")
	require.NoError(t, err)

	serveOpts.RootOptions = &RootOptions{Logger: logging.Discard().Logger}
	serveOpts.Path = "/db"
	mux, ln, err := newSyncHandler(db, serveOpts)
	require.NoError(t, err)
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		_ = ln.Close()
		srv.Close()
		_ = db.Close()
	})
	return db, "ws" + strings.TrimPrefix(srv.URL, "http") + "/db"
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "replication.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestReplicate_OneShotBothWays(t *testing.T) {
	ctx := context.Background()
	server, url := syncServer(t, &ServeOptions{Users: []string{"alice:pw"}})
	users, err := server.Collection("app", "users")
	require.NoError(t, err)
	_, err = users.Save(ctx, document.New("from-server", document.NewProperties().Set("n", 1)))
	require.NoError(t, err)

	client := filepath.Join(t.TempDir(), "client.db")
	_, err = runCLI(t, "--db", client, "collections", "create", "app.users")
	require.NoError(t, err)
	_, err = runCLI(t, "--db", client, "put", "app.users", "from-client", `{"n": 2}`)
	require.NoError(t, err)

	cfg := writeConfig(t, fmt.Sprintf(`
endpoint: %s
auth:
  username: alice
  password: pw
collections:
  - scope: app
    name: users
`, url))
	out, err := runCLI(t, "--db", client, "--format", "json", "replicate", "-c", cfg)
	require.NoError(t, err)

	var sum summary
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.Equal(t, 1, sum.Pushed)
	assert.Equal(t, 1, sum.Pulled)

	pushed, err := users.Get(ctx, "from-client")
	require.NoError(t, err)
	n, _ := pushed.Properties.Get("n")
	assert.EqualValues(t, 2, n)

	out, err = runCLI(t, "--db", client, "get", "app.users", "from-server")
	require.NoError(t, err)
	assert.Contains(t, out, `"n":1`)

	// Nothing new on either side: the checkpoints make the rerun a no-op.
	out, err = runCLI(t, "--db", client, "--format", "json", "replicate", "-c", cfg)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.Zero(t, sum.Pushed)
	assert.Zero(t, sum.Pulled)
}

func TestReplicate_BadCredentials(t *testing.T) {
	_, url := syncServer(t, &ServeOptions{Users: []string{"alice:pw"}})
	cfg := writeConfig(t, fmt.Sprintf(`
endpoint: %s
max_attempts: 1
auth:
  username: alice
  password: wrong
collections:
  - scope: app
    name: users
`, url))
	_, err := runCLI(t, "--db", "memory:", "replicate", "-c", cfg)
	require.Error(t, err)
}

func TestReplicate_EndpointOverride(t *testing.T) {
	_, url := syncServer(t, &ServeOptions{Anonymous: true})
	ep, err := endpointFor(&replication.FileConfig{Endpoint: url})
	require.NoError(t, err)

	cfg := writeConfig(t, `
endpoint: ws://unused.invalid/db
direction: push
collections:
  - scope: app
    name: users
`)
	opts := &ReplicateOptions{
		RootOptions: &RootOptions{Format: "text", Database: "memory:", Name: "client", Logger: logging.Discard().Logger},
		Config:      cfg,
		Endpoint:    ep,
	}
	out := &strings.Builder{}
	require.NoError(t, runReplicate(context.Background(), opts, out))
	assert.Contains(t, out.String(), "pushed 0, pulled 0")
}

func TestServeVerifier(t *testing.T) {
	_, err := (&ServeOptions{}).verifier()
	require.Error(t, err, "refuses to serve without any credentials")

	_, err = (&ServeOptions{Users: []string{"nocolon"}}).verifier()
	require.Error(t, err)

	v, err := (&ServeOptions{Users: []string{"alice:a:b"}, JWTSecret: "k"}).verifier()
	require.NoError(t, err)
	assert.Equal(t, "a:b", v.Users["alice"], "only the first colon separates name from password")
	assert.Equal(t, []byte("k"), v.JWTSecret)
}

func TestAuthenticatorPrecedence(t *testing.T) {
	a := authenticator(replication.AuthConfig{Username: "u", Password: "p", Session: "s", Token: "t"})
	assert.IsType(t, websocket.TokenAuthenticator{}, a)

	a = authenticator(replication.AuthConfig{Username: "u", Password: "p", Session: "s"})
	assert.IsType(t, websocket.SessionAuthenticator{}, a)

	a = authenticator(replication.AuthConfig{Username: "u", Password: "p"})
	assert.IsType(t, websocket.BasicAuthenticator{}, a)

	assert.Nil(t, authenticator(replication.AuthConfig{}))
}

func TestWatchFollowsFeed(t *testing.T) {
	ctx := context.Background()
	server, wsURL := syncServer(t, &ServeOptions{Users: []string{"alice:pw"}})
	users, err := server.Collection("app", "users")
	require.NoError(t, err)
	saved, err := users.Save(ctx, document.New("ann", nil))
	require.NoError(t, err)

	feed := "http" + strings.TrimPrefix(wsURL, "ws") + "/_changes"
	out, err := runCLI(t, "watch", feed, "app.users", "--user", "alice:pw", "--batches", "1")
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("1 ann %s\n", saved.Rev), out)

	_, err = runCLI(t, "watch", feed, "app.users", "--user", "alice:nope", "--batches", "1")
	require.Error(t, err)
}

package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// runCLI executes the root command and returns what it wrote to stdout.
func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	out := &bytes.Buffer{}
	cmd := NewRootCommand()
	cmd.SetOut(out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRootCommand(t *testing.T) {
	cmd := NewRootCommand()
	require.NotNil(t, cmd)
	assert.Equal(t, "docsync", cmd.Use)
	assert.Contains(t, cmd.Long, "memory:")
}

func TestCommandPresence(t *testing.T) {
	cmd := NewRootCommand()
	commands := []string{"serve", "replicate", "put", "get", "delete", "conflicts", "collections", "token", "watch"}

	for _, cmdName := range commands {
		t.Run(cmdName, func(t *testing.T) {
			subCmd, _, err := cmd.Find([]string{cmdName})
			require.NoError(t, err, "Command %s should exist", cmdName)
			require.NotNil(t, subCmd)
			assert.Equal(t, cmdName, subCmd.Name())
		})
	}

	create, _, err := cmd.Find([]string{"collections", "create"})
	require.NoError(t, err)
	assert.Equal(t, "create", create.Name())
}

func TestGlobalFlags(t *testing.T) {
	cmd := NewRootCommand()

	verboseFlag := cmd.PersistentFlags().Lookup("verbose")
	require.NotNil(t, verboseFlag)
	assert.Equal(t, "v", verboseFlag.Shorthand)
	assert.Equal(t, "false", verboseFlag.DefValue)

	formatFlag := cmd.PersistentFlags().Lookup("format")
	require.NotNil(t, formatFlag)
	assert.Equal(t, "text", formatFlag.DefValue)

	dbFlag := cmd.PersistentFlags().Lookup("db")
	require.NotNil(t, dbFlag)
	assert.Equal(t, "docsync.db", dbFlag.DefValue)
}

func TestServeCommandFlags(t *testing.T) {
	cmd := NewRootCommand()
	serveCmd, _, err := cmd.Find([]string{"serve"})
	require.NoError(t, err)

	assert.Equal(t, ":4984", serveCmd.Flags().Lookup("addr").DefValue)
	assert.Equal(t, "/db", serveCmd.Flags().Lookup("path").DefValue)
	assert.Equal(t, "5m0s", serveCmd.Flags().Lookup("heartbeat").DefValue)
	assert.NotNil(t, serveCmd.Flags().Lookup("read-only"))
}

func TestInvalidFormat(t *testing.T) {
	_, err := runCLI(t, "--format", "xml", "--db", "memory:", "collections")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid format")
}

func TestReplicateRequiresConfig(t *testing.T) {
	_, err := runCLI(t, "--db", "memory:", "replicate")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "required flag")
	assert.Contains(t, err.Error(), "config")
}

func TestTokenCommand(t *testing.T) {
	out, err := runCLI(t, "token", "alice", "--secret", "s3cret", "--ttl", "1h")
	require.NoError(t, err)
	assert.Len(t, bytes.Split([]byte(out), []byte(".")), 3, "compact JWT has three parts")

	_, err = runCLI(t, "token", "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "secret")
}

func TestPrintResult(t *testing.T) {
	buf := &bytes.Buffer{}
	require.NoError(t, printResult(buf, &RootOptions{Format: "json"}, map[string]int{"n": 1}, func(io.Writer) {
		t.Fatal("text writer used for json output")
	}))
	var got map[string]int
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, 1, got["n"])

	buf.Reset()
	require.NoError(t, printResult(buf, &RootOptions{Format: "text"}, nil, func(w io.Writer) {
		_, _ = io.WriteString(w, "plain\n")
	}))
	assert.Equal(t, "plain\n", buf.String())
}

package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/docsync/replication"
	"github.com/c0deZ3R0/docsync/transport/sse"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	*RootOptions
	Since   uint64
	User    string
	Token   string
	Batches int
}

var errEnoughBatches = errors.New("batch limit reached")

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "watch <feed-url> <scope.name>",
		Short: "Follow a server's changes feed",
		Long: `Print changes of a served collection as they are committed.

Example:
  docsync watch http://localhost:4984/db/_changes app.users --user alice:secret`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := sse.NewClient(args[0], nil)
			auth := replication.AuthConfig{Token: opts.Token}
			if opts.User != "" {
				name, pass, _ := strings.Cut(opts.User, ":")
				auth.Username, auth.Password = name, pass
			}
			if a := authenticator(auth); a != nil {
				a.Apply(client.Header)
			}

			out := cmd.OutOrStdout()
			seen := 0
			err := client.Subscribe(cmd.Context(), args[1], opts.Since, func(b sse.Batch) error {
				if err := printBatch(out, opts.RootOptions, b); err != nil {
					return err
				}
				seen++
				if opts.Batches > 0 && seen >= opts.Batches {
					return errEnoughBatches
				}
				return nil
			})
			if errors.Is(err, errEnoughBatches) {
				return nil
			}
			return err
		},
	}
	cmd.Flags().Uint64Var(&opts.Since, "since", 0, "start after this sequence")
	cmd.Flags().StringVar(&opts.User, "user", "", "basic credentials as name:password")
	cmd.Flags().StringVar(&opts.Token, "token", "", "bearer token")
	cmd.Flags().IntVar(&opts.Batches, "batches", 0, "exit after this many batches (0 follows forever)")
	return cmd
}

// printBatch writes one JSON line per batch, or one text line per change.
func printBatch(w io.Writer, opts *RootOptions, b sse.Batch) error {
	if opts.Format == "json" {
		return json.NewEncoder(w).Encode(b)
	}
	for _, ch := range b.Changes {
		suffix := ""
		if ch.Deleted {
			suffix = " deleted"
		}
		if _, err := fmt.Fprintf(w, "%d %s %s%s\n", ch.Seq, ch.ID, ch.Rev, suffix); err != nil {
			return err
		}
	}
	return nil
}

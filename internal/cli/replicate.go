package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/docsync/replication"
	"github.com/c0deZ3R0/docsync/transport"
	"github.com/c0deZ3R0/docsync/transport/websocket"
)

// ReplicateOptions holds flags for the replicate command.
type ReplicateOptions struct {
	*RootOptions
	Config     string
	Reset      bool
	Continuous bool

	// Endpoint overrides the endpoint built from the config file (for testing).
	Endpoint transport.Endpoint
}

// NewReplicateCommand creates the replicate command.
func NewReplicateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ReplicateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "replicate",
		Short: "Replicate collections with a remote peer",
		Long: `Run a replication session described by a YAML or JSON file.

A one-shot session exits once both sides are in sync and prints a summary.
A continuous session runs until interrupted.

Example:
  docsync replicate --db ./local.db --config replication.yaml
  docsync replicate --config replication.yaml --continuous --reset`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplicate(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVarP(&opts.Config, "config", "c", "", "replication config file (required)")
	cmd.Flags().BoolVar(&opts.Reset, "reset", false, "discard checkpoints and start from the beginning")
	cmd.Flags().BoolVar(&opts.Continuous, "continuous", false, "keep following changes (overrides the file)")
	_ = cmd.MarkFlagRequired("config")

	return cmd
}

// authenticator maps file credentials to a websocket authenticator. A
// token wins over a session, which wins over basic credentials.
func authenticator(a replication.AuthConfig) websocket.Authenticator {
	switch {
	case a.Token != "":
		return websocket.TokenAuthenticator{Token: a.Token}
	case a.Session != "":
		return websocket.SessionAuthenticator{SessionID: a.Session, CookieName: a.Cookie}
	case a.Username != "":
		return websocket.BasicAuthenticator{Username: a.Username, Password: a.Password}
	}
	return nil
}

func endpointFor(fc *replication.FileConfig) (transport.Endpoint, error) {
	var epOpts []websocket.EndpointOption
	if auth := authenticator(fc.Auth); auth != nil {
		epOpts = append(epOpts, websocket.WithAuthenticator(auth))
	}
	if fc.Heartbeat > 0 {
		epOpts = append(epOpts, websocket.WithHeartbeat(time.Duration(fc.Heartbeat)))
	}
	return websocket.NewEndpoint(fc.Endpoint, epOpts...)
}

func runReplicate(ctx context.Context, opts *ReplicateOptions, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cl := replication.NewConfigLoader(
		replication.WithLoaderLogger(opts.Logger),
		replication.WithWatcher(replication.LoggingWatcher{Logger: opts.Logger}),
	)
	if err := cl.LoadFromFile(opts.Config); err != nil {
		return err
	}
	fc := cl.Current()

	endpoint := opts.Endpoint
	if endpoint == nil {
		var err error
		if endpoint, err = endpointFor(fc); err != nil {
			return err
		}
	}

	db, err := openDatabase(ctx, opts.RootOptions)
	if err != nil {
		return err
	}
	defer func() {
		if err := db.Close(); err != nil {
			opts.Logger.Error("error closing database", slog.String("error", err.Error()))
		}
	}()

	cfg, err := cl.Build(ctx, db, endpoint)
	if err != nil {
		return err
	}
	if opts.Continuous {
		cfg.Continuous = true
	}

	metrics := replication.NewCounterMetrics()
	r, err := replication.New(cfg, replication.WithLogger(opts.Logger), replication.WithMetrics(metrics))
	if err != nil {
		return err
	}
	defer r.Close()

	stopped := make(chan replication.Status, 1)
	r.AddChangeListener(replication.StatusListenerFunc(func(s replication.Status) {
		opts.Logger.Debug("replicator status",
			slog.String("activity", s.Activity.String()),
			slog.Uint64("completed", s.Progress.Completed),
			slog.Uint64("total", s.Progress.Total))
		if s.Activity == replication.Stopped {
			select {
			case stopped <- s:
			default:
			}
		}
	}))
	r.AddDocumentListener(replication.DocumentListenerFunc(func(e replication.DocumentReplication) {
		for _, d := range e.Documents {
			if d.Err != nil {
				opts.Logger.Warn("document not replicated",
					slog.Bool("push", e.Push),
					slog.String("collection", d.Scope+"."+d.Collection),
					slog.String("doc_id", d.ID),
					slog.String("error", d.Err.Error()))
			}
		}
	}))

	if err := r.Start(opts.Reset); err != nil {
		return err
	}

	var final replication.Status
	select {
	case final = <-stopped:
	case <-ctx.Done():
		opts.Logger.Info("interrupted, stopping replicator")
		r.Stop()
		final = <-stopped
	}

	if err := printSummary(out, opts.RootOptions, metrics.Snapshot()); err != nil {
		return err
	}
	return final.Err
}

type summary struct {
	Pushed     int            `json:"pushed"`
	Pulled     int            `json:"pulled"`
	Resolved   int            `json:"resolved"`
	Deferred   int            `json:"deferred"`
	Reconnects int            `json:"reconnects"`
	Passes     int            `json:"passes"`
	Errors     map[string]int `json:"errors,omitempty"`
}

func printSummary(w io.Writer, opts *RootOptions, s replication.MetricsSnapshot) error {
	sum := summary{
		Pushed: s.Pushed, Pulled: s.Pulled, Resolved: s.Resolved, Deferred: s.Deferred,
		Reconnects: s.Reconnects, Passes: s.Passes, Errors: s.Errors,
	}
	return printResult(w, opts, sum, func(w io.Writer) {
		fmt.Fprintf(w, "pushed %d, pulled %d, resolved %d, deferred %d\n", sum.Pushed, sum.Pulled, sum.Resolved, sum.Deferred)
		keys := make([]string, 0, len(sum.Errors))
		for k := range sum.Errors {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(w, "  %s errors: %d\n", k, sum.Errors[k])
		}
	})
}

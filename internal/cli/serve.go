package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/docsync/database"
	"github.com/c0deZ3R0/docsync/replication"
	"github.com/c0deZ3R0/docsync/transport"
	"github.com/c0deZ3R0/docsync/transport/sse"
	"github.com/c0deZ3R0/docsync/transport/websocket"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr      string
	Path      string
	Users     []string
	JWTSecret string
	Anonymous bool
	ReadOnly  bool
	Heartbeat time.Duration
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept replication sessions over websockets",
		Long: `Serve the database to replication peers.

Peers connect to ws://<addr><path> and authenticate with basic credentials
(--user name:password, repeatable) or an HS256 bearer token (--jwt-secret).
The same credentials open the server-sent changes feed at <path>/_changes,
which "docsync watch" follows.

Example:
  docsync serve --db ./server.db --addr :4984 --user alice:secret`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", ":4984", "listen address")
	cmd.Flags().StringVar(&opts.Path, "path", "/db", "websocket path")
	cmd.Flags().StringArrayVar(&opts.Users, "user", nil, "accepted basic credentials as name:password")
	cmd.Flags().StringVar(&opts.JWTSecret, "jwt-secret", "", "accept bearer tokens signed with this secret")
	cmd.Flags().BoolVar(&opts.Anonymous, "anonymous", false, "accept peers without credentials")
	cmd.Flags().BoolVar(&opts.ReadOnly, "read-only", false, "reject pushed revisions")
	cmd.Flags().DurationVar(&opts.Heartbeat, "heartbeat", websocket.DefaultHeartbeat, "websocket ping interval")

	return cmd
}

// verifier builds the handshake verifier from the credential flags.
func (o *ServeOptions) verifier() (*websocket.Verifier, error) {
	v := &websocket.Verifier{Users: make(map[string]string), AllowAnonymous: o.Anonymous}
	for _, u := range o.Users {
		name, pass, ok := strings.Cut(u, ":")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --user %q: want name:password", u)
		}
		v.Users[name] = pass
	}
	if o.JWTSecret != "" {
		v.JWTSecret = []byte(o.JWTSecret)
	}
	if len(v.Users) == 0 && v.JWTSecret == nil && !v.AllowAnonymous {
		return nil, errors.New("no credentials configured: pass --user, --jwt-secret or --anonymous")
	}
	return v, nil
}

// newSyncHandler mounts the replication listener at opts.Path and the
// read-only changes feed below it. Both share one credential verifier.
func newSyncHandler(db *database.Database, opts *ServeOptions) (*http.ServeMux, *websocket.Listener, error) {
	v, err := opts.verifier()
	if err != nil {
		return nil, nil, err
	}
	respOpts := []replication.ResponderOption{replication.WithResponderLogger(opts.Logger)}
	if opts.ReadOnly {
		respOpts = append(respOpts, replication.WithReadOnly())
	}
	responder := replication.NewResponder(db, respOpts...)
	accept := func(ctx context.Context, conn transport.Conn, user string) {
		if err := responder.Serve(ctx, conn, user); err != nil {
			opts.Logger.Info("session ended", slog.String("user", user), slog.String("error", err.Error()))
		}
	}
	heartbeat := opts.Heartbeat
	if heartbeat <= 0 {
		heartbeat = websocket.DefaultHeartbeat
	}
	ln := websocket.NewListener(accept,
		websocket.WithVerifier(v),
		websocket.WithListenerHeartbeat(heartbeat),
		websocket.WithListenerLogger(opts.Logger),
	)

	feed := sse.NewServer(db, opts.Logger)
	feed.Authorize = v.Verify

	mux := http.NewServeMux()
	mux.Handle(opts.Path, ln)
	mux.Handle(feedPath(opts.Path), feed.Handler())
	return mux, ln, nil
}

func feedPath(base string) string {
	return strings.TrimSuffix(base, "/") + "/_changes"
}

func runServe(ctx context.Context, opts *ServeOptions) error {
	if ctx == nil {
		ctx = context.Background()
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

	mux, ln, err := newSyncHandler(db, opts)
	if err != nil {
		return err
	}
	srv := &http.Server{Addr: opts.Addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	opts.Logger.Info("serving", slog.String("addr", opts.Addr), slog.String("path", opts.Path), slog.String("feed", feedPath(opts.Path)), slog.String("db", db.Name()))

	select {
	case err := <-errc:
		_ = ln.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	opts.Logger.Info("shutting down")
	_ = ln.Close()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// TokenOptions holds flags for the token command.
type TokenOptions struct {
	*RootOptions
	Secret string
	TTL    time.Duration
}

// NewTokenCommand creates the token command.
func NewTokenCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &TokenOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "token <user>",
		Short: "Mint a bearer token accepted by serve --jwt-secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := websocket.NewToken([]byte(opts.Secret), args[0], opts.TTL)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	cmd.Flags().StringVar(&opts.Secret, "secret", "", "signing secret (required)")
	cmd.Flags().DurationVar(&opts.TTL, "ttl", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("secret")
	return cmd
}

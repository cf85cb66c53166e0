// Package cli implements the docsync command line.
package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/docsync/database"
	"github.com/c0deZ3R0/docsync/logging"
	"github.com/c0deZ3R0/docsync/storage"
	"github.com/c0deZ3R0/docsync/storage/memory"
	"github.com/c0deZ3R0/docsync/storage/postgres"
	"github.com/c0deZ3R0/docsync/storage/sqlite"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose  bool
	Format   string // "json" | "text"
	Database string
	Name     string

	// Logger overrides the logger built from the environment (for testing).
	Logger *slog.Logger
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the docsync CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "docsync",
		Short: "Document store with peer replication",
		Long: `docsync stores JSON documents with revision history and replicates
collections between databases over websockets.

The --db flag selects the storage engine:
  ./data.db                  SQLite file (default)
  postgres://user@host/db    PostgreSQL
  memory:                    in-process, discarded on exit`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			if opts.Logger == nil {
				config := logging.GetConfigFromEnv()
				if opts.Verbose {
					config.Level = "debug"
				}
				config.Output = cmd.ErrOrStderr()
				logging.Init(config)
				opts.Logger = logging.Default().Logger
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Database, "db", "docsync.db", "database location")
	cmd.PersistentFlags().StringVar(&opts.Name, "name", "docsync", "database name")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewReplicateCommand(opts))
	cmd.AddCommand(NewPutCommand(opts))
	cmd.AddCommand(NewGetCommand(opts))
	cmd.AddCommand(NewDeleteCommand(opts))
	cmd.AddCommand(NewConflictsCommand(opts))
	cmd.AddCommand(NewCollectionsCommand(opts))
	cmd.AddCommand(NewTokenCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// openEngine picks a storage engine from the --db value.
func openEngine(ctx context.Context, location string, logger *slog.Logger) (storage.Engine, error) {
	switch {
	case location == "memory:":
		return memory.New(), nil
	case strings.HasPrefix(location, "postgres://"), strings.HasPrefix(location, "postgresql://"):
		config := postgres.DefaultConfig(location)
		config.Logger = logger
		return postgres.New(ctx, config)
	default:
		config := sqlite.DefaultConfig(location)
		config.Logger = logger
		return sqlite.New(ctx, config)
	}
}

func openDatabase(ctx context.Context, opts *RootOptions) (*database.Database, error) {
	engine, err := openEngine(ctx, opts.Database, opts.Logger)
	if err != nil {
		return nil, err
	}
	db, err := database.Open(ctx, opts.Name, engine, database.WithLogger(opts.Logger))
	if err != nil {
		engine.Close()
		return nil, err
	}
	return db, nil
}

// collectionArg resolves "scope.name", or a bare name in the default
// scope.
func collectionArg(db *database.Database, arg string) (*database.Collection, error) {
	id, err := database.ParseCollectionID(arg)
	if err != nil {
		id = database.CollectionID{Scope: database.DefaultScope, Name: arg}
	}
	return db.Collection(id.Scope, id.Name)
}

// printResult writes v as JSON or via text.
func printResult(w io.Writer, opts *RootOptions, v any, text func(io.Writer)) error {
	if opts.Format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}

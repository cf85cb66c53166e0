package cli

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/docsync/database"
)

type collectionResult struct {
	Scope        string `json:"scope"`
	Name         string `json:"name"`
	LastSequence uint64 `json:"last_seq"`
}

// NewCollectionsCommand creates the collections command and its
// subcommands.
func NewCollectionsCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "collections",
		Short: "List collections",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := openDatabase(ctx, opts)
			if err != nil {
				return err
			}
			defer db.Close()

			var results []collectionResult
			for _, scope := range db.Scopes() {
				cols, err := db.Collections(scope)
				if err != nil {
					return err
				}
				for _, c := range cols {
					last, err := c.LastSequence(ctx)
					if err != nil {
						return err
					}
					results = append(results, collectionResult{Scope: c.ScopeName(), Name: c.Name(), LastSequence: last})
				}
			}
			return printResult(cmd.OutOrStdout(), opts, results, func(w io.Writer) {
				for _, r := range results {
					fmt.Fprintf(w, "%s.%s\t%d\n", r.Scope, r.Name, r.LastSequence)
				}
			})
		},
	}
	cmd.AddCommand(newCollectionsCreateCommand(opts))
	cmd.AddCommand(newCollectionsDropCommand(opts))
	return cmd
}

func newCollectionsCreateCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create <scope.name>",
		Short: "Create a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := database.ParseCollectionID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			db, err := openDatabase(ctx, opts)
			if err != nil {
				return err
			}
			defer db.Close()
			c, err := db.CreateCollection(ctx, id.Scope, id.Name)
			if err != nil {
				return err
			}
			res := collectionResult{Scope: c.ScopeName(), Name: c.Name()}
			return printResult(cmd.OutOrStdout(), opts, res, func(w io.Writer) {
				fmt.Fprintf(w, "created %s\n", c.FullName())
			})
		},
	}
}

func newCollectionsDropCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drop <scope.name>",
		Short: "Delete a collection and all of its documents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := database.ParseCollectionID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			db, err := openDatabase(ctx, opts)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := db.DeleteCollection(ctx, id.Scope, id.Name); err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), opts, map[string]string{"dropped": id.String()}, func(w io.Writer) {
				fmt.Fprintf(w, "dropped %s\n", id)
			})
		},
	}
}

package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/docsync/database"
	"github.com/c0deZ3R0/docsync/document"
	syncErrors "github.com/c0deZ3R0/docsync/errors"
)

type docResult struct {
	ID       string               `json:"id"`
	Rev      string               `json:"rev"`
	Sequence uint64               `json:"seq,omitempty"`
	Deleted  bool                 `json:"deleted,omitempty"`
	Body     *document.Properties `json:"body,omitempty"`
}

func resultOf(d *document.Document) docResult {
	r := docResult{ID: d.ID, Rev: d.Rev.String(), Sequence: d.Sequence, Deleted: d.Deleted}
	if !d.Deleted {
		r.Body = d.Properties
	}
	return r
}

// NewPutCommand creates the put command.
func NewPutCommand(opts *RootOptions) *cobra.Command {
	var rev string
	cmd := &cobra.Command{
		Use:   "put <collection> <id> <json>",
		Short: "Save a document",
		Long: `Save a JSON object as the next revision of a document.

Without --rev the current revision is used as the parent, so the save
always succeeds unless another writer gets in between. With --rev the
save fails if the document has moved on.

Example:
  docsync put users ann '{"age": 41}'
  docsync put app.users ann '{"age": 42}' --rev 1-8f3a...`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			props := document.NewProperties()
			if err := json.Unmarshal([]byte(args[2]), props); err != nil {
				return fmt.Errorf("invalid document body: %w", err)
			}

			db, err := openDatabase(ctx, opts)
			if err != nil {
				return err
			}
			defer db.Close()
			c, err := collectionArg(db, args[0])
			if err != nil {
				return err
			}

			doc := document.New(args[1], props)
			if rev != "" {
				if doc.Rev, err = document.ParseRevID(rev); err != nil {
					return err
				}
			} else if cur, _, err := c.CurrentRevision(ctx, args[1]); err == nil {
				doc.Rev = cur
			} else if !syncErrors.IsKind(err, syncErrors.KindNotFound) {
				return err
			}

			saved, err := c.Save(ctx, doc)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), opts, resultOf(saved), func(w io.Writer) {
				fmt.Fprintf(w, "%s %s\n", saved.ID, saved.Rev)
			})
		},
	}
	cmd.Flags().StringVar(&rev, "rev", "", "expected current revision")
	return cmd
}

// NewGetCommand creates the get command.
func NewGetCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <collection> <id>",
		Short: "Print the current revision of a document",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := openDatabase(ctx, opts)
			if err != nil {
				return err
			}
			defer db.Close()
			c, err := collectionArg(db, args[0])
			if err != nil {
				return err
			}
			doc, err := c.Get(ctx, args[1])
			if err != nil {
				return err
			}
			res := resultOf(doc)
			return printResult(cmd.OutOrStdout(), opts, res, func(w io.Writer) {
				body, _ := json.Marshal(res.Body)
				fmt.Fprintf(w, "%s %s %s\n", res.ID, res.Rev, body)
			})
		},
	}
}

// NewDeleteCommand creates the delete command.
func NewDeleteCommand(opts *RootOptions) *cobra.Command {
	var purge bool
	cmd := &cobra.Command{
		Use:   "delete <collection> <id>",
		Short: "Delete a document",
		Long: `Delete a document by writing a tombstone revision, which replicates
to peers. --purge forgets the document and its history locally instead.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			db, err := openDatabase(ctx, opts)
			if err != nil {
				return err
			}
			defer db.Close()
			c, err := collectionArg(db, args[0])
			if err != nil {
				return err
			}
			if purge {
				if err := c.Purge(ctx, args[1]); err != nil {
					return err
				}
				return printResult(cmd.OutOrStdout(), opts, map[string]any{"id": args[1], "purged": true}, func(w io.Writer) {
					fmt.Fprintf(w, "%s purged\n", args[1])
				})
			}
			doc, err := c.Get(ctx, args[1])
			if err != nil {
				return err
			}
			tomb, err := c.Delete(ctx, doc)
			if err != nil {
				return err
			}
			return printResult(cmd.OutOrStdout(), opts, resultOf(tomb), func(w io.Writer) {
				fmt.Fprintf(w, "%s %s deleted\n", tomb.ID, tomb.Rev)
			})
		},
	}
	cmd.Flags().BoolVar(&purge, "purge", false, "remove the document without a tombstone")
	return cmd
}

type conflictResult struct {
	ID       string `json:"id"`
	Current  string `json:"rev"`
	Conflict string `json:"conflict_rev,omitempty"`
	Outcome  string `json:"outcome,omitempty"`
}

// NewConflictsCommand creates the conflicts command.
func NewConflictsCommand(opts *RootOptions) *cobra.Command {
	var resolve string
	cmd := &cobra.Command{
		Use:   "conflicts <collection>",
		Short: "List or resolve deferred conflicts",
		Long: `List documents whose conflict was deferred by the resolver.

With --resolve each one is retried with a built-in resolver
(default, local_wins, remote_wins, merge, delete).`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var resolver database.ConflictResolver
			if resolve != "" {
				var err error
				if resolver, err = database.ResolverByName(resolve); err != nil {
					return err
				}
			}

			db, err := openDatabase(ctx, opts)
			if err != nil {
				return err
			}
			defer db.Close()
			c, err := collectionArg(db, args[0])
			if err != nil {
				return err
			}
			ids, err := c.Conflicts(ctx)
			if err != nil {
				return err
			}

			results := make([]conflictResult, 0, len(ids))
			for _, id := range ids {
				cur, _, err := c.CurrentRevision(ctx, id)
				if err != nil {
					return err
				}
				branch, err := c.ConflictRevision(ctx, id)
				if err != nil {
					return err
				}
				r := conflictResult{ID: id, Current: cur.String(), Conflict: branch.String()}
				if resolver != nil {
					out, err := c.ResolveConflict(ctx, id, resolver)
					if err != nil {
						return err
					}
					r.Current, r.Outcome = out.Rev.String(), out.Kind.String()
				}
				results = append(results, r)
			}
			return printResult(cmd.OutOrStdout(), opts, results, func(w io.Writer) {
				if len(results) == 0 {
					fmt.Fprintln(w, "no conflicts")
				}
				for _, r := range results {
					if r.Outcome != "" {
						fmt.Fprintf(w, "%s %s %s\n", r.ID, r.Outcome, r.Current)
					} else {
						fmt.Fprintf(w, "%s %s <> %s\n", r.ID, r.Current, r.Conflict)
					}
				}
			})
		},
	}
	cmd.Flags().StringVar(&resolve, "resolve", "", "retry each conflict with this resolver")
	return cmd
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jacentio/lattice/schema"
	"github.com/jacentio/lattice/store"
	"github.com/jacentio/lattice/stream"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Install the schema indexes in the store",
	Long: `Sync connects to the configured store, creating or replacing the design
artifact when the declared indexes differ from the installed ones.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer client.Close()

		fmt.Fprintf(cmd.OutOrStdout(), "%d indexes in sync\n", len(client.Registry().Indexes()))
		return nil
	},
}

var indexesCmd = &cobra.Command{
	Use:   "indexes",
	Short: "List the indexes derived from the schemas",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		registry := store.NewRegistry()
		for _, s := range schemas {
			if err := registry.Register(s); err != nil {
				return err
			}
		}
		indexes := registry.Indexes()
		out := cmd.OutOrStdout()
		for _, name := range indexes.Names() {
			ix := indexes[name]
			fmt.Fprintf(out, "%s\t%s.%s\t%s\n", name, ix.Kind, ix.Field, ix.Emit)
		}
		return nil
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate <kind> <file>",
	Short: "Validate a JSON document against a schema",
	Long: `Validate checks the JSON document in file against the schema of kind and
reports every violation. Use "-" to read from standard input.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		s, err := lookupSchema(args[0])
		if err != nil {
			return err
		}
		data, err := readInput(args[1])
		if err != nil {
			return err
		}
		doc, err := parseDocument(data)
		if err != nil {
			return err
		}

		violations := s.Violations(doc)
		for _, v := range violations {
			fmt.Fprintln(cmd.OutOrStdout(), v)
		}
		if len(violations) > 0 {
			return fmt.Errorf("%d violations", len(violations))
		}
		fmt.Fprintln(cmd.OutOrStdout(), "valid")
		return nil
	},
}

var getCmd = &cobra.Command{
	Use:   "get <id>...",
	Short: "Get documents by id",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer client.Close()

		if len(args) == 1 {
			rec, err := client.Get(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, recordJSON(rec))
		}

		recs, err := client.GetBatch(cmd.Context(), args)
		if err != nil {
			return err
		}
		out := make([]any, len(recs))
		for i, rec := range recs {
			if rec != nil {
				out[i] = recordJSON(rec)
			}
		}
		return printJSON(cmd, out)
	},
}

var createCmd = &cobra.Command{
	Use:   "create <kind> <json>",
	Short: "Create a document",
	Example: `  lattice create Pokemon '{"name":"Pikachu","trainer":null}'`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := parseDocument([]byte(args[1]))
		if err != nil {
			return err
		}

		client, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer client.Close()

		rec, err := client.Create(cmd.Context(), args[0], doc)
		if err != nil {
			return err
		}
		return printJSON(cmd, recordJSON(rec))
	},
}

var updateCmd = &cobra.Command{
	Use:   "update <kind> <id> <rev> <json>",
	Short: "Replace a document at a revision",
	Args:  cobra.ExactArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := parseDocument([]byte(args[3]))
		if err != nil {
			return err
		}

		client, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer client.Close()

		rec, err := client.Update(cmd.Context(), args[0], &store.Record{ID: args[1], Rev: args[2], Doc: doc})
		if err != nil {
			return err
		}
		return printJSON(cmd, recordJSON(rec))
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete <id> <rev>",
	Short: "Delete a document at a revision",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer client.Close()

		if err := client.Delete(cmd.Context(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
		return nil
	},
}

var refsCmd = &cobra.Command{
	Use:   "refs <kind> <field> <id>",
	Short: "List the documents of kind whose field references id",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := connect(cmd.Context())
		if err != nil {
			return err
		}
		defer client.Close()

		ids, err := client.Referencing(cmd.Context(), args[0], args[1], args[2])
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		return nil
	},
}

var (
	flagWatchCount   int
	flagWatchDeletes bool
)

var watchCmd = &cobra.Command{
	Use:   "watch [kind]",
	Short: "Print the change feed as JSON lines",
	Long: `Watch subscribes to the change feed on the NATS server named by nats_url and
prints each change to documents of kind, or of every kind, until interrupted.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		kind := stream.AllKinds
		if len(args) == 1 {
			if _, err := lookupSchema(args[0]); err != nil {
				return err
			}
			kind = args[0]
		}
		if cfg.NATSURL == "" {
			return fmt.Errorf("%s is required to watch changes", cfgKeyNATSURL)
		}

		sub, err := stream.NewNATSSubscriber(cfg.NATSURL, logger)
		if err != nil {
			return err
		}
		defer sub.Close()

		var opts []stream.FeedOption
		if flagWatchDeletes {
			opts = append(opts, stream.WithFilter(func(c stream.Change) bool { return c.Deleted }))
		}
		feed, err := sub.Subscribe(kind, opts...)
		if err != nil {
			return err
		}
		defer feed.Close()

		logger.Info("watching changes", "kind", kind, "nats", cfg.NATSURL)
		return printChanges(cmd.Context(), feed, cmd.OutOrStdout(), flagWatchCount)
	},
}

func init() {
	watchCmd.Flags().IntVarP(&flagWatchCount, "count", "n", 0, "exit after this many changes (0 for no limit)")
	watchCmd.Flags().BoolVar(&flagWatchDeletes, "deletes", false, "only print deletions")
}

// printChanges writes the changes of feed to w, one JSON object per line,
// until ctx is done, the feed closes or limit changes were written.
func printChanges(ctx context.Context, feed *stream.Feed, w io.Writer, limit int) error {
	enc := json.NewEncoder(w)
	for n := 0; limit <= 0 || n < limit; n++ {
		select {
		case <-ctx.Done():
			return nil
		case change, ok := <-feed.Changes():
			if !ok {
				return nil
			}
			if err := enc.Encode(change); err != nil {
				return err
			}
		}
	}
	return nil
}

// lookupSchema returns the loaded schema named kind.
func lookupSchema(kind string) (*schema.Schema, error) {
	for _, s := range schemas {
		if s.Name() == kind {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", store.ErrUnknownKind, kind)
}

// readInput reads the file at path, or standard input for "-".
func readInput(path string) ([]byte, error) {
	if path == "-" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return data, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read document: %w", err)
	}
	return data, nil
}

// parseDocument decodes a JSON object into a document.
func parseDocument(data []byte) (schema.Document, error) {
	var doc schema.Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse document: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("parse document: not a JSON object")
	}
	return doc, nil
}

// recordJSON renders a record as its document with the revision under _rev.
func recordJSON(rec *store.Record) schema.Document {
	out := rec.Doc.Clone()
	out["_rev"] = rec.Rev
	return out
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

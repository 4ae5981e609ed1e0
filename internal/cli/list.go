package cli

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/rcliao/agentdb/internal/model"
	"github.com/rcliao/agentdb/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List memories, newest first",
		RunE:  runList,
	}

	cmd.Flags().StringP("ns", "n", "", "Filter by namespace")
	cmd.Flags().String("kind", "", "Filter by type")
	cmd.Flags().StringP("tags", "t", "", "Filter by tags (comma-separated, all must match)")
	cmd.Flags().String("prefix", "", "Filter by key prefix")
	cmd.Flags().IntP("limit", "l", 20, "Max results")
	cmd.Flags().Int("offset", 0, "Skip this many results")
	cmd.Flags().Bool("keys-only", false, "Only output ns/key pairs")

	RootCmd.AddCommand(cmd)
}

func runList(cmd *cobra.Command, args []string) error {
	ns, _ := cmd.Flags().GetString("ns")
	kind, _ := cmd.Flags().GetString("kind")
	tagsStr, _ := cmd.Flags().GetString("tags")
	prefix, _ := cmd.Flags().GetString("prefix")
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")
	keysOnly, _ := cmd.Flags().GetBool("keys-only")

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close(cmd.Context())

	entries, err := s.store.Query(cmd.Context(), store.QueryParams{
		Namespace: ns,
		Type:      model.EntryType(kind),
		Tags:      splitTags(tagsStr),
		KeyPrefix: prefix,
		Limit:     limit,
		Offset:    offset,
	})
	if err != nil {
		return fmt.Errorf("list: %w", err)
	}

	out := cmd.OutOrStdout()
	if keysOnly {
		for _, e := range entries {
			fmt.Fprintf(out, "%s/%s\n", e.Namespace, e.Key)
		}
		return nil
	}
	if textOutput() {
		w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "NAMESPACE\tKEY\tTYPE\tCREATED\tSIZE")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", e.Namespace, e.Key, e.Type,
				humanize.Time(e.CreatedAt), humanize.Bytes(uint64(len(e.Content))))
		}
		return w.Flush()
	}

	for i := range entries {
		entries[i] = withoutEmbedding(entries[i])
	}
	return printJSON(out, entries)
}

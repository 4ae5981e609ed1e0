package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/agentdb/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Search memories by embedding similarity",
		Long:  "Embed the query and return the nearest stored memories.",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runSearch,
	}

	cmd.Flags().StringP("ns", "n", "", "Filter by namespace")
	cmd.Flags().IntP("limit", "l", 10, "Max results")
	cmd.Flags().Float64("threshold", 0, "Minimum score (ignored unless set)")

	RootCmd.AddCommand(cmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	ns, _ := cmd.Flags().GetString("ns")
	limit, _ := cmd.Flags().GetInt("limit")
	query := strings.Join(args, " ")

	p := store.SearchParams{K: limit, Namespace: ns}
	if cmd.Flags().Changed("threshold") {
		t, _ := cmd.Flags().GetFloat64("threshold")
		p.Threshold = &t
	}

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close(cmd.Context())

	vec, err := s.embedText(cmd.Context(), query)
	if err != nil {
		return fmt.Errorf("embed query: %w", err)
	}
	results, err := s.store.Search(cmd.Context(), vec, p)
	if err != nil {
		return fmt.Errorf("search: %w", err)
	}
	for i := range results {
		results[i].Embedding = nil
	}
	if results == nil {
		results = []store.SearchResult{}
	}
	return printJSON(cmd.OutOrStdout(), results)
}

package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/rcliao/agentdb/internal/store"
)

func init() {
	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show store statistics",
		RunE:  runStats,
	}

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Check store health",
		Long:  "Report storage and index health. Exits non-zero when the store is unhealthy.",
		RunE:  runHealth,
	}

	RootCmd.AddCommand(statsCmd, healthCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close(cmd.Context())

	stats, err := s.store.Stats(cmd.Context())
	if err != nil {
		return fmt.Errorf("stats: %w", err)
	}
	if textOutput() {
		return printStatsText(cmd.OutOrStdout(), stats)
	}
	return printJSON(cmd.OutOrStdout(), stats)
}

func printStatsText(out io.Writer, st *store.Stats) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintf(w, "path\t%s (%s)\n", st.Path, st.Format)
	fmt.Fprintf(w, "file size\t%s\n", humanize.Bytes(uint64(st.FileSizeBytes)))
	fmt.Fprintf(w, "memory\t%s\n", humanize.Bytes(uint64(st.MemoryUsageBytes)))
	fmt.Fprintf(w, "entries\t%s\n", humanize.Comma(int64(st.TotalEntries)))
	fmt.Fprintf(w, "indexed\t%s (%d dims, %s)\n", humanize.Comma(int64(st.Index.Size)), st.Index.Dimensions, st.Index.Metric)
	if st.LastPersisted != nil {
		fmt.Fprintf(w, "last persisted\t%s\n", humanize.Time(*st.LastPersisted))
	}
	for _, ns := range st.Namespaces {
		fmt.Fprintf(w, "  %s\t%s\n", ns.Namespace, humanize.Comma(int64(ns.Count)))
	}
	return w.Flush()
}

func runHealth(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close(cmd.Context())

	report := s.store.HealthCheck(cmd.Context())
	if err := printJSON(cmd.OutOrStdout(), report); err != nil {
		return err
	}
	if report.Status == store.Unhealthy {
		return fmt.Errorf("store is unhealthy")
	}
	return nil
}

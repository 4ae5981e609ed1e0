package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export memories as a JSON array",
		Long:  "Export memories, embeddings included, as a JSON array. Filter by namespace with -n. The output can be fed back to import.",
		RunE:  runExport,
	}

	cmd.Flags().StringP("ns", "n", "", "Filter by namespace")

	RootCmd.AddCommand(cmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	ns, _ := cmd.Flags().GetString("ns")

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close(cmd.Context())

	entries, err := s.store.ExportAll(cmd.Context(), ns)
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}
	return printJSON(cmd.OutOrStdout(), entries)
}

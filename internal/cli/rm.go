package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "rm",
		Short: "Delete a memory",
		RunE:  runRm,
	}

	cmd.Flags().StringP("ns", "n", "", "Namespace (default: default)")
	cmd.Flags().StringP("key", "k", "", "Key")
	cmd.Flags().String("id", "", "Entry id (instead of --ns/--key)")

	RootCmd.AddCommand(cmd)
}

func runRm(cmd *cobra.Command, args []string) error {
	ns, _ := cmd.Flags().GetString("ns")
	key, _ := cmd.Flags().GetString("key")
	id, _ := cmd.Flags().GetString("id")

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close(cmd.Context())

	e, err := resolveEntry(cmd.Context(), s.store, id, ns, key)
	if err != nil {
		return err
	}
	if _, err := s.store.Delete(cmd.Context(), e.ID); err != nil {
		return fmt.Errorf("rm: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"id":%q,"ns":%q,"key":%q}`+"\n", e.ID, e.Namespace, e.Key)
	return nil
}

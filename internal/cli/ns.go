package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/agentdb/internal/store"
)

func init() {
	nsCmd := &cobra.Command{
		Use:   "ns",
		Short: "Namespace management",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all namespaces with their entry counts",
		RunE:  runNSList,
	}

	clearCmd := &cobra.Command{
		Use:   "clear <namespace>",
		Short: "Delete every entry in a namespace",
		Args:  cobra.ExactArgs(1),
		RunE:  runNSClear,
	}

	nsCmd.AddCommand(listCmd, clearCmd)
	RootCmd.AddCommand(nsCmd)
}

func runNSList(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close(cmd.Context())

	names, err := s.store.ListNamespaces(cmd.Context())
	if err != nil {
		return fmt.Errorf("list namespaces: %w", err)
	}
	rows := make([]store.NamespaceStats, 0, len(names))
	for _, ns := range names {
		n, err := s.store.Count(cmd.Context(), ns)
		if err != nil {
			return err
		}
		rows = append(rows, store.NamespaceStats{Namespace: ns, Count: n})
	}
	return printJSON(cmd.OutOrStdout(), rows)
}

func runNSClear(cmd *cobra.Command, args []string) error {
	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close(cmd.Context())

	n, err := s.store.ClearNamespace(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("clear namespace: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"ns":%q,"deleted":%d}`+"\n", args[0], n)
	return nil
}

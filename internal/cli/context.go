package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/agentdb/internal/model"
	"github.com/rcliao/agentdb/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "context [description]",
		Short: "Assemble relevant memories for a task",
		Long:  "Score memories by similarity, recency, priority and access frequency, then greedily pack them into a token budget.",
		RunE:  runContext,
	}

	cmd.Flags().StringP("ns", "n", "", "Filter by namespace")
	cmd.Flags().String("kind", "", "Filter by type")
	cmd.Flags().IntP("budget", "b", store.DefaultContextBudget, "Max tokens in output")

	RootCmd.AddCommand(cmd)
}

func runContext(cmd *cobra.Command, args []string) error {
	ns, _ := cmd.Flags().GetString("ns")
	kind, _ := cmd.Flags().GetString("kind")
	budget, _ := cmd.Flags().GetInt("budget")
	query := strings.Join(args, " ")

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close(cmd.Context())

	p := store.ContextParams{
		Namespace: ns,
		Type:      model.EntryType(kind),
		Budget:    budget,
	}
	if query != "" {
		if p.Vector, err = s.embedText(cmd.Context(), query); err != nil {
			return fmt.Errorf("embed description: %w", err)
		}
	}

	result, err := s.store.Context(cmd.Context(), p)
	if err != nil {
		return fmt.Errorf("context: %w", err)
	}
	return printJSON(cmd.OutOrStdout(), result)
}

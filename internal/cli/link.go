package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/agentdb/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "link",
		Short: "Create or remove a reference between memories",
		RunE:  runLink,
	}

	cmd.Flags().String("from-ns", "", "Source namespace (default: default)")
	cmd.Flags().String("from-key", "", "Source key")
	cmd.Flags().String("to-ns", "", "Target namespace (default: default)")
	cmd.Flags().String("to-key", "", "Target key")
	cmd.Flags().Bool("rm", false, "Remove the link")

	cmd.MarkFlagRequired("from-key")
	cmd.MarkFlagRequired("to-key")

	RootCmd.AddCommand(cmd)
}

func runLink(cmd *cobra.Command, args []string) error {
	fromNS, _ := cmd.Flags().GetString("from-ns")
	fromKey, _ := cmd.Flags().GetString("from-key")
	toNS, _ := cmd.Flags().GetString("to-ns")
	toKey, _ := cmd.Flags().GetString("to-key")
	rm, _ := cmd.Flags().GetBool("rm")

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close(cmd.Context())

	ctx := cmd.Context()
	from, err := resolveEntry(ctx, s.store, "", fromNS, fromKey)
	if err != nil {
		return err
	}
	to, err := resolveEntry(ctx, s.store, "", toNS, toKey)
	if err != nil {
		return err
	}

	updated, err := s.store.Link(ctx, store.LinkParams{FromID: from.ID, ToID: to.ID, Remove: rm})
	if err != nil {
		return fmt.Errorf("link: %w", err)
	}
	return printJSON(cmd.OutOrStdout(), withoutEmbedding(updated))
}

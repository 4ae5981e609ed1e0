package cli

import (
	"github.com/spf13/cobra"
)

func init() {
	cmd := &cobra.Command{
		Use:   "get",
		Short: "Retrieve a memory",
		RunE:  runGet,
	}

	cmd.Flags().StringP("ns", "n", "", "Namespace (default: default)")
	cmd.Flags().StringP("key", "k", "", "Key")
	cmd.Flags().String("id", "", "Entry id (instead of --ns/--key)")
	cmd.Flags().Bool("embedding", false, "Include the embedding vector")
	cmd.Flags().Bool("linked", false, "Also return the entries this one references")

	RootCmd.AddCommand(cmd)
}

func runGet(cmd *cobra.Command, args []string) error {
	ns, _ := cmd.Flags().GetString("ns")
	key, _ := cmd.Flags().GetString("key")
	id, _ := cmd.Flags().GetString("id")
	withEmbedding, _ := cmd.Flags().GetBool("embedding")
	linked, _ := cmd.Flags().GetBool("linked")

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close(cmd.Context())

	e, err := resolveEntry(cmd.Context(), s.store, id, ns, key)
	if err != nil {
		return err
	}
	if !withEmbedding {
		e = withoutEmbedding(e)
	}
	if !linked {
		return printJSON(cmd.OutOrStdout(), e)
	}

	refs, err := s.store.Linked(cmd.Context(), e.ID)
	if err != nil {
		return err
	}
	for i := range refs {
		refs[i] = withoutEmbedding(refs[i])
	}
	return printJSON(cmd.OutOrStdout(), map[string]any{"memory": e, "linked": refs})
}

package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/rcliao/agentdb/internal/model"
	"github.com/rcliao/agentdb/internal/store"
)

func init() {
	cmd := &cobra.Command{
		Use:   "put [content]",
		Short: "Store a memory",
		Long:  "Store a memory under namespace/key. Content can be a positional arg or piped via stdin. An existing key is updated in place.",
		RunE:  runPut,
	}

	cmd.Flags().StringP("ns", "n", "", "Namespace (default: default)")
	cmd.Flags().StringP("key", "k", "", "Key (required)")
	cmd.Flags().String("kind", "semantic", "Type: semantic, episodic, procedural, working, knowledge")
	cmd.Flags().StringP("tags", "t", "", "Comma-separated tags")
	cmd.Flags().StringP("priority", "p", "normal", "Priority: low, normal, high, critical")
	cmd.Flags().String("access", "private", "Access level: private, team, shared, public, system")
	cmd.Flags().String("meta", "", "JSON metadata object")
	cmd.Flags().Bool("no-embed", false, "Store without an embedding")

	cmd.MarkFlagRequired("key")

	RootCmd.AddCommand(cmd)
}

func runPut(cmd *cobra.Command, args []string) error {
	ns, _ := cmd.Flags().GetString("ns")
	key, _ := cmd.Flags().GetString("key")
	kind, _ := cmd.Flags().GetString("kind")
	tagsStr, _ := cmd.Flags().GetString("tags")
	priority, _ := cmd.Flags().GetString("priority")
	access, _ := cmd.Flags().GetString("access")
	meta, _ := cmd.Flags().GetString("meta")
	noEmbed, _ := cmd.Flags().GetBool("no-embed")

	content, err := readContent(cmd, args)
	if err != nil {
		return err
	}

	metadata := map[string]any{}
	if meta != "" {
		if err := json.Unmarshal([]byte(meta), &metadata); err != nil {
			return fmt.Errorf("parse --meta: %w", err)
		}
	}
	metadata["priority"] = priority

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close(cmd.Context())

	var vec []float32
	if !noEmbed {
		if vec, err = s.embedText(cmd.Context(), content); err != nil {
			return fmt.Errorf("embed: %w", err)
		}
	}

	ctx := cmd.Context()
	existing, err := s.store.GetByKey(ctx, nsOrDefault(ns), key)
	if err != nil {
		return err
	}

	var stored *model.Entry
	if existing != nil {
		t := model.EntryType(kind)
		a := model.AccessLevel(access)
		stored, err = s.store.Update(ctx, existing.ID, store.UpdateParams{
			Content:     &content,
			Type:        &t,
			AccessLevel: &a,
			Tags:        splitTags(tagsStr),
			Metadata:    metadata,
			Embedding:   vec,
		})
	} else {
		stored, err = s.store.Store(ctx, &model.Entry{
			Namespace:   ns,
			Key:         key,
			Content:     content,
			Type:        model.EntryType(kind),
			AccessLevel: model.AccessLevel(access),
			Tags:        splitTags(tagsStr),
			Metadata:    metadata,
			Embedding:   vec,
		})
	}
	if err != nil {
		return fmt.Errorf("put: %w", err)
	}
	return printJSON(cmd.OutOrStdout(), withoutEmbedding(stored))
}

// readContent takes content from args, falling back to piped stdin.
func readContent(cmd *cobra.Command, args []string) (string, error) {
	var content string
	if len(args) > 0 {
		content = strings.Join(args, " ")
	} else if in := cmd.InOrStdin(); in != os.Stdin {
		b, err := io.ReadAll(in)
		if err != nil {
			return "", fmt.Errorf("read input: %w", err)
		}
		content = string(b)
	} else if stat, err := os.Stdin.Stat(); err == nil && stat.Mode()&os.ModeCharDevice == 0 {
		b, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", fmt.Errorf("read stdin: %w", err)
		}
		content = string(b)
	}

	content = strings.TrimSpace(content)
	if content == "" {
		return "", fmt.Errorf("content is required (positional arg or stdin)")
	}
	return content, nil
}

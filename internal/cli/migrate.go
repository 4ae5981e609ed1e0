package cli

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/rcliao/agentdb/internal/migrate"
)

func init() {
	migrateCmd := &cobra.Command{
		Use:   "migrate <src> <dst>",
		Short: "Convert a store between the JSON and binary formats",
		Long:  "Detect the format of src and write it to dst in the other format. Binary destinations ending in .json, .db or .dat are renamed to .amdb.",
		Args:  cobra.ExactArgs(2),
		RunE:  runMigrate,
	}
	migrateCmd.Flags().Int("batch-size", migrate.DefaultBatchSize, "Entries per batch")
	migrateCmd.Flags().Int("dimensions", 0, "Embedding dimension of a new binary store (0: infer)")
	migrateCmd.Flags().BoolP("quiet", "q", false, "No progress output")

	detectCmd := &cobra.Command{
		Use:   "detect <path>",
		Short: "Detect the format of a store file",
		Args:  cobra.ExactArgs(1),
		RunE:  runDetect,
	}

	RootCmd.AddCommand(migrateCmd, detectCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	batch, _ := cmd.Flags().GetInt("batch-size")
	dims, _ := cmd.Flags().GetInt("dimensions")
	quiet, _ := cmd.Flags().GetBool("quiet")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	opts := migrate.Options{BatchSize: batch, Dimensions: dims, Logger: newLogger(cfg)}
	if !quiet {
		errOut := cmd.ErrOrStderr()
		opts.OnProgress = func(p migrate.Progress) {
			if p.TotalBytes > 0 {
				fmt.Fprintf(errOut, "migrated %s entries (%s of %s)\n", humanize.Comma(int64(p.Processed)),
					humanize.Bytes(uint64(p.BytesRead)), humanize.Bytes(uint64(p.TotalBytes)))
				return
			}
			fmt.Fprintf(errOut, "migrated %s entries\n", humanize.Comma(int64(p.Processed)))
		}
	}

	res, err := migrate.AutoMigrate(cmd.Context(), args[0], args[1], opts)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return printJSON(cmd.OutOrStdout(), res)
}

func runDetect(cmd *cobra.Command, args []string) error {
	format, err := migrate.DetectFormat(args[0])
	if err != nil {
		return fmt.Errorf("detect: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), `{"path":%q,"format":%q}`+"\n", args[0], format)
	return nil
}

package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rcliao/agentdb/internal/learning"
	"github.com/rcliao/agentdb/internal/sona"
)

func init() {
	learnCmd := &cobra.Command{
		Use:   "learn",
		Short: "Inspect and maintain learned patterns",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show learning store and pattern statistics",
		RunE:  runLearnStats,
	}

	pruneCmd := &cobra.Command{
		Use:   "prune",
		Short: "Remove patterns that keep failing",
		RunE:  runLearnPrune,
	}
	pruneCmd.Flags().Float64("min-rate", 0.2, "Success rate floor")
	pruneCmd.Flags().Int("min-uses", 10, "Only prune patterns used at least this often")

	trajCmd := &cobra.Command{
		Use:   "trajectories",
		Short: "List recorded trajectories, newest first",
		RunE:  runLearnTrajectories,
	}
	trajCmd.Flags().IntP("limit", "l", 20, "Max results (0: all)")

	learnCmd.AddCommand(statsCmd, pruneCmd, trajCmd)
	RootCmd.AddCommand(learnCmd)
}

func openLearning(cmd *cobra.Command) (*learning.Store, *sona.Coordinator, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	log := newLogger(cfg)
	ls, err := learning.New(cfg.LearningStore(log))
	if err != nil {
		return nil, nil, err
	}
	if err := ls.Initialize(cmd.Context()); err != nil {
		return nil, nil, fmt.Errorf("open learning store: %w", err)
	}
	c, err := sona.New(ls, cfg.Sona(log))
	if err != nil {
		ls.Close()
		return nil, nil, err
	}
	if err := c.Initialize(cmd.Context()); err != nil {
		ls.Close()
		return nil, nil, err
	}
	return ls, c, nil
}

func runLearnStats(cmd *cobra.Command, args []string) error {
	ls, c, err := openLearning(cmd)
	if err != nil {
		return err
	}
	defer ls.Close()

	st, err := ls.Stats(cmd.Context())
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), map[string]any{"store": st, "patterns": c.Stats()})
}

func runLearnPrune(cmd *cobra.Command, args []string) error {
	minRate, _ := cmd.Flags().GetFloat64("min-rate")
	minUses, _ := cmd.Flags().GetInt("min-uses")

	ls, c, err := openLearning(cmd)
	if err != nil {
		return err
	}
	defer ls.Close()

	n, err := c.PrunePatterns(cmd.Context(), minRate, minUses)
	if err != nil {
		return fmt.Errorf("prune: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), `{"ok":true,"pruned":%d}`+"\n", n)
	return nil
}

func runLearnTrajectories(cmd *cobra.Command, args []string) error {
	limit, _ := cmd.Flags().GetInt("limit")

	ls, _, err := openLearning(cmd)
	if err != nil {
		return err
	}
	defer ls.Close()

	ts, err := ls.GetTrajectories(cmd.Context(), limit)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), ts)
}

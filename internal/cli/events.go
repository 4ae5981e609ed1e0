package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rcliao/agentdb/internal/eventlog"
)

func init() {
	eventsCmd := &cobra.Command{
		Use:   "events",
		Short: "Append to and read the event log",
	}

	appendCmd := &cobra.Command{
		Use:   "append",
		Short: "Append an event to an aggregate",
		RunE:  runEventsAppend,
	}
	appendCmd.Flags().String("type", "", "Event type (required)")
	appendCmd.Flags().String("aggregate", "", "Aggregate id (required)")
	appendCmd.Flags().String("aggregate-type", "", "Aggregate type")
	appendCmd.Flags().String("payload", "", "JSON payload")
	appendCmd.Flags().String("source", "cli", "Event source")
	appendCmd.MarkFlagRequired("type")
	appendCmd.MarkFlagRequired("aggregate")

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List events of one aggregate or across all aggregates",
		RunE:  runEventsList,
	}
	listCmd.Flags().String("aggregate", "", "Aggregate id")
	listCmd.Flags().Int("from-version", 0, "Only versions at or above this (with --aggregate)")
	listCmd.Flags().StringSlice("type", nil, "Filter by event type")
	listCmd.Flags().Duration("since", 0, "Only events newer than this")
	listCmd.Flags().IntP("limit", "l", 0, "Max results (0: all)")

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show event log statistics",
		RunE:  runEventsStats,
	}

	eventsCmd.AddCommand(appendCmd, listCmd, statsCmd)
	RootCmd.AddCommand(eventsCmd)
}

func openEventLog(cmd *cobra.Command) (*eventlog.Log, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	l, err := eventlog.New(cfg.EventLog(newLogger(cfg)))
	if err != nil {
		return nil, err
	}
	if err := l.Initialize(cmd.Context()); err != nil {
		return nil, fmt.Errorf("open event log: %w", err)
	}
	return l, nil
}

func runEventsAppend(cmd *cobra.Command, args []string) error {
	typ, _ := cmd.Flags().GetString("type")
	agg, _ := cmd.Flags().GetString("aggregate")
	aggType, _ := cmd.Flags().GetString("aggregate-type")
	payload, _ := cmd.Flags().GetString("payload")
	source, _ := cmd.Flags().GetString("source")

	l, err := openEventLog(cmd)
	if err != nil {
		return err
	}
	defer l.Close()

	ev := eventlog.Event{Type: typ, AggregateID: agg, AggregateType: aggType, Source: source}
	if payload != "" {
		ev.Payload = json.RawMessage(payload)
	}
	stored, err := l.Append(cmd.Context(), ev)
	if err != nil {
		return fmt.Errorf("append: %w", err)
	}
	return printJSON(cmd.OutOrStdout(), stored)
}

func runEventsList(cmd *cobra.Command, args []string) error {
	agg, _ := cmd.Flags().GetString("aggregate")
	from, _ := cmd.Flags().GetInt("from-version")
	types, _ := cmd.Flags().GetStringSlice("type")
	since, _ := cmd.Flags().GetDuration("since")
	limit, _ := cmd.Flags().GetInt("limit")

	l, err := openEventLog(cmd)
	if err != nil {
		return err
	}
	defer l.Close()

	var events []eventlog.Event
	if agg != "" {
		events, err = l.GetEvents(cmd.Context(), agg, from)
		if limit > 0 && len(events) > limit {
			events = events[:limit]
		}
	} else {
		f := eventlog.Filter{Types: types, Limit: limit}
		if since > 0 {
			f.After = time.Now().Add(-since)
		}
		events, err = l.GetAllEvents(cmd.Context(), f)
	}
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}
	if events == nil {
		events = []eventlog.Event{}
	}
	return printJSON(cmd.OutOrStdout(), events)
}

func runEventsStats(cmd *cobra.Command, args []string) error {
	l, err := openEventLog(cmd)
	if err != nil {
		return err
	}
	defer l.Close()

	st, err := l.Stats(cmd.Context())
	if err != nil {
		return fmt.Errorf("event stats: %w", err)
	}
	return printJSON(cmd.OutOrStdout(), st)
}

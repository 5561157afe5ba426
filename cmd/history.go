package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/hanepo/MQTTScanner/internal/history"
	"github.com/spf13/cobra"
)

var errHistoryDisabled = errors.New("reading history is disabled; set --history or storage.history_path")

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Query stored sensor readings",
}

var historyListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the most recent stored readings",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		topic, _ := cmd.Flags().GetString("topic")
		return withHistory(cmd, func(ctx context.Context, db *history.DB) error {
			if limit <= 0 {
				limit = getAppContext(cmd).Config.Storage.HistoryLimit
			}
			var (
				records []history.Record
				err     error
			)
			if topic != "" {
				records, err = db.ByTopic(ctx, topic, limit)
			} else {
				records, err = db.Recent(ctx, limit)
			}
			if err != nil {
				return fmt.Errorf("failed to query history: %w", err)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, records)
			}
			if len(records) == 0 {
				fmt.Fprintln(out, "No readings stored.")
				return nil
			}
			tw := newTable(out)
			fmt.Fprintln(tw, "CAPTURED\tBROKER\tDEVICE\tTOPIC\tTEMP\tHUM\tLDR%\tPIR")
			for _, r := range records {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					r.CapturedAt.Format(time.DateTime), r.Broker, r.Device, r.Topic,
					formatNumber(r.Temperature), formatNumber(r.Humidity), formatNumber(r.LDRPct), strconv.FormatBool(r.PIR))
			}
			return tw.Flush()
		})
	},
}

var historyPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete readings older than a given age",
	RunE: func(cmd *cobra.Command, args []string) error {
		olderThan, _ := cmd.Flags().GetDuration("older-than")
		if olderThan <= 0 {
			return fmt.Errorf("--older-than must be positive")
		}
		return withHistory(cmd, func(ctx context.Context, db *history.DB) error {
			removed, err := db.Prune(ctx, time.Now().Add(-olderThan))
			if err != nil {
				return fmt.Errorf("failed to prune history: %w", err)
			}
			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, map[string]int64{"removed": removed})
			}
			fmt.Fprintf(out, "%s removed %d reading(s) older than %s\n", colorSuccess("✓"), removed, olderThan)
			return nil
		})
	},
}

func withHistory(cmd *cobra.Command, fn func(context.Context, *history.DB) error) error {
	appCtx := getAppContext(cmd)
	if appCtx.Config.Storage.HistoryPath == "" {
		return errHistoryDisabled
	}
	c, err := appCtx.container()
	if err != nil {
		return err
	}
	defer c.Close()
	return fn(commandContext(cmd), c.History)
}

func formatNumber(v *float64) string {
	if v == nil {
		return "-"
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func init() {
	historyListCmd.Flags().Int("limit", 0, "maximum readings to show (0 = storage.history_limit)")
	historyListCmd.Flags().String("topic", "", "only readings from this topic")
	historyPruneCmd.Flags().Duration("older-than", 7*24*time.Hour, "age of the readings to delete")
	historyCmd.AddCommand(historyListCmd)
	historyCmd.AddCommand(historyPruneCmd)
}

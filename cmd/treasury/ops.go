package main

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/alanyoungcy/daotreasury/internal/app"
)

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Rebuild all state from the event log and print the aggregates",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			stats, err := a.Replay(ctx)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		})
	},
}

var archiveBefore string

var archiveCmd = &cobra.Command{
	Use:   "archive",
	Short: "Copy events older than --before to object storage",
	RunE: func(cmd *cobra.Command, _ []string) error {
		before, err := time.Parse(time.DateOnly, archiveBefore)
		if err != nil {
			return fmt.Errorf("--before: %w", err)
		}
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			n, err := a.Archive(ctx, before)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "archived %s events recorded before %s\n", humanize.Comma(n), archiveBefore)
			return nil
		})
	},
}

var restoreKey string

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Append the events of one archived object back into the log",
	RunE: func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app.App) error {
			n, err := a.Restore(ctx, restoreKey)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored %s events from %s\n", humanize.Comma(n), restoreKey)
			return nil
		})
	},
}

func init() {
	archiveCmd.Flags().StringVar(&archiveBefore, "before", time.Now().UTC().AddDate(0, -1, 0).Format(time.DateOnly), "cutoff date (YYYY-MM-DD)")
	restoreCmd.Flags().StringVar(&restoreKey, "key", "", "object key to restore")
	_ = restoreCmd.MarkFlagRequired("key")
}

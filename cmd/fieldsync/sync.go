package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"fieldsync/internal/app"
	"fieldsync/internal/fieldsync"

	"github.com/spf13/cobra"
)

// sync command
var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Manage the outbound queue",
}

var syncRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Upload queued inspections and photos now",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "SyncRun", func(ctx context.Context, a *app.FieldApp) error {
			res, err := a.SyncNow(ctx)
			if errors.Is(err, fieldsync.ErrNoEndpoint) {
				fmt.Println("Offline: queue left untouched.")
				return nil
			}
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}
			fmt.Printf("Synced %d, failed %d, dropped %d, deferred %d\n",
				res.Succeeded, res.Failed, res.Dropped, res.Deferred)
			return nil
		})
	},
}

var syncRetryCmd = &cobra.Command{
	Use:   "retry-failed",
	Short: "Make items that exhausted their retries eligible again",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "SyncRetryFailed", func(ctx context.Context, a *app.FieldApp) error {
			n, err := a.RetryFailed(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Reset %d item(s)\n", n)
			return nil
		})
	},
}

var syncClearCmd = &cobra.Command{
	Use:   "clear-failed",
	Short: "Delete items that exhausted their retries",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, "SyncClearFailed", func(ctx context.Context, a *app.FieldApp) error {
			n, err := a.ClearFailed(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Cleared %d item(s)\n", n)
			return nil
		})
	},
}

var syncHistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "View recent sync runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")

		return withApp(cmd, "SyncHistory", func(ctx context.Context, a *app.FieldApp) error {
			runs, err := a.SyncHistory(ctx, limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Println("No sync runs recorded.")
				return nil
			}
			for _, r := range runs {
				fmt.Printf("#%d  %-6s  %s  ok %d  failed %d  dropped %d  deferred %d  %s",
					r.ID,
					r.Trigger,
					formatTime(r.StartedAt),
					r.Succeeded, r.Failed, r.Dropped, r.Deferred,
					r.FinishedAt.Sub(r.StartedAt).Truncate(time.Millisecond),
				)
				if r.Error != "" {
					fmt.Printf("  error: %s", r.Error)
				}
				fmt.Println()
			}
			return nil
		})
	},
}

func init() {
	syncCmd.AddCommand(syncRunCmd)
	syncCmd.AddCommand(syncRetryCmd)
	syncCmd.AddCommand(syncClearCmd)
	syncCmd.AddCommand(syncHistoryCmd)
	syncHistoryCmd.Flags().IntP("limit", "n", 20, "Maximum number of runs to show")
}

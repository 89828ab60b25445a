package main

import (
	"context"
	"fmt"

	"github.com/harunnryd/kekkai/internal/engine"
	"github.com/harunnryd/kekkai/internal/rollback"

	"github.com/spf13/cobra"
)

var snapshotCmd = &cobra.Command{
	Use:   "snapshot",
	Short: "Manage sandbox snapshots",
	Long:  `Create, list and prune versioned snapshots. Snapshots are integrity-checked on every restore.`,
}

var snapshotCreateCmd = &cobra.Command{
	Use:   "create [sandbox]",
	Short: "Capture a rollback point",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		label, _ := cmd.Flags().GetString("label")
		reason, _ := cmd.Flags().GetString("reason")
		pin, _ := cmd.Flags().GetBool("pin")

		return withEngine(func(ctx context.Context, core *engine.Core) error {
			point, err := core.Snapshot(ctx, args[0], rollback.PointMeta{
				Label:             label,
				Reason:            reason,
				RetentionOverride: pin,
			})
			if err != nil {
				return err
			}
			fmt.Printf("✓ Rollback point created: %s (snapshot v%d)\n", point.ID, point.Seq)
			return nil
		})
	},
}

var snapshotListCmd = &cobra.Command{
	Use:   "list [sandbox]",
	Short: "List a sandbox's snapshots",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		return withEngine(func(ctx context.Context, core *engine.Core) error {
			entries, err := core.Snapshots(args[0])
			if err != nil {
				return err
			}
			points, err := core.Points(args[0])
			if err != nil {
				return err
			}

			if asJSON {
				return printJSON(map[string]any{"snapshots": entries, "points": points})
			}
			fmt.Println(renderSnapshotTable(entries, points))
			return nil
		})
	},
}

var snapshotPruneCmd = &cobra.Command{
	Use:   "prune [sandbox]",
	Short: "Expire snapshots past the retention policy",
	Long:  `Remove rollback points older than snapshot_max_age or beyond the per-sandbox cap. Pinned points are kept.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, core *engine.Core) error {
			expired, err := core.CleanupSnapshots(ctx, args[0])
			if err != nil {
				return err
			}
			if expired == 0 {
				fmt.Println("Nothing to prune.")
				return nil
			}
			fmt.Printf("✓ Pruned %d rollback point(s)\n", expired)
			return nil
		})
	},
}

var rollbackCmd = &cobra.Command{
	Use:   "rollback [sandbox] [target]",
	Short: "Roll a sandbox back to a snapshot",
	Long:  `Restore a sandbox to a rollback point, snapshot ID or label. With no target the most recent snapshot is used. The execution log is preserved unless --discard-logs is given.`,
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := ""
		if len(args) == 2 {
			target = args[1]
		}
		discardLogs, _ := cmd.Flags().GetBool("discard-logs")
		reason, _ := cmd.Flags().GetString("reason")

		return withEngine(func(ctx context.Context, core *engine.Core) error {
			err := core.Rollback(ctx, args[0], target, rollback.Options{
				DiscardLogs: discardLogs,
				Reason:      reason,
			})
			if err != nil {
				return err
			}
			if target == "" {
				fmt.Printf("✓ Sandbox rolled back to latest snapshot: %s\n", args[0])
			} else {
				fmt.Printf("✓ Sandbox rolled back to %s: %s\n", target, args[0])
			}
			return nil
		})
	},
}

func init() {
	snapshotCreateCmd.Flags().StringP("label", "l", "", "human-readable snapshot label")
	snapshotCreateCmd.Flags().String("reason", "", "why this point was captured")
	snapshotCreateCmd.Flags().Bool("pin", false, "exempt the point from retention expiry")

	snapshotListCmd.Flags().Bool("json", false, "output as JSON")

	rollbackCmd.Flags().Bool("discard-logs", false, "rotate the execution log aside instead of preserving it")
	rollbackCmd.Flags().String("reason", "", "why the sandbox is being rolled back")

	snapshotCmd.AddCommand(snapshotCreateCmd)
	snapshotCmd.AddCommand(snapshotListCmd)
	snapshotCmd.AddCommand(snapshotPruneCmd)
	rootCmd.AddCommand(snapshotCmd)
	rootCmd.AddCommand(rollbackCmd)
}

package main

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/harunnryd/kekkai/internal/safety"

	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the safety audit log",
	Long:  `Display gate decisions, overrides and automatic rollbacks. The audit log is read directly, so querying works while a daemon is running.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		auditLogger, err := safety.NewAuditLogger(
			filepath.Join(cfg.Engine.DataDir, "audit.log"),
			cfg.Safety.Audit.Enabled,
			cfg.Safety.Audit.RedactPatterns,
		)
		if err != nil {
			return err
		}

		filter := &safety.AuditFilter{}
		filter.SandboxID, _ = cmd.Flags().GetString("sandbox")
		filter.Level, _ = cmd.Flags().GetString("level")
		filter.Action, _ = cmd.Flags().GetString("action")
		if sinceStr, _ := cmd.Flags().GetString("since"); sinceStr != "" {
			since, err := time.ParseDuration(sinceStr)
			if err != nil {
				return fmt.Errorf("invalid --since: %w", err)
			}
			filter.Since = time.Now().Add(-since)
		}

		entries, err := auditLogger.Query(context.Background(), filter)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			fmt.Println("No audit entries found.")
			return nil
		}

		asJSON, _ := cmd.Flags().GetBool("json")
		if asJSON {
			return printJSON(entries)
		}
		fmt.Println(renderAuditTable(entries))
		return nil
	},
}

func init() {
	auditCmd.Flags().String("sandbox", "", "filter by sandbox ID")
	auditCmd.Flags().String("level", "", "filter by risk level")
	auditCmd.Flags().String("action", "", "filter by action (allowed, blocked, overridden, auto_rollback)")
	auditCmd.Flags().String("since", "", "only entries newer than this duration (e.g. 24h)")
	auditCmd.Flags().Bool("json", false, "output as JSON")

	rootCmd.AddCommand(auditCmd)
}

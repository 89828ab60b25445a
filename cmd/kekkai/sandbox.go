package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/harunnryd/kekkai/internal/engine"
	"github.com/harunnryd/kekkai/internal/limits"
	"github.com/harunnryd/kekkai/internal/safety"
	"github.com/harunnryd/kekkai/internal/sandbox"
	"github.com/harunnryd/kekkai/internal/state"

	"github.com/spf13/cobra"
)

var sandboxCmd = &cobra.Command{
	Use:   "sandbox",
	Short: "Manage sandboxes",
	Long:  `Create, inspect and control sandbox lifecycles.`,
}

var sandboxCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create a sandbox",
	Long:  `Provision a new sandbox and bring it to running. Limits not given as flags fall back to the resource_limits config section.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		boxCfg := sandbox.Config{
			Limits: limits.ResourceLimits{
				CPUPercent: cfg.Resources.CPUPercent,
				MemoryMB:   cfg.Resources.MemoryMB,
				DiskMB:     cfg.Resources.DiskMB,
				Network: limits.NetworkPolicy{
					AllowExternal: cfg.Resources.Network.AllowExternal,
				},
			},
			MaxSnapshots:      cfg.Safety.MaxSnapshots,
			CompressSnapshots: cfg.Safety.CompressSnapshots,
		}
		if cmd.Flags().Changed("cpu") {
			boxCfg.Limits.CPUPercent, _ = cmd.Flags().GetFloat64("cpu")
		}
		if cmd.Flags().Changed("memory") {
			boxCfg.Limits.MemoryMB, _ = cmd.Flags().GetInt64("memory")
		}
		if cmd.Flags().Changed("disk") {
			boxCfg.Limits.DiskMB, _ = cmd.Flags().GetInt64("disk")
		}
		if cmd.Flags().Changed("allow-network") {
			boxCfg.Limits.Network.AllowExternal, _ = cmd.Flags().GetBool("allow-network")
		}
		if cmd.Flags().Changed("max-snapshots") {
			boxCfg.MaxSnapshots, _ = cmd.Flags().GetInt("max-snapshots")
		}

		return withEngine(func(ctx context.Context, core *engine.Core) error {
			sb, err := core.Create(ctx, args[0], boxCfg)
			if err != nil {
				return err
			}
			fmt.Printf("✓ Sandbox created: %s (%s)\n", sb.Name, sb.ID)
			return nil
		})
	},
}

var sandboxListCmd = &cobra.Command{
	Use:   "list",
	Short: "List sandboxes",
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		return withEngine(func(ctx context.Context, core *engine.Core) error {
			boxes := core.List()
			if asJSON {
				records := make([]state.Record, 0, len(boxes))
				for _, sb := range boxes {
					records = append(records, state.RecordOf(sb))
				}
				return printJSON(records)
			}
			fmt.Println(renderSandboxTable(boxes))
			return nil
		})
	},
}

var sandboxShowCmd = &cobra.Command{
	Use:   "show [sandbox]",
	Short: "Show one sandbox in detail",
	Long:  `Display a sandbox's configuration, a fresh health sample and its execution statistics.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")
		return withEngine(func(ctx context.Context, core *engine.Core) error {
			sb, err := core.Get(args[0])
			if err != nil {
				return err
			}

			core.Monitor().Collect()
			report, sampled := core.Monitor().Latest(sb.ID)
			stats, _ := core.Monitor().Stats(sb.ID)

			if asJSON {
				out := map[string]any{"sandbox": state.RecordOf(sb), "stats": stats}
				if sampled {
					out["health"] = report
				}
				return printJSON(out)
			}

			fmt.Println(renderSandboxDetail(sb, report, sampled, stats))
			return nil
		})
	},
}

var sandboxPauseCmd = &cobra.Command{
	Use:   "pause [sandbox]",
	Short: "Pause a sandbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, core *engine.Core) error {
			if err := core.Pause(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("✓ Sandbox paused: %s\n", args[0])
			return nil
		})
	},
}

var sandboxResumeCmd = &cobra.Command{
	Use:   "resume [sandbox]",
	Short: "Resume a paused sandbox",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, core *engine.Core) error {
			if err := core.Resume(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("✓ Sandbox resumed: %s\n", args[0])
			return nil
		})
	},
}

var sandboxDestroyCmd = &cobra.Command{
	Use:   "destroy [sandbox]",
	Short: "Destroy a sandbox",
	Long:  `Tear the sandbox down and remove its persisted records and snapshots. Destroy is idempotent.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withEngine(func(ctx context.Context, core *engine.Core) error {
			if err := core.Destroy(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("✓ Sandbox destroyed: %s\n", args[0])
			return nil
		})
	},
}

var sandboxExecCmd = &cobra.Command{
	Use:   "exec [sandbox] [command...]",
	Short: "Execute a command inside a sandbox",
	Long:  `Run one command inside a running sandbox. The command is risk-assessed first; blocked operations need --override together with --actor and --reason.`,
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ref := args[0]
		command := strings.Join(args[1:], " ")

		op := engine.Operation{Command: command}

		if timeoutStr, _ := cmd.Flags().GetString("timeout"); timeoutStr != "" {
			timeout, err := time.ParseDuration(timeoutStr)
			if err != nil {
				return fmt.Errorf("invalid --timeout: %w", err)
			}
			op.Timeout = timeout
		}

		envPairs, _ := cmd.Flags().GetStringArray("env")
		if len(envPairs) > 0 {
			op.Env = make(map[string]string, len(envPairs))
			for _, pair := range envPairs {
				key, value, ok := strings.Cut(pair, "=")
				if !ok || key == "" {
					return fmt.Errorf("invalid --env %q, want KEY=VALUE", pair)
				}
				op.Env[key] = value
			}
		}

		if override, _ := cmd.Flags().GetBool("override"); override {
			actor, _ := cmd.Flags().GetString("actor")
			reason, _ := cmd.Flags().GetString("reason")
			op.Override = &safety.Override{Approved: true, Actor: actor, Reason: reason}
		}

		return withEngine(func(ctx context.Context, core *engine.Core) error {
			result, err := core.Execute(ctx, ref, op)
			if result != nil {
				if result.Stdout != "" {
					fmt.Print(result.Stdout)
				}
				if result.Stderr != "" {
					fmt.Fprint(cmd.ErrOrStderr(), result.Stderr)
				}
			}
			if err != nil {
				return err
			}
			if result.ExitCode != 0 {
				return fmt.Errorf("command exited with code %d", result.ExitCode)
			}
			return nil
		})
	},
}

func init() {
	sandboxCreateCmd.Flags().Float64("cpu", 0, "CPU limit in percent (100 = one core)")
	sandboxCreateCmd.Flags().Int64("memory", 0, "memory limit in MB")
	sandboxCreateCmd.Flags().Int64("disk", 0, "disk limit in MB")
	sandboxCreateCmd.Flags().Bool("allow-network", false, "allow external network access")
	sandboxCreateCmd.Flags().Int("max-snapshots", 0, "snapshot cap for this sandbox")

	sandboxListCmd.Flags().Bool("json", false, "output as JSON")
	sandboxShowCmd.Flags().Bool("json", false, "output as JSON")

	sandboxExecCmd.Flags().StringP("timeout", "t", "", "execution timeout (default is engine.execute_timeout)")
	sandboxExecCmd.Flags().StringArrayP("env", "e", nil, "environment variable KEY=VALUE (repeatable)")
	sandboxExecCmd.Flags().Bool("override", false, "run the command even if it is blocked")
	sandboxExecCmd.Flags().String("actor", "", "who approves the override")
	sandboxExecCmd.Flags().String("reason", "", "why the override is justified")

	sandboxCmd.AddCommand(sandboxCreateCmd)
	sandboxCmd.AddCommand(sandboxListCmd)
	sandboxCmd.AddCommand(sandboxShowCmd)
	sandboxCmd.AddCommand(sandboxPauseCmd)
	sandboxCmd.AddCommand(sandboxResumeCmd)
	sandboxCmd.AddCommand(sandboxDestroyCmd)
	sandboxCmd.AddCommand(sandboxExecCmd)
	rootCmd.AddCommand(sandboxCmd)
}

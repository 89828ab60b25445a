package main

import (
	"fmt"
	"strings"

	"github.com/harunnryd/kekkai/internal/safety"

	"github.com/spf13/cobra"
)

var assessCmd = &cobra.Command{
	Use:   "assess [command...]",
	Short: "Assess a command without running it",
	Long:  `Score a command against the safety rules and report the risk level. Exits non-zero when the command would be blocked. Assessment needs no engine, so it works while a daemon is running.`,
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		command := strings.Join(args, " ")

		validator, err := safety.NewValidator(safety.Options{RulesFile: cfg.Safety.RulesFile})
		if err != nil {
			return err
		}
		blockLevel, err := safety.ParseLevel(cfg.Safety.BlockLevel)
		if err != nil {
			return err
		}

		assessment := validator.Assess(command)

		fmt.Printf("Command: %s\n", command)
		fmt.Printf("Risk:    %s\n", assessment.Level)
		fmt.Printf("Reason:  %s\n", assessment.Reason)
		for _, match := range assessment.Matched {
			fmt.Printf("  - [%s] %s: %s\n", match.Level, match.ID, match.Description)
		}

		if assessment.Level >= blockLevel {
			return fmt.Errorf("command would be blocked at %s risk", assessment.Level)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(assessCmd)
}

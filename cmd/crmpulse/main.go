package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/crmpulse/cmd/crmpulse/commands"
	"github.com/teranos/crmpulse/logger"
)

var rootCmd = &cobra.Command{
	Use:   "crmpulse",
	Short: "crmpulse - CRM job scheduling and dispatch",
	Long: `crmpulse - CRM job scheduling and dispatch.

Runs the CRM background jobs (batch record edits, outgoing email, mailbox
synchronization, job housekeeping) under one scheduler that keeps each
owner within their concurrent-job limit.

Available commands:
  am     - Manage crmpulse configuration ("I am")
  db     - Manage the crmpulse database
  jobs   - Create and inspect jobs
  outbox - Queue outgoing email
  pulse  - Run the scheduler daemon

Examples:
  crmpulse am init                          # Write a fresh am.toml
  crmpulse pulse start                      # Start the scheduler daemon
  crmpulse jobs create batch-process --owner ada --data-file edit.yaml --start
  crmpulse jobs ls --status wait            # List waiting jobs`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// 'am show' prints machine-readable config, keep it free of log lines
		if cmd.Name() == "show" {
			return nil
		}
		verbosity, _ := cmd.Flags().GetCount("verbose")
		jsonLogs, _ := cmd.Flags().GetBool("log-json")
		if err := logger.InitializeWithLevel(jsonLogs, logger.VerbosityToLevel(verbosity)); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity (repeat for more detail: -v, -vv, -vvv)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Emit JSON log lines (for running under a supervisor)")

	rootCmd.AddCommand(commands.AmCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.JobsCmd)
	rootCmd.AddCommand(commands.OutboxCmd)
	rootCmd.AddCommand(commands.PulseCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

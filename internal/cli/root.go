package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "acc",
	Short: "Automatic orchestration loop for the claude CLI",
	Long: `acc drives the claude CLI in a loop: it executes a prompt, parses the
output, decides whether the task is complete, failed, or needs another
iteration, and builds the next prompt until a terminal state is reached.

With --dual-agent a manager breaks the task down and a worker implements
each item, escalating back to the manager when it gets stuck.

Running 'acc <task>' without a subcommand is equivalent to 'acc run <task>'.`,
	Args:          cobra.ArbitraryArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default behavior: run the 'run' command
		return runCmd.RunE(cmd, args)
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(sessionsCmd)
	rootCmd.AddCommand(initCmd)

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to acc.json config file (default: search up directory tree)")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error); overrides the config file")
	rootCmd.PersistentFlags().String("data-dir", "", "Directory for session records and logs; overrides the config file")

	addRunFlags(rootCmd)
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

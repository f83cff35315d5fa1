// Package cli handles the command-line interface logic
// using the Cobra library.
package cli

import (
	"github.com/spf13/cobra"
)

type rootOptions struct {
	ConfigFile string
	LogLevel   string
}

func NewRootCmd() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:   "pagesync",
		Short: "pagesync - checkpointed extraction from cursor-paginated APIs",
		Long: `pagesync extracts records from cursor-paginated vendor APIs into a database.
Every job checkpoints its position, so a cancelled, paused or failed job
resumes where it stopped instead of starting over.`,
		SilenceUsage: true,
		Run: func(cmd *cobra.Command, args []string) {
			cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "Path to a TOML config file")
	rootCmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "Override logging.level")

	rootCmd.AddCommand(
		NewMigrateCmd(opts),
		newSubmitCmd(opts),
		newRunCmd(opts),
		newResumeCmd(opts),
		newCancelCmd(opts),
		newPauseCmd(opts),
		newStatusCmd(opts),
		newJobsCmd(opts),
		newWorkerCmd(opts),
		newSweepCmd(opts),
		newCleanupCmd(opts),
	)

	return rootCmd
}

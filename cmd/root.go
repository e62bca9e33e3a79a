package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "fitbot",
	Short: "WhatsApp fitness bot webhook gateway",
	Long: "fitbot receives messaging-provider webhooks, acknowledges them immediately, " +
		"deduplicates retried deliveries and dispatches messages to a worker pool.",
	SilenceUsage: true,
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

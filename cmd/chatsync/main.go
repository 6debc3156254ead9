package main

import (
	"os"

	"github.com/spf13/cobra"
)

// ============================================================================
// Root command
// ============================================================================

var verbose bool

var rootCmd = &cobra.Command{
	Use:   "chatsync",
	Short: "Vendor/client chat from the terminal",
	Long: "Command-line client for the wedding marketplace chat service.\n" +
		"List rooms, follow a conversation live, and send messages.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log sync engine activity to stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

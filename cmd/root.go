package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "ruabot",
	Short: "RuaBot chat-bot platform core",
	Long:  "RuaBot bridges a OneBot-compatible chat network to a supervised plugin worker process.",
}

// Execute runs the root command tree.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/teranos/beacon/cmd/beacon/commands"
	"github.com/teranos/beacon/logger"
)

var rootCmd = &cobra.Command{
	Use:   "beacon",
	Short: "beacon - publish/subscribe event relay",
	Long: `beacon - a publish/subscribe event relay over WebSocket.

Clients publish signed events and open filtered subscriptions; beacon
stores accepted events in SQLite and fans matching events out to live
subscriptions.

Examples:
  beacon serve             # Start the relay
  beacon db stats          # Show event store statistics`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json-logs")
		if err := logger.Initialize(jsonOutput); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit logs as JSON instead of console output")
	rootCmd.PersistentFlags().String("config", "", "Path to config file (default: search for beacon.toml)")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.DbCmd)
	rootCmd.AddCommand(commands.VersionCmd)
}

func main() {
	defer logger.Cleanup()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

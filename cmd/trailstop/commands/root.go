package commands

import (
	"github.com/spf13/cobra"
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "trailstop",
	Short: "Trailing-stop trading service",
	Long: `trailstop - buy once, trail the peak price, sell on drawdown.

Opens market positions against the exchange, tracks each position's
high-water mark on a fixed schedule and liquidates when the price falls
a configured percentage below the peak.

Usage:
  go run ./cmd/trailstop [command]

Examples:
  go run ./cmd/trailstop serve
  go run ./cmd/trailstop open XBTUSD --notional 100 --stop 5
  go run ./cmd/trailstop close XBTUSD --percent 100
  go run ./cmd/trailstop status`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main().
func Execute() error {
	return rootCmd.Execute()
}

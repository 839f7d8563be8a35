package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tradekit/trailstop/internal/engine"
)

var (
	openNotional float64
	openQuantity float64
	openStop     float64
	closePercent float64
)

// openCmd opens a new trailing-stop position
var openCmd = &cobra.Command{
	Use:   "open [instrument]",
	Short: "Open a trailing-stop position",
	Long: `Opens a market-buy position and registers it for trailing-stop
monitoring. Size the order with either --notional (quote currency) or
--quantity (base asset), not both.

Example:
  go run ./cmd/trailstop open XBTUSD --notional 100 --stop 5
  go run ./cmd/trailstop open ETHUSD --quantity 0.5 --stop 7.5`,
	Args: cobra.ExactArgs(1),
	RunE: runOpen,
}

// closeCmd manually closes an active position
var closeCmd = &cobra.Command{
	Use:   "close [instrument]",
	Short: "Close (part of) an active position",
	Long: `Sells a percentage of the exchange-held base asset and marks the
instrument's active position as manually closed.

Example:
  go run ./cmd/trailstop close XBTUSD --percent 100
  go run ./cmd/trailstop close ETHUSD --percent 50`,
	Args: cobra.ExactArgs(1),
	RunE: runClose,
}

func init() {
	rootCmd.AddCommand(openCmd)
	rootCmd.AddCommand(closeCmd)

	openCmd.Flags().Float64Var(&openNotional, "notional", 0, "order size in quote currency")
	openCmd.Flags().Float64Var(&openQuantity, "quantity", 0, "order size in base asset")
	openCmd.Flags().Float64Var(&openStop, "stop", 0, "trailing-stop distance in percent (default from config)")

	closeCmd.Flags().Float64Var(&closePercent, "percent", 100, "percentage of holdings to sell")
}

func runOpen(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	stop := openStop
	if stop == 0 {
		stop = a.cfg.Trading.DefaultStopPercent
	}

	result, err := a.engine.OpenPosition(ctx, engine.OpenParams{
		Instrument:  args[0],
		Notional:    openNotional,
		Quantity:    openQuantity,
		StopPercent: stop,
	})
	if err != nil {
		return err
	}

	if result.Skipped {
		fmt.Printf("Skipped: %s\n", result.SkipReason)
		return nil
	}

	fmt.Printf("Opened %s\n", result.Instrument)
	fmt.Printf("  Position: %s\n", result.PositionID)
	fmt.Printf("  Quantity: %.8f\n", result.Quantity)
	fmt.Printf("  Entry:    %.8f\n", result.EntryPrice)
	fmt.Printf("  Stop:     %.2f%% below peak\n", stop)
	return nil
}

func runClose(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	result, err := a.engine.ClosePosition(ctx, args[0], closePercent)
	if err != nil {
		return err
	}

	fmt.Printf("Closed %s\n", result.Instrument)
	fmt.Printf("  Position: %s\n", result.PositionID)
	fmt.Printf("  Sold:     %.8f\n", result.QuantitySold)
	fmt.Printf("  Exit:     %.8f\n", result.ExitPrice)
	fmt.Printf("  Profit:   %.2f%%\n", result.ProfitPercent)
	return nil
}

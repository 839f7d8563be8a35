package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// statusCmd shows active positions
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show active positions",
	RunE:  runStatus,
}

// summaryCmd shows aggregates over closed positions
var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Show profit summary over closed positions",
	RunE:  runSummary,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(summaryCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	positions, err := a.engine.ActivePositions(ctx)
	if err != nil {
		return err
	}

	if len(positions) == 0 {
		fmt.Println("No active positions")
		return nil
	}

	fmt.Printf("Active positions: %d\n\n", len(positions))
	for _, p := range positions {
		fmt.Printf("%s  %s\n", p.Instrument, p.ID)
		fmt.Printf("  Quantity: %.8f\n", p.Quantity)
		fmt.Printf("  Entry:    %.8f\n", p.EntryPrice)
		fmt.Printf("  Peak:     %.8f\n", p.HighWaterMark)
		fmt.Printf("  Stop:     %.8f (%.2f%% below peak)\n", p.StopPrice(), p.StopPercent)
		fmt.Printf("  Opened:   %s\n\n", p.OpenedAt.Format("2006-01-02 15:04:05"))
	}

	return nil
}

func runSummary(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	summary, err := a.engine.Summary(ctx)
	if err != nil {
		return err
	}

	fmt.Println("Closed position summary")
	fmt.Printf("  Total closed:   %d\n", summary.TotalClosed)
	fmt.Printf("  Total profit:   %.2f%%\n", summary.TotalProfitPercent)
	fmt.Printf("  Average profit: %.2f%%\n", summary.AverageProfitPercent)
	fmt.Printf("  Winners:        %d\n", summary.Winners)
	fmt.Printf("  Losers:         %d\n", summary.Losers)
	return nil
}

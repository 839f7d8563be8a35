package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tradekit/trailstop/internal/scheduler"
	"github.com/tradekit/trailstop/internal/scheduler/jobs"
)

// monitorCmd represents the monitor command
var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Run the position monitor without the API server",
	Long: `Runs only the trailing-stop monitor daemon. Useful when the API
is served by another instance and this process should just re-price
open positions on schedule.

Example:
  go run ./cmd/trailstop monitor`,
	RunE: runMonitor,
}

var monitorOnce bool

func init() {
	rootCmd.AddCommand(monitorCmd)

	monitorCmd.Flags().BoolVar(&monitorOnce, "once", false, "run a single tick and exit")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	tickJob := jobs.NewTickJob(a.engine, a.cfg, a.log)

	if monitorOnce {
		return tickJob.Run(ctx)
	}

	sched := scheduler.New(a.log)
	if err := sched.AddJob(tickJob); err != nil {
		return fmt.Errorf("register tick job: %w", err)
	}
	sched.Start()

	fmt.Printf("Monitor running (schedule %q)\n", a.cfg.Monitor.Schedule)
	fmt.Println("Press Ctrl+C to stop")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	sched.Stop()

	for name, stat := range sched.GetJobStats() {
		fmt.Printf("%s: %d runs, %d failed (success %.1f%%)\n",
			name, stat.TotalRuns, stat.FailureCount, stat.SuccessRate*100)
	}
	return nil
}

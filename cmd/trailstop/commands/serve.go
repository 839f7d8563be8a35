package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tradekit/trailstop/internal/api"
	"github.com/tradekit/trailstop/internal/api/handlers"
	"github.com/tradekit/trailstop/internal/scheduler"
	"github.com/tradekit/trailstop/internal/scheduler/jobs"
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the API server and position monitor",
	Long: `Starts the REST API server together with the trailing-stop monitor.

Endpoints:
  GET    /health                 - Health check
  POST   /api/positions/open     - Open a position
  POST   /api/positions/close    - Close a position
  GET    /api/positions/active   - Active positions
  GET    /api/positions/history  - Closed positions
  GET    /api/positions          - All positions
  DELETE /api/positions/{id}     - Delete a position (maintenance)
  GET    /api/jobs               - Scheduled job statistics
  POST   /api/jobs/{name}/run    - Trigger a job immediately
  GET    /api/jobs/{name}/history - Recent job runs
  GET    /api/summary            - Profit summary
  GET    /api/status             - Service status

Example:
  go run ./cmd/trailstop serve
  go run ./cmd/trailstop serve --port 8090`,
	RunE: runServe,
}

var servePort string

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&servePort, "port", "", "API server port (overrides PORT)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	if servePort != "" {
		a.cfg.Port = servePort
	}

	a.log.WithFields(map[string]interface{}{
		"port":     a.cfg.Port,
		"schedule": a.cfg.Monitor.Schedule,
	}).Info("Initializing trailstop")

	// Scheduler with the monitoring tick
	sched := scheduler.New(a.log)
	if err := sched.AddJob(jobs.NewTickJob(a.engine, a.cfg, a.log)); err != nil {
		return fmt.Errorf("register tick job: %w", err)
	}
	sched.Start()

	// HTTP server
	positionHandler := handlers.NewPositionHandler(a.engine, a.cfg, a.log)
	schedulerHandler := handlers.NewSchedulerHandler(sched, a.log)
	router := api.NewRouter(positionHandler, schedulerHandler, a.log)
	server := api.New(a.cfg, a.log, router)

	go func() {
		if err := server.Start(); err != nil {
			a.log.WithError(err).Fatal("Failed to start server")
		}
	}()

	fmt.Printf("Server running on http://localhost:%s\n", a.cfg.Port)
	fmt.Println("Press Ctrl+C to stop")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	a.log.Info("Shutting down...")
	sched.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	a.log.Info("Stopped")
	return nil
}

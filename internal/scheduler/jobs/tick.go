// Package jobs contains the scheduled jobs driving the position monitor.
package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/tradekit/trailstop/internal/engine"
	"github.com/tradekit/trailstop/pkg/config"
	"github.com/tradekit/trailstop/pkg/logger"
)

// TickJob drives the engine's monitoring pass on a fixed schedule. When a
// pass is still running as the next one fires, the new invocation is
// skipped; the engine's conditional updates make an overlap harmless, but
// there is no point stacking identical passes.
type TickJob struct {
	engine   *engine.Engine
	schedule string
	timeout  time.Duration
	logger   *logger.Logger

	mu sync.Mutex
}

// NewTickJob creates a new tick job
func NewTickJob(eng *engine.Engine, cfg *config.Config, log *logger.Logger) *TickJob {
	return &TickJob{
		engine:   eng,
		schedule: cfg.Monitor.Schedule,
		timeout:  cfg.Monitor.TickTimeout,
		logger:   log,
	}
}

// Name returns the job name
func (j *TickJob) Name() string {
	return "position_tick"
}

// Schedule returns the cron schedule expression
func (j *TickJob) Schedule() string {
	return j.schedule
}

// Run executes one monitoring pass, bounded by the configured timeout
func (j *TickJob) Run(ctx context.Context) error {
	if !j.mu.TryLock() {
		j.logger.Warn("Previous tick still running, skipping this invocation")
		return nil
	}
	defer j.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, j.timeout)
	defer cancel()

	report, err := j.engine.Tick(ctx)
	if err != nil {
		return err
	}

	if report.Checked > 0 {
		j.logger.WithFields(map[string]interface{}{
			"checked":  report.Checked,
			"exits":    report.Exits,
			"errored":  report.Errored,
			"failures": report.Failures,
		}).Info("Monitoring tick completed")
	}

	return nil
}

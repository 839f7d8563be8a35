package handlers

import (
	"net/http"
	"sort"

	"github.com/gorilla/mux"

	"github.com/tradekit/trailstop/internal/scheduler"
	"github.com/tradekit/trailstop/pkg/logger"
)

// SchedulerHandler exposes the scheduler's job registry: stats, run
// history and on-demand triggering.
type SchedulerHandler struct {
	scheduler *scheduler.Scheduler
	logger    *logger.Logger
}

// NewSchedulerHandler creates a new scheduler handler
func NewSchedulerHandler(sched *scheduler.Scheduler, log *logger.Logger) *SchedulerHandler {
	return &SchedulerHandler{
		scheduler: sched,
		logger:    log,
	}
}

// ListJobs returns statistics for every registered job
// GET /api/jobs
func (h *SchedulerHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	names := h.scheduler.GetAllJobs()
	sort.Strings(names)

	stats := h.scheduler.GetJobStats()

	jobs := make([]scheduler.JobStats, 0, len(names))
	for _, name := range names {
		jobs = append(jobs, stats[name])
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// Run triggers a job immediately, outside its schedule
// POST /api/jobs/{name}/run
func (h *SchedulerHandler) Run(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	if err := h.scheduler.RunJob(name); err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}

	h.logger.WithField("job", name).Info("Job triggered via API")

	// The job runs in the background; completion shows up in its history
	respondJSON(w, http.StatusAccepted, map[string]string{"triggered": name})
}

// History returns recent runs of a job
// GET /api/jobs/{name}/history
func (h *SchedulerHandler) History(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	history, err := h.scheduler.GetJobHistory(name)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"job":          name,
		"results":      history.GetLatestResults(20),
		"success_rate": history.GetSuccessRate(),
	})
}

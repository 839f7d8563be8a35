package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/tradekit/trailstop/internal/engine"
	"github.com/tradekit/trailstop/internal/exchange"
	"github.com/tradekit/trailstop/internal/position"
	"github.com/tradekit/trailstop/pkg/config"
	"github.com/tradekit/trailstop/pkg/logger"
)

// PositionHandler handles position API endpoints
type PositionHandler struct {
	engine    *engine.Engine
	logger    *logger.Logger
	startedAt time.Time

	defaultStopPercent float64
}

// NewPositionHandler creates a new position handler
func NewPositionHandler(eng *engine.Engine, cfg *config.Config, log *logger.Logger) *PositionHandler {
	return &PositionHandler{
		engine:             eng,
		logger:             log,
		startedAt:          time.Now(),
		defaultStopPercent: cfg.Trading.DefaultStopPercent,
	}
}

// OpenRequest is the open-position request body. StopPercent may be omitted
// to use the configured default.
type OpenRequest struct {
	Instrument  string   `json:"instrument"`
	Notional    float64  `json:"notional,omitempty"`
	Quantity    float64  `json:"quantity,omitempty"`
	StopPercent *float64 `json:"stop_percent,omitempty"`
}

// CloseRequest is the close-position request body
type CloseRequest struct {
	Instrument        string  `json:"instrument"`
	PercentOfHoldings float64 `json:"percent_of_holdings"`
}

// Open opens a new trailing-stop position
// POST /api/positions/open
func (h *PositionHandler) Open(w http.ResponseWriter, r *http.Request) {
	var req OpenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	stopPercent := h.defaultStopPercent
	if req.StopPercent != nil {
		stopPercent = *req.StopPercent
	}

	result, err := h.engine.OpenPosition(r.Context(), engine.OpenParams{
		Instrument:  req.Instrument,
		Notional:    req.Notional,
		Quantity:    req.Quantity,
		StopPercent: stopPercent,
	})
	if err != nil {
		h.respondEngineError(w, err, "Failed to open position")
		return
	}

	if result.Skipped {
		respondJSON(w, http.StatusOK, result)
		return
	}

	respondJSON(w, http.StatusCreated, result)
}

// Close manually closes (part of) an active position
// POST /api/positions/close
func (h *PositionHandler) Close(w http.ResponseWriter, r *http.Request) {
	var req CloseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	result, err := h.engine.ClosePosition(r.Context(), req.Instrument, req.PercentOfHoldings)
	if err != nil {
		h.respondEngineError(w, err, "Failed to close position")
		return
	}

	respondJSON(w, http.StatusOK, result)
}

// ListActive returns all active positions
// GET /api/positions/active
func (h *PositionHandler) ListActive(w http.ResponseWriter, r *http.Request) {
	positions, err := h.engine.ActivePositions(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to list active positions")
		respondError(w, http.StatusInternalServerError, "Failed to retrieve positions")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"positions": positions,
		"count":     len(positions),
	})
}

// ListHistory returns all non-active positions
// GET /api/positions/history
func (h *PositionHandler) ListHistory(w http.ResponseWriter, r *http.Request) {
	positions, err := h.engine.History(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to list position history")
		respondError(w, http.StatusInternalServerError, "Failed to retrieve positions")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"positions": positions,
		"count":     len(positions),
	})
}

// ListAll returns every position
// GET /api/positions
func (h *PositionHandler) ListAll(w http.ResponseWriter, r *http.Request) {
	positions, err := h.engine.AllPositions(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to list positions")
		respondError(w, http.StatusInternalServerError, "Failed to retrieve positions")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"positions": positions,
		"count":     len(positions),
	})
}

// Delete removes a position by id (administrative maintenance)
// DELETE /api/positions/{id}
func (h *PositionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := h.engine.DeletePosition(r.Context(), id); err != nil {
		if errors.Is(err, position.ErrNotFound) {
			respondError(w, http.StatusNotFound, "Position not found")
			return
		}
		h.logger.WithError(err).Error("Failed to delete position")
		respondError(w, http.StatusInternalServerError, "Failed to delete position")
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

// Summary returns aggregates over closed positions
// GET /api/summary
func (h *PositionHandler) Summary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.engine.Summary(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to get summary")
		respondError(w, http.StatusInternalServerError, "Failed to retrieve summary")
		return
	}

	respondJSON(w, http.StatusOK, summary)
}

// Status returns service status
// GET /api/status
func (h *PositionHandler) Status(w http.ResponseWriter, r *http.Request) {
	positions, err := h.engine.ActivePositions(r.Context())
	if err != nil {
		h.logger.WithError(err).Error("Failed to get status")
		respondError(w, http.StatusInternalServerError, "Failed to retrieve status")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"active_count": len(positions),
		"uptime":       time.Since(h.startedAt).String(),
	})
}

// respondEngineError maps engine errors onto HTTP status codes
func (h *PositionHandler) respondEngineError(w http.ResponseWriter, err error, fallback string) {
	var rejected *exchange.RejectedError

	switch {
	case errors.Is(err, engine.ErrInvalidInput), errors.Is(err, exchange.ErrPairNotFound):
		respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, engine.ErrNoActivePosition):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, exchange.ErrUnavailable):
		h.logger.WithError(err).Warn("Exchange unavailable")
		respondError(w, http.StatusBadGateway, err.Error())
	case errors.As(err, &rejected):
		h.logger.WithError(err).Warn("Exchange rejected order")
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, engine.ErrStoreDivergence):
		h.logger.WithError(err).Error("Store/exchange divergence")
		respondError(w, http.StatusInternalServerError, err.Error())
	default:
		h.logger.WithError(err).Error(fallback)
		respondError(w, http.StatusInternalServerError, fallback)
	}
}

// Helper functions

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}

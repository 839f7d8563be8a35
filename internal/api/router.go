package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/tradekit/trailstop/internal/api/handlers"
	"github.com/tradekit/trailstop/pkg/logger"
)

// NewRouter creates and configures the HTTP router
func NewRouter(positionHandler *handlers.PositionHandler, schedulerHandler *handlers.SchedulerHandler, log *logger.Logger) http.Handler {
	r := mux.NewRouter()

	// Health check
	r.HandleFunc("/health", healthCheckHandler).Methods("GET")

	// API v1
	api := r.PathPrefix("/api").Subrouter()

	// Position endpoints
	api.HandleFunc("/positions/open", positionHandler.Open).Methods("POST")
	api.HandleFunc("/positions/close", positionHandler.Close).Methods("POST")
	api.HandleFunc("/positions/active", positionHandler.ListActive).Methods("GET")
	api.HandleFunc("/positions/history", positionHandler.ListHistory).Methods("GET")
	api.HandleFunc("/positions", positionHandler.ListAll).Methods("GET")
	api.HandleFunc("/positions/{id}", positionHandler.Delete).Methods("DELETE")

	// Scheduled job endpoints
	api.HandleFunc("/jobs", schedulerHandler.ListJobs).Methods("GET")
	api.HandleFunc("/jobs/{name}/run", schedulerHandler.Run).Methods("POST")
	api.HandleFunc("/jobs/{name}/history", schedulerHandler.History).Methods("GET")

	// Aggregates
	api.HandleFunc("/summary", positionHandler.Summary).Methods("GET")
	api.HandleFunc("/status", positionHandler.Status).Methods("GET")

	// Apply middleware
	r.Use(loggingMiddleware(log))
	r.Use(recoveryMiddleware(log))

	return r
}

// healthCheckHandler returns server health status
func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":  "ok",
		"service": "trailstop-api",
	})
}

// loggingMiddleware logs HTTP requests
func loggingMiddleware(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			next.ServeHTTP(w, r)

			log.WithFields(map[string]interface{}{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(start),
			}).Debug("HTTP request")
		})
	}
}

// recoveryMiddleware recovers from panics
func recoveryMiddleware(log *logger.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					log.WithFields(map[string]interface{}{
						"error": err,
						"path":  r.URL.Path,
					}).Error("Panic recovered")

					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					json.NewEncoder(w).Encode(map[string]string{
						"error": "Internal server error",
					})
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}

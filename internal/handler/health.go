package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/sakif/cellrunner/internal/executor"
)

// StatsSource reports pool occupancy and the backend in use.
type StatsSource interface {
	Backend() string
	Stats() executor.PoolStats
}

// Pinger checks a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthResponse is the body of /healthz.
type HealthResponse struct {
	Status   string              `json:"status"`
	Backend  string              `json:"backend,omitempty"`
	Pool     *executor.PoolStats `json:"pool,omitempty"`
	Database string              `json:"database,omitempty"`
}

// HealthHandler reports liveness of the executor and the audit store.
type HealthHandler struct {
	engine StatsSource
	db     Pinger
	logger *slog.Logger
}

// NewHealthHandler creates a new HealthHandler. Either dependency may be nil.
func NewHealthHandler(engine StatsSource, db Pinger, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{engine: engine, db: db, logger: logger}
}

// HandleHealth returns 200 when the executor is available and the database
// answers, 503 otherwise.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Status: "ok"}
	status := http.StatusOK

	if h.engine == nil {
		resp.Status = "degraded"
		status = http.StatusServiceUnavailable
	} else {
		stats := h.engine.Stats()
		resp.Backend = h.engine.Backend()
		resp.Pool = &stats
	}

	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			h.logger.Error("database health check failed", slog.String("error", err.Error()))
			resp.Database = "unreachable"
			resp.Status = "degraded"
			status = http.StatusServiceUnavailable
		} else {
			resp.Database = "ok"
		}
	}

	writeJSON(w, status, resp)
}

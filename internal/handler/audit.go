package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/sakif/cellrunner/internal/apperror"
	"github.com/sakif/cellrunner/internal/model"
	"github.com/sakif/cellrunner/internal/repository"
)

// AuditReader is the read side of the audit log. *service.AuditService
// satisfies it.
type AuditReader interface {
	ListIncidents(ctx context.Context, limit, offset int) ([]model.Incident, error)
	ListExecutions(ctx context.Context, outcome string, since time.Time, limit, offset int) ([]model.Execution, error)
	GetExecution(ctx context.Context, id string) (*model.Execution, error)
	Summary(ctx context.Context, window time.Duration) ([]repository.OutcomeCount, error)
}

// AuditHandler exposes recorded executions and sandbox incidents to
// operators.
type AuditHandler struct {
	audit AuditReader
}

// NewAuditHandler creates a new AuditHandler.
func NewAuditHandler(audit AuditReader) *AuditHandler {
	return &AuditHandler{audit: audit}
}

// SummaryResponse is the outcome breakdown over a window.
type SummaryResponse struct {
	Window   string                    `json:"window"`
	Total    int64                     `json:"total"`
	Outcomes []repository.OutcomeCount `json:"outcomes"`
}

func pageParams(r *http.Request) (limit, offset int, err error) {
	if limit, err = intQuery(r, "limit"); err != nil {
		return 0, 0, err
	}
	if offset, err = intQuery(r, "offset"); err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}

// HandleListIncidents handles GET /api/incidents?limit=&offset=.
func (h *AuditHandler) HandleListIncidents(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	incidents, err := h.audit.ListIncidents(r.Context(), limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if incidents == nil {
		incidents = []model.Incident{}
	}
	writeJSON(w, http.StatusOK, incidents)
}

// HandleListExecutions handles GET /api/executions?outcome=&since=&limit=&offset=.
// since is an RFC 3339 timestamp.
func (h *AuditHandler) HandleListExecutions(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := pageParams(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var since time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		if since, err = time.Parse(time.RFC3339, raw); err != nil {
			writeError(w, apperror.ValidationFailed("since", "since must be an RFC 3339 timestamp"))
			return
		}
	}
	executions, err := h.audit.ListExecutions(r.Context(), r.URL.Query().Get("outcome"), since, limit, offset)
	if err != nil {
		writeError(w, err)
		return
	}
	if executions == nil {
		executions = []model.Execution{}
	}
	writeJSON(w, http.StatusOK, executions)
}

// HandleGetExecution handles GET /api/executions/{id}.
func (h *AuditHandler) HandleGetExecution(w http.ResponseWriter, r *http.Request) {
	exec, err := h.audit.GetExecution(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

// HandleSummary handles GET /api/executions/summary?window=24h.
func (h *AuditHandler) HandleSummary(w http.ResponseWriter, r *http.Request) {
	window := 24 * time.Hour
	if raw := r.URL.Query().Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			writeError(w, apperror.ValidationFailed("window", "window must be a duration such as 24h"))
			return
		}
		window = d
	}
	counts, err := h.audit.Summary(r.Context(), window)
	if err != nil {
		writeError(w, err)
		return
	}
	resp := SummaryResponse{Window: window.String(), Outcomes: counts}
	if resp.Outcomes == nil {
		resp.Outcomes = []repository.OutcomeCount{}
	}
	for _, c := range counts {
		resp.Total += c.Count
	}
	writeJSON(w, http.StatusOK, resp)
}

// Package service contains the business logic between the HTTP layer and
// storage: the execution audit log, sandbox incidents and API key management.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sakif/cellrunner/internal/apperror"
	"github.com/sakif/cellrunner/internal/auth"
	"github.com/sakif/cellrunner/internal/executor"
	"github.com/sakif/cellrunner/internal/model"
	"github.com/sakif/cellrunner/internal/repository"
)

const (
	DefaultListLimit = 20
	MaxListLimit     = 100
	MaxSummaryWindow = 30 * 24 * time.Hour
)

// AuditService persists a row per execution and an incident per sandbox
// violation. It is registered as an executor.Observer.
type AuditService struct {
	executions repository.ExecutionRepository
	incidents  repository.IncidentRepository
	logger     *slog.Logger
}

var _ executor.Observer = (*AuditService)(nil)

// NewAuditService creates an AuditService.
func NewAuditService(executions repository.ExecutionRepository, incidents repository.IncidentRepository, logger *slog.Logger) *AuditService {
	return &AuditService{
		executions: executions,
		incidents:  incidents,
		logger:     logger,
	}
}

// ExecutionFinished implements executor.Observer. Storage failures are
// logged; they never change the result already returned to the caller.
func (s *AuditService) ExecutionFinished(ctx context.Context, rec executor.Record) {
	subject, _ := auth.SubjectFromContext(ctx)
	res := rec.Result

	e := &model.Execution{
		ID:         res.ExecutionID,
		Subject:    subject,
		Backend:    rec.Backend,
		Outcome:    string(res.Outcome),
		Resource:   string(res.Resource),
		CodeBytes:  rec.CodeBytes,
		DurationMs: res.Duration.Milliseconds(),
		Truncated:  res.Truncated,
		Artifacts:  len(res.Visualizations),
		CreatedAt:  rec.StartedAt.UTC(),
	}
	if err := s.executions.RecordExecution(ctx, e); err != nil {
		s.logger.Error("failed to record execution",
			slog.String("executionId", res.ExecutionID),
			slog.String("error", err.Error()),
		)
	}

	if res.Outcome != executor.KindSandboxViolation {
		return
	}
	inc := &model.Incident{
		ExecutionID: res.ExecutionID,
		Subject:     subject,
		Backend:     rec.Backend,
		Detail:      rec.Detail,
		CreatedAt:   rec.StartedAt.UTC(),
	}
	if err := s.incidents.RecordIncident(ctx, inc); err != nil {
		s.logger.Error("failed to record sandbox incident",
			slog.String("executionId", res.ExecutionID),
			slog.Bool("alert", true),
			slog.String("error", err.Error()),
		)
	}
}

func listOptions(limit, offset int) (repository.ListOptions, error) {
	if limit < 0 || limit > MaxListLimit {
		return repository.ListOptions{}, apperror.ValidationFailed("limit",
			fmt.Sprintf("limit must be between 0 and %d", MaxListLimit))
	}
	if offset < 0 {
		return repository.ListOptions{}, apperror.ValidationFailed("offset", "offset must not be negative")
	}
	if limit == 0 {
		limit = DefaultListLimit
	}
	return repository.ListOptions{Limit: limit, Offset: offset}, nil
}

// ListIncidents returns recorded sandbox violations, newest first.
func (s *AuditService) ListIncidents(ctx context.Context, limit, offset int) ([]model.Incident, error) {
	opts, err := listOptions(limit, offset)
	if err != nil {
		return nil, err
	}
	return s.incidents.ListIncidents(ctx, opts)
}

var knownOutcomes = map[string]bool{
	string(executor.KindSuccess):          true,
	string(executor.KindRuntimeFailure):   true,
	string(executor.KindTimeout):          true,
	string(executor.KindResourceExceeded): true,
	string(executor.KindSandboxViolation): true,
}

// ListExecutions returns audit rows, newest first, optionally filtered by
// outcome.
func (s *AuditService) ListExecutions(ctx context.Context, outcome string, since time.Time, limit, offset int) ([]model.Execution, error) {
	if outcome != "" && !knownOutcomes[outcome] {
		return nil, apperror.ValidationFailed("outcome", fmt.Sprintf("unknown outcome %q", outcome))
	}
	opts, err := listOptions(limit, offset)
	if err != nil {
		return nil, err
	}
	return s.executions.ListExecutions(ctx, repository.ExecutionFilter{Outcome: outcome, Since: since}, opts)
}

// GetExecution returns one audit row.
func (s *AuditService) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	return s.executions.GetExecution(ctx, id)
}

// Summary counts outcomes over the trailing window.
func (s *AuditService) Summary(ctx context.Context, window time.Duration) ([]repository.OutcomeCount, error) {
	if window <= 0 || window > MaxSummaryWindow {
		return nil, apperror.ValidationFailed("window", fmt.Sprintf("window must be positive and at most %s", MaxSummaryWindow))
	}
	return s.executions.CountOutcomes(ctx, time.Now().Add(-window))
}

// Package repository declares the storage interfaces used by the services.
package repository

import (
	"context"
	"time"

	"github.com/sakif/cellrunner/internal/model"
)

type ListOptions struct {
	Limit  int
	Offset int
}

// ExecutionFilter narrows an execution listing. Zero fields match everything.
type ExecutionFilter struct {
	Outcome string
	Since   time.Time
}

// OutcomeCount is one row of the outcome summary.
type OutcomeCount struct {
	Outcome string `json:"outcome"`
	Count   int64  `json:"count"`
}

type ExecutionRepository interface {
	RecordExecution(ctx context.Context, e *model.Execution) error
	GetExecution(ctx context.Context, id string) (*model.Execution, error)
	ListExecutions(ctx context.Context, f ExecutionFilter, opts ListOptions) ([]model.Execution, error)
	CountOutcomes(ctx context.Context, since time.Time) ([]OutcomeCount, error)
}

type IncidentRepository interface {
	RecordIncident(ctx context.Context, inc *model.Incident) error
	ListIncidents(ctx context.Context, opts ListOptions) ([]model.Incident, error)
}

type APIKeyRepository interface {
	CreateAPIKey(ctx context.Context, key *model.APIKey) error
	GetAPIKey(ctx context.Context, id string) (*model.APIKey, error)
	ListAPIKeys(ctx context.Context) ([]model.APIKey, error)
	RevokeAPIKey(ctx context.Context, id string) error
	TouchAPIKey(ctx context.Context, id string, at time.Time) error
}

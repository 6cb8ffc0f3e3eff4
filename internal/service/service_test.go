package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sakif/cellrunner/internal/apperror"
	"github.com/sakif/cellrunner/internal/auth"
	"github.com/sakif/cellrunner/internal/executor"
	"github.com/sakif/cellrunner/internal/model"
	"github.com/sakif/cellrunner/internal/repository"
)

// =========================================================================
// MOCK REPOSITORIES
// =========================================================================

type mockAuditRepo struct {
	executions []model.Execution
	incidents  []model.Incident
	lastFilter repository.ExecutionFilter
	lastOpts   repository.ListOptions
	failWrites bool
}

func (m *mockAuditRepo) RecordExecution(_ context.Context, e *model.Execution) error {
	if m.failWrites {
		return errors.New("disk full")
	}
	m.executions = append(m.executions, *e)
	return nil
}

func (m *mockAuditRepo) GetExecution(_ context.Context, id string) (*model.Execution, error) {
	for _, e := range m.executions {
		if e.ID == id {
			e := e
			return &e, nil
		}
	}
	return nil, apperror.NotFound("execution", id)
}

func (m *mockAuditRepo) ListExecutions(_ context.Context, f repository.ExecutionFilter, opts repository.ListOptions) ([]model.Execution, error) {
	m.lastFilter, m.lastOpts = f, opts
	return m.executions, nil
}

func (m *mockAuditRepo) CountOutcomes(_ context.Context, _ time.Time) ([]repository.OutcomeCount, error) {
	counts := map[string]int64{}
	for _, e := range m.executions {
		counts[e.Outcome]++
	}
	var out []repository.OutcomeCount
	for k, v := range counts {
		out = append(out, repository.OutcomeCount{Outcome: k, Count: v})
	}
	return out, nil
}

func (m *mockAuditRepo) RecordIncident(_ context.Context, inc *model.Incident) error {
	if m.failWrites {
		return errors.New("disk full")
	}
	m.incidents = append(m.incidents, *inc)
	return nil
}

func (m *mockAuditRepo) ListIncidents(_ context.Context, opts repository.ListOptions) ([]model.Incident, error) {
	m.lastOpts = opts
	return m.incidents, nil
}

type mockKeyRepo struct {
	keys map[string]*model.APIKey
}

func (m *mockKeyRepo) CreateAPIKey(_ context.Context, k *model.APIKey) error {
	stored := *k
	m.keys[k.ID] = &stored
	return nil
}

func (m *mockKeyRepo) GetAPIKey(_ context.Context, id string) (*model.APIKey, error) {
	k, ok := m.keys[id]
	if !ok {
		return nil, apperror.NotFound("api key", id)
	}
	return k, nil
}

func (m *mockKeyRepo) ListAPIKeys(_ context.Context) ([]model.APIKey, error) {
	var out []model.APIKey
	for _, k := range m.keys {
		out = append(out, *k)
	}
	return out, nil
}

func (m *mockKeyRepo) RevokeAPIKey(_ context.Context, id string) error {
	k, ok := m.keys[id]
	if !ok {
		return apperror.NotFound("api key", id)
	}
	now := time.Now()
	k.RevokedAt = &now
	return nil
}

func (m *mockKeyRepo) TouchAPIKey(_ context.Context, _ string, _ time.Time) error { return nil }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// =========================================================================
// AUDIT SERVICE
// =========================================================================

func TestAuditService_RecordsExecution(t *testing.T) {
	repo := &mockAuditRepo{}
	svc := NewAuditService(repo, repo, testLogger())

	started := time.Date(2025, 1, 1, 9, 0, 0, 0, time.UTC)
	ctx := auth.WithSubject(context.Background(), "alice")
	svc.ExecutionFinished(ctx, executor.Record{
		Result: executor.Result{
			ExecutionID:    "exec-1",
			Outcome:        executor.KindResourceExceeded,
			Resource:       executor.ResourceMemory,
			Truncated:      true,
			Duration:       1500 * time.Millisecond,
			Visualizations: []executor.Artifact{{Name: "a.png"}},
		},
		Backend:   "process",
		CodeBytes: 99,
		StartedAt: started,
	})

	require.Len(t, repo.executions, 1)
	got := repo.executions[0]
	assert.Equal(t, "exec-1", got.ID)
	assert.Equal(t, "alice", got.Subject)
	assert.Equal(t, "resource_exceeded", got.Outcome)
	assert.Equal(t, "memory", got.Resource)
	assert.Equal(t, int64(1500), got.DurationMs)
	assert.Equal(t, 99, got.CodeBytes)
	assert.Equal(t, 1, got.Artifacts)
	assert.True(t, got.CreatedAt.Equal(started))
	assert.Empty(t, repo.incidents, "only sandbox violations become incidents")
}

func TestAuditService_SandboxViolationBecomesIncident(t *testing.T) {
	repo := &mockAuditRepo{}
	svc := NewAuditService(repo, repo, testLogger())

	svc.ExecutionFinished(context.Background(), executor.Record{
		Result:  executor.Result{ExecutionID: "exec-2", Outcome: executor.KindSandboxViolation},
		Backend: "docker",
		Detail:  "interpreter not runnable",
	})

	require.Len(t, repo.incidents, 1)
	assert.Equal(t, "exec-2", repo.incidents[0].ExecutionID)
	assert.Equal(t, "interpreter not runnable", repo.incidents[0].Detail)
	assert.Equal(t, "docker", repo.incidents[0].Backend)
}

func TestAuditService_StorageFailureIsContained(t *testing.T) {
	repo := &mockAuditRepo{failWrites: true}
	svc := NewAuditService(repo, repo, testLogger())

	assert.NotPanics(t, func() {
		svc.ExecutionFinished(context.Background(), executor.Record{
			Result: executor.Result{ExecutionID: "x", Outcome: executor.KindSandboxViolation},
		})
	})
}

func TestAuditService_ListValidation(t *testing.T) {
	repo := &mockAuditRepo{}
	svc := NewAuditService(repo, repo, testLogger())
	ctx := context.Background()

	cases := []struct {
		name    string
		call    func() error
		wantErr bool
	}{
		{"incidents default page", func() error { _, err := svc.ListIncidents(ctx, 0, 0); return err }, false},
		{"incidents limit too large", func() error { _, err := svc.ListIncidents(ctx, MaxListLimit+1, 0); return err }, true},
		{"incidents negative offset", func() error { _, err := svc.ListIncidents(ctx, 10, -1); return err }, true},
		{"executions known outcome", func() error {
			_, err := svc.ListExecutions(ctx, "timeout", time.Time{}, 10, 0)
			return err
		}, false},
		{"executions unknown outcome", func() error {
			_, err := svc.ListExecutions(ctx, "exploded", time.Time{}, 10, 0)
			return err
		}, true},
		{"summary zero window", func() error { _, err := svc.Summary(ctx, 0); return err }, true},
		{"summary one day", func() error { _, err := svc.Summary(ctx, 24*time.Hour); return err }, false},
		{"summary too long", func() error { _, err := svc.Summary(ctx, MaxSummaryWindow+time.Hour); return err }, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.call()
			if tc.wantErr {
				assert.ErrorIs(t, err, apperror.ErrValidation)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestAuditService_ListIncidentsDefaultsLimit(t *testing.T) {
	repo := &mockAuditRepo{}
	svc := NewAuditService(repo, repo, testLogger())

	_, err := svc.ListIncidents(context.Background(), 0, 5)
	require.NoError(t, err)
	assert.Equal(t, repository.ListOptions{Limit: DefaultListLimit, Offset: 5}, repo.lastOpts)
}

// =========================================================================
// API KEY SERVICE
// =========================================================================

func TestAPIKeyService_CreateAndRevoke(t *testing.T) {
	repo := &mockKeyRepo{keys: map[string]*model.APIKey{}}
	hasher := auth.NewKeyHasherForTest(4)
	svc := NewAPIKeyService(repo, hasher, testLogger())
	ctx := context.Background()

	key, token, err := svc.Create(ctx, "  ci runner  ")
	require.NoError(t, err)
	assert.Equal(t, "ci runner", key.Name)
	assert.True(t, auth.IsAPIKey(token))

	id, secret, err := auth.ParseAPIKey(token)
	require.NoError(t, err)
	assert.Equal(t, key.ID, id)
	require.Contains(t, repo.keys, id)
	assert.NoError(t, hasher.Verify(repo.keys[id].Hash, secret))
	assert.NotContains(t, repo.keys[id].Hash, secret)

	require.NoError(t, svc.Revoke(ctx, id))
	assert.False(t, repo.keys[id].Active())

	assert.ErrorIs(t, svc.Revoke(ctx, "missing"), apperror.ErrNotFound)
	assert.ErrorIs(t, svc.Revoke(ctx, " "), apperror.ErrValidation)
}

func TestAPIKeyService_CreateValidation(t *testing.T) {
	svc := NewAPIKeyService(&mockKeyRepo{keys: map[string]*model.APIKey{}}, auth.NewKeyHasherForTest(4), testLogger())

	for _, name := range []string{"", "   ", string(make([]byte, MaxKeyNameLength+1))} {
		_, _, err := svc.Create(context.Background(), name)
		assert.ErrorIs(t, err, apperror.ErrValidation, "name %q", name)
	}
}

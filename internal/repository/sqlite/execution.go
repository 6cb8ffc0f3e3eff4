package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/rs/xid"

	"github.com/sakif/cellrunner/internal/apperror"
	"github.com/sakif/cellrunner/internal/model"
	"github.com/sakif/cellrunner/internal/repository"
)

var (
	_ repository.ExecutionRepository = (*DB)(nil)
	_ repository.IncidentRepository  = (*DB)(nil)
)

// RecordExecution appends a row to the audit log. The engine's execution id
// is kept when present so log lines and rows can be joined.
func (db *DB) RecordExecution(ctx context.Context, e *model.Execution) error {
	if e.ID == "" {
		e.ID = xid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO executions (id, subject, backend, outcome, resource, code_bytes, duration_ms, truncated, artifacts, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.Subject,
		e.Backend,
		e.Outcome,
		e.Resource,
		e.CodeBytes,
		e.DurationMs,
		e.Truncated,
		e.Artifacts,
		e.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: recording execution %s: %w", e.ID, err)
	}
	return nil
}

const executionColumns = `id, subject, backend, outcome, resource, code_bytes, duration_ms, truncated, artifacts, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanExecution(s scanner) (model.Execution, error) {
	var e model.Execution
	err := s.Scan(
		&e.ID,
		&e.Subject,
		&e.Backend,
		&e.Outcome,
		&e.Resource,
		&e.CodeBytes,
		&e.DurationMs,
		&e.Truncated,
		&e.Artifacts,
		&e.CreatedAt,
	)
	return e, err
}

// GetExecution returns one audit row or apperror.ErrNotFound.
func (db *DB) GetExecution(ctx context.Context, id string) (*model.Execution, error) {
	row := db.conn.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	e, err := scanExecution(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.NotFound("execution", id)
		}
		return nil, fmt.Errorf("sqlite: getting execution %s: %w", id, err)
	}
	return &e, nil
}

func pageBounds(opts repository.ListOptions) (int, int) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	offset := opts.Offset
	if offset < 0 {
		offset = 0
	}
	return limit, offset
}

// ListExecutions returns audit rows, newest first.
func (db *DB) ListExecutions(ctx context.Context, f repository.ExecutionFilter, opts repository.ListOptions) ([]model.Execution, error) {
	limit, offset := pageBounds(opts)

	var where []string
	var args []any
	if f.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, f.Outcome)
	}
	if !f.Since.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.Since.UTC())
	}
	query := `SELECT ` + executionColumns + ` FROM executions`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing executions: %w", err)
	}
	defer rows.Close()

	out := make([]model.Execution, 0, limit)
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlite: scanning execution row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating execution rows: %w", err)
	}
	return out, nil
}

// CountOutcomes summarizes the audit log by outcome since the given time.
func (db *DB) CountOutcomes(ctx context.Context, since time.Time) ([]repository.OutcomeCount, error) {
	rows, err := db.conn.QueryContext(ctx,
		`SELECT outcome, COUNT(*) FROM executions
		 WHERE created_at >= ?
		 GROUP BY outcome
		 ORDER BY outcome`,
		since.UTC(),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: counting outcomes: %w", err)
	}
	defer rows.Close()

	var out []repository.OutcomeCount
	for rows.Next() {
		var c repository.OutcomeCount
		if err := rows.Scan(&c.Outcome, &c.Count); err != nil {
			return nil, fmt.Errorf("sqlite: scanning outcome count: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// RecordIncident stores a sandbox violation.
func (db *DB) RecordIncident(ctx context.Context, inc *model.Incident) error {
	if inc.ID == "" {
		inc.ID = xid.New().String()
	}
	if inc.CreatedAt.IsZero() {
		inc.CreatedAt = time.Now().UTC()
	}

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO incidents (id, execution_id, subject, backend, detail, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		inc.ID,
		inc.ExecutionID,
		inc.Subject,
		inc.Backend,
		inc.Detail,
		inc.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: recording incident for %s: %w", inc.ExecutionID, err)
	}
	return nil
}

// ListIncidents returns incidents, newest first.
func (db *DB) ListIncidents(ctx context.Context, opts repository.ListOptions) ([]model.Incident, error) {
	limit, offset := pageBounds(opts)

	rows, err := db.conn.QueryContext(ctx,
		`SELECT id, execution_id, subject, backend, detail, created_at
		 FROM incidents
		 ORDER BY created_at DESC, id DESC
		 LIMIT ? OFFSET ?`,
		limit,
		offset,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: listing incidents: %w", err)
	}
	defer rows.Close()

	out := make([]model.Incident, 0, limit)
	for rows.Next() {
		var inc model.Incident
		if err := rows.Scan(
			&inc.ID,
			&inc.ExecutionID,
			&inc.Subject,
			&inc.Backend,
			&inc.Detail,
			&inc.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("sqlite: scanning incident row: %w", err)
		}
		out = append(out, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterating incident rows: %w", err)
	}
	return out, nil
}

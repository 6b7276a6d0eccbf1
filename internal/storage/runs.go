package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/metaorcha/metaorcha/internal/model"
)

const runColumns = `id, prompt, status, result, error, created_at, finished_at`

// CreateRun inserts a new run.
func (s *PostgresStore) CreateRun(ctx context.Context, run model.WorkflowRun) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO workflow_runs (`+runColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		run.ID, run.Prompt, string(run.Status), nullJSON(run.Result), run.Error, run.CreatedAt, run.FinishedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("storage: create run %s: %w", run.ID, ErrExists)
		}
		return fmt.Errorf("storage: create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by id.
func (s *PostgresStore) GetRun(ctx context.Context, id string) (model.WorkflowRun, error) {
	run, err := scanRun(s.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM workflow_runs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.WorkflowRun{}, ErrNotFound
		}
		return model.WorkflowRun{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

// ListRuns returns recent runs, newest first.
func (s *PostgresStore) ListRuns(ctx context.Context, limit int) ([]model.WorkflowRun, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+runColumns+` FROM workflow_runs ORDER BY created_at DESC, id DESC LIMIT $1`,
		clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer rows.Close()

	var runs []model.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// FinishRun records the terminal outcome of a run.
func (s *PostgresStore) FinishRun(ctx context.Context, id string, fin Finish) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflow_runs SET status = $2, result = $3, error = $4, finished_at = $5 WHERE id = $1`,
		id, string(fin.Status), nullJSON(fin.Result), fin.Error, fin.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: finish run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: finish run: %w", ErrNotFound)
	}
	return nil
}

func scanRun(row pgx.Row) (model.WorkflowRun, error) {
	var (
		run        model.WorkflowRun
		status     string
		result     []byte
		finishedAt *time.Time
	)
	if err := row.Scan(&run.ID, &run.Prompt, &status, &result, &run.Error, &run.CreatedAt, &finishedAt); err != nil {
		return model.WorkflowRun{}, err
	}
	run.Status = model.RunStatus(status)
	if len(result) > 0 {
		run.Result = result
	}
	if finishedAt != nil {
		t := finishedAt.UTC()
		run.FinishedAt = &t
	}
	run.CreatedAt = run.CreatedAt.UTC()
	return run, nil
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/metaorcha/metaorcha/internal/model"
)

// SQLiteStore keeps runs in a SQLite database file. Timestamps are stored as
// Unix nanoseconds.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (creating if needed) the database at path. Use ":memory:"
// for a throwaway database.
func OpenSQLite(ctx context.Context, path string) (*SQLiteStore, error) {
	var dsn string
	switch {
	case path == ":memory:":
		dsn = "file::memory:?_pragma=foreign_keys(1)"
	case strings.HasPrefix(path, "file:"):
		dsn = path
	default:
		dsn = "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// One writer at a time; this also keeps a ":memory:" database on a single connection.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS workflow_runs (
			id TEXT PRIMARY KEY,
			prompt TEXT NOT NULL,
			status TEXT NOT NULL,
			result TEXT,
			error TEXT NOT NULL DEFAULT '',
			created_at INTEGER NOT NULL,
			finished_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_workflow_runs_created_at ON workflow_runs(created_at);
		CREATE TABLE IF NOT EXISTS workflow_events (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			workflow_id TEXT NOT NULL REFERENCES workflow_runs(id) ON DELETE CASCADE,
			event_id TEXT NOT NULL,
			event_type TEXT NOT NULL,
			protocol TEXT NOT NULL DEFAULT '',
			message TEXT NOT NULL DEFAULT '',
			result TEXT,
			error TEXT NOT NULL DEFAULT '',
			occurred_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_workflow_events_workflow ON workflow_events(workflow_id, seq);
	`)
	if err != nil {
		return fmt.Errorf("storage: init sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run model.WorkflowRun) error {
	var finished *int64
	if run.FinishedAt != nil {
		n := run.FinishedAt.UnixNano()
		finished = &n
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (id, prompt, status, result, error, created_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.Prompt, string(run.Status), nullText(run.Result), run.Error, run.CreatedAt.UnixNano(), finished,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("storage: create run %s: %w", run.ID, ErrExists)
		}
		return fmt.Errorf("storage: create run: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (model.WorkflowRun, error) {
	run, err := scanSQLiteRun(s.db.QueryRowContext(ctx, `
		SELECT id, prompt, status, result, error, created_at, finished_at
		FROM workflow_runs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.WorkflowRun{}, ErrNotFound
		}
		return model.WorkflowRun{}, fmt.Errorf("storage: get run: %w", err)
	}
	return run, nil
}

func (s *SQLiteStore) ListRuns(ctx context.Context, limit int) ([]model.WorkflowRun, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, prompt, status, result, error, created_at, finished_at
		FROM workflow_runs ORDER BY created_at DESC, rowid DESC LIMIT ?`, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("storage: list runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []model.WorkflowRun
	for rows.Next() {
		run, err := scanSQLiteRun(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev model.WorkflowEvent) error {
	msg, result, errText := ev.Columns()
	at := ev.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workflow_events (workflow_id, event_id, event_type, protocol, message, result, error, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.WorkflowID, ev.ID, string(ev.Type()), string(ev.Protocol), msg, nullText(result), errText, at.UnixNano(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return fmt.Errorf("storage: append event: %w", ErrNotFound)
		}
		return fmt.Errorf("storage: append event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListEvents(ctx context.Context, workflowID string) ([]model.WorkflowEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, workflow_id, event_type, protocol, message, result, error, occurred_at
		FROM workflow_events WHERE workflow_id = ? ORDER BY seq ASC`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("storage: list events: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var events []model.WorkflowEvent
	for rows.Next() {
		var (
			ev                   model.WorkflowEvent
			typ, proto, msg, txt string
			result               sql.NullString
			atN                  int64
		)
		if err := rows.Scan(&ev.ID, &ev.WorkflowID, &typ, &proto, &msg, &result, &txt, &atN); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		var raw []byte
		if result.Valid {
			raw = []byte(result.String)
		}
		ev.Protocol = model.Protocol(proto)
		ev.Payload = model.PayloadFor(model.EventType(typ), msg, raw, txt)
		ev.Timestamp = time.Unix(0, atN).UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) FinishRun(ctx context.Context, id string, fin Finish) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_runs SET status = ?, result = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(fin.Status), nullText(fin.Result), fin.Error, fin.FinishedAt.UnixNano(), id,
	)
	if err != nil {
		return fmt.Errorf("storage: finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("storage: finish run: %w", ErrNotFound)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRun(row scanner) (model.WorkflowRun, error) {
	var (
		run      model.WorkflowRun
		status   string
		result   sql.NullString
		created  int64
		finished sql.NullInt64
	)
	if err := row.Scan(&run.ID, &run.Prompt, &status, &result, &run.Error, &created, &finished); err != nil {
		return model.WorkflowRun{}, err
	}
	run.Status = model.RunStatus(status)
	if result.Valid {
		run.Result = []byte(result.String)
	}
	run.CreatedAt = time.Unix(0, created).UTC()
	if finished.Valid {
		t := time.Unix(0, finished.Int64).UTC()
		run.FinishedAt = &t
	}
	return run, nil
}

func nullText(r []byte) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/metaorcha/metaorcha/internal/model"
)

// AppendEvent stores ev at the end of its run's log and notifies listeners
// on ChannelWorkflowEvents when the transaction commits.
func (s *PostgresStore) AppendEvent(ctx context.Context, ev model.WorkflowEvent) error {
	msg, result, errText := ev.Columns()
	err := WithRetry(ctx, appendRetries, appendRetryDelay, func() error {
		tx, err := s.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if _, err := tx.Exec(ctx,
			`INSERT INTO workflow_events (workflow_id, event_id, event_type, protocol, message, result, error, occurred_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			ev.WorkflowID, ev.ID, string(ev.Type()), string(ev.Protocol), msg, nullJSON(result), errText, ev.Timestamp,
		); err != nil {
			return err
		}
		if err := notify(ctx, tx, ChannelWorkflowEvents, ev.WorkflowID); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23503" {
			return fmt.Errorf("storage: append event: %w", ErrNotFound)
		}
		return fmt.Errorf("storage: append event: %w", err)
	}
	return nil
}

// ListEvents returns the log of a run in append order.
func (s *PostgresStore) ListEvents(ctx context.Context, workflowID string) ([]model.WorkflowEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT event_id, workflow_id, event_type, protocol, message, result, error, occurred_at
		 FROM workflow_events WHERE workflow_id = $1 ORDER BY seq ASC`, workflowID)
	if err != nil {
		return nil, fmt.Errorf("storage: list events: %w", err)
	}
	defer rows.Close()

	var events []model.WorkflowEvent
	for rows.Next() {
		var (
			ev                   model.WorkflowEvent
			typ, proto, msg, txt string
			result               []byte
		)
		if err := rows.Scan(&ev.ID, &ev.WorkflowID, &typ, &proto, &msg, &result, &txt, &ev.Timestamp); err != nil {
			return nil, fmt.Errorf("storage: scan event: %w", err)
		}
		ev.Protocol = model.Protocol(proto)
		ev.Payload = model.PayloadFor(model.EventType(typ), msg, result, txt)
		ev.Timestamp = ev.Timestamp.UTC()
		events = append(events, ev)
	}
	return events, rows.Err()
}

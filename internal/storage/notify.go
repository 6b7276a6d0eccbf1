package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ChannelWorkflowEvents carries the workflow id of every appended event.
const ChannelWorkflowEvents = "metaorcha_workflow_events"

// ErrNotifyUnavailable is returned by Notifications without a LISTEN connection.
var ErrNotifyUnavailable = errors.New("storage: notify connection not configured")

// Notifications listens on ChannelWorkflowEvents and streams payloads until
// ctx ends. Only one caller may consume notifications at a time.
func (s *PostgresStore) Notifications(ctx context.Context) (<-chan string, error) {
	if s.notifyConn == nil {
		return nil, ErrNotifyUnavailable
	}
	if _, err := s.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{ChannelWorkflowEvents}.Sanitize()); err != nil {
		return nil, fmt.Errorf("storage: listen %s: %w", ChannelWorkflowEvents, err)
	}

	out := make(chan string, 64)
	go func() {
		defer close(out)
		for {
			n, err := s.notifyConn.WaitForNotification(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("storage: wait for notification", "error", err)
				if s.notifyConn.IsClosed() {
					return
				}
				continue
			}
			select {
			case out <- n.Payload:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func notify(ctx context.Context, tx pgx.Tx, channel, payload string) error {
	if _, err := tx.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload); err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}

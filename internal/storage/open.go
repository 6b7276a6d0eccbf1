package storage

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
)

// Store kinds accepted by Open.
const (
	KindMemory   = "memory"
	KindPostgres = "postgres"
	KindSQLite   = "sqlite"
)

// Options selects and configures the store backend.
type Options struct {
	Kind        string
	DatabaseURL string
	NotifyURL   string
	SQLitePath  string
	// Migrations is applied to Postgres on open.
	Migrations fs.FS
}

// Open creates the store named by opts.Kind.
func Open(ctx context.Context, opts Options, logger *slog.Logger) (Store, error) {
	switch opts.Kind {
	case "", KindMemory:
		return NewMemoryStore(), nil
	case KindSQLite:
		return OpenSQLite(ctx, opts.SQLitePath)
	case KindPostgres:
		pg, err := NewPostgresStore(ctx, opts.DatabaseURL, opts.NotifyURL, logger)
		if err != nil {
			return nil, err
		}
		if opts.Migrations != nil {
			if err := pg.RunMigrations(ctx, opts.Migrations); err != nil {
				_ = pg.Close()
				return nil, err
			}
		}
		return pg, nil
	}
	return nil, fmt.Errorf("storage: unknown store kind %q", opts.Kind)
}

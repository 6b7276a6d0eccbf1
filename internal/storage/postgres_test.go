package storage_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/metaorcha/metaorcha/internal/model"
	"github.com/metaorcha/metaorcha/internal/storage"
	"github.com/metaorcha/metaorcha/internal/testutil"
	"github.com/metaorcha/metaorcha/migrations"
)

func TestPostgresStore(t *testing.T) {
	dsn := testutil.StartPostgres(t)
	ctx := context.Background()

	s, err := storage.Open(ctx, storage.Options{
		Kind:        storage.KindPostgres,
		DatabaseURL: dsn,
		NotifyURL:   dsn,
		Migrations:  migrations.FS,
	}, testLogger())
	require.NoError(t, err)
	defer func() { _ = s.Close() }()

	pg := s.(*storage.PostgresStore)
	// Re-running migrations is a no-op.
	require.NoError(t, pg.RunMigrations(ctx, migrations.FS))

	testStoreContract(t, s)

	t.Run("notifications", func(t *testing.T) {
		nctx, cancel := context.WithCancel(ctx)
		defer cancel()
		ch, err := pg.Notifications(nctx)
		require.NoError(t, err)

		run := newRun(3 * time.Hour)
		require.NoError(t, s.CreateRun(ctx, run))
		require.NoError(t, s.AppendEvent(ctx, event(run.ID, model.LogPayload{Message: "hello"}, 0)))

		select {
		case id := <-ch:
			assert.Equal(t, run.ID, id)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for notification")
		}

		cancel()
		for range ch {
		}
	})
}

func TestPostgresStore_NotifyUnavailable(t *testing.T) {
	dsn := testutil.StartPostgres(t)
	pg, err := storage.NewPostgresStore(context.Background(), dsn, "", testLogger())
	require.NoError(t, err)
	defer func() { _ = pg.Close() }()

	_, err = pg.Notifications(context.Background())
	assert.ErrorIs(t, err, storage.ErrNotifyUnavailable)
}

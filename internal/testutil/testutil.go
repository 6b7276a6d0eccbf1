// Package testutil provides shared test infrastructure for integration tests
// that need a disposable Postgres or Redis container.
//
// Usage:
//
//	func TestPostgresStore(t *testing.T) {
//	    dsn := testutil.StartPostgres(t)
//	    ...
//	}
//
// Both helpers skip the test under -short or when Docker is unavailable.
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/docker/go-connections/nat"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// StartPostgres starts a Postgres container and returns its DSN. The
// container is terminated when the test ends.
func StartPostgres(t *testing.T) string {
	t.Helper()
	host, port := start(t, testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "metaorcha",
			"POSTGRES_PASSWORD": "metaorcha",
			"POSTGRES_DB":       "metaorcha",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}, "5432/tcp")
	return fmt.Sprintf("postgres://metaorcha:metaorcha@%s:%s/metaorcha?sslmode=disable", host, port)
}

// StartRedis starts a Redis container and returns its URL.
func StartRedis(t *testing.T) string {
	t.Helper()
	host, port := start(t, testcontainers.ContainerRequest{
		Image:        "redis:7-alpine",
		ExposedPorts: []string{"6379/tcp"},
		WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(30 * time.Second),
	}, "6379/tcp")
	return fmt.Sprintf("redis://%s:%s/0", host, port)
}

func start(t *testing.T, req testcontainers.ContainerRequest, port nat.Port) (host, mapped string) {
	t.Helper()
	if testing.Short() {
		t.Skipf("skipping %s integration test in -short mode", req.Image)
	}
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("testutil: %s container unavailable: %v", req.Image, err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err = container.Host(ctx)
	if err != nil {
		t.Fatalf("testutil: container host: %v", err)
	}
	p, err := container.MappedPort(ctx, port)
	if err != nil {
		t.Fatalf("testutil: container port: %v", err)
	}
	return host, p.Port()
}

// TestLogger returns a logger configured for test output (errors only).
func TestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

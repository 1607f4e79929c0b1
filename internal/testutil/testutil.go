// Package testutil provides shared helpers for package tests: throwaway
// SQLite stores, a quiet logger, and a Postgres test container.
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ashita-ai/nagare/internal/storage"
)

// Logger returns a logger that only surfaces warnings, keeping test
// output readable.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// OpenSQLite creates a file-backed SQLite store in a test temp dir and
// closes it when the test finishes.
func OpenSQLite(t *testing.T) *storage.SQLite {
	t.Helper()

	store, err := storage.NewSQLite(filepath.Join(t.TempDir(), "nagare.db"), Logger())
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close(context.Background()) })
	return store
}

// StartPostgres launches a disposable Postgres container and returns its
// DSN plus a terminate function.
func StartPostgres(ctx context.Context) (dsn string, terminate func(), err error) {
	req := testcontainers.ContainerRequest{
		Image:        "postgres:17-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "nagare",
			"POSTGRES_PASSWORD": "nagare",
			"POSTGRES_DB":       "nagare",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", nil, fmt.Errorf("start postgres container: %w", err)
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return "", nil, err
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		_ = container.Terminate(ctx)
		return "", nil, err
	}

	dsn = fmt.Sprintf("postgres://nagare:nagare@%s:%s/nagare?sslmode=disable", host, port.Port())
	return dsn, func() { _ = container.Terminate(context.Background()) }, nil
}

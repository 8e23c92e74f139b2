//go:build integration

package store

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// startPostgres runs a throwaway PostgreSQL container and returns a migrated
// connection. Run with: go test -tags integration ./internal/infrastructure/store/
func startPostgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	pg, err := testcontainers.Run(
		ctx, "postgres:16-alpine",
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     "eventcore",
			"POSTGRES_PASSWORD": "eventcore",
			"POSTGRES_DB":       "eventcore",
		}),
		testcontainers.WithWaitStrategy(
			wait.ForListeningPort("5432/tcp"),
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(pg); err != nil {
			t.Logf("terminate postgres: %v", err)
		}
	})

	host, err := pg.Host(ctx)
	require.NoError(t, err)
	port, err := pg.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	db, err := ConnectPostgres(fmt.Sprintf(
		"postgres://eventcore:eventcore@%s:%s/eventcore?sslmode=disable", host, port.Port()))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, Migrate(ctx, db, Postgres))
	return db
}

func resetPostgres(t *testing.T, db *sql.DB) *sql.DB {
	t.Helper()
	ctx := context.Background()
	for _, table := range []string{"events", "stream_heads", "snapshots", "projection_states", "projection_quarantine", "read_models"} {
		_, err := db.ExecContext(ctx, "DELETE FROM "+table)
		require.NoError(t, err)
	}
	_, err := db.ExecContext(ctx, "UPDATE event_sequence SET position = 0 WHERE id = 1")
	require.NoError(t, err)
	return db
}

func TestPostgres_Integration(t *testing.T) {
	db := startPostgres(t)

	t.Run("event store", func(t *testing.T) {
		runEventStoreSuite(t, func(t *testing.T) EventStoreInterface {
			return NewSQLEventStore(resetPostgres(t, db), Postgres)
		})
	})
	t.Run("snapshot store", func(t *testing.T) {
		runSnapshotStoreSuite(t, func(t *testing.T) SnapshotStore {
			return NewSQLSnapshotStore(resetPostgres(t, db), Postgres)
		})
	})
	t.Run("projection store", func(t *testing.T) {
		runProjectionStoreSuite(t, func(t *testing.T) projectionBackend {
			return NewSQLProjectionStore(resetPostgres(t, db), Postgres)
		})
	})
	t.Run("read store", func(t *testing.T) {
		runReadStoreSuite(t, func(t *testing.T) ReadStoreInterface {
			return NewSQLReadStore(resetPostgres(t, db), Postgres)
		})
	})
}

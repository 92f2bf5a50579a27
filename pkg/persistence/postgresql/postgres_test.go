package postgresql_test

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/dukex/ingest/pkg/models"
	"github.com/dukex/ingest/pkg/persistence"
	"github.com/dukex/ingest/pkg/persistence/persistencetest"
	"github.com/dukex/ingest/pkg/persistence/postgresql"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

var postgresContainer *postgres.PostgresContainer

func dropDb(ctx context.Context, t *testing.T, databaseURL string) {
	t.Helper()

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	// Drop tables in reverse dependency order (children first, parents last)
	for _, table := range []string{"integration_streams", "integration_runs", "incoming_webhooks", "microservices", "integrations", "schema_migrations"} {
		_, err = db.ExecContext(ctx, "DROP TABLE IF EXISTS "+table+" CASCADE")
		require.NoError(t, err)
	}

	err = db.Close()
	require.NoError(t, err)
}

func setupTestDB(t *testing.T) (*postgresql.Persistence, context.Context, string) {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping postgres container test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)

	if postgresContainer == nil || !postgresContainer.IsRunning() {
		var err error

		postgresContainer, err = postgres.Run(ctx,
			"postgres:16-alpine",
			postgres.WithDatabase("ingest_test"),
			postgres.WithUsername("ingest"),
			postgres.WithPassword("ingest"),
			postgres.BasicWaitStrategies(),
		)
		require.NoError(t, err)
	}

	databaseURL, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	dropDb(ctx, t, databaseURL)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	p, err := postgresql.NewPersistence(ctx, logger, databaseURL, 5)
	require.NoError(t, err)

	t.Cleanup(func() {
		dropDb(ctx, t, databaseURL)

		err = p.Close(ctx)
		require.NoError(t, err)

		cancel()
	})

	return p, ctx, databaseURL
}

func TestPostgresPersistence_Suite(t *testing.T) {
	persistencetest.Run(t, func(t *testing.T) (persistence.Persistence, context.Context) {
		p, ctx, _ := setupTestDB(t)

		return p, ctx
	})
}

func TestNewPersistence_Migrations(t *testing.T) {
	_, ctx, databaseURL := setupTestDB(t)

	db, err := sql.Open("postgres", databaseURL)
	require.NoError(t, err)

	defer func() { _ = db.Close() }()

	var version int

	err = db.QueryRowContext(ctx, "SELECT MAX(version) FROM schema_migrations").Scan(&version)
	require.NoError(t, err)
	assert.Equal(t, 2, version)

	for _, table := range []string{"integrations", "microservices", "integration_runs", "integration_streams", "incoming_webhooks"} {
		var exists bool

		err = db.QueryRowContext(ctx,
			"SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = $1)", table,
		).Scan(&exists)
		require.NoError(t, err)
		assert.True(t, exists, "table %s should exist", table)
	}
}

func TestNewPersistence_MigrationsAreIdempotent(t *testing.T) {
	_, ctx, databaseURL := setupTestDB(t)

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))

	again, err := postgresql.NewPersistence(ctx, logger, databaseURL, 5)
	require.NoError(t, err)
	require.NoError(t, again.Close(ctx))
}

func TestHealthCheck(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	assert.NoError(t, p.HealthCheck(ctx))
}

func TestBulkCreate_SpansBatches(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	run := &models.Run{TenantID: "tenant-1", Target: models.RunTarget{MicroserviceID: "ms-1"}}
	require.NoError(t, p.Runs().Create(ctx, run))

	specs := make([]persistence.StreamSpec, persistence.DefaultBatchSize+5)
	for i := range specs {
		specs[i] = persistence.StreamSpec{Name: fmt.Sprintf("stream-%04d", i)}
	}

	created, err := p.Streams().BulkCreate(ctx, run, specs)
	require.NoError(t, err)
	assert.Len(t, created, len(specs))

	first, err := p.Streams().FindByRunID(ctx, run.ID, persistence.StreamFilter{}, 1, 1)
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, "stream-0000", first[0].Name)
	assert.Equal(t, "ms-1", first[0].Target.MicroserviceID)
}

func TestCleanupOldRuns_CascadesStreams(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	run := &models.Run{TenantID: "tenant-1", Target: models.RunTarget{IntegrationID: "int-1"}}
	require.NoError(t, p.Runs().Create(ctx, run))

	stream, err := p.Streams().Create(ctx, run, persistence.StreamSpec{Name: "a"})
	require.NoError(t, err)
	require.NoError(t, p.Streams().MarkProcessing(ctx, stream.ID))
	require.NoError(t, p.Streams().MarkProcessed(ctx, stream.ID))

	_, err = p.Runs().TouchState(ctx, run.ID)
	require.NoError(t, err)

	deleted, err := p.Runs().CleanupOldRuns(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	_, err = p.Streams().FindByID(ctx, stream.ID)
	assert.ErrorIs(t, err, persistence.ErrStreamNotFound)
}

func TestNextEligible_BackoffUsesCallerClock(t *testing.T) {
	p, ctx, _ := setupTestDB(t)

	run := &models.Run{TenantID: "tenant-1", Target: models.RunTarget{IntegrationID: "int-1"}}
	require.NoError(t, p.Runs().Create(ctx, run))

	stream, err := p.Streams().Create(ctx, run, persistence.StreamSpec{Name: "a"})
	require.NoError(t, err)
	require.NoError(t, p.Streams().MarkProcessing(ctx, stream.ID))
	_, err = p.Streams().MarkError(ctx, stream.ID, []byte(`{"message":"boom"}`))
	require.NoError(t, err)

	found, err := p.Streams().FindByID(ctx, stream.ID)
	require.NoError(t, err)

	next, err := p.Streams().NextEligible(ctx, run.ID, found.UpdatedAt.Add(4*time.Minute))
	require.NoError(t, err)
	assert.Nil(t, next)

	next, err = p.Streams().NextEligible(ctx, run.ID, found.UpdatedAt.Add(5*time.Minute))
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, stream.ID, next.ID)
}

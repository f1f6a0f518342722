package database_test

import (
	"context"
	"io/fs"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selivandex/telemetry-buffer/internal/adapters/config"
	"github.com/selivandex/telemetry-buffer/internal/adapters/database"
	"github.com/selivandex/telemetry-buffer/pkg/metrics"
	"github.com/selivandex/telemetry-buffer/pkg/models"
	"github.com/selivandex/telemetry-buffer/test/testdb"
)

func TestEmbeddedMigrations(t *testing.T) {
	src, err := iofs.New(database.MigrationFiles(), "migrations")
	require.NoError(t, err)
	defer src.Close()

	first, err := src.First()
	require.NoError(t, err)
	assert.Equal(t, uint(1), first)

	next, err := src.Next(first)
	require.NoError(t, err)
	assert.Equal(t, uint(2), next)

	ups, err := fs.Glob(database.MigrationFiles(), "migrations/*.up.sql")
	require.NoError(t, err)
	downs, err := fs.Glob(database.MigrationFiles(), "migrations/*.down.sql")
	require.NoError(t, err)
	assert.Len(t, downs, len(ups))
}

func TestNewSink_Validates(t *testing.T) {
	_, err := database.NewSink(config.DatabaseConfig{Table: "metrics"})
	var cfgErr *metrics.ConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "db_user", cfgErr.Param)

	s, err := database.NewSink(config.DatabaseConfig{User: "u", Table: "metrics"})
	require.NoError(t, err)
	assert.Equal(t, "postgres", s.Name())
}

func TestSink_PostgresRoundTrip(t *testing.T) {
	tdb := testdb.Setup(t)

	cfg := tdb.Config
	cfg.Migrations = false
	s, err := database.NewSink(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Open(ctx))
	defer s.Close()

	now := time.Now()
	batch := []models.Record{
		models.MustRecord("cpu", map[string]any{"idle": 0.5}, models.WithTag("host", "a"), models.WithTime(now)),
		models.MustRecord("cpu", map[string]any{"idle": 0.7}, models.WithTime(now), models.WithBucket("ops")),
	}
	require.NoError(t, s.Write(ctx, batch))

	assert.Equal(t, 1, tdb.CountRows(t, cfg.Table))
	assert.Equal(t, 1, tdb.CountRows(t, "ops"))
}

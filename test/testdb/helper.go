package testdb

import (
	"context"
	"os"
	"testing"

	"github.com/jmoiron/sqlx"
	"github.com/kelseyhightower/envconfig"

	"github.com/selivandex/telemetry-buffer/internal/adapters/config"
	"github.com/selivandex/telemetry-buffer/internal/adapters/database"
)

// TestDB is a migrated PostgreSQL database whose metrics table is emptied
// when the test ends.
type TestDB struct {
	Config config.DatabaseConfig
	db     *database.DB
}

// Setup connects to the database described by TEST_DATABASE_* variables
// (TEST_DATABASE_HOST, TEST_DATABASE_USER, ...) and applies migrations.
// The test is skipped when TEST_DATABASE_USER is unset.
func Setup(t *testing.T) *TestDB {
	t.Helper()

	if os.Getenv("TEST_DATABASE_USER") == "" {
		t.Skip("TEST_DATABASE_USER not set, skipping PostgreSQL test")
	}

	var cfg config.DatabaseConfig
	if err := envconfig.Process("TEST_DATABASE", &cfg); err != nil {
		t.Fatalf("failed to load test database config: %v", err)
	}

	if err := database.RunMigrations(&cfg); err != nil {
		t.Fatalf("failed to migrate test database: %v", err)
	}

	db, err := database.New(context.Background(), &cfg)
	if err != nil {
		t.Fatalf("failed to connect to test database: %v", err)
	}

	tdb := &TestDB{Config: cfg, db: db}
	t.Cleanup(func() {
		tdb.Teardown(t)
	})
	return tdb
}

// Teardown empties the metrics table and closes the connection
func (tdb *TestDB) Teardown(t *testing.T) {
	t.Helper()

	if _, err := tdb.db.DB().Exec("TRUNCATE " + tdb.Config.Table); err != nil {
		t.Logf("warning: failed to truncate %s: %v", tdb.Config.Table, err)
	}
	if err := tdb.db.Close(); err != nil {
		t.Logf("warning: failed to close database: %v", err)
	}
}

// DB returns the underlying pool
func (tdb *TestDB) DB() *sqlx.DB {
	return tdb.db.DB()
}

// CountRows returns the number of rows stored for bucket
func (tdb *TestDB) CountRows(t *testing.T, bucket string) int {
	t.Helper()

	var count int
	err := tdb.db.DB().Get(&count, "SELECT COUNT(*) FROM "+tdb.Config.Table+" WHERE bucket = $1", bucket)
	if err != nil {
		t.Fatalf("failed to count rows: %v", err)
	}
	return count
}

package database

import (
	"context"

	"github.com/selivandex/telemetry-buffer/internal/adapters/config"
	"github.com/selivandex/telemetry-buffer/internal/adapters/sqlsink"
)

// NewSink builds a PostgreSQL sink writing every record to cfg.Table with
// its bucket in a column. With cfg.Migrations set, Open applies pending
// migrations before the first write.
func NewSink(cfg config.DatabaseConfig, opts ...sqlsink.Option) (*sqlsink.Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	connect := func(ctx context.Context) (sqlsink.Repository, error) {
		if cfg.Migrations {
			if err := RunMigrations(&cfg); err != nil {
				return nil, err
			}
		}
		db, err := New(ctx, &cfg)
		if err != nil {
			return nil, err
		}
		return sqlsink.NewSQLRepository(db.DB(), config.BackendPostgres, true), nil
	}

	return sqlsink.New(config.BackendPostgres, cfg.Table, connect, opts...), nil
}

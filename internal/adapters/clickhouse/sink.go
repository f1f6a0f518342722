package clickhouse

import (
	"context"

	"github.com/selivandex/telemetry-buffer/internal/adapters/config"
	"github.com/selivandex/telemetry-buffer/internal/adapters/sqlsink"
)

// NewSink builds a ClickHouse sink. Each bucket is its own table and
// records without a bucket go to cfg.Table, which is created on Open.
func NewSink(cfg config.ClickHouseConfig, opts ...sqlsink.Option) (*sqlsink.Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	connect := func(ctx context.Context) (sqlsink.Repository, error) {
		db, err := Connect(ctx, cfg)
		if err != nil {
			return nil, err
		}
		repo := NewRepository(db)
		if err := repo.EnsureTable(ctx, cfg.Table); err != nil {
			_ = repo.Close()
			return nil, err
		}
		return repo, nil
	}

	opts = append([]sqlsink.Option{sqlsink.WithTableFunc(sqlsink.BucketTable)}, opts...)
	return sqlsink.New(config.BackendClickHouse, cfg.Table, connect, opts...), nil
}

package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/selivandex/telemetry-buffer/internal/adapters/config"
	"github.com/selivandex/telemetry-buffer/pkg/logger"
)

// DB wraps a PostgreSQL connection pool
type DB struct {
	conn *sqlx.DB
}

// New creates new database connection
func New(ctx context.Context, cfg *config.DatabaseConfig) (*DB, error) {
	conn, err := sqlx.ConnectContext(ctx, "postgres", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// One flush goroutine writes per sink, so the pool stays small.
	conn.SetMaxOpenConns(4)
	conn.SetMaxIdleConns(2)
	conn.SetConnMaxLifetime(5 * time.Minute)

	logger.Info("database connection established",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Name),
	)

	return &DB{conn: conn}, nil
}

// Close closes database connection
func (db *DB) Close() error {
	if db.conn != nil {
		logger.Info("closing database connection")
		return db.conn.Close()
	}
	return nil
}

// DB returns the sqlx pool
func (db *DB) DB() *sqlx.DB {
	return db.conn
}

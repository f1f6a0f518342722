package clickhouse

import (
	"context"
	"fmt"
	"strings"
	"time"

	_ "github.com/ClickHouse/clickhouse-go/v2"
	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/selivandex/telemetry-buffer/internal/adapters/config"
	"github.com/selivandex/telemetry-buffer/internal/adapters/sqlsink"
	"github.com/selivandex/telemetry-buffer/pkg/logger"
)

// Repository handles ClickHouse inserts. ClickHouse batches rows sent
// through one prepared statement inside a transaction, so InsertBatch
// issues a single block per call.
type Repository struct {
	db *sqlx.DB
}

// Connect opens a ClickHouse connection using the native protocol DSN.
func Connect(ctx context.Context, cfg config.ClickHouseConfig) (*sqlx.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "clickhouse", cfg.GetDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to clickhouse: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(10 * time.Minute)

	logger.Info("clickhouse connection established",
		zap.String("host", cfg.Host),
		zap.Int("port", cfg.Port),
		zap.String("database", cfg.Database),
	)
	return db, nil
}

// NewRepository creates new ClickHouse repository. The repository owns db.
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// InsertBatch writes rows to table as one block
func (r *Repository) InsertBatch(ctx context.Context, table string, columns []string, values [][]any) error {
	if len(values) == 0 {
		return nil
	}
	if !sqlsink.ValidIdentifier(table) {
		return fmt.Errorf("invalid table name %q", table)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to start transaction: %w", err)
	}

	stmt, err := tx.PreparexContext(ctx, insertStatement(table, columns, len(values[0])))
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, row := range values {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("failed to insert row: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	logger.Debug("saved rows to ClickHouse",
		zap.String("table", table),
		zap.Int("count", len(values)),
	)
	return nil
}

// Ping checks the connection
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the connection
func (r *Repository) Close() error {
	return r.db.Close()
}

// EnsureTable creates table with the layout written by sqlsink.RowConverter.
func (r *Repository) EnsureTable(ctx context.Context, table string) error {
	query, err := CreateTableSQL(table)
	if err != nil {
		return err
	}
	if _, err := r.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create table %s: %w", table, err)
	}
	return nil
}

func insertStatement(table string, columns []string, width int) string {
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", width), ", ")
	if len(columns) == 0 {
		return fmt.Sprintf("INSERT INTO %s VALUES (%s)", table, placeholders)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(columns, ", "), placeholders)
}

// CreateTableSQL returns the DDL for a metrics table.
func CreateTableSQL(table string) (string, error) {
	if !sqlsink.ValidIdentifier(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	ts        DateTime64(9, 'UTC'),
	bucket    LowCardinality(String),
	name      LowCardinality(String),
	precision LowCardinality(String),
	tags      String,
	fields    String
) ENGINE = MergeTree
ORDER BY (name, ts)`, table), nil
}

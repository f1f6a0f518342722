package sqlsink

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/selivandex/telemetry-buffer/pkg/logger"
)

// Repository interface for row storage operations
type Repository interface {
	// InsertBatch inserts rows into table. Every row has one value per column.
	InsertBatch(ctx context.Context, table string, columns []string, values [][]any) error
	// Ping checks the connection
	Ping(ctx context.Context) error
	// Close closes repository connection
	Close() error
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ValidIdentifier reports whether name is safe to splice into SQL as a
// table or column name, optionally qualified by a database or schema.
func ValidIdentifier(name string) bool {
	return identifier.MatchString(name)
}

// BuildInsert builds a multi-row INSERT with "?" placeholders.
func BuildInsert(table string, columns []string, values [][]any) (string, []any, error) {
	if len(values) == 0 {
		return "", nil, fmt.Errorf("no rows to insert")
	}
	if !ValidIdentifier(table) {
		return "", nil, fmt.Errorf("invalid table name %q", table)
	}

	// Get column count from first row
	columnCount := len(values[0])
	if columnCount == 0 {
		return "", nil, fmt.Errorf("values have no columns")
	}
	if len(columns) > 0 && len(columns) != columnCount {
		return "", nil, fmt.Errorf("%d columns named but rows have %d values", len(columns), columnCount)
	}
	for _, c := range columns {
		if !ValidIdentifier(c) {
			return "", nil, fmt.Errorf("invalid column name %q", c)
		}
	}

	row := "(" + strings.TrimSuffix(strings.Repeat("?, ", columnCount), ", ") + ")"
	placeholders := make([]string, len(values))
	args := make([]any, 0, len(values)*columnCount)

	for i, v := range values {
		if len(v) != columnCount {
			return "", nil, fmt.Errorf("row %d has wrong column count: expected %d, got %d", i, columnCount, len(v))
		}
		placeholders[i] = row
		args = append(args, v...)
	}

	var b strings.Builder
	b.WriteString("INSERT INTO ")
	b.WriteString(table)
	if len(columns) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(columns, ", "))
		b.WriteString(")")
	}
	b.WriteString(" VALUES ")
	b.WriteString(strings.Join(placeholders, ", "))
	return b.String(), args, nil
}

// SQLRepository implements Repository over any sqlx connection. Queries are
// rebound to the driver's placeholder style, so the same code serves
// ClickHouse ("?") and PostgreSQL ("$1").
type SQLRepository struct {
	db      *sqlx.DB
	backend string
	owned   bool
}

// NewSQLRepository wraps db. When owned is true Close closes db.
func NewSQLRepository(db *sqlx.DB, backend string, owned bool) *SQLRepository {
	return &SQLRepository{db: db, backend: backend, owned: owned}
}

// InsertBatch inserts rows with a single multi-row INSERT
func (r *SQLRepository) InsertBatch(ctx context.Context, table string, columns []string, values [][]any) error {
	if len(values) == 0 {
		return nil
	}

	query, args, err := BuildInsert(table, columns, values)
	if err != nil {
		return err
	}

	if _, err := r.db.ExecContext(ctx, r.db.Rebind(query), args...); err != nil {
		return fmt.Errorf("%s insert into %s failed: %w", r.backend, table, err)
	}

	logger.Debug("batch insert successful",
		zap.String("backend", r.backend),
		zap.String("table", table),
		zap.Int("rows", len(values)),
	)

	return nil
}

// Ping checks the connection
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the connection if this repository owns it
func (r *SQLRepository) Close() error {
	if r.owned && r.db != nil {
		return r.db.Close()
	}
	return nil
}

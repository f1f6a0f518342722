package sqlsink

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/selivandex/telemetry-buffer/pkg/batch"
	"github.com/selivandex/telemetry-buffer/pkg/logger"
	"github.com/selivandex/telemetry-buffer/pkg/metrics"
	"github.com/selivandex/telemetry-buffer/pkg/models"
)

// DefaultChunkRows caps rows per INSERT so statements stay under the
// driver's bind parameter limit.
const DefaultChunkRows = 1000

// Connector opens a repository. It is called once per Open.
type Connector func(ctx context.Context) (Repository, error)

// TableFunc picks the table a destination group is written to.
type TableFunc func(dest metrics.Destination) string

// FixedTable writes every group to one table.
func FixedTable(table string) TableFunc {
	return func(metrics.Destination) string { return table }
}

// BucketTable writes each group to the table named by its bucket.
func BucketTable(dest metrics.Destination) string {
	return dest.Bucket
}

// Sink writes record batches into a SQL table through a Repository.
type Sink struct {
	name          string
	connect       Connector
	defaultBucket string
	table         TableFunc
	columns       []string
	converter     metrics.Converter[[]any]
	chunkRows     int

	mu   sync.RWMutex
	repo Repository
}

// Option configures a Sink.
type Option func(*Sink)

// WithTableFunc routes destination groups to tables.
func WithTableFunc(fn TableFunc) Option {
	return func(s *Sink) { s.table = fn }
}

// WithConverter replaces RowConverter. columns must match the row layout.
func WithConverter(c metrics.Converter[[]any], columns []string) Option {
	return func(s *Sink) {
		s.converter = c
		s.columns = columns
	}
}

// WithChunkRows sets the maximum rows per INSERT statement.
func WithChunkRows(n int) Option {
	return func(s *Sink) { s.chunkRows = n }
}

// New builds an unopened sink. Records without a bucket are assigned
// defaultBucket; unless WithTableFunc is given every group goes to
// defaultBucket's table.
func New(name, defaultBucket string, connect Connector, opts ...Option) *Sink {
	s := &Sink{
		name:          name,
		connect:       connect,
		defaultBucket: defaultBucket,
		table:         FixedTable(defaultBucket),
		columns:       Columns,
		chunkRows:     DefaultChunkRows,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.converter == nil {
		s.converter = RowConverter(defaultBucket)
	}
	return s
}

func (s *Sink) Name() string { return s.name }

// Open connects and pings the backend.
func (s *Sink) Open(ctx context.Context) error {
	repo, err := s.connect(ctx)
	if err != nil {
		return fmt.Errorf("connect %s: %w", s.name, err)
	}
	if err := repo.Ping(ctx); err != nil {
		_ = repo.Close()
		return fmt.Errorf("ping %s: %w", s.name, err)
	}

	s.mu.Lock()
	s.repo = repo
	s.mu.Unlock()

	logger.Info("sql sink connected", zap.String("sink", s.name))
	return nil
}

// Ping checks the open connection.
func (s *Sink) Ping(ctx context.Context) error {
	repo, err := s.repository()
	if err != nil {
		return err
	}
	return repo.Ping(ctx)
}

// Write groups records by destination and inserts each group in chunks.
func (s *Sink) Write(ctx context.Context, records []models.Record) error {
	repo, err := s.repository()
	if err != nil {
		return &metrics.DeliveryError{Sink: s.name, Records: records, Err: err}
	}
	return metrics.WriteGrouped(ctx, s.name, records, s.defaultBucket, func(ctx context.Context, dest metrics.Destination, group []models.Record) error {
		return s.writeGroup(ctx, repo, dest, group)
	})
}

func (s *Sink) writeGroup(ctx context.Context, repo Repository, dest metrics.Destination, records []models.Record) error {
	table := s.table(dest)
	if !ValidIdentifier(table) {
		return &metrics.DeliveryError{
			Sink:        s.name,
			Destination: dest,
			Records:     records,
			Err:         fmt.Errorf("invalid table name %q", table),
		}
	}

	var errs []error
	var unconvertible []models.Record
	var convErr error

	rows := make([][]any, 0, len(records))
	kept := make([]models.Record, 0, len(records))
	for _, r := range records {
		row, err := s.converter.Convert(r)
		if err != nil {
			unconvertible = append(unconvertible, r)
			convErr = errors.Join(convErr, err)
			continue
		}
		rows = append(rows, row)
		kept = append(kept, r)
	}
	if len(unconvertible) > 0 {
		errs = append(errs, &metrics.DeliveryError{
			Sink:        s.name,
			Destination: dest,
			Records:     unconvertible,
			Err:         fmt.Errorf("convert: %w", convErr),
		})
	}

	for i, chunk := range batch.Chunk(rows, s.chunkRows) {
		if err := repo.InsertBatch(ctx, table, s.columns, chunk); err != nil {
			start := i * s.chunkRows
			errs = append(errs, &metrics.DeliveryError{
				Sink:        s.name,
				Destination: dest,
				Records:     kept[start : start+len(chunk)],
				Err:         err,
			})
		}
	}

	return errors.Join(errs...)
}

// Close releases the repository.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.repo == nil {
		return nil
	}
	err := s.repo.Close()
	s.repo = nil
	return err
}

func (s *Sink) repository() (Repository, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.repo == nil {
		return nil, fmt.Errorf("%s: sink is not open", s.name)
	}
	return s.repo, nil
}

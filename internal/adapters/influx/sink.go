package influx

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"go.uber.org/zap"

	"github.com/selivandex/telemetry-buffer/internal/adapters/config"
	"github.com/selivandex/telemetry-buffer/pkg/batch"
	"github.com/selivandex/telemetry-buffer/pkg/logger"
	"github.com/selivandex/telemetry-buffer/pkg/metrics"
	"github.com/selivandex/telemetry-buffer/pkg/models"
)

// Sink writes records to InfluxDB 2.x. Write precision is a client option,
// so the sink keeps one client per precision it has seen.
type Sink struct {
	cfg         config.InfluxConfig
	name        string
	converter   metrics.Converter[*write.Point]
	chunkTarget int

	mu      sync.Mutex
	clients map[models.Precision]influxdb2.Client
}

// Option configures a Sink.
type Option func(*Sink)

// WithConverter replaces the default record to point conversion.
func WithConverter(c metrics.Converter[*write.Point]) Option {
	return func(s *Sink) { s.converter = c }
}

// WithChunkTarget splits each destination group into requests of about
// target bytes of line protocol.
func WithChunkTarget(target int) Option {
	return func(s *Sink) { s.chunkTarget = target }
}

// WithName overrides the sink name used in logs and outcomes.
func WithName(name string) Option {
	return func(s *Sink) { s.name = name }
}

// New validates cfg and builds an unopened sink.
func New(cfg config.InfluxConfig, opts ...Option) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	s := &Sink{
		cfg:     cfg,
		name:    "influx",
		clients: make(map[models.Precision]influxdb2.Client),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.converter == nil {
		s.converter = PointConverter(cfg.DefaultTags)
	}
	return s, nil
}

func (s *Sink) Name() string { return s.name }

// Open creates the default-precision client and checks the server answers.
func (s *Sink) Open(ctx context.Context) error {
	if err := s.Ping(ctx); err != nil {
		return err
	}

	logger.Info("influx sink connected",
		zap.String("url", s.cfg.URL),
		zap.String("org", s.cfg.Org),
		zap.String("bucket", s.cfg.Bucket),
	)
	return nil
}

// Ping reports whether the server is reachable.
func (s *Sink) Ping(ctx context.Context) error {
	ok, err := s.client(models.DefaultPrecision).Ping(ctx)
	if err != nil {
		return fmt.Errorf("ping influx at %s: %w", s.cfg.URL, err)
	}
	if !ok {
		return fmt.Errorf("ping influx at %s: server not ready", s.cfg.URL)
	}
	return nil
}

// Write groups the batch by bucket and precision and writes each group
// with a blocking write API. Failed groups or chunks do not stop the rest.
func (s *Sink) Write(ctx context.Context, records []models.Record) error {
	return metrics.WriteGrouped(ctx, s.name, records, s.cfg.Bucket, s.writeGroup)
}

type pointRecord struct {
	point  *write.Point
	record models.Record
}

func (s *Sink) writeGroup(ctx context.Context, dest metrics.Destination, records []models.Record) error {
	var errs []error

	pairs := make([]pointRecord, 0, len(records))
	var unconvertible []models.Record
	var convErr error
	for _, r := range records {
		p, err := s.converter.Convert(r)
		if err != nil {
			unconvertible = append(unconvertible, r)
			convErr = errors.Join(convErr, err)
			continue
		}
		pairs = append(pairs, pointRecord{point: p, record: r})
	}
	if len(unconvertible) > 0 {
		errs = append(errs, &metrics.DeliveryError{
			Sink:        s.name,
			Destination: dest,
			Records:     unconvertible,
			Err:         fmt.Errorf("convert: %w", convErr),
		})
	}

	precision := dest.Precision.Duration()
	chunks := batch.ChunkByWeight(pairs, s.chunkTarget, func(pr pointRecord) int {
		return len(write.PointToLineProtocol(pr.point, precision))
	})

	writer := s.client(dest.Precision).WriteAPIBlocking(s.cfg.Org, dest.Bucket)
	for _, chunk := range chunks {
		points := make([]*write.Point, len(chunk))
		for i, pr := range chunk {
			points[i] = pr.point
		}

		if err := writer.WritePoint(ctx, points...); err != nil {
			failed := make([]models.Record, len(chunk))
			for i, pr := range chunk {
				failed[i] = pr.record
			}
			errs = append(errs, &metrics.DeliveryError{
				Sink:        s.name,
				Destination: dest,
				Records:     failed,
				Err:         err,
			})
		}
	}

	return errors.Join(errs...)
}

// Close releases every client.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for p, c := range s.clients {
		c.Close()
		delete(s.clients, p)
	}
	return nil
}

func (s *Sink) client(p models.Precision) influxdb2.Client {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.clients[p]; ok {
		return c
	}

	opts := influxdb2.DefaultOptions().
		SetPrecision(p.Duration()).
		SetUseGZip(s.cfg.GZip)
	if s.cfg.Timeout > 0 {
		opts.SetHTTPRequestTimeout(uint(max(s.cfg.Timeout/time.Second, 1)))
	}

	c := influxdb2.NewClientWithOptions(s.cfg.URL, s.cfg.Token, opts)
	s.clients[p] = c
	return c
}

// PointConverter builds points from records. Default tags are added to
// every point unless the record sets the same key.
func PointConverter(defaultTags map[string]string) metrics.ConverterFunc[*write.Point] {
	return func(r models.Record) (*write.Point, error) {
		tags := r.Tags()
		if len(defaultTags) > 0 {
			if tags == nil {
				tags = make(map[string]string, len(defaultTags))
			}
			for k, v := range defaultTags {
				if _, ok := tags[k]; !ok {
					tags[k] = v
				}
			}
		}
		return write.NewPoint(r.Name(), tags, r.Fields(), r.Time()), nil
	}
}

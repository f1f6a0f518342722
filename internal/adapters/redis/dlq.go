package redis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	redis "github.com/go-redis/redis/v8"
	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	"github.com/selivandex/telemetry-buffer/pkg/logger"
	"github.com/selivandex/telemetry-buffer/pkg/models"
	"github.com/selivandex/telemetry-buffer/pkg/worker"
)

// replayLease bounds one replay pass.
const replayLease = 30 * time.Second

// Appender receives replayed records. *buffer.Ring satisfies it.
type Appender interface {
	AppendMany(records []models.Record)
}

// listBackend is the slice of Redis list commands the queue needs.
type listBackend interface {
	push(ctx context.Context, key string, payload []byte, ttl time.Duration) error
	pop(ctx context.Context, key string, n int) ([][]byte, error)
	length(ctx context.Context, key string) (int64, error)
}

// DeadLetterQueue stores undeliverable batches in a Redis list, one
// gzip-compressed JSON entry per batch. Entries older than retention are
// discarded on replay and the whole list expires after retention without
// pushes.
type DeadLetterQueue struct {
	backend   listBackend
	locks     LockFactory
	key       string
	retention time.Duration
	now       func() time.Time
}

type deadLetter struct {
	PushedAt time.Time       `json:"pushed_at"`
	Records  []models.Record `json:"records"`
}

// NewDeadLetterQueue creates a queue stored under key
func (c *Client) NewDeadLetterQueue(key string, retention time.Duration) *DeadLetterQueue {
	return newDeadLetterQueue(redisList{rdb: c.rdb}, c.LockFactory(), key, retention)
}

func newDeadLetterQueue(backend listBackend, locks LockFactory, key string, retention time.Duration) *DeadLetterQueue {
	return &DeadLetterQueue{
		backend:   backend,
		locks:     locks,
		key:       key,
		retention: retention,
		now:       time.Now,
	}
}

// Push stores records as one entry. Implements metrics.DeadLetterStore.
func (q *DeadLetterQueue) Push(ctx context.Context, records []models.Record) error {
	if len(records) == 0 {
		return nil
	}

	payload, err := encodeDeadLetter(deadLetter{PushedAt: q.now().UTC(), Records: records})
	if err != nil {
		return err
	}
	if err := q.backend.push(ctx, q.key, payload, q.retention); err != nil {
		return fmt.Errorf("push dead letters to %s: %w", q.key, err)
	}

	logger.Debug("dead letters stored",
		zap.String("key", q.key),
		zap.Int("records", len(records)),
		zap.Int("bytes", len(payload)),
	)
	return nil
}

// Len returns the number of stored batches
func (q *DeadLetterQueue) Len(ctx context.Context) (int64, error) {
	return q.backend.length(ctx, q.key)
}

// Replay pops up to maxBatches entries and appends their records to dst.
// Only one replica replays a queue at a time; if another holds the lease
// Replay returns 0 without touching the list. Undecodable or expired
// entries are logged and discarded.
func (q *DeadLetterQueue) Replay(ctx context.Context, dst Appender, maxBatches int) (int, error) {
	lock := q.locks.NewLock("dlq:replay:"+q.key, replayLease)
	ok, err := lock.TryAcquire(ctx)
	if err != nil {
		return 0, err
	}
	if !ok {
		logger.Debug("dead letter replay running elsewhere", zap.String("key", q.key))
		return 0, nil
	}
	defer lock.Release(context.WithoutCancel(ctx))

	payloads, err := q.backend.pop(ctx, q.key, maxBatches)
	if err != nil {
		return 0, fmt.Errorf("pop dead letters from %s: %w", q.key, err)
	}

	replayed, expired, corrupt := 0, 0, 0
	for _, p := range payloads {
		dl, err := decodeDeadLetter(p)
		if err != nil {
			corrupt++
			logger.Error("discarding corrupt dead letter entry",
				zap.String("key", q.key),
				zap.Error(err),
			)
			continue
		}
		if q.retention > 0 && q.now().Sub(dl.PushedAt) > q.retention {
			expired += len(dl.Records)
			continue
		}
		dst.AppendMany(dl.Records)
		replayed += len(dl.Records)
	}

	if len(payloads) > 0 {
		logger.Info("replayed dead letters",
			zap.String("key", q.key),
			zap.Int("batches", len(payloads)),
			zap.Int("records", replayed),
			zap.Int("expired", expired),
			zap.Int("corrupt", corrupt),
		)
	}
	return replayed, nil
}

// ReplayJob wraps Replay for a worker.Group.
func (q *DeadLetterQueue) ReplayJob(dst Appender, maxBatches int) worker.Job {
	return worker.JobFunc("dlq-replay", func(ctx context.Context) error {
		_, err := q.Replay(ctx, dst, maxBatches)
		return err
	})
}

func encodeDeadLetter(dl deadLetter) ([]byte, error) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if err := json.NewEncoder(zw).Encode(dl); err != nil {
		return nil, fmt.Errorf("encode dead letters: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("compress dead letters: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeDeadLetter(payload []byte) (deadLetter, error) {
	var dl deadLetter
	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return dl, fmt.Errorf("decompress dead letters: %w", err)
	}
	defer zr.Close()

	data, err := io.ReadAll(zr)
	if err != nil {
		return dl, fmt.Errorf("decompress dead letters: %w", err)
	}
	if err := json.Unmarshal(data, &dl); err != nil {
		return dl, fmt.Errorf("decode dead letters: %w", err)
	}
	return dl, nil
}

type redisList struct {
	rdb *redis.Client
}

func (l redisList) push(ctx context.Context, key string, payload []byte, ttl time.Duration) error {
	_, err := l.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.RPush(ctx, key, payload)
		if ttl > 0 {
			p.Expire(ctx, key, ttl)
		}
		return nil
	})
	return err
}

func (l redisList) pop(ctx context.Context, key string, n int) ([][]byte, error) {
	vals, err := l.rdb.LPopCount(ctx, key, n).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	out := make([][]byte, len(vals))
	for i, v := range vals {
		out[i] = []byte(v)
	}
	return out, nil
}

func (l redisList) length(ctx context.Context, key string) (int64, error) {
	return l.rdb.LLen(ctx, key).Result()
}

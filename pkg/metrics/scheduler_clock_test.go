package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selivandex/telemetry-buffer/pkg/buffer"
	"github.com/selivandex/telemetry-buffer/pkg/models"
)

// clockSink advances a fake clock on every write.
type clockSink struct {
	advance func()
}

func (clockSink) Name() string               { return "clock" }
func (clockSink) Open(context.Context) error { return nil }
func (clockSink) Close() error               { return nil }
func (s clockSink) Write(context.Context, []models.Record) error {
	s.advance()
	return nil
}

func TestScheduler_IntervalCountsFromEndOfWrite(t *testing.T) {
	clock := time.Unix(1000, 0)
	sink := clockSink{advance: func() { clock = clock.Add(2 * time.Second) }}

	buf := buffer.NewRing(10)
	buf.Append(models.MustRecord("cpu", map[string]any{"v": 1}))

	s := NewScheduler(buf, sink, SchedulerConfig{BatchSize: 10, WriteInterval: 5 * time.Second})
	s.now = func() time.Time { return clock }

	require.True(t, s.tick(context.Background()))
	assert.Equal(t, time.Unix(1002, 0), s.lastFlush)

	// 4s after the write finished, 6s after it started.
	buf.Append(models.MustRecord("cpu", map[string]any{"v": 2}))
	clock = clock.Add(4 * time.Second)
	assert.False(t, s.shouldFlush(buf.Len()))

	clock = clock.Add(time.Second)
	assert.True(t, s.shouldFlush(buf.Len()))
}

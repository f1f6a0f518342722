package logship

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/selivandex/telemetry-buffer/pkg/buffer"
	"github.com/selivandex/telemetry-buffer/pkg/models"
)

func TestCore_AppendsRecords(t *testing.T) {
	ring := buffer.NewRing(10)
	log := zap.New(NewCore(ring, zapcore.InfoLevel), zap.AddCaller()).Named("ingest")

	log.Debug("too quiet")
	log.With(zap.String("sink", "influx")).Error("write failed", zap.Int("batch", 3), zap.Error(errors.New("refused")))

	recs := ring.Extract(10)
	require.Len(t, recs, 1)
	rec := recs[0]

	assert.Equal(t, "logs", rec.Name())
	assert.Equal(t, models.PrecisionMilliseconds, rec.Precision())
	assert.Empty(t, rec.Bucket())

	level, _ := rec.Field("level")
	assert.Equal(t, int64(zapcore.ErrorLevel), level)
	msg, _ := rec.Field("msg")
	assert.Equal(t, "write failed", msg)
	details, _ := rec.Field("details")
	assert.Equal(t, "batch=3 error=refused sink=influx", details)

	tag, _ := rec.Tag("level")
	assert.Equal(t, "ERROR", tag)
	tag, _ = rec.Tag("logger")
	assert.Equal(t, "ingest", tag)
	tag, _ = rec.Tag("module")
	assert.Equal(t, "core_test", tag)
	tag, _ = rec.Tag("function")
	assert.Equal(t, "logship.TestCore_AppendsRecords()", tag)
}

func TestCore_Options(t *testing.T) {
	ring := buffer.NewRing(10)
	core := NewCore(ring, zapcore.DebugLevel,
		WithMeasurement("app_logs"),
		WithBucket("ops"),
		WithName("loadgen"),
	)

	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, core.Write(zapcore.Entry{Level: zapcore.WarnLevel, Time: at, Message: "slow"}, nil))

	rec := ring.Extract(1)[0]
	assert.Equal(t, "app_logs", rec.Name())
	assert.Equal(t, "ops", rec.Bucket())
	assert.Equal(t, at, rec.Time())
	_, ok := rec.Field("details")
	assert.False(t, ok)
	_, ok = rec.Tag("path")
	assert.False(t, ok, "no caller, no path tag")
	tag, _ := rec.Tag("logger")
	assert.Equal(t, "loadgen", tag)
}

func TestCore_Tee(t *testing.T) {
	ring := buffer.NewRing(2)
	log := zap.New(zapcore.NewTee(zapcore.NewNopCore(), NewCore(ring, zapcore.WarnLevel)))

	for i := 0; i < 3; i++ {
		log.Warn("again")
	}
	assert.Equal(t, 2, ring.Len())
	assert.Equal(t, uint64(1), ring.Evicted())
}

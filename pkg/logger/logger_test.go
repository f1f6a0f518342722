package logger

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zapcore.Level
		wantErr bool
	}{
		{"", zapcore.InfoLevel, false},
		{"debug", zapcore.DebugLevel, false},
		{" INFO ", zapcore.InfoLevel, false},
		{"warning", zapcore.WarnLevel, false},
		{"error", zapcore.ErrorLevel, false},
		{"verbose", zapcore.InfoLevel, true},
	}

	for _, tt := range tests {
		got, err := ParseLevel(tt.in)
		if tt.wantErr {
			assert.Error(t, err, tt.in)
			continue
		}
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestSetLogger(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	restore := SetLogger(zap.New(core))

	Debug("hidden")
	Info("flushed", zap.Int("records", 3))
	Warn("slow sink")

	restore()
	Info("after restore")

	require.Equal(t, 2, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "flushed", entry.Message)
	assert.Equal(t, int64(3), entry.ContextMap()["records"])
	assert.Equal(t, zapcore.WarnLevel, logs.All()[1].Level)
}

func TestInit_WritesFile(t *testing.T) {
	restore := SetLogger(nil)
	defer restore()

	path := filepath.Join(t.TempDir(), "flushd.log")
	require.NoError(t, Init("warn", path))

	Info("dropped")
	Error("sink unreachable", zap.String("sink", "influx"))
	Sync()

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"sink unreachable"`)
	assert.Contains(t, string(data), `"sink":"influx"`)
	assert.NotContains(t, string(data), "dropped")

	assert.Error(t, Init("loud", ""))
}

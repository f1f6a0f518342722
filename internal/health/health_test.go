package health

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selivandex/telemetry-buffer/pkg/buffer"
	"github.com/selivandex/telemetry-buffer/pkg/metrics"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

var (
	healthy   = pingFunc(func(context.Context) error { return nil })
	unhealthy = pingFunc(func(context.Context) error { return errors.New("connection refused") })
)

func do(t *testing.T, h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHealth_AlwaysOK(t *testing.T) {
	s := NewServer(Options{Checks: map[string]metrics.Pinger{"sink": unhealthy}})

	rec := do(t, s.Handler(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var status HealthStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "healthy", status.Status)
	assert.Empty(t, status.Checks)

	rec = do(t, s.Handler(), httptest.NewRequest(http.MethodGet, "/health?verbose=true", nil))
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, "unhealthy: connection refused", status.Checks["sink"])
}

func TestReadiness(t *testing.T) {
	buf := buffer.NewRing(4)
	checks := map[string]metrics.Pinger{"sink": healthy, "redis": healthy}
	s := NewServer(Options{Buffer: buf, Checks: checks})

	rec := do(t, s.Handler(), httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code, "not ready before SetReady")

	s.SetReady(true)
	rec = do(t, s.Handler(), httptest.NewRequest(http.MethodGet, "/readyz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var status ReadinessStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.True(t, status.Ready)
	assert.Equal(t, map[string]string{"sink": "healthy", "redis": "healthy"}, status.Checks)
	require.NotNil(t, status.Buffer)
	assert.Equal(t, 4, status.Buffer.Capacity)

	checks["redis"] = unhealthy
	rec = do(t, s.Handler(), httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsRoute(t *testing.T) {
	stats := metrics.NewStats(nil)
	s := NewServer(Options{Metrics: stats.Handler()})

	rec := do(t, s.Handler(), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dispatch_workers_active")

	s = NewServer(Options{})
	rec = do(t, s.Handler(), httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

const payload = `[
	{"name":"cpu","fields":{"idle":0.5},"tags":{"host":"a"}},
	{"name":"mem","fields":{"free":{"int":1024}}}
]`

func TestIngest_AppendsRecords(t *testing.T) {
	buf := buffer.NewRing(10)
	s := NewServer(Options{Buffer: buf})

	rec := do(t, s.Handler(), httptest.NewRequest(http.MethodPost, "/write", strings.NewReader(payload)))
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.JSONEq(t, `{"accepted":2}`, rec.Body.String())

	got := buf.Extract(10)
	require.Len(t, got, 2)
	assert.Equal(t, "cpu", got[0].Name())
	v, _ := got[1].Field("free")
	assert.Equal(t, int64(1024), v)
}

func TestIngest_Gzip(t *testing.T) {
	var body bytes.Buffer
	zw := gzip.NewWriter(&body)
	_, err := zw.Write([]byte(payload))
	require.NoError(t, err)
	require.NoError(t, zw.Close())

	buf := buffer.NewRing(10)
	h := NewIngestHandler(buf, 0)

	req := httptest.NewRequest(http.MethodPost, "/write", &body)
	req.Header.Set("Content-Encoding", "gzip")
	rec := do(t, h, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, 2, buf.Len())
}

func TestIngest_Rejects(t *testing.T) {
	buf := buffer.NewRing(10)
	h := NewIngestHandler(buf, 80)

	tests := []struct {
		name   string
		method string
		body   string
		gzip   bool
		code   int
	}{
		{"wrong method", http.MethodGet, "", false, http.StatusMethodNotAllowed},
		{"empty body", http.MethodPost, "", false, http.StatusBadRequest},
		{"bad json", http.MethodPost, "{", false, http.StatusBadRequest},
		{"invalid record", http.MethodPost, `[{"name":"ok","fields":{"v":1}},{"name":"","fields":{"v":1}}]`, false, http.StatusBadRequest},
		{"too large", http.MethodPost, `{"name":"cpu","fields":{"v":1},"tags":{"host":"` + strings.Repeat("x", 100) + `"}}`, false, http.StatusRequestEntityTooLarge},
		{"bad gzip", http.MethodPost, "plain", true, http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "/write", strings.NewReader(tt.body))
			if tt.gzip {
				req.Header.Set("Content-Encoding", "gzip")
			}
			rec := do(t, h, req)
			assert.Equal(t, tt.code, rec.Code)
			assert.Contains(t, rec.Body.String(), `"error"`)
		})
	}
	assert.Zero(t, buf.Len(), "rejected bodies must not reach the buffer")
}

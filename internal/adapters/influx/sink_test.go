package influx

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selivandex/telemetry-buffer/internal/adapters/config"
	"github.com/selivandex/telemetry-buffer/pkg/metrics"
	"github.com/selivandex/telemetry-buffer/pkg/models"
)

type writeRequest struct {
	bucket    string
	precision string
	lines     []string
}

// fakeInflux answers /ping and /api/v2/write and rejects the "bad" bucket.
type fakeInflux struct {
	mu     sync.Mutex
	writes []writeRequest
}

func (f *fakeInflux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Path {
	case "/ping":
		w.WriteHeader(http.StatusNoContent)
	case "/api/v2/write":
		body, _ := io.ReadAll(r.Body)
		q := r.URL.Query()
		if q.Get("bucket") == "bad" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":"not found","message":"bucket \"bad\" not found"}`))
			return
		}
		f.mu.Lock()
		f.writes = append(f.writes, writeRequest{
			bucket:    q.Get("bucket"),
			precision: q.Get("precision"),
			lines:     strings.Split(strings.TrimSpace(string(body)), "\n"),
		})
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeInflux) all() []writeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]writeRequest(nil), f.writes...)
}

func newSink(t *testing.T, opts ...Option) (*Sink, *fakeInflux) {
	t.Helper()
	fake := &fakeInflux{}
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	s, err := New(config.InfluxConfig{URL: srv.URL, Org: "acme", Bucket: "metrics", Timeout: time.Second}, opts...)
	require.NoError(t, err)
	require.NoError(t, s.Open(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s, fake
}

var ts = time.Unix(1700000000, 0).UTC()

func TestNew_RequiresDestination(t *testing.T) {
	var cfgErr *metrics.ConfigError

	_, err := New(config.InfluxConfig{URL: "http://x:8086", Bucket: "b"})
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "org", cfgErr.Param)

	_, err = New(config.InfluxConfig{Org: "o", Bucket: "b"})
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "url", cfgErr.Param)
}

func TestSink_OpenFailsWhenUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	s, err := New(config.InfluxConfig{URL: url, Org: "o", Bucket: "b", Timeout: time.Second})
	require.NoError(t, err)
	assert.Error(t, s.Open(context.Background()))
	assert.NoError(t, s.Close())
}

func TestSink_WritesLineProtocol(t *testing.T) {
	s, fake := newSink(t)

	batch := []models.Record{
		models.MustRecord("cpu", map[string]any{"idle": 10.5, "n": 3}, models.WithTag("host", "h1"), models.WithTime(ts)),
		models.MustRecord("mem", map[string]any{"free": 1}, models.WithTime(ts)),
	}
	require.NoError(t, s.Write(context.Background(), batch))

	writes := fake.all()
	require.Len(t, writes, 1)
	assert.Equal(t, "metrics", writes[0].bucket)
	assert.Equal(t, "ns", writes[0].precision)
	assert.Equal(t, []string{
		"cpu,host=h1 idle=10.5,n=3i 1700000000000000000",
		"mem free=1i 1700000000000000000",
	}, writes[0].lines)
}

func TestSink_GroupsByBucketAndPrecision(t *testing.T) {
	s, fake := newSink(t)

	batch := []models.Record{
		models.MustRecord("a", map[string]any{"v": 1}, models.WithTime(ts)),
		models.MustRecord("b", map[string]any{"v": 2}, models.WithTime(ts), models.WithPrecision(models.PrecisionSeconds)),
		models.MustRecord("c", map[string]any{"v": 3}, models.WithTime(ts), models.WithBucket("other")),
	}
	require.NoError(t, s.Write(context.Background(), batch))

	writes := fake.all()
	require.Len(t, writes, 3)
	assert.Equal(t, "metrics", writes[0].bucket)
	assert.Equal(t, "s", writes[1].precision)
	assert.Equal(t, []string{"b v=2i 1700000000"}, writes[1].lines)
	assert.Equal(t, "other", writes[2].bucket)
}

func TestSink_PartialFailure(t *testing.T) {
	s, fake := newSink(t)

	batch := []models.Record{
		models.MustRecord("ok", map[string]any{"v": 1}, models.WithTime(ts)),
		models.MustRecord("lost", map[string]any{"v": 2}, models.WithTime(ts), models.WithBucket("bad")),
		models.MustRecord("ok2", map[string]any{"v": 3}, models.WithTime(ts)),
	}
	err := s.Write(context.Background(), batch)
	require.Error(t, err)

	failed := metrics.FailedRecords(err)
	require.Len(t, failed, 1)
	assert.Equal(t, "lost", failed[0].Name())

	var derr *metrics.DeliveryError
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, "bad", derr.Destination.Bucket)

	writes := fake.all()
	require.Len(t, writes, 1)
	assert.Len(t, writes[0].lines, 2)
}

func TestSink_ChunksByLineProtocolSize(t *testing.T) {
	s, fake := newSink(t, WithChunkTarget(60))

	var batch []models.Record
	for i := 0; i < 6; i++ {
		batch = append(batch, models.MustRecord("cpu", map[string]any{"v": i}, models.WithTime(ts)))
	}
	require.NoError(t, s.Write(context.Background(), batch))

	// Each line is "cpu v=Ni 1700000000000000000\n", 29 bytes: two per request.
	writes := fake.all()
	require.Len(t, writes, 3)
	for _, w := range writes {
		assert.Len(t, w.lines, 2)
	}
}

func TestSink_ConversionFailureIsolated(t *testing.T) {
	base := PointConverter(nil)
	conv := metrics.ConverterFunc[*write.Point](func(r models.Record) (*write.Point, error) {
		if r.Name() == "poison" {
			return nil, assert.AnError
		}
		return base(r)
	})
	s, fake := newSink(t, WithConverter(conv))

	batch := []models.Record{
		models.MustRecord("poison", map[string]any{"v": 1}, models.WithTime(ts)),
		models.MustRecord("fine", map[string]any{"v": 2}, models.WithTime(ts)),
	}
	err := s.Write(context.Background(), batch)
	require.Error(t, err)
	assert.ErrorIs(t, err, assert.AnError)
	assert.Len(t, metrics.FailedRecords(err), 1)
	assert.Len(t, fake.all(), 1)
}

func TestPointConverter_DefaultTags(t *testing.T) {
	conv := PointConverter(map[string]string{"region": "eu", "host": "default"})
	p, err := conv(models.MustRecord("cpu", map[string]any{"v": 1.5}, models.WithTag("host", "h1"), models.WithTime(ts)))
	require.NoError(t, err)

	line := strings.TrimSpace(write.PointToLineProtocol(p, time.Nanosecond))
	assert.Equal(t, "cpu,host=h1,region=eu v=1.5 1700000000000000000", line)
}

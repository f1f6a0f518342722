package sqlsink

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selivandex/telemetry-buffer/pkg/metrics"
	"github.com/selivandex/telemetry-buffer/pkg/models"
)

type insert struct {
	table   string
	columns []string
	rows    [][]any
}

type fakeRepo struct {
	mu      sync.Mutex
	inserts []insert
	failOn  string
	pingErr error
	closed  bool
}

func (f *fakeRepo) InsertBatch(_ context.Context, table string, columns []string, values [][]any) error {
	if table == f.failOn {
		return errors.New("table does not exist")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts = append(f.inserts, insert{table: table, columns: columns, rows: values})
	return nil
}

func (f *fakeRepo) Ping(context.Context) error { return f.pingErr }

func (f *fakeRepo) Close() error {
	f.closed = true
	return nil
}

func connectTo(repo *fakeRepo) Connector {
	return func(context.Context) (Repository, error) { return repo, nil }
}

var ts = time.Date(2024, 3, 1, 12, 0, 0, 123456789, time.UTC)

func rec(name string, opts ...models.Option) models.Record {
	return models.MustRecord(name, map[string]any{"v": 1}, append([]models.Option{models.WithTime(ts)}, opts...)...)
}

func TestBuildInsert(t *testing.T) {
	query, args, err := BuildInsert("metrics", []string{"a", "b"}, [][]any{{1, "x"}, {2, "y"}})
	require.NoError(t, err)
	assert.Equal(t, "INSERT INTO metrics (a, b) VALUES (?, ?), (?, ?)", query)
	assert.Equal(t, []any{1, "x", 2, "y"}, args)

	assert.Equal(t, "INSERT INTO metrics (a, b) VALUES ($1, $2), ($3, $4)", sqlx.Rebind(sqlx.DOLLAR, query))
}

func TestBuildInsert_Rejects(t *testing.T) {
	_, _, err := BuildInsert("metrics; DROP TABLE x", nil, [][]any{{1}})
	assert.Error(t, err)

	_, _, err = BuildInsert("metrics", nil, nil)
	assert.Error(t, err)

	_, _, err = BuildInsert("metrics", []string{"a"}, [][]any{{1, 2}})
	assert.Error(t, err)

	_, _, err = BuildInsert("metrics", nil, [][]any{{1, 2}, {3}})
	assert.Error(t, err)
}

func TestValidIdentifier(t *testing.T) {
	for _, ok := range []string{"metrics", "db.metrics", "_t1"} {
		assert.True(t, ValidIdentifier(ok), ok)
	}
	for _, bad := range []string{"", "1t", "a-b", "a.b.c", "t x", `t"`} {
		assert.False(t, ValidIdentifier(bad), bad)
	}
}

func TestRowConverter(t *testing.T) {
	r := models.MustRecord("cpu", map[string]any{"idle": 1.5},
		models.WithTag("host", "h1"),
		models.WithTime(ts),
		models.WithPrecision(models.PrecisionMilliseconds),
	)
	row, err := RowConverter("default")(r)
	require.NoError(t, err)

	require.Len(t, row, len(Columns))
	assert.Equal(t, time.Date(2024, 3, 1, 12, 0, 0, 123000000, time.UTC), row[0])
	assert.Equal(t, "default", row[1])
	assert.Equal(t, "cpu", row[2])
	assert.Equal(t, "ms", row[3])
	assert.JSONEq(t, `{"host":"h1"}`, row[4].(string))
	assert.JSONEq(t, `{"idle":1.5}`, row[5].(string))

	row, err = RowConverter("default")(models.MustRecord("mem", map[string]any{"v": 1}, models.WithBucket("ops")))
	require.NoError(t, err)
	assert.Equal(t, "ops", row[1])
	assert.Equal(t, "{}", row[4])
}

func TestSink_WriteBeforeOpen(t *testing.T) {
	s := New("pg", "metrics", connectTo(&fakeRepo{}))
	batch := []models.Record{rec("a")}

	err := s.Write(context.Background(), batch)
	require.Error(t, err)
	assert.Equal(t, batch, metrics.Undelivered(batch, err))
}

func TestSink_OpenPingFailure(t *testing.T) {
	repo := &fakeRepo{pingErr: errors.New("refused")}
	s := New("pg", "metrics", connectTo(repo))

	require.Error(t, s.Open(context.Background()))
	assert.True(t, repo.closed)
}

func TestSink_FixedTable(t *testing.T) {
	repo := &fakeRepo{}
	s := New("pg", "metrics", connectTo(repo))
	require.NoError(t, s.Open(context.Background()))

	batch := []models.Record{rec("a"), rec("b", models.WithBucket("ops")), rec("c")}
	require.NoError(t, s.Write(context.Background(), batch))

	require.Len(t, repo.inserts, 2)
	for _, in := range repo.inserts {
		assert.Equal(t, "metrics", in.table)
		assert.Equal(t, Columns, in.columns)
	}
	assert.Len(t, repo.inserts[0].rows, 2)
	assert.Equal(t, "ops", repo.inserts[1].rows[0][1])

	require.NoError(t, s.Close())
	assert.True(t, repo.closed)
}

func TestSink_BucketTablePartialFailure(t *testing.T) {
	repo := &fakeRepo{failOn: "missing"}
	s := New("clickhouse", "metrics", connectTo(repo), WithTableFunc(BucketTable))
	require.NoError(t, s.Open(context.Background()))

	batch := []models.Record{
		rec("a"),
		rec("lost", models.WithBucket("missing")),
		rec("evil", models.WithBucket("x; DROP TABLE y")),
		rec("b"),
	}
	err := s.Write(context.Background(), batch)
	require.Error(t, err)

	failed := metrics.FailedRecords(err)
	require.Len(t, failed, 2)
	assert.Equal(t, "lost", failed[0].Name())
	assert.Equal(t, "evil", failed[1].Name())

	require.Len(t, repo.inserts, 1)
	assert.Equal(t, "metrics", repo.inserts[0].table)
	assert.Len(t, repo.inserts[0].rows, 2)
}

func TestSink_ChunksRows(t *testing.T) {
	repo := &fakeRepo{}
	s := New("pg", "metrics", connectTo(repo), WithChunkRows(2))
	require.NoError(t, s.Open(context.Background()))

	var batch []models.Record
	for range 5 {
		batch = append(batch, rec("a"))
	}
	require.NoError(t, s.Write(context.Background(), batch))

	require.Len(t, repo.inserts, 3)
	assert.Len(t, repo.inserts[2].rows, 1)
}

func TestSink_ConversionFailureIsolated(t *testing.T) {
	base := RowConverter("metrics")
	conv := metrics.ConverterFunc[[]any](func(r models.Record) ([]any, error) {
		if r.Name() == "poison" {
			return nil, assert.AnError
		}
		return base(r)
	})

	repo := &fakeRepo{}
	s := New("pg", "metrics", connectTo(repo), WithConverter(conv, Columns))
	require.NoError(t, s.Open(context.Background()))

	err := s.Write(context.Background(), []models.Record{rec("poison"), rec("fine")})
	require.ErrorIs(t, err, assert.AnError)
	assert.Len(t, metrics.FailedRecords(err), 1)
	require.Len(t, repo.inserts, 1)
	assert.Equal(t, "fine", repo.inserts[0].rows[0][2])
}

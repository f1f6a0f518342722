package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/selivandex/telemetry-buffer/pkg/metrics"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 65536, cfg.Buffer.Capacity)
	assert.Equal(t, 5000, cfg.Buffer.BatchSize)
	assert.Equal(t, 500*time.Millisecond, cfg.Buffer.WriteInterval)
	assert.Equal(t, 100*time.Millisecond, cfg.Buffer.PollFloor)
	assert.True(t, cfg.Buffer.DrainOnStop)
	assert.Equal(t, PolicyDrop, cfg.Buffer.FailurePolicy)
	assert.Equal(t, ModeSingle, cfg.Dispatch.Mode)
	assert.Equal(t, 4, cfg.Dispatch.Workers)
	assert.Equal(t, BackendStdout, cfg.Sink.Backend)
	assert.False(t, cfg.IsMultiWorker())
	assert.False(t, cfg.Logging.Ship)
	assert.Equal(t, "warn", cfg.Logging.ShipLevel)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("SINK_BACKEND", "influx")
	t.Setenv("INFLUX_URL", "http://localhost:8086")
	t.Setenv("INFLUX_ORG", "acme")
	t.Setenv("INFLUX_BUCKET", "metrics")
	t.Setenv("INFLUX_DEFAULT_TAGS", "region:eu,host:a")
	t.Setenv("BUFFER_BATCH_SIZE", "100")
	t.Setenv("BUFFER_WRITE_INTERVAL", "2s")
	t.Setenv("DISPATCH_MODE", "multi")
	t.Setenv("DISPATCH_NUM_WORKERS", "8")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "acme", cfg.Influx.Org)
	assert.Equal(t, map[string]string{"region": "eu", "host": "a"}, cfg.Influx.DefaultTags)
	assert.Equal(t, 100, cfg.Buffer.BatchSize)
	assert.Equal(t, 2*time.Second, cfg.Buffer.WriteInterval)
	assert.True(t, cfg.IsMultiWorker())
	assert.Equal(t, 8, cfg.Dispatch.Workers)
}

func validConfig() Config {
	return Config{
		Buffer:   BufferConfig{Capacity: 10, BatchSize: 5, WriteInterval: time.Second, FailurePolicy: PolicyDrop},
		Dispatch: DispatchConfig{Mode: ModeSingle, Workers: 1},
		Sink:     SinkConfig{Backend: BackendInflux},
		Influx:   InfluxConfig{URL: "http://influx:8086", Org: "o", Bucket: "b"},
		Redis:    RedisConfig{Host: "localhost", Retention: "7d"},
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
		param  string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing url", func(c *Config) { c.Influx.URL = "" }, "url"},
		{"relative url", func(c *Config) { c.Influx.URL = "influx:8086/x" }, "url"},
		{"missing org", func(c *Config) { c.Influx.Org = "" }, "org"},
		{"missing bucket", func(c *Config) { c.Influx.Bucket = "" }, "bucket"},
		{"zero batch", func(c *Config) { c.Buffer.BatchSize = 0 }, "batch_size"},
		{"zero capacity", func(c *Config) { c.Buffer.Capacity = 0 }, "buffer_capacity"},
		{"unknown backend", func(c *Config) { c.Sink.Backend = "kafka" }, "backend"},
		{"unknown mode", func(c *Config) { c.Dispatch.Mode = "both" }, "mode"},
		{"multi without workers", func(c *Config) { c.Dispatch.Mode = ModeMulti; c.Dispatch.Workers = 0 }, "num_workers"},
		{"unknown policy", func(c *Config) { c.Buffer.FailurePolicy = "retry" }, "failure_policy"},
		{"bad retention", func(c *Config) { c.Buffer.FailurePolicy = PolicyDeadLetter; c.Redis.Retention = "soon" }, "redis_retention"},
		{"clickhouse table", func(c *Config) { c.Sink.Backend = BackendClickHouse; c.ClickHouse.Host = "ch" }, "table"},
		{"postgres user", func(c *Config) { c.Sink.Backend = BackendPostgres; c.Database.Table = "m" }, "db_user"},
		{"bad ship level", func(c *Config) { c.Logging = LoggingConfig{Ship: true, ShipLevel: "loud"} }, "ship_level"},
		{"ship level unchecked when off", func(c *Config) { c.Logging.ShipLevel = "loud" }, ""},
		{"stdout needs nothing", func(c *Config) { c.Sink.Backend = BackendStdout; c.Influx = InfluxConfig{} }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()

			if tt.param == "" {
				assert.NoError(t, err)
				return
			}
			var cfgErr *metrics.ConfigError
			require.ErrorAs(t, err, &cfgErr)
			assert.Equal(t, tt.param, cfgErr.Param)
		})
	}
}

func TestGetDSN(t *testing.T) {
	db := DatabaseConfig{Host: "pg", Port: 5432, User: "u", Password: "p", Name: "n", SSLMode: "disable"}
	assert.Equal(t, "host=pg port=5432 user=u password=p dbname=n sslmode=disable", db.GetDSN())

	ch := ClickHouseConfig{Host: "ch", Port: 9000, User: "default", Password: "p@ss", Database: "db"}
	assert.Equal(t, "clickhouse://default:p%40ss@ch:9000/db", ch.GetDSN())

	assert.Equal(t, "redis:6379", (&RedisConfig{Host: "redis", Port: 6379}).GetAddr())
}

func TestParseRetention(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"1d", 24 * time.Hour},
		{"1h", time.Hour},
		{"1m", time.Minute},
		{"1s", time.Second},
		{"1d1h1m1s", 90061 * time.Second},
		{"1d 1h 1m 1s", 90061 * time.Second},
		{" 90m ", 90 * time.Minute},
	}
	for _, tt := range tests {
		got, err := ParseRetention(tt.in)
		require.NoError(t, err, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}

	for _, bad := range []string{"", "1w", "d", "1.5h", "abc1d"} {
		_, err := ParseRetention(bad)
		assert.Error(t, err, bad)
	}
}

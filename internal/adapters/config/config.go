package config

import (
	"fmt"
	"net/url"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/selivandex/telemetry-buffer/pkg/logger"
	"github.com/selivandex/telemetry-buffer/pkg/metrics"
)

// Backends and modes accepted by the config.
const (
	BackendInflux     = "influx"
	BackendClickHouse = "clickhouse"
	BackendPostgres   = "postgres"
	BackendStdout     = "stdout"

	ModeSingle = "single"
	ModeMulti  = "multi"

	PolicyDrop       = "drop"
	PolicyDeadLetter = "deadletter"
)

// Config represents application configuration
type Config struct {
	Buffer     BufferConfig     `envconfig:"BUFFER"`
	Dispatch   DispatchConfig   `envconfig:"DISPATCH"`
	Sink       SinkConfig       `envconfig:"SINK"`
	Influx     InfluxConfig     `envconfig:"INFLUX"`
	ClickHouse ClickHouseConfig `envconfig:"CLICKHOUSE"`
	Database   DatabaseConfig   `envconfig:"DATABASE"`
	Redis      RedisConfig      `envconfig:"REDIS"`
	Server     ServerConfig     `envconfig:"SERVER"`
	Logging    LoggingConfig    `envconfig:"LOGGING"`
}

// BufferConfig represents buffering and flush parameters
type BufferConfig struct {
	Capacity         int           `envconfig:"CAPACITY" default:"65536"`
	BatchSize        int           `envconfig:"BATCH_SIZE" default:"5000"`
	WriteInterval    time.Duration `envconfig:"WRITE_INTERVAL" default:"500ms"`
	PollFloor        time.Duration `envconfig:"POLL_FLOOR" default:"100ms"`
	ChunkTargetBytes int           `envconfig:"CHUNK_TARGET_BYTES" default:"0"`
	DrainOnStop      bool          `envconfig:"DRAIN_ON_STOP" default:"true"`
	FailurePolicy    string        `envconfig:"FAILURE_POLICY" default:"drop"`
}

// DispatchConfig selects the flush strategy
type DispatchConfig struct {
	Mode            string        `envconfig:"MODE" default:"single"` // single or multi
	Workers         int           `envconfig:"NUM_WORKERS" default:"4"`
	QueueSize       int           `envconfig:"QUEUE_SIZE" default:"0"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// SinkConfig selects the backend
type SinkConfig struct {
	Backend string `envconfig:"BACKEND" default:"stdout"`
}

// InfluxConfig represents InfluxDB 2.x connection parameters
type InfluxConfig struct {
	URL         string            `envconfig:"URL"`
	Token       string            `envconfig:"TOKEN"`
	Org         string            `envconfig:"ORG"`
	Bucket      string            `envconfig:"BUCKET"`
	Timeout     time.Duration     `envconfig:"TIMEOUT" default:"10s"`
	GZip        bool              `envconfig:"GZIP" default:"false"`
	DefaultTags map[string]string `envconfig:"DEFAULT_TAGS"`
}

// ClickHouseConfig represents ClickHouse connection parameters
type ClickHouseConfig struct {
	Host     string `envconfig:"HOST" default:"localhost"`
	Port     int    `envconfig:"PORT" default:"9000"`
	Database string `envconfig:"DATABASE" default:"default"`
	User     string `envconfig:"USER" default:"default"`
	Password string `envconfig:"PASSWORD"`
	Table    string `envconfig:"TABLE" default:"metrics"`
}

// DatabaseConfig represents PostgreSQL connection parameters
type DatabaseConfig struct {
	Host       string `envconfig:"HOST" default:"localhost"`
	Port       int    `envconfig:"PORT" default:"5432"`
	Name       string `envconfig:"NAME" default:"telemetry"`
	User       string `envconfig:"USER"`
	Password   string `envconfig:"PASSWORD"`
	SSLMode    string `envconfig:"SSLMODE" default:"disable"`
	Table      string `envconfig:"TABLE" default:"metrics"`
	Migrations bool   `envconfig:"MIGRATIONS" default:"true"`
}

// RedisConfig represents the dead-letter store connection
type RedisConfig struct {
	Host           string        `envconfig:"HOST" default:"localhost"`
	Port           int           `envconfig:"PORT" default:"6379"`
	Password       string        `envconfig:"PASSWORD"`
	DB             int           `envconfig:"DB" default:"0"`
	DLQKey         string        `envconfig:"DLQ_KEY" default:"telemetry:dlq"`
	ReplayInterval time.Duration `envconfig:"REPLAY_INTERVAL" default:"1m"`
	ReplayMax      int           `envconfig:"REPLAY_MAX" default:"10"`
	Retention      string        `envconfig:"RETENTION" default:"7d"`
}

// ServerConfig represents the health and ingest HTTP server
type ServerConfig struct {
	HealthPort int   `envconfig:"HEALTH_PORT" default:"8080"`
	MaxBody    int64 `envconfig:"MAX_BODY" default:"10485760"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level   string `envconfig:"LEVEL" default:"info"`
	File    string `envconfig:"FILE"`
	Verbose bool   `envconfig:"VERBOSE" default:"false"`

	// Ship appends the process's own log entries to the buffer.
	Ship       bool   `envconfig:"SHIP" default:"false"`
	ShipLevel  string `envconfig:"SHIP_LEVEL" default:"warn"`
	ShipBucket string `envconfig:"SHIP_BUCKET"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	var cfg Config

	// Process environment variables
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process config: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks the flush parameters and the settings of the selected
// backend. Failures are *metrics.ConfigError naming the parameter.
func (c *Config) Validate() error {
	if c.Buffer.Capacity <= 0 {
		return &metrics.ConfigError{Param: "buffer_capacity", Reason: "must be positive"}
	}
	if c.Buffer.BatchSize <= 0 {
		return &metrics.ConfigError{Param: "batch_size", Reason: "must be positive"}
	}
	if c.Buffer.WriteInterval <= 0 {
		return &metrics.ConfigError{Param: "write_interval", Reason: "must be positive"}
	}
	if c.Buffer.ChunkTargetBytes < 0 {
		return &metrics.ConfigError{Param: "chunk_target_bytes", Reason: "must not be negative"}
	}

	switch c.Buffer.FailurePolicy {
	case PolicyDrop:
	case PolicyDeadLetter:
		if c.Redis.Host == "" {
			return &metrics.ConfigError{Param: "redis_host", Reason: "required by the deadletter failure policy"}
		}
		if _, err := ParseRetention(c.Redis.Retention); err != nil {
			return &metrics.ConfigError{Param: "redis_retention", Reason: err.Error()}
		}
	default:
		return &metrics.ConfigError{Param: "failure_policy", Reason: fmt.Sprintf("unknown policy %q", c.Buffer.FailurePolicy)}
	}

	if c.Logging.Ship {
		if _, err := logger.ParseLevel(c.Logging.ShipLevel); err != nil {
			return &metrics.ConfigError{Param: "ship_level", Reason: err.Error()}
		}
	}

	switch c.Dispatch.Mode {
	case ModeSingle:
	case ModeMulti:
		if c.Dispatch.Workers <= 0 {
			return &metrics.ConfigError{Param: "num_workers", Reason: "must be positive"}
		}
	default:
		return &metrics.ConfigError{Param: "mode", Reason: fmt.Sprintf("unknown mode %q", c.Dispatch.Mode)}
	}

	switch c.Sink.Backend {
	case BackendInflux:
		return c.Influx.Validate()
	case BackendClickHouse:
		return c.ClickHouse.Validate()
	case BackendPostgres:
		return c.Database.Validate()
	case BackendStdout:
		return nil
	default:
		return &metrics.ConfigError{Param: "backend", Reason: fmt.Sprintf("unknown backend %q", c.Sink.Backend)}
	}
}

// Validate checks the destination parameters an Influx sink needs.
func (c *InfluxConfig) Validate() error {
	if c.URL == "" {
		return &metrics.ConfigError{Param: "url"}
	}
	if u, err := url.Parse(c.URL); err != nil || u.Scheme == "" || u.Host == "" {
		return &metrics.ConfigError{Param: "url", Reason: fmt.Sprintf("invalid url %q", c.URL)}
	}
	if c.Org == "" {
		return &metrics.ConfigError{Param: "org"}
	}
	if c.Bucket == "" {
		return &metrics.ConfigError{Param: "bucket"}
	}
	return nil
}

// Validate checks the destination parameters a ClickHouse sink needs.
func (c *ClickHouseConfig) Validate() error {
	if c.Host == "" {
		return &metrics.ConfigError{Param: "clickhouse_host"}
	}
	if c.Table == "" {
		return &metrics.ConfigError{Param: "table"}
	}
	return nil
}

// Validate checks the destination parameters a Postgres sink needs.
func (c *DatabaseConfig) Validate() error {
	if c.User == "" {
		return &metrics.ConfigError{Param: "db_user"}
	}
	if c.Table == "" {
		return &metrics.ConfigError{Param: "table"}
	}
	return nil
}

// GetDSN returns PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// GetDSN returns ClickHouse connection string
func (c *ClickHouseConfig) GetDSN() string {
	u := url.URL{
		Scheme: "clickhouse",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Database,
	}
	return u.String()
}

// GetAddr returns the Redis address
func (c *RedisConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// IsMultiWorker returns true if the dispatcher strategy is selected
func (c *Config) IsMultiWorker() bool {
	return c.Dispatch.Mode == ModeMulti
}

// Package logship turns log entries into measurement records so a
// process's own logs travel through the same buffer as its telemetry.
package logship

import (
	"fmt"
	"path"
	"sort"
	"strings"

	"go.uber.org/zap/zapcore"

	"github.com/selivandex/telemetry-buffer/pkg/models"
)

const (
	DefaultMeasurement = "logs"
	DefaultName        = "flushd"
)

// Appender receives shipped records. *buffer.Ring implements it.
type Appender interface {
	Append(rec models.Record)
}

// Option configures a Core
type Option func(*Core)

// WithMeasurement sets the measurement name, "logs" by default.
func WithMeasurement(name string) Option {
	return func(c *Core) { c.measurement = name }
}

// WithBucket routes shipped records to bucket instead of the sink default.
func WithBucket(bucket string) Option {
	return func(c *Core) { c.bucket = bucket }
}

// WithName sets the logger tag used for entries from unnamed loggers.
func WithName(name string) Option {
	return func(c *Core) { c.name = name }
}

// Core is a zapcore.Core that appends one record per entry:
// fields level, msg, name, path, lineno, details;
// tags level, logger, function, module, path, lineno.
// Records use millisecond precision.
type Core struct {
	zapcore.LevelEnabler

	out         Appender
	measurement string
	bucket      string
	name        string
	context     []zapcore.Field
}

// NewCore creates a core shipping entries at or above level to out.
func NewCore(out Appender, level zapcore.LevelEnabler, opts ...Option) *Core {
	c := &Core{
		LevelEnabler: level,
		out:          out,
		measurement:  DefaultMeasurement,
		name:         DefaultName,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Core) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.context = append(append([]zapcore.Field(nil), c.context...), fields...)
	return &clone
}

func (c *Core) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *Core) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	rec, err := c.record(ent, fields)
	if err != nil {
		return fmt.Errorf("logship: %w", err)
	}
	c.out.Append(rec)
	return nil
}

func (c *Core) Sync() error { return nil }

func (c *Core) record(ent zapcore.Entry, fields []zapcore.Field) (models.Record, error) {
	name := ent.LoggerName
	if name == "" {
		name = c.name
	}

	values := map[string]any{
		"level": int(ent.Level),
		"msg":   ent.Message,
		"name":  name,
	}
	tags := map[string]string{
		"level":  ent.Level.CapitalString(),
		"logger": name,
	}

	if ent.Caller.Defined {
		values["path"] = ent.Caller.File
		values["lineno"] = ent.Caller.Line
		tags["path"] = ent.Caller.File
		tags["lineno"] = fmt.Sprint(ent.Caller.Line)
		tags["module"] = strings.TrimSuffix(path.Base(ent.Caller.File), ".go")
		if ent.Caller.Function != "" {
			tags["function"] = path.Base(ent.Caller.Function) + "()"
		}
	}

	if details := c.details(fields); details != "" {
		values["details"] = details
	}

	opts := []models.Option{
		models.WithTags(tags),
		models.WithTime(ent.Time),
		models.WithPrecision(models.PrecisionMilliseconds),
	}
	if c.bucket != "" {
		opts = append(opts, models.WithBucket(c.bucket))
	}
	return models.NewRecord(c.measurement, values, opts...)
}

// details renders context and entry fields as sorted key=value pairs.
func (c *Core) details(fields []zapcore.Field) string {
	if len(c.context)+len(fields) == 0 {
		return ""
	}

	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.context {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}

	keys := make([]string, 0, len(enc.Fields))
	for k := range enc.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%v", k, enc.Fields[k])
	}
	return strings.Join(parts, " ")
}

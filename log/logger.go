// Package log provides structured zap logging tagged with job and attempt.
//
// Entries carry job_id once a job is known and attempt while an attempt
// runs. Call-site fields go under a single "fields" key.
package log

import (
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Format selects the encoder.
type Format string

// Supported formats.
const (
	FormatJSON    Format = "json"
	FormatConsole Format = "console"
)

// Options configures New.
type Options struct {
	// JobID tags every entry when set.
	JobID string
	// Writer receives entries (default os.Stderr).
	Writer io.Writer
	// Level is the minimum level logged.
	Level zapcore.Level
	// Format is json (default) or console.
	Format Format
}

// Logger is a job-scoped structured logger.
type Logger struct {
	base   *zap.Logger
	zap    *zap.Logger
	fields []zap.Field
}

// New builds a logger.
func New(opts Options) (*Logger, error) {
	w := opts.Writer
	if w == nil {
		w = os.Stderr
	}

	enc := zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	}
	var encoder zapcore.Encoder
	switch opts.Format {
	case "", FormatJSON:
		encoder = zapcore.NewJSONEncoder(enc)
	case FormatConsole:
		enc.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
		enc.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(enc)
	default:
		return nil, fmt.Errorf("unknown log format %q (must be json or console)", opts.Format)
	}

	base := zap.New(zapcore.NewCore(encoder, zapcore.AddSync(w), opts.Level))
	l := &Logger{base: base, zap: base}
	if opts.JobID != "" {
		l = l.with(zap.String("job_id", opts.JobID))
	}
	return l, nil
}

// NewWithLevel creates a json logger writing to w at the given minimum level.
func NewWithLevel(jobID string, w io.Writer, level zapcore.Level) *Logger {
	l, _ := New(Options{JobID: jobID, Writer: w, Level: level})
	return l
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	nop := zap.NewNop()
	return &Logger{base: nop, zap: nop}
}

// ParseLevel parses a level name ("debug", "info", "warn", "error").
// The empty string is info.
func ParseLevel(name string) (zapcore.Level, error) {
	if name == "" {
		return zapcore.InfoLevel, nil
	}
	return zapcore.ParseLevel(name)
}

// WithAttempt tags entries with the attempt index, replacing any previous one.
func (l *Logger) WithAttempt(attempt int) *Logger {
	return l.with(zap.Int("attempt", attempt))
}

// WithJob tags entries with a job ID, replacing any previous one.
func (l *Logger) WithJob(jobID string) *Logger {
	return l.with(zap.String("job_id", jobID))
}

func (l *Logger) with(field zap.Field) *Logger {
	fields := make([]zap.Field, 0, len(l.fields)+1)
	for _, f := range l.fields {
		if f.Key != field.Key {
			fields = append(fields, f)
		}
	}
	fields = append(fields, field)
	return &Logger{base: l.base, zap: l.base.With(fields...), fields: fields}
}

func (l *Logger) Debug(message string, fields map[string]any) {
	l.zap.Debug(message, zap.Any("fields", fields))
}

func (l *Logger) Info(message string, fields map[string]any) {
	l.zap.Info(message, zap.Any("fields", fields))
}

func (l *Logger) Warn(message string, fields map[string]any) {
	l.zap.Warn(message, zap.Any("fields", fields))
}

func (l *Logger) Error(message string, fields map[string]any) {
	l.zap.Error(message, zap.Any("fields", fields))
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.zap.Sync()
}

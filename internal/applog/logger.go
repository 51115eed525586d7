// Package applog provides structured logging with run context for the
// archiver.
//
// Two logger variants are available:
//   - Logger: non-sugared zap.Logger for the cycle/pipeline/fetch hot
//     path (structured fields, no printf formatting cost)
//   - SugaredLogger: printf-style logging for the CLI surface
//
// Use Logger.Sugar() to obtain a SugaredLogger when needed.
package applog

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/esdrasrenan/projeto-xml/types"
)

// Logger wraps a zap.Logger with run-context fields stamped onto
// every entry.
type Logger struct {
	zap    *zap.Logger
	level  zapcore.Level
	fields []zap.Field
}

// SugaredLogger wraps a zap.SugaredLogger with the same run context,
// for CLI and debug surfaces where printf-style calls read better.
type SugaredLogger struct {
	sugar *zap.SugaredLogger
}

// NewLogger creates a logger stamped with runMeta's run_id/attempt
// (and job_id/parent_run_id when present), logging at DebugLevel and
// above. Output defaults to os.Stderr.
func NewLogger(runMeta *types.RunMeta) *Logger {
	return newLoggerAtLevel(runMeta, zapcore.DebugLevel)
}

// WithOutput returns a new logger with a different output writer,
// keeping the same run-context fields and level.
func (l *Logger) WithOutput(w io.Writer) *Logger {
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), zapcore.AddSync(w), l.level)
	return &Logger{zap: zap.New(core).With(l.fields...), level: l.level, fields: l.fields}
}

func encoderConfig() zapcore.EncoderConfig {
	return zapcore.EncoderConfig{
		TimeKey:     "timestamp",
		LevelKey:    "level",
		MessageKey:  "message",
		EncodeTime:  zapcore.RFC3339NanoTimeEncoder,
		EncodeLevel: zapcore.LowercaseLevelEncoder,
	}
}

func newLoggerAtLevel(runMeta *types.RunMeta, level zapcore.Level) *Logger {
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig()), zapcore.AddSync(os.Stderr), level)

	fields := []zap.Field{
		zap.String("run_id", runMeta.RunID),
		zap.Int("attempt", runMeta.Attempt),
	}
	if runMeta.JobID != nil {
		fields = append(fields, zap.String("job_id", *runMeta.JobID))
	}
	if runMeta.ParentRunID != nil {
		fields = append(fields, zap.String("parent_run_id", *runMeta.ParentRunID))
	}

	return &Logger{zap: zap.New(core).With(fields...), level: level, fields: fields}
}

// Debug logs a debug message with structured fields.
func (l *Logger) Debug(message string, fields map[string]any) {
	l.zap.Debug(message, zap.Any("fields", fields))
}

// Info logs an info message with structured fields.
func (l *Logger) Info(message string, fields map[string]any) {
	l.zap.Info(message, zap.Any("fields", fields))
}

// Warn logs a warning message with structured fields.
func (l *Logger) Warn(message string, fields map[string]any) {
	l.zap.Warn(message, zap.Any("fields", fields))
}

// Error logs an error message with structured fields.
func (l *Logger) Error(message string, fields map[string]any) {
	l.zap.Error(message, zap.Any("fields", fields))
}

// Sugar returns a SugaredLogger sharing this logger's run context.
func (l *Logger) Sugar() *SugaredLogger {
	return &SugaredLogger{sugar: l.zap.Sugar()}
}

// Debugf logs a debug message with printf-style formatting.
func (s *SugaredLogger) Debugf(template string, args ...any) {
	s.sugar.Debugf(template, args...)
}

// Infof logs an info message with printf-style formatting.
func (s *SugaredLogger) Infof(template string, args ...any) {
	s.sugar.Infof(template, args...)
}

// Warnf logs a warning message with printf-style formatting.
func (s *SugaredLogger) Warnf(template string, args ...any) {
	s.sugar.Warnf(template, args...)
}

// Errorf logs an error message with printf-style formatting.
func (s *SugaredLogger) Errorf(template string, args ...any) {
	s.sugar.Errorf(template, args...)
}

// With returns a SugaredLogger with additional key-value context.
func (s *SugaredLogger) With(args ...any) *SugaredLogger {
	return &SugaredLogger{sugar: s.sugar.With(args...)}
}

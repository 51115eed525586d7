package applog

import (
	"fmt"
	"strings"

	"go.uber.org/zap/zapcore"

	"github.com/esdrasrenan/projeto-xml/types"
)

// ParseLevel maps the spec's --log-level values (DEBUG, INFO, WARNING,
// ERROR, CRITICAL) to a zapcore.Level. zap has no CRITICAL level; it
// maps onto Error, the highest non-fatal level zap offers, since
// nothing in this program should call os.Exit from inside a log call.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "INFO":
		return zapcore.InfoLevel, nil
	case "DEBUG":
		return zapcore.DebugLevel, nil
	case "WARNING", "WARN":
		return zapcore.WarnLevel, nil
	case "ERROR":
		return zapcore.ErrorLevel, nil
	case "CRITICAL":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("applog: unknown log level %q", s)
	}
}

// NewLoggerAtLevel is NewLogger with an explicit minimum level instead
// of the DebugLevel default.
func NewLoggerAtLevel(runMeta *types.RunMeta, level zapcore.Level) *Logger {
	return newLoggerAtLevel(runMeta, level)
}

package webrtcpeer

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pion/logging"
)

// levelTrace sits below slog's debug level so pion's trace output stays off
// unless a handler is explicitly configured for it.
const levelTrace = slog.LevelDebug - 4

// NewLoggerFactory adapts a slog logger to pion's logging interface. Each pion
// scope becomes a "scope" attribute.
func NewLoggerFactory(logger *slog.Logger) logging.LoggerFactory {
	if logger == nil {
		logger = slog.Default()
	}
	return slogFactory{logger: logger}
}

type slogFactory struct {
	logger *slog.Logger
}

func (f slogFactory) NewLogger(scope string) logging.LeveledLogger {
	return slogLogger{logger: f.logger.With("component", "pion", "scope", scope)}
}

type slogLogger struct {
	logger *slog.Logger
}

var _ logging.LeveledLogger = slogLogger{}

func (l slogLogger) log(level slog.Level, msg string) {
	ctx := context.Background()
	if !l.logger.Enabled(ctx, level) {
		return
	}
	l.logger.Log(ctx, level, msg)
}

func (l slogLogger) logf(level slog.Level, format string, args ...interface{}) {
	if !l.logger.Enabled(context.Background(), level) {
		return
	}
	l.log(level, fmt.Sprintf(format, args...))
}

func (l slogLogger) Trace(msg string) { l.log(levelTrace, msg) }
func (l slogLogger) Debug(msg string) { l.log(slog.LevelDebug, msg) }
func (l slogLogger) Info(msg string)  { l.log(slog.LevelInfo, msg) }
func (l slogLogger) Warn(msg string)  { l.log(slog.LevelWarn, msg) }
func (l slogLogger) Error(msg string) { l.log(slog.LevelError, msg) }

func (l slogLogger) Tracef(format string, args ...interface{}) {
	l.logf(levelTrace, format, args...)
}

func (l slogLogger) Debugf(format string, args ...interface{}) {
	l.logf(slog.LevelDebug, format, args...)
}

func (l slogLogger) Infof(format string, args ...interface{}) {
	l.logf(slog.LevelInfo, format, args...)
}

func (l slogLogger) Warnf(format string, args ...interface{}) {
	l.logf(slog.LevelWarn, format, args...)
}

func (l slogLogger) Errorf(format string, args ...interface{}) {
	l.logf(slog.LevelError, format, args...)
}

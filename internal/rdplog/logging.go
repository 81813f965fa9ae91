// Package rdplog provides a leveled, structured logger shared by the
// transport, ISO, and DVC layers. It keeps the free-function/default-logger
// shape the rest of the client core expects while backing every call with a
// logrus.Logger so log lines carry structured fields instead of a flat
// printf string.
package rdplog

import (
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Level represents log severity levels.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) logrusLevel() logrus.Level {
	switch l {
	case LevelDebug:
		return logrus.DebugLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelError:
		return logrus.ErrorLevel
	default:
		return logrus.InfoLevel
	}
}

// Logger wraps a logrus.Logger, fixing a "component" field per instance so
// every line it emits is attributable to the transport, iso, or dvc layer.
type Logger struct {
	entry *logrus.Entry
}

// New returns a Logger tagged with component, backed by its own logrus
// instance so SetLevel on one component does not affect another.
func New(component string) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stderr)
	base.SetLevel(logrus.InfoLevel)
	return &Logger{entry: base.WithField("component", component)}
}

// With returns a Logger that additionally tags every line with the given
// field, e.g. Default().With("channel", "drdynvc") or With("id", id).
func (l *Logger) With(key string, value interface{}) *Logger {
	return &Logger{entry: l.entry.WithField(key, value)}
}

// SetLevel sets the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.entry.Logger.SetLevel(level.logrusLevel())
}

// SetLevelFromString sets the log level from a string, defaulting to info
// on an unrecognized value.
func (l *Logger) SetLevelFromString(levelStr string) {
	switch strings.ToLower(levelStr) {
	case "debug":
		l.SetLevel(LevelDebug)
	case "info":
		l.SetLevel(LevelInfo)
	case "warn", "warning":
		l.SetLevel(LevelWarn)
	case "error":
		l.SetLevel(LevelError)
	default:
		l.SetLevel(LevelInfo)
	}
}

func (l *Logger) Debug(format string, args ...interface{}) { l.entry.Debugf(format, args...) }
func (l *Logger) Info(format string, args ...interface{})  { l.entry.Infof(format, args...) }
func (l *Logger) Warn(format string, args ...interface{})  { l.entry.Warnf(format, args...) }
func (l *Logger) Error(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

var (
	defaultLogger *Logger
	once          sync.Once
)

// Default returns the process-wide default logger, tagged component=rdpwire.
func Default() *Logger {
	once.Do(func() {
		defaultLogger = New("rdpwire")
	})
	return defaultLogger
}

// SetLevel sets the default logger's level.
func SetLevel(level Level) { Default().SetLevel(level) }

// SetLevelFromString sets the default logger's level from a string.
func SetLevelFromString(levelStr string) { Default().SetLevelFromString(levelStr) }

// Debug logs a debug message to the default logger.
func Debug(format string, args ...interface{}) { Default().Debug(format, args...) }

// Info logs an info message to the default logger.
func Info(format string, args ...interface{}) { Default().Info(format, args...) }

// Warn logs a warning message to the default logger.
func Warn(format string, args ...interface{}) { Default().Warn(format, args...) }

// Error logs an error message to the default logger.
func Error(format string, args ...interface{}) { Default().Error(format, args...) }

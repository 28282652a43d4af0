package logger

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Level represents log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

func (l Level) logrus() logrus.Level {
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

// ParseLevel parses a level string (case-insensitive).
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger is a leveled structured logger.
type Logger struct {
	entry *logrus.Logger
}

// New creates a logger writing to w.
func New(w io.Writer) *Logger {
	l := logrus.New()
	l.SetOutput(w)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		DisableColors:   true,
	})
	return &Logger{entry: l}
}

var defaultLogger = New(os.Stdout)

// Default returns the package-level logger.
func Default() *Logger {
	return defaultLogger
}

// SetLevel changes the minimum log level.
func (l *Logger) SetLevel(level Level) {
	l.entry.SetLevel(level.logrus())
}

// SetOutput changes the writer.
func (l *Logger) SetOutput(w io.Writer) {
	l.entry.SetOutput(w)
}

// Writer returns a pipe that logs each written line at level, for
// libraries that log through io.Writer. The caller closes it.
func (l *Logger) Writer(level Level) *io.PipeWriter {
	return l.entry.WriterLevel(level.logrus())
}

func fields(kvs []any) logrus.Fields {
	f := make(logrus.Fields, len(kvs)/2)
	for i := 0; i+1 < len(kvs); i += 2 {
		f[fmt.Sprint(kvs[i])] = kvs[i+1]
	}
	return f
}

func (l *Logger) log(level Level, msg string, kvs ...any) {
	lv := level.logrus()
	if !l.entry.IsLevelEnabled(lv) {
		return
	}
	l.entry.WithFields(fields(kvs)).Log(lv, msg)
}

func (l *Logger) logf(level Level, format string, args ...any) {
	l.entry.Logf(level.logrus(), format, args...)
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, kvs ...any) { l.log(LevelDebug, msg, kvs...) }

// Info logs an info message.
func (l *Logger) Info(msg string, kvs ...any) { l.log(LevelInfo, msg, kvs...) }

// Warn logs a warning message.
func (l *Logger) Warn(msg string, kvs ...any) { l.log(LevelWarn, msg, kvs...) }

// Error logs an error message.
func (l *Logger) Error(msg string, kvs ...any) { l.log(LevelError, msg, kvs...) }

// Infof logs a formatted info message.
func (l *Logger) Infof(format string, args ...any) { l.logf(LevelInfo, format, args...) }

// Warnf logs a formatted warning message.
func (l *Logger) Warnf(format string, args ...any) { l.logf(LevelWarn, format, args...) }

// Errorf logs a formatted error message.
func (l *Logger) Errorf(format string, args ...any) { l.logf(LevelError, format, args...) }

// Debugf logs a formatted debug message.
func (l *Logger) Debugf(format string, args ...any) { l.logf(LevelDebug, format, args...) }

// Fatalf logs a formatted message and exits.
func (l *Logger) Fatalf(format string, args ...any) { l.entry.Fatalf(format, args...) }

// Package-level convenience functions.

func SetLevel(level Level)               { defaultLogger.SetLevel(level) }
func Writer(level Level) *io.PipeWriter  { return defaultLogger.Writer(level) }
func Debug(msg string, kvs ...any)       { defaultLogger.Debug(msg, kvs...) }
func Info(msg string, kvs ...any)        { defaultLogger.Info(msg, kvs...) }
func Warn(msg string, kvs ...any)        { defaultLogger.Warn(msg, kvs...) }
func Error(msg string, kvs ...any)       { defaultLogger.Error(msg, kvs...) }
func Infof(format string, args ...any)   { defaultLogger.Infof(format, args...) }
func Warnf(format string, args ...any)   { defaultLogger.Warnf(format, args...) }
func Errorf(format string, args ...any)  { defaultLogger.Errorf(format, args...) }
func Debugf(format string, args ...any)  { defaultLogger.Debugf(format, args...) }
func Fatalf(format string, args ...any)  { defaultLogger.Fatalf(format, args...) }

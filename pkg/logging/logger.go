package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/sirupsen/logrus"
)

// Level represents log level
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
	FATAL
)

func (l Level) String() string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	case ERROR:
		return "ERROR"
	case FATAL:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

func (l Level) logrus() logrus.Level {
	switch l {
	case DEBUG:
		return logrus.DebugLevel
	case WARN:
		return logrus.WarnLevel
	case ERROR:
		return logrus.ErrorLevel
	case FATAL:
		return logrus.FatalLevel
	default:
		return logrus.InfoLevel
	}
}

// Fields is the structured context attached to a log line
type Fields = map[string]interface{}

// Logger provides structured logging on top of logrus
type Logger struct {
	base    *logrus.Logger
	entry   *logrus.Entry
	logFile *os.File
}

// NewLogger creates a new logger writing to stdout
func NewLogger(level Level, jsonFormat bool) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stdout)
	base.SetLevel(level.logrus())
	if jsonFormat {
		base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "2006-01-02 15:04:05"})
	}
	return &Logger{base: base, entry: logrus.NewEntry(base)}
}

// NewFileLogger creates a logger that writes to <dir>/<component>.log and stdout
func NewFileLogger(dir, component string, level Level, jsonFormat bool) (*Logger, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}

	logPath := filepath.Join(dir, component+".log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	l := NewLogger(level, jsonFormat)
	l.base.SetOutput(io.MultiWriter(logFile, os.Stdout))
	l = l.WithField("component", component)
	l.logFile = logFile

	l.Info("Logger initialized", Fields{"path": logPath})
	return l, nil
}

// SetOutput sets the output writer
func (l *Logger) SetOutput(w io.Writer) {
	l.base.SetOutput(w)
}

func (l *Logger) with(fields []Fields) *logrus.Entry {
	if len(fields) == 0 || len(fields[0]) == 0 {
		return l.entry
	}
	return l.entry.WithFields(logrus.Fields(fields[0]))
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields ...Fields) {
	l.with(fields).Debug(message)
}

// Info logs an info message
func (l *Logger) Info(message string, fields ...Fields) {
	l.with(fields).Info(message)
}

// Warn logs a warning message
func (l *Logger) Warn(message string, fields ...Fields) {
	l.with(fields).Warn(message)
}

// Error logs an error message
func (l *Logger) Error(message string, fields ...Fields) {
	l.with(fields).Error(message)
}

// Fatal logs a fatal message and exits
func (l *Logger) Fatal(message string, fields ...Fields) {
	l.with(fields).Fatal(message)
}

// WithField adds a field to the logger context
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return &Logger{base: l.base, entry: l.entry.WithField(key, value)}
}

// WithComponent tags every line with the component name
func (l *Logger) WithComponent(name string) *Logger {
	return l.WithField("component", name)
}

// WithError attaches err under the "error" key
func (l *Logger) WithError(err error) *Logger {
	return &Logger{base: l.base, entry: l.entry.WithError(err)}
}

// ParseLevel parses a log level string
func ParseLevel(level string) Level {
	switch strings.ToLower(level) {
	case "debug":
		return DEBUG
	case "warn", "warning":
		return WARN
	case "error":
		return ERROR
	case "fatal":
		return FATAL
	default:
		return INFO
	}
}

// Close closes the log file if opened
func (l *Logger) Close() error {
	if l.logFile != nil {
		l.Info("Logger closing")
		return l.logFile.Close()
	}
	return nil
}

// Discard returns a logger that drops everything, for tests
func Discard() *Logger {
	l := NewLogger(ERROR, false)
	l.SetOutput(io.Discard)
	return l
}

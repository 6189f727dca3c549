package logcollection

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// ===== CORE LOG COLLECTION INTERFACES =====

// StructuredLogger provides clean logging interface with complete backend hiding
type StructuredLogger interface {
	// Simple logging (compatible with logging.LogFuncs)
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})

	// Structured logging with our own types (no backend exposure)
	LogWithFields(level LogLevel, msg string, fields ...LogField)

	// Fluent interface for building context
	WithFields(fields ...LogField) StructuredLogger
	WithError(err error) StructuredLogger
	WithProcess(processID string) StructuredLogger

	// Sync flushes buffered entries
	Sync() error
}

// LogCollector handles real-time log collection from supervised processes
type LogCollector interface {
	// CollectFromStream forwards every line of stream to the structured logger.
	// The returned channel is closed once the stream reaches EOF or fails.
	CollectFromStream(processID string, stream io.Reader, streamType StreamType) <-chan struct{}
}

// ===== CORE TYPES =====

// LogLevel represents logging levels
type LogLevel int

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

func (l LogLevel) String() string {
	switch l {
	case DebugLevel:
		return "debug"
	case InfoLevel:
		return "info"
	case WarnLevel:
		return "warn"
	case ErrorLevel:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLogLevel converts a configuration string into a LogLevel
func ParseLogLevel(level string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return DebugLevel, nil
	case "", "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return InfoLevel, fmt.Errorf("unknown log level: %q", level)
	}
}

// StreamType identifies the source stream
type StreamType string

const (
	StdoutStream StreamType = "stdout"
	StderrStream StreamType = "stderr"
)

// LogField is a backend-neutral key/value pair
type LogField struct {
	Key   string
	Value interface{}
}

func String(key, value string) LogField {
	return LogField{Key: key, Value: value}
}

func Int(key string, value int) LogField {
	return LogField{Key: key, Value: value}
}

func Int64(key string, value int64) LogField {
	return LogField{Key: key, Value: value}
}

func Duration(key string, value time.Duration) LogField {
	return LogField{Key: key, Value: value}
}

func Any(key string, value interface{}) LogField {
	return LogField{Key: key, Value: value}
}

// LogMetadata contains contextual information about a collected line
type LogMetadata struct {
	Timestamp time.Time
	ProcessID string
	Stream    StreamType
	LineNum   int64
}

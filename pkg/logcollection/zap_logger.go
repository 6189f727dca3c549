package logcollection

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// zapStructuredLogger hides zap behind StructuredLogger
type zapStructuredLogger struct {
	logger *zap.Logger
	sugar  *zap.SugaredLogger
}

// NewStructuredLogger creates a structured logger for the given backend.
// Only "zap" is supported.
func NewStructuredLogger(backend string, level LogLevel) (StructuredLogger, error) {
	switch backend {
	case "zap", "":
		config := zap.NewProductionConfig()
		config.Level = zap.NewAtomicLevelAt(toZapLevel(level))
		config.Encoding = "console"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
		config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		config.DisableStacktrace = true

		logger, err := config.Build(zap.AddCallerSkip(1))
		if err != nil {
			return nil, fmt.Errorf("failed to build zap logger: %w", err)
		}
		return NewZapStructuredLogger(logger), nil
	default:
		return nil, fmt.Errorf("unsupported logger backend: %s", backend)
	}
}

// NewZapStructuredLogger wraps an existing zap logger
func NewZapStructuredLogger(logger *zap.Logger) StructuredLogger {
	return &zapStructuredLogger{
		logger: logger,
		sugar:  logger.Sugar(),
	}
}

func (l *zapStructuredLogger) Debugf(format string, args ...interface{}) {
	l.sugar.Debugf(format, args...)
}

func (l *zapStructuredLogger) Infof(format string, args ...interface{}) {
	l.sugar.Infof(format, args...)
}

func (l *zapStructuredLogger) Warnf(format string, args ...interface{}) {
	l.sugar.Warnf(format, args...)
}

func (l *zapStructuredLogger) Errorf(format string, args ...interface{}) {
	l.sugar.Errorf(format, args...)
}

func (l *zapStructuredLogger) LogWithFields(level LogLevel, msg string, fields ...LogField) {
	zapFields := toZapFields(fields)
	switch level {
	case DebugLevel:
		l.logger.Debug(msg, zapFields...)
	case WarnLevel:
		l.logger.Warn(msg, zapFields...)
	case ErrorLevel:
		l.logger.Error(msg, zapFields...)
	default:
		l.logger.Info(msg, zapFields...)
	}
}

func (l *zapStructuredLogger) WithFields(fields ...LogField) StructuredLogger {
	return NewZapStructuredLogger(l.logger.With(toZapFields(fields)...))
}

func (l *zapStructuredLogger) WithError(err error) StructuredLogger {
	return NewZapStructuredLogger(l.logger.With(zap.Error(err)))
}

func (l *zapStructuredLogger) WithProcess(processID string) StructuredLogger {
	return NewZapStructuredLogger(l.logger.With(zap.String("process", processID)))
}

func (l *zapStructuredLogger) Sync() error {
	return l.logger.Sync()
}

func toZapLevel(level LogLevel) zapcore.Level {
	switch level {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func toZapFields(fields []LogField) []zap.Field {
	zapFields := make([]zap.Field, 0, len(fields))
	for _, field := range fields {
		zapFields = append(zapFields, zap.Any(field.Key, field.Value))
	}
	return zapFields
}

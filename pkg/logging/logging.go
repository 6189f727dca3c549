package logging

import "fmt"

// Log levels accepted by LogLevelf
const (
	DebugLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
)

type Logger interface {
	LogLevelf(level int, format string, args ...interface{})
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
}

type LogFunc func(format string, args ...interface{})

// LogFuncs binds a Logger to an arbitrary backend
type LogFuncs struct {
	Debugf LogFunc
	Infof  LogFunc
	Warnf  LogFunc
	Errorf LogFunc
}

type logger struct {
	prefix string
	funcs  LogFuncs
}

// NewLogger creates a logger that prepends prefix to every message and
// forwards it to funcs. Nil funcs are treated as no-ops.
func NewLogger(prefix string, funcs LogFuncs) Logger {
	noop := func(string, ...interface{}) {}
	if funcs.Debugf == nil {
		funcs.Debugf = noop
	}
	if funcs.Infof == nil {
		funcs.Infof = noop
	}
	if funcs.Warnf == nil {
		funcs.Warnf = noop
	}
	if funcs.Errorf == nil {
		funcs.Errorf = noop
	}
	return &logger{
		prefix: prefix,
		funcs:  funcs,
	}
}

func (l *logger) LogLevelf(level int, format string, args ...interface{}) {
	switch level {
	case DebugLevel:
		l.Debugf(format, args...)
	case InfoLevel:
		l.Infof(format, args...)
	case WarnLevel:
		l.Warnf(format, args...)
	case ErrorLevel:
		l.Errorf(format, args...)
	default:
		l.Infof(fmt.Sprintf("[level %d] ", level)+format, args...)
	}
}

func (l *logger) Debugf(format string, args ...interface{}) {
	l.funcs.Debugf(l.prefix+format, args...)
}

func (l *logger) Infof(format string, args ...interface{}) {
	l.funcs.Infof(l.prefix+format, args...)
}

func (l *logger) Warnf(format string, args ...interface{}) {
	l.funcs.Warnf(l.prefix+format, args...)
}

func (l *logger) Errorf(format string, args ...interface{}) {
	l.funcs.Errorf(l.prefix+format, args...)
}

type nopLogger struct{}

func (nopLogger) LogLevelf(level int, format string, args ...interface{}) {}
func (nopLogger) Debugf(format string, args ...interface{})               {}
func (nopLogger) Infof(format string, args ...interface{})                {}
func (nopLogger) Warnf(format string, args ...interface{})                {}
func (nopLogger) Errorf(format string, args ...interface{})               {}

// NewNopLogger returns a logger that discards everything
func NewNopLogger() Logger {
	return nopLogger{}
}

package logging

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

type recorder struct {
	lines []string
}

func (r *recorder) funcs() LogFuncs {
	record := func(level string) LogFunc {
		return func(format string, args ...interface{}) {
			r.lines = append(r.lines, level+" "+fmt.Sprintf(format, args...))
		}
	}
	return LogFuncs{
		Debugf: record("DEBUG"),
		Infof:  record("INFO"),
		Warnf:  record("WARN"),
		Errorf: record("ERROR"),
	}
}

func TestNewLogger_Prefix(t *testing.T) {
	rec := &recorder{}
	logger := NewLogger("module: watchdog, ", rec.funcs())

	logger.Debugf("tick %d", 1)
	logger.Infof("started")
	logger.Warnf("slow %s", "capture")
	logger.Errorf("failed: %v", "boom")

	assert.Equal(t, []string{
		"DEBUG module: watchdog, tick 1",
		"INFO module: watchdog, started",
		"WARN module: watchdog, slow capture",
		"ERROR module: watchdog, failed: boom",
	}, rec.lines)
}

func TestNewLogger_LogLevelf(t *testing.T) {
	rec := &recorder{}
	logger := NewLogger("", rec.funcs())

	logger.LogLevelf(WarnLevel, "w")
	logger.LogLevelf(ErrorLevel, "e")
	logger.LogLevelf(42, "x")

	assert.Equal(t, []string{"WARN w", "ERROR e", "INFO [level 42] x"}, rec.lines)
}

func TestNewLogger_NilFuncs(t *testing.T) {
	logger := NewLogger("", LogFuncs{})

	assert.NotPanics(t, func() {
		logger.Debugf("debug")
		logger.Errorf("error")
	})
}

package processcontrol

import (
	"context"
	"time"

	"github.com/core-tools/hsu-watchdog/pkg/logging"
	"github.com/core-tools/hsu-watchdog/pkg/managedprocess"
)

// ProcessControl is the OS boundary of one supervised process
type ProcessControl interface {
	// Start launches the process. Returns immediately once the process is spawned.
	Start(ctx context.Context) error

	// Stop requests graceful termination and kills the process after the graceful timeout
	Stop(ctx context.Context) error

	// IsAlive reports whether the launched process is still running.
	// Any query failure is reported as not alive.
	IsAlive() bool

	// PID returns the process ID of the last launched process, 0 if never launched
	PID() int

	// BringToFront raises the top-level window of the process
	BringToFront() error

	// GetDiagnostics returns detailed process diagnostics including error information
	GetDiagnostics() ProcessDiagnostics
}

// Factory creates the ProcessControl for a process configuration
type Factory func(options managedprocess.ProcessOptions, logger logging.Logger) ProcessControl

// ProcessDiagnostics contains launch and exit information for diagnostics
type ProcessDiagnostics struct {
	ProcessID       int
	StartTime       *time.Time
	ExitTime        *time.Time
	ExitCode        int
	LastError       *ProcessError
	FailureCount    int
	LastAttemptTime time.Time
}

// Error categories
const (
	ErrorCategoryExecutableNotFound = "executable_not_found"
	ErrorCategoryPermissionDenied   = "permission_denied"
	ErrorCategoryTimeout            = "timeout"
	ErrorCategoryProcessCrash       = "process_crash"
	ErrorCategoryUnknown            = "unknown"
)

// ProcessError represents a categorized launch or exit error
type ProcessError struct {
	Category    string
	Details     string
	Underlying  error
	Timestamp   time.Time
	Recoverable bool
}

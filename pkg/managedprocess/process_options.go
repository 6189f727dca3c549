package managedprocess

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/core-tools/hsu-watchdog/pkg/errors"
)

// ProcessOptions describes one supervised process. Path is the unique key
// and the launch target; the remaining fields tune launch and restart behavior.
type ProcessOptions struct {
	Path             string   `yaml:"path"`
	WorkingDirectory string   `yaml:"working_directory,omitempty"`
	Arguments        []string `yaml:"arguments,omitempty"`
	Environment      []string `yaml:"environment,omitempty"`

	// Pointers to distinguish unset from false
	Enabled     *bool `yaml:"enabled,omitempty"`
	AutoRestart *bool `yaml:"auto_restart,omitempty"`

	ScreenshotEnabled bool `yaml:"screenshot_enabled,omitempty"`

	Restart         RestartConfig `yaml:"restart,omitempty"`
	GracefulTimeout time.Duration `yaml:"graceful_timeout,omitempty"`

	// Priority is a scheduling niceness applied after launch where supported
	Priority int `yaml:"priority,omitempty"`
}

// RestartConfig controls relaunch of a crashed process
type RestartConfig struct {
	MaxRetries  int           `yaml:"max_retries,omitempty"`
	RetryDelay  time.Duration `yaml:"retry_delay,omitempty"`
	BackoffRate float64       `yaml:"backoff_rate,omitempty"`
	MaxDelay    time.Duration `yaml:"max_delay,omitempty"`
	ResetAfter  time.Duration `yaml:"reset_after,omitempty"` // A run this long resets the retry counter
}

const (
	DefaultMaxRetries      = 5
	DefaultRetryDelay      = 2 * time.Second
	DefaultBackoffRate     = 2.0
	DefaultMaxDelay        = time.Minute
	DefaultResetAfter      = time.Minute
	DefaultGracefulTimeout = 10 * time.Second
)

// IsEnabled reports whether the process starts supervised (true when unset)
func (o ProcessOptions) IsEnabled() bool {
	return o.Enabled == nil || *o.Enabled
}

// IsAutoRestart reports whether a crashed process is relaunched (true when unset)
func (o ProcessOptions) IsAutoRestart() bool {
	return o.AutoRestart == nil || *o.AutoRestart
}

// WithEnabled returns a copy of the options with the enabled flag set
func (o ProcessOptions) WithEnabled(enabled bool) ProcessOptions {
	clone := o.Clone()
	clone.Enabled = &enabled
	return clone
}

// Clone returns a deep copy
func (o ProcessOptions) Clone() ProcessOptions {
	clone := o
	clone.Arguments = cloneStrings(o.Arguments)
	clone.Environment = cloneStrings(o.Environment)
	if o.Enabled != nil {
		enabled := *o.Enabled
		clone.Enabled = &enabled
	}
	if o.AutoRestart != nil {
		autoRestart := *o.AutoRestart
		clone.AutoRestart = &autoRestart
	}
	return clone
}

// cloneStrings copies values; an empty list becomes nil so that "arguments: []"
// and an omitted key compare equal
func cloneStrings(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	return append([]string(nil), values...)
}

// ApplyProcessOptionsDefaults returns a copy with unset fields defaulted
func ApplyProcessOptionsDefaults(options ProcessOptions) ProcessOptions {
	o := options.Clone()

	if o.WorkingDirectory == "" && o.Path != "" {
		o.WorkingDirectory = filepath.Dir(o.Path)
	}

	if o.Enabled == nil {
		enabled := true
		o.Enabled = &enabled
	}
	if o.AutoRestart == nil {
		autoRestart := true
		o.AutoRestart = &autoRestart
	}

	if o.Restart.MaxRetries == 0 {
		o.Restart.MaxRetries = DefaultMaxRetries
	}
	if o.Restart.RetryDelay == 0 {
		o.Restart.RetryDelay = DefaultRetryDelay
	}
	if o.Restart.BackoffRate == 0 {
		o.Restart.BackoffRate = DefaultBackoffRate
	}
	if o.Restart.MaxDelay == 0 {
		o.Restart.MaxDelay = DefaultMaxDelay
	}
	if o.Restart.ResetAfter == 0 {
		o.Restart.ResetAfter = DefaultResetAfter
	}

	if o.GracefulTimeout == 0 {
		o.GracefulTimeout = DefaultGracefulTimeout
	}

	return o
}

// ValidateProcessPath validates the registry key of a process
func ValidateProcessPath(path string) error {
	if strings.TrimSpace(path) == "" {
		return errors.NewValidationError("process path cannot be empty", nil)
	}
	if strings.ContainsRune(path, 0) {
		return errors.NewValidationError("process path contains NUL character", nil).WithContext("path", path)
	}
	return nil
}

// ValidateProcessOptions validates a process configuration before it is admitted
func ValidateProcessOptions(options ProcessOptions) error {
	if err := ValidateProcessPath(options.Path); err != nil {
		return err
	}

	if options.GracefulTimeout < 0 {
		return errors.NewValidationError(
			fmt.Sprintf("graceful timeout cannot be negative: %v", options.GracefulTimeout),
			nil,
		).WithContext("path", options.Path)
	}

	if err := validateRestartConfig(options.Restart); err != nil {
		return errors.NewValidationError("invalid restart configuration", err).WithContext("path", options.Path)
	}

	for i, entry := range options.Environment {
		if !strings.Contains(entry, "=") || strings.HasPrefix(entry, "=") {
			return errors.NewValidationError(
				fmt.Sprintf("invalid environment entry at index %d: expected KEY=VALUE", i),
				nil,
			).WithContext("path", options.Path).WithContext("entry", entry)
		}
	}

	return nil
}

func validateRestartConfig(config RestartConfig) error {
	if config.MaxRetries < 0 {
		return errors.NewValidationError(fmt.Sprintf("max retries cannot be negative: %d", config.MaxRetries), nil)
	}
	if config.RetryDelay < 0 {
		return errors.NewValidationError(fmt.Sprintf("retry delay cannot be negative: %v", config.RetryDelay), nil)
	}
	if config.BackoffRate != 0 && config.BackoffRate < 1 {
		return errors.NewValidationError(
			fmt.Sprintf("backoff rate must be at least 1: %v", config.BackoffRate),
			nil,
		).WithContext("valid_range", ">= 1.0")
	}
	if config.MaxDelay < 0 {
		return errors.NewValidationError(fmt.Sprintf("max delay cannot be negative: %v", config.MaxDelay), nil)
	}
	if config.ResetAfter < 0 {
		return errors.NewValidationError(fmt.Sprintf("reset window cannot be negative: %v", config.ResetAfter), nil)
	}
	return nil
}

package models

import (
	"errors"
	"fmt"
)

// ErrCancelled is reported for jobs stopped by a cancellation request. It is
// kept apart from StepFailure so a cancelled job never reads as a failing
// test.
var ErrCancelled = errors.New("job cancelled")

// ConfigError is a malformed or contradictory pipeline configuration. It
// stops the run before any job starts.
type ConfigError struct {
	Field string
	Err   error
}

func NewConfigError(field, format string, args ...any) *ConfigError {
	return &ConfigError{Field: field, Err: fmt.Errorf(format, args...)}
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config error: %v", e.Err)
	}
	return fmt.Sprintf("config error: %s: %v", e.Field, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// ProvisionError means the interpreter environment of one job could not be
// prepared.
type ProvisionError struct {
	Interpreter string
	Err         error
}

func (e *ProvisionError) Error() string {
	return fmt.Sprintf("unable to provision interpreter %s: %v", e.Interpreter, e.Err)
}

func (e *ProvisionError) Unwrap() error { return e.Err }

// ServiceStartError means an auxiliary service did not become ready.
type ServiceStartError struct {
	Service string
	Err     error
}

func (e *ServiceStartError) Error() string {
	return fmt.Sprintf("service %s did not start: %v", e.Service, e.Err)
}

func (e *ServiceStartError) Unwrap() error { return e.Err }

// StepFailure is a command that exited nonzero or ran past its timeout.
type StepFailure struct {
	Step     string
	ExitCode int
	Timeout  bool
	Err      error
}

func (e *StepFailure) Error() string {
	if e.Timeout {
		return fmt.Sprintf("step %q timed out", e.Step)
	}
	if e.Err != nil {
		return fmt.Sprintf("step %q failed with exit code %d: %v", e.Step, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("step %q failed with exit code %d", e.Step, e.ExitCode)
}

func (e *StepFailure) Unwrap() error { return e.Err }

// IsInfra reports whether err belongs to the infrastructure part of the
// taxonomy.
func IsInfra(err error) bool {
	var pe *ProvisionError
	var se *ServiceStartError
	return errors.As(err, &pe) || errors.As(err, &se)
}

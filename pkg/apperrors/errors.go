package apperrors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrConfiguration = errors.New("configuration error")
	ErrExecution     = errors.New("execution error")
	ErrIntegrity     = errors.New("integrity error")
)

// ConfigurationError reports an unknown table, a missing or malformed schema,
// or an invalid setting. It is fatal and never retried automatically.
type ConfigurationError struct {
	Table   string // Domain table involved, if any
	Message string
	Cause   error
}

func (e *ConfigurationError) Error() string {
	msg := e.Message
	if e.Table != "" {
		msg = fmt.Sprintf("table %s: %s", e.Table, msg)
	}
	if e.Cause != nil {
		return fmt.Sprintf("configuration error: %s: %v", msg, e.Cause)
	}
	return "configuration error: " + msg
}

func (e *ConfigurationError) Unwrap() error { return e.Cause }

func (e *ConfigurationError) Is(target error) bool { return target == ErrConfiguration }

// NewConfigurationError creates a ConfigurationError for the given table.
func NewConfigurationError(table, message string, cause error) *ConfigurationError {
	return &ConfigurationError{Table: table, Message: message, Cause: cause}
}

// ExecutionError reports a submitted bulk operation that failed or never
// completed. Statement carries the generated text so operators can see
// exactly what ran.
type ExecutionError struct {
	Stage     string
	Statement string
	Cause     error
}

func (e *ExecutionError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("stage %s failed: %v", e.Stage, e.Cause)
	}
	return fmt.Sprintf("stage %s failed: job did not complete", e.Stage)
}

func (e *ExecutionError) Unwrap() error { return e.Cause }

func (e *ExecutionError) Is(target error) bool { return target == ErrExecution }

// NewExecutionError creates an ExecutionError for a stage statement.
func NewExecutionError(stage, statement string, cause error) *ExecutionError {
	return &ExecutionError{Stage: stage, Statement: statement, Cause: cause}
}

// IntegrityError signals a mapping that is not a bijection onto 1..N.
// It indicates a logic defect and should never occur for valid inputs.
type IntegrityError struct {
	Table   string
	Message string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity error: mapping for %s: %s", e.Table, e.Message)
}

func (e *IntegrityError) Is(target error) bool { return target == ErrIntegrity }

// NewIntegrityError creates an IntegrityError for a table mapping.
func NewIntegrityError(table, format string, args ...any) *IntegrityError {
	return &IntegrityError{Table: table, Message: fmt.Sprintf(format, args...)}
}

// StatementOf returns the statement text carried by an ExecutionError in
// err's chain, or "" if there is none.
func StatementOf(err error) string {
	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr.Statement
	}
	return ""
}

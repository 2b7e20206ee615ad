package errors

import (
	"fmt"
	"time"
)

// HTTPError represents a downstream HTTP failure with status code.
type HTTPError struct {
	StatusCode int
	Message    string
	Endpoint   string
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	if e.Endpoint != "" {
		return fmt.Sprintf("HTTP %d at %s: %s", e.StatusCode, e.Endpoint, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
}

// SchemaError indicates a payload that does not match the shape a consumer expects.
type SchemaError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *SchemaError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("schema mismatch on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("schema mismatch: %s", e.Message)
}

// ConnectionError indicates a failure to reach a downstream system.
type ConnectionError struct {
	Target string
	Err    error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Target, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// PermissionError indicates the caller is not allowed to perform an operation.
type PermissionError struct {
	Principal string
	Action    string
}

// Error implements the error interface.
func (e *PermissionError) Error() string {
	if e.Principal != "" {
		return fmt.Sprintf("permission denied: %s may not %s", e.Principal, e.Action)
	}
	return fmt.Sprintf("permission denied: %s", e.Action)
}

// TimeoutError indicates an operation timed out.
type TimeoutError struct {
	Operation string
	Duration  time.Duration
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("timeout after %s: %s", e.Duration, e.Operation)
}

// PanicError carries a recovered panic value.
type PanicError struct {
	Value any
	Stack []byte
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

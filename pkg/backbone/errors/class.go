// Package errors classifies backbone failures into a closed set of error
// classes and attaches a retry policy to each class.
//
// Every failure the backbone reports is an *ErrorClass:
//   - Validation failures surface synchronously from Publish
//   - Transient, timeout and dependency failures are retried, then dead-lettered
//   - Security and fatal failures are dead-lettered after one attempt
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Class is the bounded taxonomy of failure classes.
type Class string

const (
	// ClassValidation means the input itself is malformed. Never retried.
	ClassValidation Class = "validation"

	// ClassTransient means a retry will likely help.
	// Examples: connection resets, rate limits, backpressure.
	ClassTransient Class = "transient"

	// ClassTimeout means an attempt exceeded its deadline.
	ClassTimeout Class = "timeout"

	// ClassDependency means a downstream system failed (5xx, removed consumer).
	ClassDependency Class = "dependency"

	// ClassSecurity means the operation was denied. Never retried, always audited.
	ClassSecurity Class = "security"

	// ClassFatal means the failure is not recoverable. Never retried, alerted.
	ClassFatal Class = "fatal"
)

// Classes lists every class in severity order.
func Classes() []Class {
	return []Class{ClassValidation, ClassTransient, ClassTimeout, ClassDependency, ClassSecurity, ClassFatal}
}

// ParseClass converts a class name into a Class.
func ParseClass(s string) (Class, error) {
	c := Class(strings.ToLower(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown error class %q", s)
	}
	return c, nil
}

// Valid reports whether c is one of the six classes.
func (c Class) Valid() bool {
	switch c {
	case ClassValidation, ClassTransient, ClassTimeout, ClassDependency, ClassSecurity, ClassFatal:
		return true
	}
	return false
}

// Retryable reports whether deliveries failing with this class may be retried.
func (c Class) Retryable() bool {
	return c == ClassTransient || c == ClassTimeout || c == ClassDependency
}

// String returns the class name.
func (c Class) String() string {
	return string(c)
}

// Severity is an ordinal; higher is worse.
type Severity int

const (
	SeverityInfo Severity = iota
	SeverityWarning
	SeverityError
	SeverityCritical
)

// String returns the severity name.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *Severity) UnmarshalText(text []byte) error {
	switch string(text) {
	case "info":
		*s = SeverityInfo
	case "warning":
		*s = SeverityWarning
	case "error":
		*s = SeverityError
	case "critical":
		*s = SeverityCritical
	default:
		return fmt.Errorf("unknown severity %q", text)
	}
	return nil
}

// Visibility says who may see the failure.
type Visibility string

const (
	VisibilityInternal Visibility = "internal"
	VisibilityAudit    Visibility = "audit"
	VisibilityUser     Visibility = "user"
)

// ErrorClass is a classified failure.
type ErrorClass struct {
	// Origin names the component that produced the failure (validator, consumer name, store).
	Origin string `json:"origin"`

	// Class is one of the six failure classes.
	Class Class `json:"class"`

	// Severity is derived from Class unless set explicitly.
	Severity Severity `json:"severity"`

	// Visibility is derived from Class unless set explicitly.
	Visibility Visibility `json:"visibility"`

	// Code is a stable machine-readable identifier (e.g. "unknown_category").
	Code string `json:"code"`

	// Reason is a human-readable description.
	Reason string `json:"reason"`

	// Err is the underlying error, if any.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *ErrorClass) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Class))
	if e.Origin != "" {
		b.WriteString(" [")
		b.WriteString(e.Origin)
		b.WriteString("]")
	}
	if e.Code != "" {
		b.WriteString(" ")
		b.WriteString(e.Code)
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *ErrorClass) Unwrap() error {
	return e.Err
}

// Retryable reports whether the class allows another attempt.
func (e *ErrorClass) Retryable() bool {
	return e.Class.Retryable()
}

// WithOrigin returns a copy with Origin set.
func (e *ErrorClass) WithOrigin(origin string) *ErrorClass {
	cp := *e
	cp.Origin = origin
	return &cp
}

// New creates an ErrorClass with the default severity and visibility for class.
func New(class Class, origin, code, reason string) *ErrorClass {
	return &ErrorClass{
		Origin:     origin,
		Class:      class,
		Severity:   DefaultSeverity(class),
		Visibility: DefaultVisibility(class),
		Code:       code,
		Reason:     reason,
	}
}

// Wrap classifies err under class. The reason is err's message.
func Wrap(class Class, origin, code string, err error) *ErrorClass {
	e := New(class, origin, code, "")
	if err != nil {
		e.Reason = err.Error()
		e.Err = err
	}
	return e
}

// Validation creates a validation-class error.
func Validation(origin, code, reason string) *ErrorClass {
	return New(ClassValidation, origin, code, reason)
}

// Transient creates a transient-class error.
func Transient(origin, code string, err error) *ErrorClass {
	return Wrap(ClassTransient, origin, code, err)
}

// Timeout creates a timeout-class error.
func Timeout(origin, code string, err error) *ErrorClass {
	return Wrap(ClassTimeout, origin, code, err)
}

// Dependency creates a dependency-class error.
func Dependency(origin, code string, err error) *ErrorClass {
	return Wrap(ClassDependency, origin, code, err)
}

// Security creates a security-class error.
func Security(origin, code string, err error) *ErrorClass {
	return Wrap(ClassSecurity, origin, code, err)
}

// Fatal creates a fatal-class error.
func Fatal(origin, code string, err error) *ErrorClass {
	return Wrap(ClassFatal, origin, code, err)
}

// DefaultSeverity returns the severity used when none is given.
func DefaultSeverity(c Class) Severity {
	switch c {
	case ClassValidation, ClassTransient, ClassTimeout:
		return SeverityWarning
	case ClassDependency:
		return SeverityError
	case ClassSecurity, ClassFatal:
		return SeverityCritical
	default:
		return SeverityError
	}
}

// DefaultVisibility returns the visibility used when none is given.
func DefaultVisibility(c Class) Visibility {
	switch c {
	case ClassValidation:
		return VisibilityUser
	case ClassSecurity:
		return VisibilityAudit
	default:
		return VisibilityInternal
	}
}

// AsClass extracts the *ErrorClass from err's chain.
func AsClass(err error) (*ErrorClass, bool) {
	var ec *ErrorClass
	if errors.As(err, &ec) {
		return ec, true
	}
	return nil, false
}

// IsClass reports whether err classifies as c.
func IsClass(err error, c Class) bool {
	if err == nil {
		return false
	}
	return Classify(err).Class == c
}

package errors

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"net"
	"syscall"
)

// Classify maps any failure into an ErrorClass. It never returns nil for a
// non-nil error. Errors that are already classified are returned unchanged.
func Classify(err error) *ErrorClass {
	if err == nil {
		return nil
	}

	if ec, ok := AsClass(err); ok {
		return ec
	}

	var panicErr *PanicError
	if errors.As(err, &panicErr) {
		return Wrap(ClassFatal, "", "panic", err)
	}

	// Deadlines before cancellation: a timed-out context reports DeadlineExceeded.
	var timeoutErr *TimeoutError
	if errors.Is(err, context.DeadlineExceeded) || errors.As(err, &timeoutErr) {
		return Wrap(ClassTimeout, "", "deadline_exceeded", err)
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return classifyHTTP(httpErr, err)
	}

	var permErr *PermissionError
	if errors.As(err, &permErr) || errors.Is(err, fs.ErrPermission) {
		return Wrap(ClassSecurity, "", "permission_denied", err)
	}

	var schemaErr *SchemaError
	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &schemaErr) || errors.As(err, &syntaxErr) || errors.As(err, &typeErr) {
		return Wrap(ClassValidation, "", "schema_mismatch", err)
	}

	if errors.Is(err, context.Canceled) {
		return Wrap(ClassTransient, "", "canceled", err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Wrap(ClassTimeout, "", "deadline_exceeded", err)
	}

	var connErr *ConnectionError
	var opErr *net.OpError
	if errors.As(err, &connErr) || errors.As(err, &opErr) ||
		errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) {
		return Wrap(ClassTransient, "", "connection", err)
	}

	// Unknown failures get the retry budget of a transient error rather than
	// being dead-lettered on first sight.
	return Wrap(ClassTransient, "", "unclassified", err)
}

func classifyHTTP(httpErr *HTTPError, err error) *ErrorClass {
	switch code := httpErr.StatusCode; {
	case code == 429:
		return Wrap(ClassTransient, "", "rate_limited", err)
	case code == 408 || code == 504:
		return Wrap(ClassTimeout, "", "upstream_timeout", err)
	case code == 401 || code == 403:
		return Wrap(ClassSecurity, "", "unauthorized", err)
	case code >= 500:
		return Wrap(ClassDependency, "", "upstream_unavailable", err)
	case code >= 400:
		return Wrap(ClassValidation, "", "bad_request", err)
	default:
		return Wrap(ClassDependency, "", "unexpected_status", err)
	}
}

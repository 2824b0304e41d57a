// Package fault classifies errors into the categories the pipeline reacts to.
package fault

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

// Category decides how an error propagates.
type Category string

const (
	// User errors come from bad input and are never retried.
	User Category = "USER"
	// System errors (datastore, configuration) need an operator.
	System Category = "SYSTEM"
	// Integration errors come from an external dependency and may be
	// retried or served by a fallback provider.
	Integration Category = "INTEGRATION"
	// Temporary errors (rate limits, timeouts) are retried with backoff.
	Temporary Category = "TEMPORARY"
)

// Error carries a category and the operation that produced it.
type Error struct {
	Category  Category
	Operation string
	Err       error
}

func (e *Error) Error() string {
	if e.Operation != "" {
		return fmt.Sprintf("%s: %s: %v", strings.ToLower(string(e.Category)), e.Operation, e.Err)
	}
	return fmt.Sprintf("%s: %v", strings.ToLower(string(e.Category)), e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with a category and operation name.
func New(cat Category, operation string, err error) *Error {
	return &Error{Category: cat, Operation: operation, Err: err}
}

func Userf(format string, args ...any) *Error {
	return &Error{Category: User, Err: fmt.Errorf(format, args...)}
}

func Systemf(operation, format string, args ...any) *Error {
	return &Error{Category: System, Operation: operation, Err: fmt.Errorf(format, args...)}
}

// CategoryOf returns the error's category, classifying foreign errors
// by their shape and message.
func CategoryOf(err error) Category {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Category
	}
	if Retryable(err) {
		return Temporary
	}
	return System
}

// Retryable reports whether one more attempt could plausibly succeed:
// network errors, HTTP 5xx/429/408, and messages matching transient
// patterns. Errors already categorized keep their category's meaning.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Category == Integration || fe.Category == Temporary
	}
	var statusErr interface{ StatusCode() int }
	if errors.As(err, &statusErr) {
		code := statusErr.StatusCode()
		return code >= 500 || code == 429 || code == 408
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, pattern := range transientPatterns {
		if strings.Contains(msg, pattern) {
			return true
		}
	}
	return false
}

var transientPatterns = []string{
	"timeout",
	"timed out",
	"temporarily",
	"temporary",
	"rate limit",
	"rate_limit",
	"too many requests",
	"quota",
	"connection refused",
	"connection reset",
	"unavailable",
	"econnreset",
	"eof",
}

// NotifyAdmin reports whether the category is severe enough to page an
// operator (database and configuration failures).
func NotifyAdmin(err error) bool {
	return CategoryOf(err) == System
}

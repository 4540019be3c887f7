package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrSessionNotFound  = errors.New("session not found")
	ErrAmbiguousSession = errors.New("ambiguous session identifier")
	ErrSessionLimit     = errors.New("session limit reached")
)

// ErrorCategory drives the retry decision. It is assigned once, where the
// failure is first observed, and travels with the error from then on so
// downstream layers never re-classify.
type ErrorCategory string

const (
	CategoryTransient ErrorCategory = "transient"
	CategoryResource  ErrorCategory = "resource"
	CategoryCode      ErrorCategory = "code"
	CategoryAuth      ErrorCategory = "auth"
	CategoryProtocol  ErrorCategory = "protocol"
	CategoryNotFound  ErrorCategory = "not_found"
	CategoryAmbiguous ErrorCategory = "ambiguous"
)

// Numeric error codes, kept wire-compatible with the original CLI's JSON
// error contract.
const (
	CodeInvalidCredentials = 1001
	CodeTokenExpired       = 1002
	CodeTokenRevoked       = 1003
	CodeScopeRejected      = 1004

	CodeConnectionTimeout = 1101
	CodeWebSocketFailure  = 1103
	CodeSessionLimit      = 1104
	CodeRuntimeTerminated = 1105

	CodeExecutionError  = 1201
	CodeSyntaxError     = 1202
	CodeMemoryExhausted = 1204
	CodeImportError     = 1205
	CodeReferenceError  = 1206

	CodeRateLimited    = 1401
	CodeAPIUnavailable = 1402
)

// ClassifiedError carries the error taxonomy across component boundaries.
type ClassifiedError struct {
	Category   ErrorCategory
	Message    string
	Code       int
	StatusCode int
	Err        error
}

func (e *ClassifiedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Category, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Category, e.Message)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

// Retryable reports whether the category may resolve with time or reduced
// contention. Code and auth failures are deterministic given the same input.
func (e *ClassifiedError) Retryable() bool {
	return e.Category == CategoryTransient || e.Category == CategoryResource
}

func NewClassified(category ErrorCategory, code int, message string, err error) *ClassifiedError {
	return &ClassifiedError{Category: category, Code: code, Message: message, Err: err}
}

// AsClassified unwraps err to its ClassifiedError, if it carries one.
func AsClassified(err error) (*ClassifiedError, bool) {
	var classified *ClassifiedError
	if errors.As(err, &classified) {
		return classified, true
	}
	return nil, false
}

// ClassifyHTTPStatus maps a transport-level status code observed during
// connection or API calls. A 404 with a bearer token attached is usually a
// stale token rather than a missing endpoint, so it is classified auth.
func ClassifyHTTPStatus(status int, message string, err error) *ClassifiedError {
	classified := &ClassifiedError{Message: message, StatusCode: status, Err: err}
	switch {
	case status == 401 || status == 403:
		classified.Category = CategoryAuth
		classified.Code = CodeInvalidCredentials
	case status == 404:
		classified.Category = CategoryAuth
		classified.Code = CodeTokenExpired
	case status == 429:
		classified.Category = CategoryResource
		classified.Code = CodeRateLimited
	case status >= 500:
		classified.Category = CategoryTransient
		classified.Code = CodeAPIUnavailable
	default:
		classified.Category = CategoryProtocol
	}
	return classified
}

// ClassifyExecutionError maps a kernel-reported error name to a category.
// Memory exhaustion is the one execution failure that may clear up on retry.
func ClassifyExecutionError(name, value string) *ClassifiedError {
	message := name
	if value != "" {
		message = name + ": " + value
	}
	classified := &ClassifiedError{Category: CategoryCode, Code: CodeExecutionError, Message: message}
	switch {
	case strings.Contains(name, "SyntaxError") || strings.Contains(name, "IndentationError"):
		classified.Code = CodeSyntaxError
	case strings.Contains(name, "ImportError") || strings.Contains(name, "ModuleNotFoundError"):
		classified.Code = CodeImportError
	case strings.Contains(name, "NameError") || strings.Contains(name, "AttributeError"):
		classified.Code = CodeReferenceError
	case strings.Contains(name, "MemoryError") || containsFold(value, "out of memory"):
		classified.Category = CategoryResource
		classified.Code = CodeMemoryExhausted
	}
	return classified
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), substr)
}

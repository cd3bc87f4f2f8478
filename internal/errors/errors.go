package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

type ErrorType string

const (
	ErrorTypeInconsistentTree ErrorType = "INCONSISTENT_TREE"
	ErrorTypeDuplicatePath    ErrorType = "DUPLICATE_PATH"
	ErrorTypeNodeNotFound     ErrorType = "NODE_NOT_FOUND"
	ErrorTypeFileNotFound     ErrorType = "FILE_NOT_FOUND"
	ErrorTypeInvalidRange     ErrorType = "INVALID_RANGE"
	ErrorTypeValidation       ErrorType = "VALIDATION"
	ErrorTypeUnavailable      ErrorType = "UNAVAILABLE"
	ErrorTypeInternal         ErrorType = "INTERNAL"
)

// Error is the typed failure returned by tree construction, queries and
// fetches. Code is the HTTP status the api layer answers with.
type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`
	Code    int       `json:"code"`
	Details any       `json:"details,omitempty"`
}

func (e *Error) Error() string {
	return e.Message
}

// Is reports whether target is an *Error of the same Type, so callers can
// match against the sentinels below with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Type == e.Type
}

// Sentinels for errors.Is matching.
var (
	ErrInconsistentTree = &Error{Type: ErrorTypeInconsistentTree}
	ErrDuplicatePath    = &Error{Type: ErrorTypeDuplicatePath}
	ErrNodeNotFound     = &Error{Type: ErrorTypeNodeNotFound}
	ErrFileNotFound     = &Error{Type: ErrorTypeFileNotFound}
	ErrInvalidRange     = &Error{Type: ErrorTypeInvalidRange}
	ErrUnavailable      = &Error{Type: ErrorTypeUnavailable}
)

func InconsistentTree(format string, args ...any) *Error {
	return &Error{
		Type:    ErrorTypeInconsistentTree,
		Message: fmt.Sprintf(format, args...),
		Code:    http.StatusUnprocessableEntity,
	}
}

func DuplicatePath(path string) *Error {
	return &Error{
		Type:    ErrorTypeDuplicatePath,
		Message: fmt.Sprintf("duplicate path: %s", path),
		Code:    http.StatusUnprocessableEntity,
		Details: map[string]string{"path": path},
	}
}

func NodeNotFound(node int) *Error {
	return &Error{
		Type:    ErrorTypeNodeNotFound,
		Message: fmt.Sprintf("node not found: %d", node),
		Code:    http.StatusNotFound,
		Details: map[string]int{"node": node},
	}
}

func FileNotFound(path string) *Error {
	return &Error{
		Type:    ErrorTypeFileNotFound,
		Message: fmt.Sprintf("file not found: %s", path),
		Code:    http.StatusNotFound,
		Details: map[string]string{"path": path},
	}
}

func InvalidRange(path string, offset, size int64) *Error {
	return &Error{
		Type:    ErrorTypeInvalidRange,
		Message: fmt.Sprintf("invalid range for %s: offset %d, size %d", path, offset, size),
		Code:    http.StatusRequestedRangeNotSatisfiable,
		Details: map[string]any{"path": path, "offset": offset, "size": size},
	}
}

func ValidationError(message string, details any) *Error {
	return &Error{
		Type:    ErrorTypeValidation,
		Message: message,
		Code:    http.StatusBadRequest,
		Details: details,
	}
}

func Unavailable(message string) *Error {
	return &Error{
		Type:    ErrorTypeUnavailable,
		Message: message,
		Code:    http.StatusServiceUnavailable,
	}
}

func Internal(message string) *Error {
	return &Error{
		Type:    ErrorTypeInternal,
		Message: message,
		Code:    http.StatusInternalServerError,
	}
}

// As extracts the first *Error in err's chain. Anything that is not typed is
// reported as INTERNAL.
func As(err error) *Error {
	var e *Error
	if stderrors.As(err, &e) {
		return e
	}
	return Internal(err.Error())
}

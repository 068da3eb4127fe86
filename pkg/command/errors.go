package command

import (
	"errors"
	"fmt"
	"net/http"
)

// Machine-readable error codes returned in API error bodies.
const (
	CodeValidation        = "validation_error"
	CodeAccessDenied      = "access_denied"
	CodeNotFound          = "not_found"
	CodeInvalidState      = "invalid_state"
	CodeDuplicateApproval = "duplicate_approval"
	CodeInternal          = "internal"
)

// Error carries a machine code, an HTTP status and a human-readable
// message through the service layer to the handlers.
type Error struct {
	Code    string
	Status  int
	Message string
}

func (e *Error) Error() string { return e.Message }

func errValidation(format string, args ...any) *Error {
	return &Error{Code: CodeValidation, Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

func errAccessDenied(format string, args ...any) *Error {
	return &Error{Code: CodeAccessDenied, Status: http.StatusForbidden, Message: fmt.Sprintf(format, args...)}
}

func errNotFound(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Status: http.StatusNotFound, Message: fmt.Sprintf(format, args...)}
}

func errInvalidState(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidState, Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

func errDuplicateApproval(format string, args ...any) *Error {
	return &Error{Code: CodeDuplicateApproval, Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

// AsError normalizes any error into an *Error; unrecognized errors become
// an internal error with the original text preserved for logs, not for
// the response body.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	var te *TransitionError
	if errors.As(err, &te) {
		return &Error{Code: CodeInvalidState, Status: http.StatusBadRequest, Message: te.Message}
	}
	return &Error{Code: CodeInternal, Status: http.StatusInternalServerError, Message: "internal error"}
}

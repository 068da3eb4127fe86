package vault

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
	CodeAntiRollback      = "anti_rollback_reject"
	CodeAuditWriteFailure = "audit_write_failure"
	CodeInternal          = "internal"
)

// Error carries a machine code, an HTTP status and a human-readable
// message through the vault to the handlers.
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

func errAntiRollback(format string, args ...any) *Error {
	return &Error{Code: CodeAntiRollback, Status: http.StatusBadRequest, Message: fmt.Sprintf(format, args...)}
}

func errAuditWrite(format string, args ...any) *Error {
	return &Error{Code: CodeAuditWriteFailure, Status: http.StatusInternalServerError, Message: fmt.Sprintf(format, args...)}
}

func errInternal(format string, args ...any) *Error {
	return &Error{Code: CodeInternal, Status: http.StatusInternalServerError, Message: fmt.Sprintf(format, args...)}
}

// AsError normalizes any error into an *Error; unrecognized errors become
// an internal error with a generic message.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return &Error{Code: CodeInternal, Status: http.StatusInternalServerError, Message: "internal error"}
}

package common

import "errors"

// AppError is a client-facing failure: an HTTP status, a stable code and a
// message safe to render. The cause, if any, is for logs only.
type AppError struct {
	Status  int
	Code    string
	Message string
	cause   error
}

// Fail declares an AppError template.
func Fail(status int, code, message string) *AppError {
	return &AppError{Status: status, Code: code, Message: message}
}

func (e *AppError) Error() string {
	if e.cause != nil {
		return e.Message + ": " + e.cause.Error()
	}
	return e.Message
}

func (e *AppError) Unwrap() error { return e.cause }

// Is matches any AppError with the same code, so a wrapped copy still
// satisfies errors.Is against its template.
func (e *AppError) Is(target error) bool {
	var other *AppError
	return errors.As(target, &other) && other.Code == e.Code
}

// Wrap returns a copy of e carrying cause.
func (e *AppError) Wrap(cause error) *AppError {
	clone := *e
	clone.cause = cause
	return &clone
}

// AsAppError finds the first AppError in err's chain.
func AsAppError(err error) (*AppError, bool) {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr, true
	}
	return nil, false
}

package process

import (
	"errors"
	"fmt"
	"syscall"
)

// Error codes that are not errno values.
const (
	ErrCodeNoPath     = -99 // Executable path missing or unresolved
	ErrCodeNilHandle  = -98 // AsyncExecute called without a handle
	ErrCodeBusy       = -97 // Handle is still running a previous spawn
	ErrCodeNotFound   = int(syscall.ENOENT)
	ErrCodeUnknownErr = -1
)

// Error is a spawn-time failure. Code is either an errno value or one of
// the negative ErrCode constants.
type Error struct {
	Code    int
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s (%d): %v", e.Message, e.Code, e.Cause)
	}
	return fmt.Sprintf("%s (%d)", e.Message, e.Code)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func newError(code int, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// errnoCode extracts the errno carried by err, or ErrCodeUnknownErr.
func errnoCode(err error) int {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		return int(errno)
	}
	return ErrCodeUnknownErr
}

// ErrorCode returns the code of a spawn error, or 0 when err is nil.
func ErrorCode(err error) int {
	if err == nil {
		return 0
	}
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Code
	}
	return errnoCode(err)
}

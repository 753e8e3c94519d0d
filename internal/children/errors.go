package children

import "fmt"

// ChildError represents a domain-specific error.
type ChildError struct {
	Code    string
	Message string
	Cause   error
}

func (e *ChildError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *ChildError) Unwrap() error {
	return e.Cause
}

// Error codes
const (
	ErrCodeChildNotFound = "CHILD_NOT_FOUND"
	ErrCodeChildExists   = "CHILD_EXISTS"
	ErrCodeChildRunning  = "CHILD_RUNNING"
	ErrCodeInvalidParams = "INVALID_PARAMS"
	ErrCodeConfigError   = "CONFIG_ERROR"
	ErrCodeSpawnError    = "SPAWN_ERROR"
)

// NewChildError creates a new child error.
func NewChildError(code, message string, cause error) *ChildError {
	return &ChildError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

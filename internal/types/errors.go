package types

import (
	"fmt"
)

// ValidationError rejects malformed input before any side effect. Callers
// must fix the request and retry.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// UnauthorizedError is returned when a role is not allowed to perform an
// operation. It is never retried automatically and is surfaced verbatim
// to every client surface.
type UnauthorizedError struct {
	Role      Role
	Operation string
}

func (e *UnauthorizedError) Error() string {
	return fmt.Sprintf("role %q is not authorized for operation %q", e.Role, e.Operation)
}

// OperationError wraps a downstream failure (persistence, automation
// engine) behind a valid, authorized call.
type OperationError struct {
	Operation string
	Err       error
}

func (e *OperationError) Error() string {
	return fmt.Sprintf("operation %q failed: %v", e.Operation, e.Err)
}

func (e *OperationError) Unwrap() error {
	return e.Err
}

package bias

import (
	"errors"
	"fmt"
)

var (
	// ErrRecordNotFound indicates the referenced ledger entry does not exist.
	ErrRecordNotFound = errors.New("bias: record not found")
	// ErrRoomNotFound indicates the room is missing or inactive.
	ErrRoomNotFound = errors.New("bias: room not found")
	// ErrUnauthorized indicates the actor lacks the capability for the mutation.
	ErrUnauthorized = errors.New("bias: unauthorized")
	// ErrConflict indicates the archive-then-insert pair lost a race twice.
	ErrConflict = errors.New("bias: concurrent update conflict")
	// ErrValidation indicates malformed input such as an unknown direction.
	ErrValidation = errors.New("bias: validation failed")
)

// ServiceError carries a dotted operation code alongside the underlying cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the dotted operation identifier.
func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

package notes

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrValidation marks malformed or missing input.
	ErrValidation = errors.New("notes: validation failed")
	// ErrNotAuthorized marks an authenticated actor lacking a grant or ownership.
	ErrNotAuthorized = errors.New("notes: not authorized")
	// ErrNotFound marks a note that does not exist.
	ErrNotFound = errors.New("notes: note not found")
	// ErrForbiddenEdit marks content that does not extend the current content.
	ErrForbiddenEdit = errors.New("notes: content must extend the existing content")
	// ErrUnknownUsers marks share targets that could not be resolved.
	ErrUnknownUsers = errors.New("notes: unknown users")
)

// ServiceError carries a stable "<operation>.<reason>" code alongside the cause.
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

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// UnknownUsersError lists share targets that do not resolve to a user.
type UnknownUsersError struct {
	IDs []string
}

func (e *UnknownUsersError) Error() string {
	return fmt.Sprintf("%s: %s", ErrUnknownUsers.Error(), strings.Join(e.IDs, ", "))
}

// Is reports ErrUnknownUsers as the matching sentinel.
func (e *UnknownUsersError) Is(target error) bool {
	return target == ErrUnknownUsers
}

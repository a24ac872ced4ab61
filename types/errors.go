package types

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned by the stores when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ValidationError is a rejected command or a missing piece of reference data (system role, permission code).
type ValidationError struct {
	Reason string
}

func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	return "validation failed: " + e.Reason
}

// ConflictError is a unique constraint violation (slug, membership, dedup key).
type ConflictError struct {
	Entity string
	Err    error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s already exists: %s", e.Entity, e.Err)
}

func (e *ConflictError) Unwrap() error { return e.Err }

type CreationError struct {
	Entity string
	Err    error
}

func (e *CreationError) Error() string {
	return fmt.Sprintf("could not create %s: %s", e.Entity, e.Err)
}

func (e *CreationError) Unwrap() error { return e.Err }

type ReadingError struct {
	Entity string
	Err    error
}

func (e *ReadingError) Error() string {
	return fmt.Sprintf("could not read %s: %s", e.Entity, e.Err)
}

func (e *ReadingError) Unwrap() error { return e.Err }

type UpdateError struct {
	Entity string
	Err    error
}

func (e *UpdateError) Error() string {
	return fmt.Sprintf("could not update %s: %s", e.Entity, e.Err)
}

func (e *UpdateError) Unwrap() error { return e.Err }

type DeletionError struct {
	Entity string
	Err    error
}

func (e *DeletionError) Error() string {
	return fmt.Sprintf("could not delete %s: %s", e.Entity, e.Err)
}

func (e *DeletionError) Unwrap() error { return e.Err }

// PublishError means the sink rejected a whole batch.
type PublishError struct {
	Count int
	Err   error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("could not publish %d events: %s", e.Count, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// ErrForbidden is returned by operations gated by the permission resolver.
var ErrForbidden = errors.New("forbidden")

func IsValidation(err error) bool {
	var e *ValidationError
	return errors.As(err, &e)
}

func IsConflict(err error) bool {
	var e *ConflictError
	return errors.As(err, &e)
}

func IsPublish(err error) bool {
	var e *PublishError
	return errors.As(err, &e)
}

package graph

import (
	"errors"
	"fmt"
)

// Category classifies an error for callers and for the error-event hook.
type Category string

// Error categories.
const (
	// CategoryValidation covers rejected mutations: duplicate names,
	// malformed input, cycle detection.
	CategoryValidation Category = "validation"

	// CategoryNotFound covers references to unknown entities.
	CategoryNotFound Category = "not_found"

	// CategoryInternal covers internal-consistency failures such as a
	// traversal ceiling breach. These imply a violated invariant and are
	// never retried automatically.
	CategoryInternal Category = "internal"
)

// Category sentinels, matchable with errors.Is.
var (
	// ErrValidation is the validation error category.
	ErrValidation = errors.New("validation error")

	// ErrNotFound is the not-found error category.
	ErrNotFound = errors.New("not found")

	// ErrInternal is the internal-consistency error category.
	ErrInternal = errors.New("internal consistency error")
)

// Specific validation causes.
var (
	// ErrDuplicate indicates a duplicate entity name or edge.
	ErrDuplicate = errors.New("duplicate")

	// ErrCycle indicates that a membership edge would create a cycle
	// among groups.
	ErrCycle = errors.New("membership cycle")

	// ErrCeilingExceeded indicates that a bounded traversal visited more
	// nodes than the configured ceiling allows. The acyclic or
	// bounded-graph assumption no longer holds.
	ErrCeilingExceeded = errors.New("traversal ceiling exceeded")
)

// Error is a categorized graph error.
type Error struct {
	// Category is the error category.
	Category Category

	// Op is the operation that failed, e.g. "AddMembership".
	Op string

	// Entity is the entity the error concerns, if any.
	Entity string

	// Err is the underlying cause.
	Err error
}

// Error returns the error message.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Category)
	if e.Entity != "" {
		msg += " " + e.Entity
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the category sentinels in addition to the cause chain.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrValidation:
		return e.Category == CategoryValidation
	case ErrNotFound:
		return e.Category == CategoryNotFound
	case ErrInternal:
		return e.Category == CategoryInternal
	}
	return false
}

// NewValidationError creates a validation error.
func NewValidationError(op, entity string, cause error) *Error {
	return &Error{Category: CategoryValidation, Op: op, Entity: entity, Err: cause}
}

// NewNotFoundError creates a not-found error.
func NewNotFoundError(op, entity string) *Error {
	return &Error{Category: CategoryNotFound, Op: op, Entity: entity}
}

// NewInternalError creates an internal-consistency error.
func NewInternalError(op, entity string, cause error) *Error {
	return &Error{Category: CategoryInternal, Op: op, Entity: entity, Err: cause}
}

// CategoryOf returns the category of err, or CategoryInternal for
// uncategorized errors.
func CategoryOf(err error) Category {
	var e *Error
	if errors.As(err, &e) {
		return e.Category
	}
	return CategoryInternal
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool {
	return errors.Is(err, ErrValidation)
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsInternal reports whether err is an internal-consistency error.
func IsInternal(err error) bool {
	return errors.Is(err, ErrInternal)
}

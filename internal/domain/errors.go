package domain

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Match them with errors.Is; every *Error carries exactly one.
var (
	// ErrValidation marks malformed or out-of-range input rejected before any write.
	ErrValidation = errors.New("validation error")
	// ErrConflict marks uniqueness or state-machine violations.
	ErrConflict = errors.New("conflict")
	// ErrDependency marks failures or timeouts of external collaborators.
	ErrDependency = errors.New("dependency error")
	// ErrNotFound marks a missing entity within the caller's team.
	ErrNotFound = errors.New("not found")
)

// Error is the typed error returned by core operations.
type Error struct {
	Kind error
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = e.Kind.Error()
	}
	if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Op != "" {
		return e.Op + ": " + msg
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the kind of e.
func (e *Error) Is(target error) bool { return target == e.Kind }

// Validationf returns a validation error for op.
func Validationf(op, format string, args ...interface{}) error {
	return &Error{Kind: ErrValidation, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Conflictf returns a conflict error for op.
func Conflictf(op, format string, args ...interface{}) error {
	return &Error{Kind: ErrConflict, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// NotFoundf returns a not-found error for op.
func NotFoundf(op, format string, args ...interface{}) error {
	return &Error{Kind: ErrNotFound, Op: op, Msg: fmt.Sprintf(format, args...)}
}

// Dependency wraps a collaborator failure.
func Dependency(op, collaborator string, err error) error {
	return &Error{Kind: ErrDependency, Op: op, Msg: collaborator + " failed", Err: err}
}

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsConflict reports whether err is a conflict error.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsDependency reports whether err is a dependency error.
func IsDependency(err error) bool { return errors.Is(err, ErrDependency) }

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

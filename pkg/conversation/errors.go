package conversation

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrConflict        = errors.New("conflict")
	ErrTransient       = errors.New("transient failure")
	ErrPipelineFailure = errors.New("pipeline failure")
	ErrValidation      = errors.New("validation error")
)

// NotFoundError reports an absent or inaccessible conversation, message or
// parent. Inaccessible resources are reported the same way as absent ones.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string {
	if e == nil {
		return ErrNotFound.Error()
	}
	if e.ID == "" {
		return fmt.Sprintf("%s %s", e.Resource, ErrNotFound)
	}
	return fmt.Sprintf("%s %q %s", e.Resource, e.ID, ErrNotFound)
}

func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// ConflictError reports an operation rejected because of the current tree
// state, e.g. regenerating a root.
type ConflictError struct {
	Op     string
	Reason string
}

func (e *ConflictError) Error() string {
	if e == nil {
		return ErrConflict.Error()
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", ErrConflict, e.Reason)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, ErrConflict, e.Reason)
}

func (e *ConflictError) Is(target error) bool { return target == ErrConflict }

// TransientError wraps a network or storage failure that may succeed on a
// fresh attempt. Retrying is always left to the user.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	if e == nil {
		return ErrTransient.Error()
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, ErrTransient)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, ErrTransient, e.Err)
}

func (e *TransientError) Is(target error) bool { return target == ErrTransient }

func (e *TransientError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// PipelineError reports a generation that was rejected or failed after
// acceptance.
type PipelineError struct {
	MessageID NodeID
	Reason    string
}

func (e *PipelineError) Error() string {
	if e == nil {
		return ErrPipelineFailure.Error()
	}
	return fmt.Sprintf("%s for message %s: %s", ErrPipelineFailure, e.MessageID, e.Reason)
}

func (e *PipelineError) Is(target error) bool { return target == ErrPipelineFailure }

// ValidationError reports invalid request data.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return ErrValidation.Error()
	}
	if e.Field == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%s (%s): %s", ErrValidation, e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// ErrorKind names the taxonomy bucket of err, for wire payloads.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrTransient):
		return "transient"
	case errors.Is(err, ErrPipelineFailure):
		return "pipeline"
	}
	return "internal"
}

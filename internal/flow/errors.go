package flow

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownKind    = errors.New("flow: unknown dialog kind")
	ErrNoActiveDialog = errors.New("flow: no active dialog")
	ErrUnknownStep    = errors.New("flow: persisted step not in catalog")
	ErrNoNextStep     = errors.New("flow: catalog has no step after this one")
)

// ValidationError is a user-facing rejection of input for the current step.
// The dialog stays on Step.
type ValidationError struct {
	Step    string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed at %s: %s", e.Step, e.Message)
}

// ConflictError is returned by a Finalizer when a value collides with an
// existing record, e.g. a duplicate nickname detected at commit time.
type ConflictError struct {
	Field string
	Value string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict on %s=%q", e.Field, e.Value)
}

package engine

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is returned by handlers when the provider-side object does not
// exist. During delete it means "already gone" and is treated as success.
var ErrNotFound = errors.New("not found")

// HandlerError wraps a failure reported by a resource handler. Handler
// failures surface as *_FAILED status with the reason recorded on the
// resource; the engine never retries them.
type HandlerError struct {
	// Op is the lifecycle operation that failed (create, update, delete, ...).
	Op string

	// Resource is the logical resource name within its stack.
	Resource string

	// Reason is the human-readable failure reason recorded on the resource.
	Reason string

	// Err is the underlying handler error, if any.
	Err error
}

// Error implements the error interface.
func (e *HandlerError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("%s %s: %s", e.Op, e.Resource, e.Reason)
	}
	return fmt.Sprintf("%s %s failed", e.Op, e.Resource)
}

// Unwrap returns the underlying handler error.
func (e *HandlerError) Unwrap() error {
	return e.Err
}

// NewHandlerError creates a HandlerError for the given operation and resource.
func NewHandlerError(op, resource string, err error) *HandlerError {
	reason := ""
	if err != nil {
		reason = err.Error()
	}
	return &HandlerError{Op: op, Resource: resource, Reason: reason, Err: err}
}

// ConflictError is returned when a stack-level operation is requested while
// another operation is already active on the same stack. The request is
// rejected immediately without touching any state.
type ConflictError struct {
	// StackID identifies the busy stack.
	StackID string

	// Active is the operation currently holding the stack.
	Active Action
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	return fmt.Sprintf("stack %s is busy: %s in progress", e.StackID, e.Active)
}

// RollbackError records failures encountered while undoing a partial
// operation. It is terminal: the causes are surfaced on the stack's status
// reason and not retried.
type RollbackError struct {
	// Causes are the individual rollback failures in the order encountered.
	Causes []error
}

// Error implements the error interface.
func (e *RollbackError) Error() string {
	msgs := make([]string, len(e.Causes))
	for i, cause := range e.Causes {
		msgs[i] = cause.Error()
	}
	return fmt.Sprintf("rollback failed: %s", strings.Join(msgs, "; "))
}

// Unwrap exposes the individual causes to errors.Is and errors.As.
func (e *RollbackError) Unwrap() []error {
	return e.Causes
}

// UnknownAttributeError is returned by GetAttribute when the resource type
// declares no attribute with the requested name.
type UnknownAttributeError struct {
	// Resource is the logical resource name.
	Resource string

	// Attribute is the unknown attribute name.
	Attribute string
}

// Error implements the error interface.
func (e *UnknownAttributeError) Error() string {
	return fmt.Sprintf("resource %s has no attribute %q", e.Resource, e.Attribute)
}

// StateError is returned when an operation is requested from a status that
// does not permit it. No handler call is made.
type StateError struct {
	// Resource is the logical resource name.
	Resource string

	// From is the resource status at the time of the request.
	From Status

	// Requested is the operation that was refused.
	Requested Action
}

// Error implements the error interface.
func (e *StateError) Error() string {
	return fmt.Sprintf("resource %s: cannot %s from status %s", e.Resource, e.Requested, e.From)
}

// CycleError is returned when the dependency graph of a template contains a
// cycle. The template is rejected at validation time.
type CycleError struct {
	// Path lists the resource names forming the cycle, first repeated last.
	Path []string
}

// Error implements the error interface.
func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(e.Path, " -> "))
}

// NotFoundError is returned by engine lookups for unknown stacks or resources.
type NotFoundError struct {
	// Kind names the missing entity ("stack" or "resource").
	Kind string

	// ID is the identifier that failed to resolve.
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ValidationError aggregates the validation failures found in a template,
// one entry per offending resource.
type ValidationError struct {
	// Errs are the individual validation failures.
	Errs []error
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Errs) == 1 {
		return fmt.Sprintf("template validation failed: %s", e.Errs[0])
	}
	msgs := make([]string, len(e.Errs))
	for i, err := range e.Errs {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("template validation failed with %d errors: %s", len(e.Errs), strings.Join(msgs, "; "))
}

// Unwrap exposes the individual failures to errors.Is and errors.As.
func (e *ValidationError) Unwrap() []error {
	return e.Errs
}

// IsConflict returns true if err is a stack-busy conflict.
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// IsNotFound returns true if err reports a missing provider object or a
// failed engine lookup.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrNotFound) {
		return true
	}
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsUnknownAttribute returns true if err reports an undeclared attribute.
func IsUnknownAttribute(err error) bool {
	var ua *UnknownAttributeError
	return errors.As(err, &ua)
}

// IsCycle returns true if err reports a dependency cycle.
func IsCycle(err error) bool {
	var ce *CycleError
	return errors.As(err, &ce)
}

// AsHandlerError unwraps err into a *HandlerError if one is in its chain.
func AsHandlerError(err error) (*HandlerError, bool) {
	var he *HandlerError
	if errors.As(err, &he) {
		return he, true
	}
	return nil, false
}

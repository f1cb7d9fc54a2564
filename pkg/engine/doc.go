// Package engine implements the StackPilot orchestration core: declarative
// stacks of typed resources, materialized through pluggable handlers in
// dependency order.
//
// # Overview
//
// A stack is born from a template: named resource definitions whose
// properties may reference stack parameters and each other. The engine
// resolves those references into a dependency graph and drives every
// mutation through the same pipeline:
//
//  1. Intake - Resolve the template (inline or by URL) and check input shape
//  2. Validate - Property schemas, handler checks, policy, graph acyclicity
//  3. Order - Topological waves over the dependency graph
//  4. Execute - Handler lifecycles per resource, bounded parallelism per wave
//  5. Settle - Terminal status, event log entries, rollback on failure
//
// # Core Domain Types
//
//   - Stack: A named, tenant-scoped collection of resources with a template
//   - Resource: One managed object with status, properties and a provider id
//   - Template: Resource definitions plus metadata, the desired state
//   - Graph: The dependency DAG with its forward and reverse waves
//   - Status: Composed ACTION_PHASE lifecycle state (CREATE_COMPLETE, ...)
//   - StackInput: A submission carrying exactly one template source
//
// # Handlers
//
// Resource types are implemented by handlers registered on a Registry:
//
//	type Handler interface {
//	    Schema() schema.Schema
//	    UpdateAllowedKeys() []string
//	    Attributes() []string
//	    Create(hctx *Context, res *Resource) (providerID string, err error)
//	    PollCreate(hctx *Context, providerID string) (Poll, error)
//	    UpdateInPlace(hctx *Context, res *Resource, diff Diff) error
//	    Delete(hctx *Context, providerID string) error
//	    PollDelete(hctx *Context, providerID string) (Poll, error)
//	    GetAttribute(hctx *Context, res *Resource, name string) (any, error)
//	    Validate(hctx *Context, res *Resource) error
//	}
//
// Create and Delete start asynchronous work; the engine polls the handler
// until it reports completion or failure. Every handler call is timed and
// counted through the telemetry layer.
//
// # Updates
//
// Applying a new template never recreates what can be kept. Per resource the
// engine decides between NO_OP, UPDATE_IN_PLACE and REPLACE by diffing old
// and new properties against the handler's update-allowed keys. Replacement
// deletes the old provider object before creating its successor under the
// same logical name.
//
// # Failure Handling
//
// The first handler failure cancels the in-flight wave and rolls back every
// change the operation applied, most recent first: created resources are
// deleted, in-place updates are reversed, replaced and removed resources are
// recreated from their prior shape. A user abort settles touched resources
// as failed without rollback. Errors carry types for dispatch: ConflictError
// for concurrent operations on one stack, CycleError with the offending
// path, ValidationError aggregating every intake failure, NotFoundError,
// HandlerError and RollbackError.
//
// # Persistence
//
// The orchestrator is the only status writer. Every transition is persisted
// through a stores.Store together with an event log entry before execution
// moves on, and provider ids are stored the moment a handler returns one, so
// a crash cannot orphan provider-side objects. Load hydrates the live stack
// set from the store and settles anything interrupted mid-operation as
// failed.
//
// # Thread Safety
//
// One operation runs per stack at a time; concurrent submissions are
// rejected with ConflictError. Within an operation, resources of the same
// wave execute on a bounded worker pool. The Orchestrator and Stack types
// are safe for concurrent use.
package engine

package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/stackpilot/stackpilot/pkg/identity"
	"github.com/stackpilot/stackpilot/pkg/schema"
	"github.com/stackpilot/stackpilot/pkg/telemetry"
)

// PollState classifies the answer of a provider readiness check.
type PollState string

const (
	// PollStateInProgress means the provider object is still converging.
	PollStateInProgress PollState = "IN_PROGRESS"

	// PollStateComplete means the provider object reached its target state.
	PollStateComplete PollState = "COMPLETE"

	// PollStateFailed means the provider object ended in an error state.
	PollStateFailed PollState = "FAILED"

	// PollStateAbsent means the provider object no longer exists. During
	// delete this is the success answer.
	PollStateAbsent PollState = "ABSENT"
)

// Poll is one readiness answer from a handler poll call.
type Poll struct {
	// State classifies the answer.
	State PollState

	// Reason carries the provider's failure detail when State is FAILED.
	Reason string
}

// Common poll answers. Failed answers carry a reason, so they are built with
// PollFailed instead.
var (
	PollInProgress = Poll{State: PollStateInProgress}
	PollComplete   = Poll{State: PollStateComplete}
	PollAbsent     = Poll{State: PollStateAbsent}
)

// PollFailed builds a failed poll answer with the provider's reason.
func PollFailed(reason string) Poll {
	return Poll{State: PollStateFailed, Reason: reason}
}

// Handler is the per-resource-type capability contract. One handler instance
// serves all resources of its type; implementations must be safe for
// concurrent use, since independent resources in a wave run in parallel.
//
// Handlers never mutate resource status. They act on the provider and report
// outcomes; the orchestrator owns every status transition.
type Handler interface {
	// Schema declares the property schema resources of this type are
	// validated against before any lifecycle call.
	Schema() schema.Schema

	// UpdateAllowedKeys lists the property keys this handler can change on
	// a live object. A diff outside this set forces replacement.
	UpdateAllowedKeys() []string

	// Attributes lists the derived attribute names GetAttribute serves.
	Attributes() []string

	// Create provisions the provider-side object. The returned provider id
	// must be reported even alongside an error so the engine can record it
	// for later cleanup.
	Create(hctx *Context, res *Resource) (providerID string, err error)

	// PollCreate reports whether a created object has finished converging.
	PollCreate(hctx *Context, providerID string) (Poll, error)

	// UpdateInPlace applies an allowed-keys-only diff to the live object.
	UpdateInPlace(hctx *Context, res *Resource, diff Diff) error

	// Delete tears the object down. Answering ErrNotFound means the object
	// is already gone and counts as success.
	Delete(hctx *Context, providerID string) error

	// PollDelete reports whether a deleted object is fully gone. PollAbsent
	// is the success answer.
	PollDelete(hctx *Context, providerID string) (Poll, error)

	// GetAttribute resolves one derived attribute of a live resource.
	GetAttribute(hctx *Context, res *Resource, name string) (any, error)

	// Validate performs handler-specific cross-property checks after schema
	// validation passed. It must not touch the provider.
	Validate(hctx *Context, res *Resource) error
}

// Context carries per-operation state into handler calls: cancellation, the
// resource's addressing, user parameters, a scoped logger and a session bag
// for provider clients. It replaces ambient globals; handlers receive
// everything they need through it.
type Context struct {
	context.Context

	// Stack identifies the owning stack.
	Stack identity.Identity

	// PhysicalName is the deterministic provider-side name derived for the
	// resource, stable for the life of the stack.
	PhysicalName string

	// Parameters are the stack's user-supplied parameter values, read-only.
	Parameters map[string]any

	// Logger is scoped to the stack and resource of the operation.
	Logger *telemetry.Logger

	// mu guards the session bag.
	mu      sync.Mutex
	session map[string]any
}

// NewContext builds a handler context for one lifecycle operation.
func NewContext(ctx context.Context, stack identity.Identity, physicalName string, params map[string]any, logger *telemetry.Logger) *Context {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Context{
		Context:      ctx,
		Stack:        stack,
		PhysicalName: physicalName,
		Parameters:   params,
		Logger:       logger,
	}
}

// Session returns a previously stored session value.
func (c *Context) Session(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.session[key]
	return v, ok
}

// SetSession stores a session value, typically a provider client handlers
// want to reuse across calls within one operation.
func (c *Context) SetSession(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		c.session = make(map[string]any)
	}
	c.session[key] = value
}

// HandlerSource resolves resource type names to handlers. The orchestrator
// wraps the registry in an instrumented source so every handler call is
// timed and counted.
type HandlerSource interface {
	Get(typeName string) (Handler, error)
}

// Registry maps resource type names to their handlers. Validation rejects
// templates naming a type with no registered handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a resource type name. Re-registering a name
// replaces the previous handler.
func (r *Registry) Register(typeName string, h Handler) error {
	if typeName == "" {
		return fmt.Errorf("failed to register handler: empty type name")
	}
	if h == nil {
		return fmt.Errorf("failed to register handler for %s: nil handler", typeName)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[typeName] = h
	return nil
}

// Get returns the handler for a resource type name.
func (r *Registry) Get(typeName string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[typeName]
	if !ok {
		return nil, &NotFoundError{Kind: "handler", ID: typeName}
	}
	return h, nil
}

// Types returns the registered resource type names in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		types = append(types, name)
	}
	sort.Strings(types)
	return types
}

package engine

import (
	"fmt"
	"time"

	"github.com/stackpilot/stackpilot/pkg/schema"
)

// abortReason is the status reason recorded when an operation observes
// cancellation between handler calls.
const abortReason = "operation aborted"

// statusWriter persists a resource status transition. The orchestrator owns
// the only implementation; it writes the store, appends the audit event and
// publishes telemetry. Writers must not use the operation context, since
// abort transitions are written after that context is cancelled.
type statusWriter func(res *Resource, status Status, reason string) error

// providerIDWriter persists a resource's provider id the moment it is known,
// so a crash between create and the next status write cannot orphan the
// provider object.
type providerIDWriter func(res *Resource, providerID string) error

// lifecycle drives single-resource operations through their handler calls and
// status transitions. It holds no state of its own; all writes flow through
// the orchestrator's callbacks.
type lifecycle struct {
	handlers      HandlerSource
	pollInterval  time.Duration
	setStatus     statusWriter
	setProviderID providerIDWriter
}

// newLifecycle builds a lifecycle executor with the given poll interval.
func newLifecycle(handlers HandlerSource, pollInterval time.Duration, setStatus statusWriter, setProviderID providerIDWriter) *lifecycle {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &lifecycle{
		handlers:      handlers,
		pollInterval:  pollInterval,
		setStatus:     setStatus,
		setProviderID: setProviderID,
	}
}

// create provisions a resource: materialize properties, call the handler,
// record the provider id immediately, then poll until the object converges.
// The provider id is persisted even when the same create call also returned
// an error, so a half-created object can still be cleaned up.
func (l *lifecycle) create(hctx *Context, res *Resource, materialize func() (map[string]any, error)) error {
	if !res.Status.CanStart(ActionCreate) {
		return &StateError{Resource: res.Name, From: res.Status, Requested: ActionCreate}
	}

	h, err := l.handlers.Get(res.Type)
	if err != nil {
		return err
	}

	props, err := materialize()
	if err != nil {
		werr := fmt.Errorf("failed to resolve properties for %s: %w", res.Name, err)
		if serr := l.setStatus(res, StatusCreateFailed, werr.Error()); serr != nil {
			return serr
		}
		return werr
	}
	res.Properties = props

	if err := l.setStatus(res, StatusCreateInProgress, ""); err != nil {
		return err
	}

	if hctx.Err() != nil {
		if serr := l.setStatus(res, StatusCreateFailed, abortReason); serr != nil {
			return serr
		}
		return fmt.Errorf("create %s: %w", res.Name, hctx.Err())
	}

	providerID, createErr := h.Create(hctx, res)
	if providerID != "" {
		if err := l.setProviderID(res, providerID); err != nil {
			return err
		}
	}
	if createErr != nil {
		herr := NewHandlerError("create", res.Name, createErr)
		if serr := l.setStatus(res, StatusCreateFailed, herr.Reason); serr != nil {
			return serr
		}
		return herr
	}

	poll, pollErr := l.pollUntil(hctx, func() (Poll, error) {
		return h.PollCreate(hctx, res.ProviderID)
	})
	if pollErr != nil {
		if hctx.Err() != nil {
			if serr := l.setStatus(res, StatusCreateFailed, abortReason); serr != nil {
				return serr
			}
			return fmt.Errorf("create %s: %w", res.Name, pollErr)
		}
		herr := NewHandlerError("create", res.Name, pollErr)
		if serr := l.setStatus(res, StatusCreateFailed, herr.Reason); serr != nil {
			return serr
		}
		return herr
	}

	switch poll.State {
	case PollStateComplete:
		return l.setStatus(res, StatusCreateComplete, "")
	case PollStateAbsent:
		reason := "provider object no longer exists"
		if serr := l.setStatus(res, StatusCreateFailed, reason); serr != nil {
			return serr
		}
		return &HandlerError{Op: "create", Resource: res.Name, Reason: reason}
	default:
		if serr := l.setStatus(res, StatusCreateFailed, poll.Reason); serr != nil {
			return serr
		}
		return &HandlerError{Op: "create", Resource: res.Name, Reason: poll.Reason}
	}
}

// update applies a resolved update decision. NO_OP leaves the resource
// entirely untouched; UPDATE_IN_PLACE hands the diff to the handler.
// Replacement is not handled here: the orchestrator performs it as a delete
// and a create.
func (l *lifecycle) update(hctx *Context, res *Resource, decision UpdateDecision, newProps map[string]any, diff Diff) error {
	if !res.Status.CanStart(ActionUpdate) {
		return &StateError{Resource: res.Name, From: res.Status, Requested: ActionUpdate}
	}

	switch decision {
	case UpdateNoOp:
		return nil

	case UpdateInPlace:
		h, err := l.handlers.Get(res.Type)
		if err != nil {
			return err
		}

		if err := l.setStatus(res, StatusUpdateInProgress, ""); err != nil {
			return err
		}

		if hctx.Err() != nil {
			if serr := l.setStatus(res, StatusUpdateFailed, abortReason); serr != nil {
				return serr
			}
			return fmt.Errorf("update %s: %w", res.Name, hctx.Err())
		}

		if err := h.UpdateInPlace(hctx, res, diff); err != nil {
			herr := NewHandlerError("update", res.Name, err)
			if serr := l.setStatus(res, StatusUpdateFailed, herr.Reason); serr != nil {
				return serr
			}
			return herr
		}

		res.Properties = newProps
		res.dropAttributes()
		return l.setStatus(res, StatusUpdateComplete, "")

	default:
		return fmt.Errorf("update decision %s cannot be applied in place", decision)
	}
}

// delete tears a resource down. A resource with no provider id completes
// immediately, so deleting twice succeeds. A not-found answer from the
// handler counts as already deleted. The provider id is cleared only after
// the object is confirmed gone.
func (l *lifecycle) delete(hctx *Context, res *Resource) error {
	if res.Status == StatusDeleteComplete {
		return nil
	}
	if !res.Status.CanStart(ActionDelete) {
		return &StateError{Resource: res.Name, From: res.Status, Requested: ActionDelete}
	}

	if res.ProviderID == "" {
		return l.setStatus(res, StatusDeleteComplete, "")
	}

	h, err := l.handlers.Get(res.Type)
	if err != nil {
		if serr := l.setStatus(res, StatusDeleteFailed, err.Error()); serr != nil {
			return serr
		}
		return err
	}

	if err := l.setStatus(res, StatusDeleteInProgress, ""); err != nil {
		return err
	}

	if hctx.Err() != nil {
		if serr := l.setStatus(res, StatusDeleteFailed, abortReason); serr != nil {
			return serr
		}
		return fmt.Errorf("delete %s: %w", res.Name, hctx.Err())
	}

	deleteErr := h.Delete(hctx, res.ProviderID)
	switch {
	case deleteErr == nil:
		poll, pollErr := l.pollUntil(hctx, func() (Poll, error) {
			return h.PollDelete(hctx, res.ProviderID)
		})
		if pollErr != nil {
			if hctx.Err() != nil {
				if serr := l.setStatus(res, StatusDeleteFailed, abortReason); serr != nil {
					return serr
				}
				return fmt.Errorf("delete %s: %w", res.Name, pollErr)
			}
			if !IsNotFound(pollErr) {
				herr := NewHandlerError("delete", res.Name, pollErr)
				if serr := l.setStatus(res, StatusDeleteFailed, herr.Reason); serr != nil {
					return serr
				}
				return herr
			}
			// Already gone.
		} else if poll.State == PollStateFailed {
			if serr := l.setStatus(res, StatusDeleteFailed, poll.Reason); serr != nil {
				return serr
			}
			return &HandlerError{Op: "delete", Resource: res.Name, Reason: poll.Reason}
		}

	case IsNotFound(deleteErr):
		// Already gone.

	default:
		herr := NewHandlerError("delete", res.Name, deleteErr)
		if serr := l.setStatus(res, StatusDeleteFailed, herr.Reason); serr != nil {
			return serr
		}
		return herr
	}

	if err := l.setProviderID(res, ""); err != nil {
		return err
	}
	res.dropAttributes()
	return l.setStatus(res, StatusDeleteComplete, "")
}

// validate runs schema validation then the handler's cross-checks. The first
// error wins. Nothing is mutated and no status changes.
func (l *lifecycle) validate(hctx *Context, res *Resource) error {
	h, err := l.handlers.Get(res.Type)
	if err != nil {
		return fmt.Errorf("resource %s has unknown type %q", res.Name, res.Type)
	}

	if err := validateDeclared(res.Definition.Properties, h.Schema()); err != nil {
		return fmt.Errorf("resource %s: %w", res.Name, err)
	}

	if err := h.Validate(hctx, res); err != nil {
		return fmt.Errorf("resource %s: %w", res.Name, err)
	}
	return nil
}

// getAttribute resolves a derived attribute, serving repeated reads from the
// resource's cache. Names the handler does not declare fail without a
// handler call.
func (l *lifecycle) getAttribute(hctx *Context, res *Resource, name string) (any, error) {
	h, err := l.handlers.Get(res.Type)
	if err != nil {
		return nil, err
	}

	declared := false
	for _, attr := range h.Attributes() {
		if attr == name {
			declared = true
			break
		}
	}
	if !declared {
		return nil, &UnknownAttributeError{Resource: res.Name, Attribute: name}
	}

	if v, ok := res.cachedAttribute(name); ok {
		return v, nil
	}

	v, err := h.GetAttribute(hctx, res, name)
	if err != nil {
		return nil, err
	}
	res.storeAttribute(name, v)
	return v, nil
}

// pollUntil calls poll once per interval until the answer leaves IN_PROGRESS.
// Cancellation is observed between calls only; a call in flight always
// finishes. A terminal answer arriving together with cancellation wins.
func (l *lifecycle) pollUntil(hctx *Context, poll func() (Poll, error)) (Poll, error) {
	ticker := time.NewTicker(l.pollInterval)
	defer ticker.Stop()

	for {
		p, err := poll()
		if err != nil {
			return Poll{}, err
		}
		if p.State != PollStateInProgress {
			return p, nil
		}

		if hctx.Err() != nil {
			return Poll{}, hctx.Err()
		}
		select {
		case <-hctx.Done():
			return Poll{}, hctx.Err()
		case <-ticker.C:
		}
	}
}

// validateDeclared checks declared properties against a schema with marker
// values masked out: a marker's runtime value is unknowable before execution,
// so it satisfies any type and its presence satisfies Required. Keys marked
// not implemented are never masked, so supplying one fails even via marker.
func validateDeclared(props map[string]any, sch schema.Schema) error {
	masked := make(map[string]any, len(props))
	schCopy := make(schema.Schema, len(sch))
	for key, def := range sch {
		schCopy[key] = def
	}

	for key, value := range props {
		def, known := sch[key]
		if known && def.IsImplemented() && containsMarker(value) {
			d := def
			d.Required = false
			d.Default = nil
			schCopy[key] = d
			continue
		}
		masked[key] = value
	}

	_, err := schema.Validate(masked, schCopy)
	return err
}

// containsMarker reports whether a property value holds a reference marker at
// any depth.
func containsMarker(value any) bool {
	switch v := value.(type) {
	case map[string]any:
		if _, ok := refMarker(v); ok {
			return true
		}
		if _, _, ok := attrMarker(v); ok {
			return true
		}
		if _, ok := paramMarker(v); ok {
			return true
		}
		for _, nested := range v {
			if containsMarker(nested) {
				return true
			}
		}
	case []any:
		for _, item := range v {
			if containsMarker(item) {
				return true
			}
		}
	}
	return false
}

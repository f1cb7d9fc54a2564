package engine

import (
	"github.com/stackpilot/stackpilot/pkg/schema"
	"github.com/stackpilot/stackpilot/pkg/telemetry"
)

// instrumentedSource wraps a registry so that every provider-facing handler
// call is timed, counted and traced. Metadata accessors pass through.
type instrumentedSource struct {
	registry *Registry
}

func (s *instrumentedSource) Get(typeName string) (Handler, error) {
	h, err := s.registry.Get(typeName)
	if err != nil {
		return nil, err
	}
	return &instrumentedHandler{typeName: typeName, inner: h}, nil
}

type instrumentedHandler struct {
	typeName string
	inner    Handler
}

func (h *instrumentedHandler) Schema() schema.Schema { return h.inner.Schema() }

func (h *instrumentedHandler) UpdateAllowedKeys() []string { return h.inner.UpdateAllowedKeys() }

func (h *instrumentedHandler) Attributes() []string { return h.inner.Attributes() }

func (h *instrumentedHandler) Create(hctx *Context, res *Resource) (string, error) {
	var providerID string
	err := telemetry.RecordHandlerOperation(hctx, h.typeName, "create", func() error {
		var err error
		providerID, err = h.inner.Create(hctx, res)
		return err
	})
	return providerID, err
}

func (h *instrumentedHandler) PollCreate(hctx *Context, providerID string) (Poll, error) {
	var poll Poll
	err := telemetry.RecordHandlerOperation(hctx, h.typeName, "poll_create", func() error {
		var err error
		poll, err = h.inner.PollCreate(hctx, providerID)
		return err
	})
	return poll, err
}

func (h *instrumentedHandler) UpdateInPlace(hctx *Context, res *Resource, diff Diff) error {
	return telemetry.RecordHandlerOperation(hctx, h.typeName, "update", func() error {
		return h.inner.UpdateInPlace(hctx, res, diff)
	})
}

func (h *instrumentedHandler) Delete(hctx *Context, providerID string) error {
	return telemetry.RecordHandlerOperation(hctx, h.typeName, "delete", func() error {
		return h.inner.Delete(hctx, providerID)
	})
}

func (h *instrumentedHandler) PollDelete(hctx *Context, providerID string) (Poll, error) {
	var poll Poll
	err := telemetry.RecordHandlerOperation(hctx, h.typeName, "poll_delete", func() error {
		var err error
		poll, err = h.inner.PollDelete(hctx, providerID)
		return err
	})
	return poll, err
}

func (h *instrumentedHandler) GetAttribute(hctx *Context, res *Resource, name string) (any, error) {
	var value any
	err := telemetry.RecordHandlerOperation(hctx, h.typeName, "get_attribute", func() error {
		var err error
		value, err = h.inner.GetAttribute(hctx, res, name)
		return err
	})
	return value, err
}

func (h *instrumentedHandler) Validate(hctx *Context, res *Resource) error {
	return telemetry.RecordHandlerOperation(hctx, h.typeName, "validate", func() error {
		return h.inner.Validate(hctx, res)
	})
}

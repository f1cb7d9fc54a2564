package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/stackpilot/stackpilot/pkg/schema"
)

// fakeHandler is a scriptable in-memory handler. Failures are requested
// through resource properties, so individual resources within one template
// can misbehave on demand:
//
//	fail_create: true  -> Create returns an error
//	fail_poll: true    -> Create succeeds, PollCreate reports FAILED
//	fail_update: true  -> UpdateInPlace returns an error (via the diff)
//	fail_delete: true  -> Delete returns an error
//	reject: true       -> Validate returns an error
type fakeHandler struct {
	sch     schema.Schema
	allowed []string
	attrs   []string

	// createDelay makes Create dwell so concurrency can be observed.
	createDelay time.Duration

	// blockCreate, when set, makes Create wait for the channel to close
	// or the operation context to cancel.
	blockCreate chan struct{}

	// pollsUntilReady makes PollCreate answer IN_PROGRESS that many times
	// before completing.
	pollsUntilReady int

	mu            sync.Mutex
	nextID        int
	objects       map[string]map[string]any
	names         map[string]string
	createOrder   []string
	deleteOrder   []string
	updateCount   map[string]int
	attrCalls     int
	concurrent    int
	maxConcurrent int
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{
		sch: schema.Schema{
			"Name":        {Type: schema.TypeString},
			"Size":        {Type: schema.TypeNumber},
			"Tier":        {Type: schema.TypeString, Default: "standard"},
			"Tags":        {Type: schema.TypeMap},
			"Input":       {Type: schema.TypeString},
			"fail_create": {Type: schema.TypeBoolean},
			"fail_poll":   {Type: schema.TypeBoolean},
			"fail_update": {Type: schema.TypeBoolean},
			"fail_delete": {Type: schema.TypeBoolean},
			"reject":      {Type: schema.TypeBoolean},
		},
		allowed:     []string{"Name", "Tags", "fail_update"},
		attrs:       []string{"Endpoint", "Zone"},
		objects:     make(map[string]map[string]any),
		names:       make(map[string]string),
		updateCount: make(map[string]int),
	}
}

func (h *fakeHandler) Schema() schema.Schema { return h.sch }

func (h *fakeHandler) UpdateAllowedKeys() []string { return h.allowed }

func (h *fakeHandler) Attributes() []string { return h.attrs }

func (h *fakeHandler) Create(hctx *Context, res *Resource) (string, error) {
	if h.blockCreate != nil {
		select {
		case <-h.blockCreate:
		case <-hctx.Done():
			return "", hctx.Err()
		}
	}

	h.mu.Lock()
	h.concurrent++
	if h.concurrent > h.maxConcurrent {
		h.maxConcurrent = h.concurrent
	}
	h.mu.Unlock()

	if h.createDelay > 0 {
		time.Sleep(h.createDelay)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.concurrent--

	if fail, _ := res.Properties["fail_create"].(bool); fail {
		return "", fmt.Errorf("create refused")
	}

	h.nextID++
	id := fmt.Sprintf("prov-%d", h.nextID)
	props := make(map[string]any, len(res.Properties))
	for k, v := range res.Properties {
		props[k] = v
	}
	h.objects[id] = props
	h.names[id] = res.Name
	h.createOrder = append(h.createOrder, res.Name)
	return id, nil
}

func (h *fakeHandler) PollCreate(hctx *Context, providerID string) (Poll, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.pollsUntilReady > 0 {
		h.pollsUntilReady--
		return PollInProgress, nil
	}

	props, ok := h.objects[providerID]
	if !ok {
		return PollAbsent, nil
	}
	if fail, _ := props["fail_poll"].(bool); fail {
		return PollFailed("object entered error state"), nil
	}
	return PollComplete, nil
}

func (h *fakeHandler) UpdateInPlace(hctx *Context, res *Resource, diff Diff) error {
	if c, ok := diff["fail_update"]; ok {
		if fail, _ := c.After.(bool); fail {
			return fmt.Errorf("update refused")
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	props, ok := h.objects[res.ProviderID]
	if !ok {
		return fmt.Errorf("object %s does not exist", res.ProviderID)
	}
	for key, c := range diff {
		if c.Kind == ChangeRemoved {
			delete(props, key)
			continue
		}
		props[key] = c.After
	}
	h.updateCount[res.ProviderID]++
	return nil
}

func (h *fakeHandler) Delete(hctx *Context, providerID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	props, ok := h.objects[providerID]
	if !ok {
		return &NotFoundError{Kind: "object", ID: providerID}
	}
	if fail, _ := props["fail_delete"].(bool); fail {
		return fmt.Errorf("delete refused")
	}
	delete(h.objects, providerID)
	h.deleteOrder = append(h.deleteOrder, h.names[providerID])
	return nil
}

func (h *fakeHandler) PollDelete(hctx *Context, providerID string) (Poll, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.objects[providerID]; ok {
		return PollInProgress, nil
	}
	return PollAbsent, nil
}

func (h *fakeHandler) GetAttribute(hctx *Context, res *Resource, name string) (any, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attrCalls++
	return fmt.Sprintf("%s/%s", res.ProviderID, name), nil
}

func (h *fakeHandler) Validate(hctx *Context, res *Resource) error {
	if reject, _ := res.Definition.Properties["reject"].(bool); reject {
		return fmt.Errorf("rejected by handler")
	}
	return nil
}

// objectCount returns how many provider objects currently exist.
func (h *fakeHandler) objectCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.objects)
}

// objectProps returns a copy of a live object's properties by resource name.
func (h *fakeHandler) objectProps(resourceName string) (map[string]any, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, name := range h.names {
		if name != resourceName {
			continue
		}
		props, ok := h.objects[id]
		if !ok {
			continue
		}
		out := make(map[string]any, len(props))
		for k, v := range props {
			out[k] = v
		}
		return out, true
	}
	return nil, false
}

// updateCalls returns the total number of in-place updates applied.
func (h *fakeHandler) updateCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	total := 0
	for _, n := range h.updateCount {
		total += n
	}
	return total
}

// setObjectProp mutates a live object's stored properties by resource name.
func (h *fakeHandler) setObjectProp(resourceName, key string, value any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, name := range h.names {
		if name != resourceName {
			continue
		}
		if props, ok := h.objects[id]; ok {
			props[key] = value
		}
	}
}

// createdNames returns the creation order observed so far.
func (h *fakeHandler) createdNames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.createOrder))
	copy(out, h.createOrder)
	return out
}

// deletedNames returns the deletion order observed so far.
func (h *fakeHandler) deletedNames() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, len(h.deleteOrder))
	copy(out, h.deleteOrder)
	return out
}

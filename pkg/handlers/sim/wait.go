package sim

import (
	"fmt"

	"github.com/stackpilot/stackpilot/pkg/engine"
	"github.com/stackpilot/stackpilot/pkg/schema"
)

// WaitHandle simulates a signal rendezvous point. It has no properties and
// no dependencies, so any resource can reference it; external actors deliver
// signals to it through Cloud.Signal and a WaitCondition blocks on them.
type WaitHandle struct {
	cloud *Cloud
}

// NewWaitHandle returns the simulated handle handler backed by cloud.
func NewWaitHandle(cloud *Cloud) *WaitHandle {
	return &WaitHandle{cloud: cloud}
}

// Schema declares no properties.
func (h *WaitHandle) Schema() schema.Schema {
	return schema.Schema{}
}

// UpdateAllowedKeys is empty: any change replaces the handle.
func (h *WaitHandle) UpdateAllowedKeys() []string {
	return nil
}

// Attributes lists no derived values; the handle's provider id is what
// signal senders address.
func (h *WaitHandle) Attributes() []string {
	return nil
}

// Create allocates the handle.
func (h *WaitHandle) Create(hctx *engine.Context, res *engine.Resource) (string, error) {
	return h.cloud.create(TypeWaitHandle, "wch", res.Name, res.Properties)
}

// PollCreate reports allocation progress.
func (h *WaitHandle) PollCreate(hctx *engine.Context, providerID string) (engine.Poll, error) {
	return h.cloud.pollCreate(providerID)
}

// UpdateInPlace is never reached with an empty allowed set.
func (h *WaitHandle) UpdateInPlace(hctx *engine.Context, res *engine.Resource, diff engine.Diff) error {
	return fmt.Errorf("wait handle properties cannot change in place")
}

// Delete removes the handle and any signals it collected.
func (h *WaitHandle) Delete(hctx *engine.Context, providerID string) error {
	return h.cloud.deleteObject(providerID)
}

// PollDelete reports teardown progress.
func (h *WaitHandle) PollDelete(hctx *engine.Context, providerID string) (engine.Poll, error) {
	return h.cloud.pollDelete(providerID)
}

// GetAttribute always fails: a handle exposes nothing derived.
func (h *WaitHandle) GetAttribute(hctx *engine.Context, res *engine.Resource, name string) (any, error) {
	return nil, fmt.Errorf("wait handle has no attribute %q", name)
}

// Validate accepts everything; the schema already rejects any property.
func (h *WaitHandle) Validate(hctx *engine.Context, res *engine.Resource) error {
	return nil
}

// WaitCondition blocks stack creation until its handle collects enough
// success signals. Timeout is a budget of poll cycles; a failure signal or
// an exhausted budget fails the create.
type WaitCondition struct {
	cloud *Cloud
}

// NewWaitCondition returns the simulated wait handler backed by cloud.
func NewWaitCondition(cloud *Cloud) *WaitCondition {
	return &WaitCondition{cloud: cloud}
}

// Schema declares the wait condition property schema.
func (h *WaitCondition) Schema() schema.Schema {
	return schema.Schema{
		"Handle":  {Type: schema.TypeString, Required: true},
		"Timeout": {Type: schema.TypeNumber, Required: true},
		"Count":   {Type: schema.TypeNumber, Default: 1},
	}
}

// UpdateAllowedKeys is empty: any change replaces the condition.
func (h *WaitCondition) UpdateAllowedKeys() []string {
	return nil
}

// Attributes lists the derived values a wait condition exposes.
func (h *WaitCondition) Attributes() []string {
	return []string{"Data"}
}

// Create binds the condition to its handle and starts the wait.
func (h *WaitCondition) Create(hctx *engine.Context, res *engine.Resource) (string, error) {
	handleID, _ := res.Properties["Handle"].(string)
	timeout, count, err := waitBounds(res.Properties)
	if err != nil {
		return "", err
	}
	return h.cloud.createWaitCondition(res.Name, res.Properties, handleID, count, timeout)
}

// PollCreate reports signal progress against the count and the budget.
func (h *WaitCondition) PollCreate(hctx *engine.Context, providerID string) (engine.Poll, error) {
	return h.cloud.pollWaitCondition(providerID)
}

// UpdateInPlace is never reached with an empty allowed set.
func (h *WaitCondition) UpdateInPlace(hctx *engine.Context, res *engine.Resource, diff engine.Diff) error {
	return fmt.Errorf("wait condition properties cannot change in place")
}

// Delete removes the condition and resets its handle's collected signals.
func (h *WaitCondition) Delete(hctx *engine.Context, providerID string) error {
	return h.cloud.deleteObject(providerID)
}

// PollDelete reports teardown progress.
func (h *WaitCondition) PollDelete(hctx *engine.Context, providerID string) (engine.Poll, error) {
	return h.cloud.pollDelete(providerID)
}

// GetAttribute resolves Data: every signal payload the handle collected,
// keyed by UniqueId.
func (h *WaitCondition) GetAttribute(hctx *engine.Context, res *engine.Resource, name string) (any, error) {
	if name == "Data" {
		return h.cloud.waitConditionData(res.ProviderID)
	}
	return nil, fmt.Errorf("wait condition has no attribute %q", name)
}

// Validate rejects non-positive bounds when the values are literals.
func (h *WaitCondition) Validate(hctx *engine.Context, res *engine.Resource) error {
	_, _, err := waitBounds(res.Definition.Properties)
	return err
}

// waitBounds reads Timeout and Count, requiring both to be at least 1.
// Marker values pass here; they are checked after resolution, at create
// time.
func waitBounds(props map[string]any) (timeout, count int, err error) {
	count = 1
	if n, ok := toFloat(props["Count"]); ok {
		if n < 1 {
			return 0, 0, fmt.Errorf("wait condition Count must be at least 1, got %v", props["Count"])
		}
		count = int(n)
	}
	if n, ok := toFloat(props["Timeout"]); ok {
		if n < 1 {
			return 0, 0, fmt.Errorf("wait condition Timeout must be at least 1, got %v", props["Timeout"])
		}
		timeout = int(n)
	}
	return timeout, count, nil
}

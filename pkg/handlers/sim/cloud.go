package sim

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

// objectState tracks where a simulated object is in its life.
type objectState string

const (
	stateBuilding objectState = "building"
	stateActive   objectState = "active"
	stateDeleting objectState = "deleting"
	stateError    objectState = "error"
)

// object is one provider-side entity.
type object struct {
	id    string
	typ   string
	owner string
	props map[string]any
	state objectState

	// pollsLeft is how many more poll cycles the in-flight transition
	// answers IN_PROGRESS before settling.
	pollsLeft int

	// failReason, when set, settles the create into an error state.
	failReason string

	privateIP string
	publicIP  string

	// attachedTo holds the instance id while a volume is attached.
	attachedTo string

	// signals holds wait-handle notifications keyed by their UniqueId.
	signals map[string]signal

	// handleID, needed and pollBudget drive a wait condition: it completes
	// once its handle collects needed success signals, and fails when the
	// budget of poll cycles runs out first.
	handleID   string
	needed     int
	pollBudget int
}

// Signal statuses a wait handle accepts.
const (
	SignalSuccess = "SUCCESS"
	SignalFailure = "FAILURE"
)

// signal is one notification delivered to a wait handle.
type signal struct {
	status string
	reason string
	data   any
}

// Cloud is the in-memory stand-in for a remote provider: a mutex-guarded
// object map shared by all sim handlers. Latency is scripted per resource
// type and failures per logical resource name, so dependency ordering,
// rollback and orphan-prevention behavior can be exercised without real
// infrastructure.
type Cloud struct {
	mu      sync.Mutex
	seq     int
	objects map[string]*object

	createLatency map[string]int
	deleteLatency map[string]int
	failCreate    map[string]string
	failPoll      map[string]string
	failDelete    map[string]string
}

// NewCloud returns an empty simulated provider.
func NewCloud() *Cloud {
	return &Cloud{
		objects:       make(map[string]*object),
		createLatency: make(map[string]int),
		deleteLatency: make(map[string]int),
		failCreate:    make(map[string]string),
		failPoll:      make(map[string]string),
		failDelete:    make(map[string]string),
	}
}

// SetCreateLatency makes creates of the type answer IN_PROGRESS for polls
// cycles before completing.
func (c *Cloud) SetCreateLatency(typeName string, polls int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.createLatency[typeName] = polls
}

// SetDeleteLatency makes deletes of the type answer IN_PROGRESS for polls
// cycles before the object disappears.
func (c *Cloud) SetDeleteLatency(typeName string, polls int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteLatency[typeName] = polls
}

// FailCreate scripts creates of the named resource to be refused.
func (c *Cloud) FailCreate(resourceName, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failCreate[resourceName] = reason
}

// FailPoll scripts creates of the named resource to settle in an error state
// after the create call itself succeeded.
func (c *Cloud) FailPoll(resourceName, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failPoll[resourceName] = reason
}

// FailDelete scripts deletes of the named resource's object to be refused.
func (c *Cloud) FailDelete(resourceName, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failDelete[resourceName] = reason
}

// ClearFailure removes all scripted failures for the named resource.
func (c *Cloud) ClearFailure(resourceName string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.failCreate, resourceName)
	delete(c.failPoll, resourceName)
	delete(c.failDelete, resourceName)
}

// ObjectCount returns how many objects currently exist.
func (c *Cloud) ObjectCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.objects)
}

// Props returns a copy of an object's properties.
func (c *Cloud) Props(id string) (map[string]any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj, ok := c.objects[id]
	if !ok {
		return nil, false
	}
	return cloneProps(obj.props), true
}

// State returns an object's lifecycle state.
func (c *Cloud) State(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj, ok := c.objects[id]
	if !ok {
		return "", false
	}
	return string(obj.state), true
}

// AttachedTo returns the instance a volume is attached to, if any.
func (c *Cloud) AttachedTo(volumeID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	obj, ok := c.objects[volumeID]
	if !ok || obj.attachedTo == "" {
		return "", false
	}
	return obj.attachedTo, true
}

// create allocates a new object. Every object starts building and settles
// through pollCreate, even with zero latency.
func (c *Cloud) create(typeName, prefix, owner string, props map[string]any) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if reason, ok := c.failCreate[owner]; ok {
		return "", errors.New(reason)
	}

	c.seq++
	obj := &object{
		id:        fmt.Sprintf("%s-%06d", prefix, c.seq),
		typ:       typeName,
		owner:     owner,
		props:     cloneProps(props),
		state:     stateBuilding,
		pollsLeft: c.createLatency[typeName],
		privateIP: fmt.Sprintf("10.42.0.%d", c.seq%250+1),
		publicIP:  fmt.Sprintf("198.51.100.%d", c.seq%250+1),
	}
	if reason, ok := c.failPoll[owner]; ok {
		obj.failReason = reason
	}
	c.objects[obj.id] = obj
	return obj.id, nil
}

// pollCreate advances an in-flight create by one cycle.
func (c *Cloud) pollCreate(id string) (engine.Poll, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	obj, ok := c.objects[id]
	if !ok {
		return engine.PollAbsent, nil
	}
	switch obj.state {
	case stateError:
		return engine.PollFailed(obj.failReason), nil
	case stateBuilding:
		if obj.pollsLeft > 0 {
			obj.pollsLeft--
			return engine.PollInProgress, nil
		}
		if obj.failReason != "" {
			obj.state = stateError
			return engine.PollFailed(obj.failReason), nil
		}
		obj.state = stateActive
	}
	return engine.PollComplete, nil
}

// Signal delivers one notification to a wait handle. The payload must carry
// exactly the keys Data, Reason, Status and UniqueId, with Status either
// SUCCESS or FAILURE. A repeated UniqueId overwrites the earlier signal.
func (c *Cloud) Signal(handleID string, payload map[string]any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	obj, ok := c.objects[handleID]
	if !ok || obj.typ != TypeWaitHandle {
		return fmt.Errorf("wait handle %s: %w", handleID, engine.ErrNotFound)
	}
	sig, uniqueID, ok := parseSignal(payload)
	if !ok {
		return errors.New("signal format invalid: want Data, Reason, Status and UniqueId with Status SUCCESS or FAILURE")
	}
	if obj.signals == nil {
		obj.signals = make(map[string]signal)
	}
	obj.signals[uniqueID] = sig
	return nil
}

func parseSignal(payload map[string]any) (signal, string, bool) {
	if len(payload) != 4 {
		return signal{}, "", false
	}
	for _, key := range []string{"Data", "Reason", "Status", "UniqueId"} {
		if _, present := payload[key]; !present {
			return signal{}, "", false
		}
	}
	status, _ := payload["Status"].(string)
	uniqueID, _ := payload["UniqueId"].(string)
	reason, _ := payload["Reason"].(string)
	if uniqueID == "" || (status != SignalSuccess && status != SignalFailure) {
		return signal{}, "", false
	}
	return signal{status: status, reason: reason, data: payload["Data"]}, uniqueID, true
}

// createWaitCondition allocates a wait condition bound to a live handle.
func (c *Cloud) createWaitCondition(owner string, props map[string]any, handleID string, needed, timeoutPolls int) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if reason, ok := c.failCreate[owner]; ok {
		return "", errors.New(reason)
	}
	handle, ok := c.objects[handleID]
	if !ok || handle.typ != TypeWaitHandle {
		return "", fmt.Errorf("wait handle %s: %w", handleID, engine.ErrNotFound)
	}

	c.seq++
	obj := &object{
		id:         fmt.Sprintf("wc-%06d", c.seq),
		typ:        TypeWaitCondition,
		owner:      owner,
		props:      cloneProps(props),
		state:      stateBuilding,
		handleID:   handleID,
		needed:     needed,
		pollBudget: timeoutPolls,
	}
	if reason, ok := c.failPoll[owner]; ok {
		obj.failReason = reason
	}
	c.objects[obj.id] = obj
	return obj.id, nil
}

// pollWaitCondition advances a wait condition by one cycle: success signals
// count toward completion, a failure signal or an exhausted poll budget
// settles it in an error state.
func (c *Cloud) pollWaitCondition(id string) (engine.Poll, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	obj, ok := c.objects[id]
	if !ok {
		return engine.PollAbsent, nil
	}
	switch obj.state {
	case stateError:
		return engine.PollFailed(obj.failReason), nil
	case stateActive:
		return engine.PollComplete, nil
	}
	if obj.failReason != "" {
		obj.state = stateError
		return engine.PollFailed(obj.failReason), nil
	}
	handle, ok := c.objects[obj.handleID]
	if !ok {
		obj.state = stateError
		obj.failReason = fmt.Sprintf("wait handle %s is gone", obj.handleID)
		return engine.PollFailed(obj.failReason), nil
	}

	var reasons []string
	succeeded := 0
	for _, uniqueID := range sortedSignalIDs(handle.signals) {
		sig := handle.signals[uniqueID]
		if sig.status == SignalFailure {
			reasons = append(reasons, sig.reason)
			continue
		}
		succeeded++
	}
	if len(reasons) > 0 {
		obj.state = stateError
		obj.failReason = strings.Join(reasons, ";")
		return engine.PollFailed(obj.failReason), nil
	}
	if succeeded >= obj.needed {
		obj.state = stateActive
		return engine.PollComplete, nil
	}
	if obj.pollBudget <= 0 {
		obj.state = stateError
		obj.failReason = fmt.Sprintf("timed out waiting for %d signals, got %d", obj.needed, succeeded)
		return engine.PollFailed(obj.failReason), nil
	}
	obj.pollBudget--
	return engine.PollInProgress, nil
}

// waitConditionData aggregates the Data payload of every signal the
// condition's handle has collected, keyed by UniqueId.
func (c *Cloud) waitConditionData(id string) (map[string]any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	obj, ok := c.objects[id]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", id, engine.ErrNotFound)
	}
	handle, ok := c.objects[obj.handleID]
	if !ok {
		return nil, fmt.Errorf("wait handle %s: %w", obj.handleID, engine.ErrNotFound)
	}
	out := make(map[string]any, len(handle.signals))
	for uniqueID, sig := range handle.signals {
		out[uniqueID] = sig.data
	}
	return out, nil
}

// FindByName returns the provider id of the live object created for the
// named resource. External actors use it to address a wait handle the way a
// signal URL would be handed out.
func (c *Cloud) FindByName(name string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, obj := range c.objects {
		if obj.owner == name {
			return id, true
		}
	}
	return "", false
}

func sortedSignalIDs(signals map[string]signal) []string {
	ids := make([]string, 0, len(signals))
	for id := range signals {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// deleteObject starts tearing an object down. Attachments release their
// volume; attached volumes refuse to go.
func (c *Cloud) deleteObject(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	obj, ok := c.objects[id]
	if !ok {
		return fmt.Errorf("object %s: %w", id, engine.ErrNotFound)
	}
	if reason, ok := c.failDelete[obj.owner]; ok {
		return errors.New(reason)
	}
	if obj.typ == TypeVolume && obj.attachedTo != "" {
		return fmt.Errorf("volume %s is attached to %s", id, obj.attachedTo)
	}
	if obj.typ == TypeVolumeAttachment {
		if volID, ok := obj.props["VolumeId"].(string); ok {
			if vol, exists := c.objects[volID]; exists {
				vol.attachedTo = ""
			}
		}
	}
	if obj.typ == TypeWaitCondition {
		if handle, exists := c.objects[obj.handleID]; exists {
			handle.signals = nil
		}
	}

	if polls := c.deleteLatency[obj.typ]; polls > 0 {
		obj.state = stateDeleting
		obj.pollsLeft = polls
		return nil
	}
	delete(c.objects, id)
	return nil
}

// pollDelete advances an in-flight delete by one cycle.
func (c *Cloud) pollDelete(id string) (engine.Poll, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	obj, ok := c.objects[id]
	if !ok {
		return engine.PollAbsent, nil
	}
	if obj.state == stateDeleting {
		if obj.pollsLeft > 0 {
			obj.pollsLeft--
			return engine.PollInProgress, nil
		}
		delete(c.objects, id)
		return engine.PollAbsent, nil
	}
	return engine.PollInProgress, nil
}

// updateProps applies a diff to a live object's stored properties.
func (c *Cloud) updateProps(id string, diff engine.Diff) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	obj, ok := c.objects[id]
	if !ok {
		return fmt.Errorf("object %s: %w", id, engine.ErrNotFound)
	}
	for key, change := range diff {
		if change.Kind == engine.ChangeRemoved {
			delete(obj.props, key)
			continue
		}
		obj.props[key] = change.After
	}
	return nil
}

// objectProp reads one stored property of a live object.
func (c *Cloud) objectProp(id, key string) (any, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	obj, ok := c.objects[id]
	if !ok {
		return nil, fmt.Errorf("object %s: %w", id, engine.ErrNotFound)
	}
	return obj.props[key], nil
}

// instanceAddresses returns the addresses assigned to an instance.
func (c *Cloud) instanceAddresses(id string) (privateIP, publicIP string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	obj, ok := c.objects[id]
	if !ok {
		return "", "", fmt.Errorf("object %s: %w", id, engine.ErrNotFound)
	}
	return obj.privateIP, obj.publicIP, nil
}

// attach binds a volume to an instance. Both must exist and the volume must
// be free.
func (c *Cloud) attach(volumeID, instanceID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	vol, ok := c.objects[volumeID]
	if !ok || vol.typ != TypeVolume {
		return fmt.Errorf("volume %s: %w", volumeID, engine.ErrNotFound)
	}
	if _, ok := c.objects[instanceID]; !ok {
		return fmt.Errorf("instance %s: %w", instanceID, engine.ErrNotFound)
	}
	if vol.attachedTo != "" {
		return fmt.Errorf("volume %s is already attached to %s", volumeID, vol.attachedTo)
	}
	vol.attachedTo = instanceID
	return nil
}

// detach releases a volume if it still exists.
func (c *Cloud) detach(volumeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if vol, ok := c.objects[volumeID]; ok {
		vol.attachedTo = ""
	}
}

func cloneProps(props map[string]any) map[string]any {
	out := make(map[string]any, len(props))
	for k, v := range props {
		out[k] = v
	}
	return out
}

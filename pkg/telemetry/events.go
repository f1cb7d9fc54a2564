package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a telemetry event in the StackPilot system.
type Event struct {
	// ID is the unique identifier for this event.
	ID string `json:"id"`

	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"timestamp"`

	// Type is the event type.
	Type string `json:"type"`

	// Source identifies where the event originated.
	Source string `json:"source"`

	// StackID is the associated stack ID, if applicable.
	StackID string `json:"stack_id,omitempty"`

	// Resource is the associated logical resource name, if applicable.
	Resource string `json:"resource,omitempty"`

	// Status is the lifecycle status the subject transitioned to.
	Status string `json:"status,omitempty"`

	// Message is a human-readable event message.
	Message string `json:"message"`

	// Level is the event severity level (info, warning, error).
	Level string `json:"level"`

	// Data contains additional event-specific data.
	Data map[string]interface{} `json:"data,omitempty"`
}

// EventType constants for common event types.
const (
	EventTypeStackStarted    = "stack.operation.started"
	EventTypeStackCompleted  = "stack.operation.completed"
	EventTypeStackFailed     = "stack.operation.failed"
	EventTypeResourceStatus  = "resource.status_changed"
	EventTypeRollbackStarted = "stack.rollback.started"
	EventTypePolicyViolation = "policy.violation"
	EventTypeError           = "error"
)

// EventLevel constants for event severity.
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// EventSubscriber is a function that handles events.
type EventSubscriber func(event Event)

// EventFilter determines if an event should be processed.
type EventFilter func(event Event) bool

// EventPublisher manages event publishing and subscriptions.
type EventPublisher struct {
	config      EventsConfig
	buffer      chan Event
	subscribers []subscriberEntry
	filters     []EventFilter
	wg          sync.WaitGroup
	mu          sync.RWMutex
	ctx         context.Context
	cancel      context.CancelFunc
}

type subscriberEntry struct {
	subscriber EventSubscriber
	filter     EventFilter
}

// NewEventPublisher creates a new event publisher with the given configuration.
func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	if !cfg.Enabled {
		return &EventPublisher{config: cfg}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	ep := &EventPublisher{
		config:      cfg,
		buffer:      make(chan Event, cfg.BufferSize),
		subscribers: make([]subscriberEntry, 0),
		filters:     make([]EventFilter, 0),
		ctx:         ctx,
		cancel:      cancel,
	}

	// Start the event processing goroutine
	if cfg.EnableAsync {
		ep.wg.Add(1)
		go ep.processEvents()
	}

	return ep, nil
}

// Publish publishes an event to all subscribers.
func (ep *EventPublisher) Publish(event Event) error {
	if !ep.config.Enabled {
		return nil
	}

	// Set ID and timestamp if not already set
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	// Apply global filters
	ep.mu.RLock()
	for _, filter := range ep.filters {
		if !filter(event) {
			ep.mu.RUnlock()
			return nil // Event filtered out
		}
	}
	ep.mu.RUnlock()

	// Send to buffer if async, otherwise process immediately
	if ep.config.EnableAsync {
		select {
		case ep.buffer <- event:
			return nil
		case <-ep.ctx.Done():
			return fmt.Errorf("event publisher stopped")
		default:
			// Buffer full, drop event or log warning
			return fmt.Errorf("event buffer full, event dropped")
		}
	}

	// Synchronous publishing
	ep.deliverEvent(event)
	return nil
}

// PublishStackStarted publishes a stack operation started event.
func (ep *EventPublisher) PublishStackStarted(stackID, name, action string) error {
	return ep.Publish(Event{
		Type:    EventTypeStackStarted,
		Source:  "orchestrator",
		StackID: stackID,
		Message: fmt.Sprintf("Stack %s %s started", name, action),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"action": action,
			"name":   name,
		},
	})
}

// PublishStackCompleted publishes a stack operation completed event.
func (ep *EventPublisher) PublishStackCompleted(stackID, status string, duration time.Duration) error {
	return ep.Publish(Event{
		Type:    EventTypeStackCompleted,
		Source:  "orchestrator",
		StackID: stackID,
		Status:  status,
		Message: fmt.Sprintf("Stack %s reached %s", stackID, status),
		Level:   EventLevelInfo,
		Data: map[string]interface{}{
			"duration": duration.Seconds(),
		},
	})
}

// PublishStackFailed publishes a stack operation failed event.
func (ep *EventPublisher) PublishStackFailed(stackID, status, reason string) error {
	return ep.Publish(Event{
		Type:    EventTypeStackFailed,
		Source:  "orchestrator",
		StackID: stackID,
		Status:  status,
		Message: fmt.Sprintf("Stack %s failed: %s", stackID, reason),
		Level:   EventLevelError,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishResourceStatus publishes a resource status transition event.
func (ep *EventPublisher) PublishResourceStatus(stackID, resource, status, reason string) error {
	level := EventLevelInfo
	if reason != "" {
		level = EventLevelWarning
	}
	return ep.Publish(Event{
		Type:     EventTypeResourceStatus,
		Source:   "orchestrator",
		StackID:  stackID,
		Resource: resource,
		Status:   status,
		Message:  fmt.Sprintf("Resource %s is now %s", resource, status),
		Level:    level,
		Data: map[string]interface{}{
			"reason": reason,
		},
	})
}

// PublishRollbackStarted publishes a rollback started event.
func (ep *EventPublisher) PublishRollbackStarted(stackID, cause string) error {
	return ep.Publish(Event{
		Type:    EventTypeRollbackStarted,
		Source:  "orchestrator",
		StackID: stackID,
		Message: fmt.Sprintf("Rolling back stack %s: %s", stackID, cause),
		Level:   EventLevelWarning,
		Data: map[string]interface{}{
			"cause": cause,
		},
	})
}

// PublishPolicyViolation publishes a policy violation event.
func (ep *EventPublisher) PublishPolicyViolation(stackID, resource, policyName, reason string) error {
	return ep.Publish(Event{
		Type:     EventTypePolicyViolation,
		Source:   "policy_engine",
		StackID:  stackID,
		Resource: resource,
		Message:  fmt.Sprintf("Policy violation on resource %s: %s - %s", resource, policyName, reason),
		Level:    EventLevelError,
		Data: map[string]interface{}{
			"policy": policyName,
			"reason": reason,
		},
	})
}

// Subscribe adds a new event subscriber.
func (ep *EventPublisher) Subscribe(subscriber EventSubscriber, filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.subscribers = append(ep.subscribers, subscriberEntry{
		subscriber: subscriber,
		filter:     filter,
	})
}

// AddFilter adds a global event filter.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	ep.mu.Lock()
	defer ep.mu.Unlock()

	ep.filters = append(ep.filters, filter)
}

// processEvents processes events from the buffer asynchronously.
func (ep *EventPublisher) processEvents() {
	defer ep.wg.Done()

	batch := make([]Event, 0, ep.config.MaxBatchSize)
	flush := time.NewTicker(ep.flushInterval())
	defer flush.Stop()

	for {
		select {
		case event := <-ep.buffer:
			batch = append(batch, event)

			// Flush batch if it reaches max size
			if len(batch) >= ep.config.MaxBatchSize {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-flush.C:
			if len(batch) > 0 {
				ep.flushBatch(batch)
				batch = make([]Event, 0, ep.config.MaxBatchSize)
			}

		case <-ep.ctx.Done():
			// Drain the buffer and flush remaining events before shutdown
			for {
				select {
				case event := <-ep.buffer:
					batch = append(batch, event)
				default:
					if len(batch) > 0 {
						ep.flushBatch(batch)
					}
					return
				}
			}
		}
	}
}

func (ep *EventPublisher) flushInterval() time.Duration {
	if ep.config.FlushInterval > 0 {
		return ep.config.FlushInterval
	}
	return time.Second
}

// flushBatch delivers a batch of events to subscribers.
func (ep *EventPublisher) flushBatch(events []Event) {
	for _, event := range events {
		ep.deliverEvent(event)
	}
}

// deliverEvent delivers an event to all subscribers.
func (ep *EventPublisher) deliverEvent(event Event) {
	ep.mu.RLock()
	defer ep.mu.RUnlock()

	for _, entry := range ep.subscribers {
		// Apply subscriber-specific filter
		if entry.filter != nil && !entry.filter(event) {
			continue
		}

		entry.subscriber(event)
	}
}

// Shutdown gracefully shuts down the event publisher.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if !ep.config.Enabled {
		return nil
	}

	// Signal shutdown
	ep.cancel()

	// Wait for processing to complete with timeout
	done := make(chan struct{})
	go func() {
		ep.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown timeout")
	}
}

// Common event filters.

// FilterByLevel creates a filter that only allows events of a specific level or higher.
func FilterByLevel(minLevel string) EventFilter {
	levels := map[string]int{
		EventLevelInfo:    0,
		EventLevelWarning: 1,
		EventLevelError:   2,
	}

	minLevelValue := levels[minLevel]

	return func(event Event) bool {
		return levels[event.Level] >= minLevelValue
	}
}

// FilterByType creates a filter that only allows events of specific types.
func FilterByType(types ...string) EventFilter {
	typeSet := make(map[string]bool)
	for _, t := range types {
		typeSet[t] = true
	}

	return func(event Event) bool {
		return typeSet[event.Type]
	}
}

// FilterByStack creates a filter that only allows events for a specific stack.
func FilterByStack(stackID string) EventFilter {
	return func(event Event) bool {
		return event.StackID == stackID
	}
}

// FilterByResource creates a filter that only allows events for a specific resource.
func FilterByResource(resource string) EventFilter {
	return func(event Event) bool {
		return event.Resource == resource
	}
}

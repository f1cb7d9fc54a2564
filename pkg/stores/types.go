package stores

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is the sentinel wrapped by store methods when a requested
// record does not exist. Callers test with errors.Is.
var ErrNotFound = errors.New("record not found")

// StackRecord is the persisted form of a stack. Template and parameter
// payloads are stored as JSON blobs so the schema stays stable while the
// template format evolves.
type StackRecord struct {
	ID           string     `json:"id"`
	Tenant       string     `json:"tenant"`
	Name         string     `json:"name"`
	Description  string     `json:"description,omitempty"`
	Status       string     `json:"status"`
	StatusReason string     `json:"status_reason,omitempty"`
	Parameters   string     `json:"parameters"` // JSON blob
	Template     string     `json:"template"`   // JSON blob
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	DeletedAt    *time.Time `json:"deleted_at,omitempty"`
}

// ResourceRecord is the persisted form of a resource, keyed by owning stack
// ID and logical name. ProviderID is written the moment a handler returns an
// external handle so a crash between create and poll cannot orphan the
// provider-side object.
type ResourceRecord struct {
	StackID      string    `json:"stack_id"`
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	Definition   string    `json:"definition"`            // JSON blob
	Properties   string    `json:"properties,omitempty"`  // JSON blob
	ProviderID   string    `json:"provider_id,omitempty"` // empty until first create attempt
	Status       string    `json:"status"`
	StatusReason string    `json:"status_reason,omitempty"`
	Metadata     string    `json:"metadata,omitempty"` // JSON blob
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// EventRecord is one append-only entry in a stack's event log. Resource is
// empty for stack-level events.
type EventRecord struct {
	ID        int64     `json:"id"`
	StackID   string    `json:"stack_id"`
	Resource  string    `json:"resource,omitempty"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Store defines the interface for the persistence layer
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Stack operations
	SaveStack(ctx context.Context, stack *StackRecord) error
	GetStack(ctx context.Context, id string) (*StackRecord, error)
	GetStackByName(ctx context.Context, tenant, name string) (*StackRecord, error)
	ListStacks(ctx context.Context, tenant string, includeDeleted bool) ([]*StackRecord, error)
	UpdateStackStatus(ctx context.Context, id, status, reason string) error
	MarkStackDeleted(ctx context.Context, id string) error

	// Resource operations
	SaveResource(ctx context.Context, res *ResourceRecord) error
	GetResource(ctx context.Context, stackID, name string) (*ResourceRecord, error)
	ListResources(ctx context.Context, stackID string) ([]*ResourceRecord, error)
	UpdateResourceStatus(ctx context.Context, stackID, name, status, reason string) error
	UpdateResourceProviderID(ctx context.Context, stackID, name, providerID string) error
	DeleteResource(ctx context.Context, stackID, name string) error

	// Event operations
	AppendEvent(ctx context.Context, event *EventRecord) error
	ListEvents(ctx context.Context, stackID string, limit, offset int) ([]*EventRecord, error)

	// Utility
	HealthCheck(ctx context.Context) error
}

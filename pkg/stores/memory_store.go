package stores

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryStore implements the Store interface with in-process maps. It backs
// tests and short-lived invocations where persistence across processes is
// not needed. All records are copied on the way in and out so callers can
// never alias store-internal state.
type MemoryStore struct {
	mu        sync.RWMutex
	stacks    map[string]*StackRecord
	resources map[string]map[string]*ResourceRecord // stack ID -> name -> record
	events    map[string][]*EventRecord             // stack ID -> log
	nextEvent int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stacks:    make(map[string]*StackRecord),
		resources: make(map[string]map[string]*ResourceRecord),
		events:    make(map[string][]*EventRecord),
		nextEvent: 1,
	}
}

// Init is a no-op for the in-memory store.
func (s *MemoryStore) Init(_ context.Context) error { return nil }

// Close discards all state.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stacks = make(map[string]*StackRecord)
	s.resources = make(map[string]map[string]*ResourceRecord)
	s.events = make(map[string][]*EventRecord)
	return nil
}

// Migrate is a no-op for the in-memory store.
func (s *MemoryStore) Migrate(_ context.Context) error { return nil }

// SaveStack inserts or replaces a stack record.
func (s *MemoryStore) SaveStack(_ context.Context, stack *StackRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.stacks[stack.ID]; ok {
		// CreatedAt is preserved on update, matching the SQL store.
		cp := copyStackRecord(stack)
		cp.CreatedAt = existing.CreatedAt
		s.stacks[stack.ID] = cp
		return nil
	}

	// Enforce one live stack per (tenant, name).
	for _, other := range s.stacks {
		if other.DeletedAt == nil && other.Tenant == stack.Tenant && other.Name == stack.Name {
			return fmt.Errorf("stack %s/%s already exists", stack.Tenant, stack.Name)
		}
	}

	s.stacks[stack.ID] = copyStackRecord(stack)
	return nil
}

// GetStack retrieves a stack by ID, including deleted stacks.
func (s *MemoryStore) GetStack(_ context.Context, id string) (*StackRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stack, ok := s.stacks[id]
	if !ok {
		return nil, fmt.Errorf("stack %s: %w", id, ErrNotFound)
	}
	return copyStackRecord(stack), nil
}

// GetStackByName retrieves the live stack with the given tenant and name.
func (s *MemoryStore) GetStackByName(_ context.Context, tenant, name string) (*StackRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, stack := range s.stacks {
		if stack.DeletedAt == nil && stack.Tenant == tenant && stack.Name == name {
			return copyStackRecord(stack), nil
		}
	}
	return nil, fmt.Errorf("stack %s/%s: %w", tenant, name, ErrNotFound)
}

// ListStacks lists a tenant's stacks, newest first. An empty tenant lists
// stacks across all tenants.
func (s *MemoryStore) ListStacks(_ context.Context, tenant string, includeDeleted bool) ([]*StackRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stacks := []*StackRecord{}
	for _, stack := range s.stacks {
		if tenant != "" && stack.Tenant != tenant {
			continue
		}
		if stack.DeletedAt != nil && !includeDeleted {
			continue
		}
		stacks = append(stacks, copyStackRecord(stack))
	}

	sort.Slice(stacks, func(i, j int) bool {
		if !stacks[i].CreatedAt.Equal(stacks[j].CreatedAt) {
			return stacks[i].CreatedAt.After(stacks[j].CreatedAt)
		}
		return stacks[i].ID < stacks[j].ID
	})

	return stacks, nil
}

// UpdateStackStatus updates the status of a stack
func (s *MemoryStore) UpdateStackStatus(_ context.Context, id, status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stack, ok := s.stacks[id]
	if !ok {
		return fmt.Errorf("stack %s: %w", id, ErrNotFound)
	}
	stack.Status = status
	stack.StatusReason = reason
	stack.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkStackDeleted stamps deleted_at on a live stack.
func (s *MemoryStore) MarkStackDeleted(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stack, ok := s.stacks[id]
	if !ok || stack.DeletedAt != nil {
		return fmt.Errorf("stack %s: %w", id, ErrNotFound)
	}
	now := time.Now().UTC()
	stack.DeletedAt = &now
	stack.UpdatedAt = now
	return nil
}

// SaveResource inserts or replaces a resource record.
func (s *MemoryStore) SaveResource(_ context.Context, res *ResourceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byName, ok := s.resources[res.StackID]
	if !ok {
		byName = make(map[string]*ResourceRecord)
		s.resources[res.StackID] = byName
	}

	cp := copyResourceRecord(res)
	if existing, ok := byName[res.Name]; ok {
		cp.CreatedAt = existing.CreatedAt
	}
	byName[res.Name] = cp
	return nil
}

// GetResource retrieves a resource by owning stack ID and logical name.
func (s *MemoryStore) GetResource(_ context.Context, stackID, name string) (*ResourceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	res, ok := s.resources[stackID][name]
	if !ok {
		return nil, fmt.Errorf("resource %s/%s: %w", stackID, name, ErrNotFound)
	}
	return copyResourceRecord(res), nil
}

// ListResources lists a stack's resources in name order.
func (s *MemoryStore) ListResources(_ context.Context, stackID string) ([]*ResourceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	resources := []*ResourceRecord{}
	for _, res := range s.resources[stackID] {
		resources = append(resources, copyResourceRecord(res))
	}

	sort.Slice(resources, func(i, j int) bool {
		return resources[i].Name < resources[j].Name
	})

	return resources, nil
}

// UpdateResourceStatus updates the status of a resource
func (s *MemoryStore) UpdateResourceStatus(_ context.Context, stackID, name, status, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.resources[stackID][name]
	if !ok {
		return fmt.Errorf("resource %s/%s: %w", stackID, name, ErrNotFound)
	}
	res.Status = status
	res.StatusReason = reason
	res.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateResourceProviderID records the external handle of a resource.
func (s *MemoryStore) UpdateResourceProviderID(_ context.Context, stackID, name, providerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, ok := s.resources[stackID][name]
	if !ok {
		return fmt.Errorf("resource %s/%s: %w", stackID, name, ErrNotFound)
	}
	res.ProviderID = providerID
	res.UpdatedAt = time.Now().UTC()
	return nil
}

// DeleteResource removes a resource record.
func (s *MemoryStore) DeleteResource(_ context.Context, stackID, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	byName := s.resources[stackID]
	if _, ok := byName[name]; !ok {
		return fmt.Errorf("resource %s/%s: %w", stackID, name, ErrNotFound)
	}
	delete(byName, name)
	return nil
}

// AppendEvent appends an event to a stack's event log and assigns its ID.
func (s *MemoryStore) AppendEvent(_ context.Context, event *EventRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *event
	cp.ID = s.nextEvent
	s.nextEvent++
	s.events[event.StackID] = append(s.events[event.StackID], &cp)
	event.ID = cp.ID
	return nil
}

// ListEvents lists a stack's events in append order. A non-positive limit
// returns all events from offset onward.
func (s *MemoryStore) ListEvents(_ context.Context, stackID string, limit, offset int) ([]*EventRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	log := s.events[stackID]
	if offset < 0 {
		offset = 0
	}
	if offset >= len(log) {
		return []*EventRecord{}, nil
	}

	log = log[offset:]
	if limit > 0 && limit < len(log) {
		log = log[:limit]
	}

	events := make([]*EventRecord, len(log))
	for i, event := range log {
		cp := *event
		events[i] = &cp
	}
	return events, nil
}

// HealthCheck always succeeds for the in-memory store.
func (s *MemoryStore) HealthCheck(_ context.Context) error { return nil }

func copyStackRecord(stack *StackRecord) *StackRecord {
	cp := *stack
	if stack.DeletedAt != nil {
		t := *stack.DeletedAt
		cp.DeletedAt = &t
	}
	return &cp
}

func copyResourceRecord(res *ResourceRecord) *ResourceRecord {
	cp := *res
	return &cp
}

// DriverSQLite and DriverMemory name the available store backends.
const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
)

// Open constructs a store for the named driver. The path is only meaningful
// for the SQLite driver.
func Open(driver, path string) (Store, error) {
	switch strings.ToLower(driver) {
	case DriverSQLite:
		return NewSQLiteStore(Config{Path: path})
	case DriverMemory, "":
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver: %s", driver)
	}
}

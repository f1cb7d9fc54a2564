package engine

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/stackpilot/stackpilot/pkg/identity"
)

// ResourceDef is a single resource definition inside a template: the raw,
// unresolved description the user submitted. Property values may contain
// reference markers (see template.go) that are resolved when the resource is
// materialized.
type ResourceDef struct {
	// Type is the resource type name, resolved to a handler at validation.
	Type string `json:"type" yaml:"type"`

	// Properties is the declared property mapping, possibly containing
	// reference markers.
	Properties map[string]any `json:"properties,omitempty" yaml:"properties,omitempty"`

	// Metadata is an opaque mapping carried on the resource.
	Metadata map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`

	// DependsOn lists explicit dependencies in addition to those implied
	// by reference markers.
	DependsOn []string `json:"dependsOn,omitempty" yaml:"dependsOn,omitempty"`
}

// Clone returns a deep copy of the definition.
func (d *ResourceDef) Clone() *ResourceDef {
	if d == nil {
		return nil
	}
	data, err := json.Marshal(d)
	if err != nil {
		// ResourceDef holds only JSON-decoded values; marshaling them
		// back cannot fail.
		panic(err)
	}
	var out ResourceDef
	if err := json.Unmarshal(data, &out); err != nil {
		panic(err)
	}
	return &out
}

// Template is the parsed declarative description of a stack's resources.
type Template struct {
	// Description is an optional human-readable summary.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Resources maps resource names to their definitions. Names are
	// unique by construction.
	Resources map[string]*ResourceDef `json:"resources" yaml:"resources"`
}

// Clone returns a deep copy of the template.
func (t *Template) Clone() *Template {
	if t == nil {
		return nil
	}
	out := &Template{
		Description: t.Description,
		Resources:   make(map[string]*ResourceDef, len(t.Resources)),
	}
	for name, def := range t.Resources {
		out.Resources[name] = def.Clone()
	}
	return out
}

// StackInput is a stack submission: a create or update request. Exactly one
// of Template (inline, already parsed) or TemplateURL (fetchable indirection)
// must be set; both or neither is rejected before any other processing.
// Parameters and template content are distinct inputs and are never merged.
type StackInput struct {
	// Name is the stack name, unique per tenant.
	Name string `json:"name"`

	// Tenant is the owning tenant.
	Tenant string `json:"tenant"`

	// Parameters are user-supplied values referenced by param markers.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Template is the inline template content.
	Template *Template `json:"template,omitempty"`

	// TemplateURL points at template content to fetch instead.
	TemplateURL string `json:"template_url,omitempty"`
}

// Resource is one addressable provider-side object: its declared definition,
// validated properties, lifecycle status and external handle.
type Resource struct {
	// Name is the logical resource name, unique within its stack.
	Name string `json:"name"`

	// Type is the resource type name.
	Type string `json:"type"`

	// Definition is the raw template snippet this resource was built from.
	Definition *ResourceDef `json:"definition"`

	// Properties is the materialized, validated property mapping as of the
	// last successful create or update.
	Properties map[string]any `json:"properties,omitempty"`

	// ProviderID is the external handle. It is empty before any create
	// attempt; once assigned it persists across failed operations until a
	// successful delete, so cleanup remains possible.
	ProviderID string `json:"provider_id,omitempty"`

	// Status is the lifecycle status.
	Status Status `json:"status"`

	// StatusReason is the human-readable reason for the current status.
	StatusReason string `json:"status_reason,omitempty"`

	// Metadata is an opaque mapping carried on the resource.
	Metadata map[string]any `json:"metadata,omitempty"`

	// CreatedAt is when the resource record was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the resource record was last modified.
	UpdatedAt time.Time `json:"updated_at"`

	// attrMu guards the derived-attribute cache. Everything else on the
	// resource is written only by the orchestrator.
	attrMu sync.Mutex
	attrs  map[string]any
}

// cachedAttribute returns a previously resolved derived value.
func (r *Resource) cachedAttribute(name string) (any, bool) {
	r.attrMu.Lock()
	defer r.attrMu.Unlock()
	v, ok := r.attrs[name]
	return v, ok
}

// storeAttribute caches a resolved derived value.
func (r *Resource) storeAttribute(name string, value any) {
	r.attrMu.Lock()
	defer r.attrMu.Unlock()
	if r.attrs == nil {
		r.attrs = make(map[string]any)
	}
	r.attrs[name] = value
}

// dropAttributes empties the cache, used when the provider object changes.
func (r *Resource) dropAttributes() {
	r.attrMu.Lock()
	defer r.attrMu.Unlock()
	r.attrs = nil
}

// Stack is a named collection of resources built from one template: the unit
// of addressing and aggregate status.
type Stack struct {
	// ID is the authoritative stack identifier.
	ID string `json:"id"`

	// Name is the human-chosen stack name, unique per tenant.
	Name string `json:"name"`

	// Tenant is the owning tenant.
	Tenant string `json:"tenant"`

	// Description is carried over from the template.
	Description string `json:"description,omitempty"`

	// Parameters are the user-supplied parameter values.
	Parameters map[string]any `json:"parameters,omitempty"`

	// Template is the current template.
	Template *Template `json:"template"`

	// Status is the aggregate stack status, recomputed from resource
	// statuses and never set independently.
	Status Status `json:"status"`

	// StatusReason is the human-readable reason for the current status.
	StatusReason string `json:"status_reason,omitempty"`

	// CreatedAt is when the stack was created.
	CreatedAt time.Time `json:"created_at"`

	// UpdatedAt is when the stack was last modified.
	UpdatedAt time.Time `json:"updated_at"`

	// DeletedAt is set when the stack reaches DELETE_COMPLETE.
	DeletedAt *time.Time `json:"deleted_at,omitempty"`

	// resMu guards the resource set. Replacements mutate it from worker
	// goroutines while dependency resolution reads it.
	resMu sync.RWMutex

	// resources is the live resource set, keyed by name. Only the
	// orchestrator mutates it.
	resources map[string]*Resource

	// order preserves resource listing order (dependency order of the
	// last executed operation).
	order []string
}

// Resource returns the named resource, or nil.
func (s *Stack) Resource(name string) *Resource {
	s.resMu.RLock()
	defer s.resMu.RUnlock()
	return s.resources[name]
}

// Resources returns the live resources in listing order.
func (s *Stack) Resources() []*Resource {
	s.resMu.RLock()
	defer s.resMu.RUnlock()
	out := make([]*Resource, 0, len(s.order))
	for _, name := range s.order {
		if res, ok := s.resources[name]; ok {
			out = append(out, res)
		}
	}
	return out
}

// putResource inserts or replaces a resource in the live set.
func (s *Stack) putResource(res *Resource) {
	s.resMu.Lock()
	defer s.resMu.Unlock()
	if s.resources == nil {
		s.resources = make(map[string]*Resource)
	}
	if _, exists := s.resources[res.Name]; !exists {
		s.order = append(s.order, res.Name)
	}
	s.resources[res.Name] = res
}

// removeResource drops a resource from the live set after DELETE_COMPLETE.
func (s *Stack) removeResource(name string) {
	s.resMu.Lock()
	defer s.resMu.Unlock()
	delete(s.resources, name)
	for i, n := range s.order {
		if n == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

// Identity returns the stack's canonical identity.
func (s *Stack) Identity() identity.Identity {
	return identity.Identity{Tenant: s.Tenant, StackName: s.Name, StackID: s.ID}
}

// ResourceIdentity returns the canonical identity of a resource in the stack.
func (s *Stack) ResourceIdentity(name string) identity.Identity {
	id := s.Identity()
	id.ResourceName = name
	return id
}

// PhysicalName derives a deterministic provider-side name for a resource,
// stable for the life of the stack: <stack>-<resource>-<short id>.
func (s *Stack) PhysicalName(resourceName string) string {
	short := s.ID
	if len(short) > 8 {
		short = short[:8]
	}
	return s.Name + "-" + resourceName + "-" + short
}

// StackView is the external projection of a stack, consumed by presentation
// layers.
type StackView struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description,omitempty"`
	Status       Status         `json:"status"`
	StatusReason string         `json:"status_reason,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	DeletedAt    *time.Time     `json:"deleted_at,omitempty"`
	Parameters   map[string]any `json:"parameters,omitempty"`

	// Identity is the opaque stable address of the stack.
	Identity string `json:"identity"`
}

// ResourceView is the external projection of a resource.
type ResourceView struct {
	Name         string    `json:"name"`
	Type         string    `json:"type"`
	Status       Status    `json:"status"`
	StatusReason string    `json:"status_reason,omitempty"`
	ProviderID   string    `json:"provider_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`

	// Identity is the opaque stable address of the resource.
	Identity string `json:"identity"`

	// StackIdentity links back to the owning stack without duplicating
	// stack data.
	StackIdentity string `json:"stack_identity"`
}

// View builds the stack's external projection.
func (s *Stack) View() StackView {
	return StackView{
		ID:           s.ID,
		Name:         s.Name,
		Description:  s.Description,
		Status:       s.Status,
		StatusReason: s.StatusReason,
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		DeletedAt:    s.DeletedAt,
		Parameters:   s.Parameters,
		Identity:     s.Identity().Encode(),
	}
}

// ResourceViewOf builds a resource's external projection.
func (s *Stack) ResourceViewOf(res *Resource) ResourceView {
	resID := s.ResourceIdentity(res.Name)
	return ResourceView{
		Name:          res.Name,
		Type:          res.Type,
		Status:        res.Status,
		StatusReason:  res.StatusReason,
		ProviderID:    res.ProviderID,
		CreatedAt:     res.CreatedAt,
		UpdatedAt:     res.UpdatedAt,
		Identity:      resID.Encode(),
		StackIdentity: resID.Stack().Encode(),
	}
}

package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/stackpilot/stackpilot/pkg/stores"
)

// stackToRecord flattens a stack into its persisted form. Template and
// parameters are serialized as JSON blobs.
func stackToRecord(s *Stack) (*stores.StackRecord, error) {
	params, err := json.Marshal(s.Parameters)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize parameters: %w", err)
	}
	tmpl, err := json.Marshal(s.Template)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize template: %w", err)
	}
	return &stores.StackRecord{
		ID:           s.ID,
		Tenant:       s.Tenant,
		Name:         s.Name,
		Description:  s.Description,
		Status:       string(s.Status),
		StatusReason: s.StatusReason,
		Parameters:   string(params),
		Template:     string(tmpl),
		CreatedAt:    s.CreatedAt,
		UpdatedAt:    s.UpdatedAt,
		DeletedAt:    s.DeletedAt,
	}, nil
}

// stackFromRecord rebuilds a stack from its persisted form. Resources are
// attached separately by the caller.
func stackFromRecord(rec *stores.StackRecord) (*Stack, error) {
	s := &Stack{
		ID:           rec.ID,
		Tenant:       rec.Tenant,
		Name:         rec.Name,
		Description:  rec.Description,
		Status:       Status(rec.Status),
		StatusReason: rec.StatusReason,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
		DeletedAt:    rec.DeletedAt,
	}
	if rec.Parameters != "" {
		if err := json.Unmarshal([]byte(rec.Parameters), &s.Parameters); err != nil {
			return nil, fmt.Errorf("failed to decode parameters of stack %s: %w", rec.ID, err)
		}
	}
	if rec.Template != "" {
		if err := json.Unmarshal([]byte(rec.Template), &s.Template); err != nil {
			return nil, fmt.Errorf("failed to decode template of stack %s: %w", rec.ID, err)
		}
	}
	return s, nil
}

// resourceToRecord flattens a resource into its persisted form.
func resourceToRecord(stackID string, r *Resource) (*stores.ResourceRecord, error) {
	def, err := json.Marshal(r.Definition)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize definition of %s: %w", r.Name, err)
	}
	rec := &stores.ResourceRecord{
		StackID:      stackID,
		Name:         r.Name,
		Type:         r.Type,
		Definition:   string(def),
		ProviderID:   r.ProviderID,
		Status:       string(r.Status),
		StatusReason: r.StatusReason,
		CreatedAt:    r.CreatedAt,
		UpdatedAt:    r.UpdatedAt,
	}
	if r.Properties != nil {
		props, err := json.Marshal(r.Properties)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize properties of %s: %w", r.Name, err)
		}
		rec.Properties = string(props)
	}
	if r.Metadata != nil {
		meta, err := json.Marshal(r.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize metadata of %s: %w", r.Name, err)
		}
		rec.Metadata = string(meta)
	}
	return rec, nil
}

// resourceFromRecord rebuilds a resource from its persisted form.
func resourceFromRecord(rec *stores.ResourceRecord) (*Resource, error) {
	r := &Resource{
		Name:         rec.Name,
		Type:         rec.Type,
		ProviderID:   rec.ProviderID,
		Status:       Status(rec.Status),
		StatusReason: rec.StatusReason,
		CreatedAt:    rec.CreatedAt,
		UpdatedAt:    rec.UpdatedAt,
	}
	if rec.Definition != "" {
		if err := json.Unmarshal([]byte(rec.Definition), &r.Definition); err != nil {
			return nil, fmt.Errorf("failed to decode definition of %s: %w", rec.Name, err)
		}
	}
	if rec.Properties != "" {
		if err := json.Unmarshal([]byte(rec.Properties), &r.Properties); err != nil {
			return nil, fmt.Errorf("failed to decode properties of %s: %w", rec.Name, err)
		}
	}
	if rec.Metadata != "" {
		if err := json.Unmarshal([]byte(rec.Metadata), &r.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata of %s: %w", rec.Name, err)
		}
	}
	return r, nil
}

// saveStackSnapshot persists the stack row as it stands, preserving the
// store-side created-at on upsert.
func (o *Orchestrator) saveStackSnapshot(ctx context.Context, stack *Stack) error {
	rec, err := stackToRecord(stack)
	if err != nil {
		return err
	}
	if err := o.store.SaveStack(ctx, rec); err != nil {
		return fmt.Errorf("failed to persist stack %s: %w", stack.ID, err)
	}
	return nil
}

// saveResourceSnapshot persists the resource row as it stands.
func (o *Orchestrator) saveResourceSnapshot(ctx context.Context, stack *Stack, res *Resource) error {
	rec, err := resourceToRecord(stack.ID, res)
	if err != nil {
		return err
	}
	if err := o.store.SaveResource(ctx, rec); err != nil {
		return fmt.Errorf("failed to persist resource %s: %w", res.Name, err)
	}
	return nil
}

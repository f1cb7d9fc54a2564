package engine

import (
	"encoding/json"
	"reflect"
	"sort"

	"github.com/stackpilot/stackpilot/pkg/schema"
)

// UpdateDecision classifies how a property change set can be applied.
type UpdateDecision string

const (
	// UpdateNoOp means old and new properties are equal; nothing to do.
	UpdateNoOp UpdateDecision = "NO_OP"

	// UpdateInPlace means every changed key is update-allowed; the handler
	// can mutate the live object.
	UpdateInPlace UpdateDecision = "UPDATE_IN_PLACE"

	// UpdateReplace means the object must be deleted and recreated to reach
	// the new properties.
	UpdateReplace UpdateDecision = "REPLACE"
)

// ChangeKind classifies one property-level change.
type ChangeKind string

const (
	// ChangeAdded means the key is new.
	ChangeAdded ChangeKind = "added"

	// ChangeRemoved means the key was dropped.
	ChangeRemoved ChangeKind = "removed"

	// ChangeModified means the key's value changed.
	ChangeModified ChangeKind = "modified"
)

// Change records one property-level difference.
type Change struct {
	// Kind classifies the change.
	Kind ChangeKind `json:"kind"`

	// Before is the prior value, nil for added keys.
	Before any `json:"before,omitempty"`

	// After is the new value, nil for removed keys.
	After any `json:"after,omitempty"`
}

// Diff is the per-key difference between two property mappings.
type Diff map[string]Change

// Empty reports whether the diff contains no changes.
func (d Diff) Empty() bool {
	return len(d) == 0
}

// Keys returns the changed keys in sorted order.
func (d Diff) Keys() []string {
	keys := make([]string, 0, len(d))
	for k := range d {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ComputeDiff builds the symmetric difference between two property mappings.
// Values compare by deep equality after JSON normalization, so int and
// float64 encodings of the same number are equal.
func ComputeDiff(old, new map[string]any) Diff {
	diff := make(Diff)

	for key, oldVal := range old {
		newVal, ok := new[key]
		if !ok {
			diff[key] = Change{Kind: ChangeRemoved, Before: oldVal}
			continue
		}
		if !valuesDeepEqual(oldVal, newVal) {
			diff[key] = Change{Kind: ChangeModified, Before: oldVal, After: newVal}
		}
	}

	for key, newVal := range new {
		if _, ok := old[key]; !ok {
			diff[key] = Change{Kind: ChangeAdded, After: newVal}
		}
	}

	return diff
}

// ResolveUpdate decides how to move a resource from its old properties to new
// ones. An empty diff is a no-op. A diff touching any key the schema does not
// know, or knows but marks not implemented, forces replacement regardless of
// the handler's update-allowed set. Otherwise the diff applies in place only
// when every changed key is update-allowed.
func ResolveUpdate(old, new map[string]any, allowed []string, sch schema.Schema) (UpdateDecision, Diff) {
	diff := ComputeDiff(old, new)
	if diff.Empty() {
		return UpdateNoOp, diff
	}

	for key := range diff {
		def, known := sch[key]
		if !known || !def.IsImplemented() {
			return UpdateReplace, diff
		}
	}

	allowedSet := make(map[string]bool, len(allowed))
	for _, key := range allowed {
		allowedSet[key] = true
	}
	for key := range diff {
		if !allowedSet[key] {
			return UpdateReplace, diff
		}
	}

	return UpdateInPlace, diff
}

// valuesDeepEqual compares two values for equality after JSON normalization.
func valuesDeepEqual(a, b any) bool {
	aJSON, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bJSON, err := json.Marshal(b)
	if err != nil {
		return false
	}

	var aVal, bVal interface{}
	if err := json.Unmarshal(aJSON, &aVal); err != nil {
		return false
	}
	if err := json.Unmarshal(bJSON, &bVal); err != nil {
		return false
	}

	return reflect.DeepEqual(aVal, bVal)
}

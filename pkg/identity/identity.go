// Package identity implements the canonical addressing scheme for stacks and
// resources. An identity encodes to an opaque, stable string address; the
// stack id is the authoritative component, the stack name is cosmetic.
package identity

import (
	"errors"
	"fmt"
	"strings"
)

const (
	stackMarker    = "stacks"
	resourceMarker = "resources"
)

// Identity addresses a stack, or a resource within a stack when
// ResourceName is set.
type Identity struct {
	// Tenant scopes the address to an owning tenant.
	Tenant string

	// StackName is the human-chosen stack name. Informational only;
	// equality and lookups go through StackID.
	StackName string

	// StackID is the authoritative stack identifier.
	StackID string

	// ResourceName addresses a single resource when non-empty.
	ResourceName string
}

// MalformedIdentityError reports an address that could not be parsed or an
// identity with invalid components. No lookup is attempted for such input.
type MalformedIdentityError struct {
	// Value is the offending address or component.
	Value string

	// Reason describes why the value was rejected.
	Reason string
}

// Error implements the error interface.
func (e *MalformedIdentityError) Error() string {
	return fmt.Sprintf("malformed identity %q: %s", e.Value, e.Reason)
}

// AsMalformed unwraps err into a *MalformedIdentityError if one is in its chain.
func AsMalformed(err error) (*MalformedIdentityError, bool) {
	var me *MalformedIdentityError
	if errors.As(err, &me) {
		return me, true
	}
	return nil, false
}

// NewStack builds a validated stack identity.
func NewStack(tenant, stackName, stackID string) (Identity, error) {
	id := Identity{Tenant: tenant, StackName: stackName, StackID: stackID}
	if err := id.Validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// NewResource builds a validated resource identity.
func NewResource(tenant, stackName, stackID, resourceName string) (Identity, error) {
	id := Identity{Tenant: tenant, StackName: stackName, StackID: stackID, ResourceName: resourceName}
	if err := id.Validate(); err != nil {
		return Identity{}, err
	}
	return id, nil
}

// Validate checks that every populated component is encodable.
func (id Identity) Validate() error {
	components := []struct {
		label string
		value string
	}{
		{"tenant", id.Tenant},
		{"stack name", id.StackName},
		{"stack id", id.StackID},
	}
	for _, c := range components {
		if c.value == "" {
			return &MalformedIdentityError{Value: c.value, Reason: c.label + " is empty"}
		}
		if strings.Contains(c.value, "/") {
			return &MalformedIdentityError{Value: c.value, Reason: c.label + " contains a path separator"}
		}
	}
	if strings.Contains(id.ResourceName, "/") {
		return &MalformedIdentityError{Value: id.ResourceName, Reason: "resource name contains a path separator"}
	}
	return nil
}

// IsResource reports whether the identity addresses a resource.
func (id Identity) IsResource() bool {
	return id.ResourceName != ""
}

// Encode renders the identity as its opaque string address:
// tenant/stacks/name/id for stacks, with /resources/name appended for
// resources. The result is stable under stack renames resolved by id.
func (id Identity) Encode() string {
	parts := []string{id.Tenant, stackMarker, id.StackName, id.StackID}
	if id.IsResource() {
		parts = append(parts, resourceMarker, id.ResourceName)
	}
	return strings.Join(parts, "/")
}

// Decode parses an encoded address back into an Identity. Unparsable input
// fails with *MalformedIdentityError.
func Decode(address string) (Identity, error) {
	parts := strings.Split(address, "/")
	switch len(parts) {
	case 4, 6:
	default:
		return Identity{}, &MalformedIdentityError{Value: address, Reason: "wrong number of segments"}
	}
	for _, part := range parts {
		if part == "" {
			return Identity{}, &MalformedIdentityError{Value: address, Reason: "empty segment"}
		}
	}
	if parts[1] != stackMarker {
		return Identity{}, &MalformedIdentityError{Value: address, Reason: "missing stacks marker"}
	}

	id := Identity{Tenant: parts[0], StackName: parts[2], StackID: parts[3]}
	if len(parts) == 6 {
		if parts[4] != resourceMarker {
			return Identity{}, &MalformedIdentityError{Value: address, Reason: "missing resources marker"}
		}
		id.ResourceName = parts[5]
	}
	return id, nil
}

// Stack strips the resource component, yielding the owning stack's identity.
func (id Identity) Stack() Identity {
	id.ResourceName = ""
	return id
}

// Equal reports whether two identities address the same object. Stack
// identities are equal iff their stack ids match; resource identities
// additionally require the same resource name. Tenant and stack name are
// informational.
func (id Identity) Equal(other Identity) bool {
	return id.StackID == other.StackID && id.ResourceName == other.ResourceName
}

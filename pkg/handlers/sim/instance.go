package sim

import (
	"fmt"
	"strings"

	"github.com/stackpilot/stackpilot/pkg/engine"
	"github.com/stackpilot/stackpilot/pkg/schema"
)

// maxUserDataBytes caps the UserData payload, mirroring common provider
// limits.
const maxUserDataBytes = 16384

// Instance simulates a compute instance. Metadata is the only property that
// can change on a live instance; everything else forces replacement.
type Instance struct {
	cloud *Cloud
}

// NewInstance returns the simulated compute handler backed by cloud.
func NewInstance(cloud *Cloud) *Instance {
	return &Instance{cloud: cloud}
}

// Schema declares the instance property schema.
func (h *Instance) Schema() schema.Schema {
	tags := schema.Schema{
		"Key":   {Type: schema.TypeString, Required: true},
		"Value": {Type: schema.TypeString, Required: true},
	}
	return schema.Schema{
		"ImageId":          {Type: schema.TypeString, Required: true},
		"InstanceType":     {Type: schema.TypeString, Required: true},
		"KeyName":          {Type: schema.TypeString},
		"AvailabilityZone": {Type: schema.TypeString, Default: "zone-a"},
		"SecurityGroups":   {Type: schema.TypeList},
		"UserData":         {Type: schema.TypeString},
		"Tenancy": {
			Type:          schema.TypeString,
			AllowedValues: []any{"dedicated", "default"},
			Implemented:   schema.NotImplemented,
		},
		"Tags": {
			Type:  schema.TypeList,
			Items: &schema.Definition{Type: schema.TypeMap, Schema: tags},
		},
		"Metadata": {Type: schema.TypeMap},
	}
}

// UpdateAllowedKeys permits in-place Metadata changes only.
func (h *Instance) UpdateAllowedKeys() []string {
	return []string{"Metadata"}
}

// Attributes lists the derived values an instance exposes.
func (h *Instance) Attributes() []string {
	return []string{"AvailabilityZone", "PublicIp", "PrivateIp", "PublicDnsName", "PrivateDnsName"}
}

// Create boots a simulated instance.
func (h *Instance) Create(hctx *engine.Context, res *engine.Resource) (string, error) {
	return h.cloud.create(TypeInstance, "i", res.Name, res.Properties)
}

// PollCreate reports boot progress.
func (h *Instance) PollCreate(hctx *engine.Context, providerID string) (engine.Poll, error) {
	return h.cloud.pollCreate(providerID)
}

// UpdateInPlace applies the Metadata diff to the live instance.
func (h *Instance) UpdateInPlace(hctx *engine.Context, res *engine.Resource, diff engine.Diff) error {
	return h.cloud.updateProps(res.ProviderID, diff)
}

// Delete terminates the instance.
func (h *Instance) Delete(hctx *engine.Context, providerID string) error {
	return h.cloud.deleteObject(providerID)
}

// PollDelete reports termination progress.
func (h *Instance) PollDelete(hctx *engine.Context, providerID string) (engine.Poll, error) {
	return h.cloud.pollDelete(providerID)
}

// GetAttribute resolves one derived attribute of a running instance.
func (h *Instance) GetAttribute(hctx *engine.Context, res *engine.Resource, name string) (any, error) {
	switch name {
	case "AvailabilityZone":
		return h.cloud.objectProp(res.ProviderID, "AvailabilityZone")
	case "PublicIp":
		_, public, err := h.cloud.instanceAddresses(res.ProviderID)
		if err != nil {
			return nil, err
		}
		return public, nil
	case "PrivateIp":
		private, _, err := h.cloud.instanceAddresses(res.ProviderID)
		if err != nil {
			return nil, err
		}
		return private, nil
	case "PublicDnsName":
		_, public, err := h.cloud.instanceAddresses(res.ProviderID)
		if err != nil {
			return nil, err
		}
		return dnsName(public, "sim.example"), nil
	case "PrivateDnsName":
		private, _, err := h.cloud.instanceAddresses(res.ProviderID)
		if err != nil {
			return nil, err
		}
		return dnsName(private, "sim.internal"), nil
	}
	return nil, fmt.Errorf("instance has no attribute %q", name)
}

// Validate rejects oversized UserData. Marker values are checked after
// resolution, at create time.
func (h *Instance) Validate(hctx *engine.Context, res *engine.Resource) error {
	if data, ok := res.Definition.Properties["UserData"].(string); ok && len(data) > maxUserDataBytes {
		return fmt.Errorf("UserData exceeds the %d byte limit", maxUserDataBytes)
	}
	return nil
}

func dnsName(ip, suffix string) string {
	return fmt.Sprintf("ip-%s.%s", strings.ReplaceAll(ip, ".", "-"), suffix)
}

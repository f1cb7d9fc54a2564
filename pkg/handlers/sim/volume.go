package sim

import (
	"fmt"
	"strings"

	"github.com/stackpilot/stackpilot/pkg/engine"
	"github.com/stackpilot/stackpilot/pkg/schema"
)

// Volume simulates a block storage volume. Volumes have no in-place updates;
// any property change replaces them. An attached volume refuses deletion, so
// attachments must be torn down first.
type Volume struct {
	cloud *Cloud
}

// NewVolume returns the simulated block storage handler backed by cloud.
func NewVolume(cloud *Cloud) *Volume {
	return &Volume{cloud: cloud}
}

// Schema declares the volume property schema.
func (h *Volume) Schema() schema.Schema {
	tags := schema.Schema{
		"Key":   {Type: schema.TypeString, Required: true},
		"Value": {Type: schema.TypeString, Required: true},
	}
	return schema.Schema{
		"Size":             {Type: schema.TypeNumber, Required: true},
		"AvailabilityZone": {Type: schema.TypeString, Default: "zone-a"},
		"VolumeType": {
			Type:          schema.TypeString,
			Default:       "standard",
			AllowedValues: []any{"standard", "fast"},
		},
		"Tags": {
			Type:  schema.TypeList,
			Items: &schema.Definition{Type: schema.TypeMap, Schema: tags},
		},
	}
}

// UpdateAllowedKeys is empty: every change replaces the volume.
func (h *Volume) UpdateAllowedKeys() []string {
	return nil
}

// Attributes lists the derived values a volume exposes.
func (h *Volume) Attributes() []string {
	return []string{"AvailabilityZone", "Size"}
}

// Create provisions a simulated volume.
func (h *Volume) Create(hctx *engine.Context, res *engine.Resource) (string, error) {
	if err := checkVolumeSize(res.Properties["Size"]); err != nil {
		return "", err
	}
	return h.cloud.create(TypeVolume, "vol", res.Name, res.Properties)
}

// PollCreate reports provisioning progress.
func (h *Volume) PollCreate(hctx *engine.Context, providerID string) (engine.Poll, error) {
	return h.cloud.pollCreate(providerID)
}

// UpdateInPlace is never reached with an empty allowed set.
func (h *Volume) UpdateInPlace(hctx *engine.Context, res *engine.Resource, diff engine.Diff) error {
	return fmt.Errorf("volume properties cannot change in place")
}

// Delete removes the volume unless it is still attached.
func (h *Volume) Delete(hctx *engine.Context, providerID string) error {
	return h.cloud.deleteObject(providerID)
}

// PollDelete reports teardown progress.
func (h *Volume) PollDelete(hctx *engine.Context, providerID string) (engine.Poll, error) {
	return h.cloud.pollDelete(providerID)
}

// GetAttribute resolves one derived attribute of a volume.
func (h *Volume) GetAttribute(hctx *engine.Context, res *engine.Resource, name string) (any, error) {
	switch name {
	case "AvailabilityZone", "Size":
		return h.cloud.objectProp(res.ProviderID, name)
	}
	return nil, fmt.Errorf("volume has no attribute %q", name)
}

// Validate rejects non-positive sizes when the value is a literal.
func (h *Volume) Validate(hctx *engine.Context, res *engine.Resource) error {
	if _, isMarker := res.Definition.Properties["Size"].(map[string]any); isMarker {
		return nil
	}
	if _, present := res.Definition.Properties["Size"]; !present {
		return nil
	}
	return checkVolumeSize(res.Definition.Properties["Size"])
}

func checkVolumeSize(value any) error {
	size, ok := toFloat(value)
	if !ok {
		return nil
	}
	if size < 1 {
		return fmt.Errorf("volume Size must be at least 1, got %v", value)
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

// VolumeAttachment binds a volume to an instance: creating one attaches the
// volume, deleting it detaches. The required ref markers order it after both
// referents and tear it down before them.
type VolumeAttachment struct {
	cloud *Cloud
}

// NewVolumeAttachment returns the attachment handler backed by cloud.
func NewVolumeAttachment(cloud *Cloud) *VolumeAttachment {
	return &VolumeAttachment{cloud: cloud}
}

// Schema declares the attachment property schema.
func (h *VolumeAttachment) Schema() schema.Schema {
	return schema.Schema{
		"InstanceId": {Type: schema.TypeString, Required: true},
		"VolumeId":   {Type: schema.TypeString, Required: true},
		"Device":     {Type: schema.TypeString, Required: true},
	}
}

// UpdateAllowedKeys is empty: attachments are replaced, never updated.
func (h *VolumeAttachment) UpdateAllowedKeys() []string {
	return nil
}

// Attributes lists the derived values an attachment exposes.
func (h *VolumeAttachment) Attributes() []string {
	return []string{"Device"}
}

// Create attaches the volume to the instance.
func (h *VolumeAttachment) Create(hctx *engine.Context, res *engine.Resource) (string, error) {
	volumeID, _ := res.Properties["VolumeId"].(string)
	instanceID, _ := res.Properties["InstanceId"].(string)
	if err := h.cloud.attach(volumeID, instanceID); err != nil {
		return "", err
	}
	id, err := h.cloud.create(TypeVolumeAttachment, "att", res.Name, res.Properties)
	if err != nil {
		h.cloud.detach(volumeID)
		return "", err
	}
	return id, nil
}

// PollCreate reports attachment progress.
func (h *VolumeAttachment) PollCreate(hctx *engine.Context, providerID string) (engine.Poll, error) {
	return h.cloud.pollCreate(providerID)
}

// UpdateInPlace is never reached with an empty allowed set.
func (h *VolumeAttachment) UpdateInPlace(hctx *engine.Context, res *engine.Resource, diff engine.Diff) error {
	return fmt.Errorf("attachment properties cannot change in place")
}

// Delete detaches the volume and removes the attachment.
func (h *VolumeAttachment) Delete(hctx *engine.Context, providerID string) error {
	return h.cloud.deleteObject(providerID)
}

// PollDelete reports detachment progress.
func (h *VolumeAttachment) PollDelete(hctx *engine.Context, providerID string) (engine.Poll, error) {
	return h.cloud.pollDelete(providerID)
}

// GetAttribute resolves one derived attribute of an attachment.
func (h *VolumeAttachment) GetAttribute(hctx *engine.Context, res *engine.Resource, name string) (any, error) {
	if name == "Device" {
		return h.cloud.objectProp(res.ProviderID, "Device")
	}
	return nil, fmt.Errorf("attachment has no attribute %q", name)
}

// Validate rejects device paths outside /dev when the value is a literal.
func (h *VolumeAttachment) Validate(hctx *engine.Context, res *engine.Resource) error {
	if device, ok := res.Definition.Properties["Device"].(string); ok && !strings.HasPrefix(device, "/dev/") {
		return fmt.Errorf("Device must be a /dev path, got %q", device)
	}
	return nil
}

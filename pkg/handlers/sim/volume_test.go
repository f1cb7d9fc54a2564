package sim

import (
	"strings"
	"testing"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

func TestVolume_Create_RejectsBadSize(t *testing.T) {
	cloud := NewCloud()
	h := NewVolume(cloud)
	hctx := newHandlerContext(t)

	_, err := h.Create(hctx, simResource(TypeVolume, "data", map[string]any{"Size": 0}))
	if err == nil || !strings.Contains(err.Error(), "at least 1") {
		t.Fatalf("Expected a size error, got: %v", err)
	}
	if cloud.ObjectCount() != 0 {
		t.Errorf("Expected no objects after a refused create, got %d", cloud.ObjectCount())
	}

	res := simResource(TypeVolume, "data", map[string]any{"Size": 10})
	id := createActive(t, h, hctx, res)
	if !strings.HasPrefix(id, "vol-") {
		t.Errorf("Expected a vol- provider id, got %q", id)
	}

	size, err := h.GetAttribute(hctx, res, "Size")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if size != 10 {
		t.Errorf("Expected size 10, got %v", size)
	}
}

func TestVolume_Validate(t *testing.T) {
	h := NewVolume(NewCloud())
	hctx := newHandlerContext(t)

	err := h.Validate(hctx, simResource(TypeVolume, "data", map[string]any{"Size": -3}))
	if err == nil || !strings.Contains(err.Error(), "at least 1") {
		t.Errorf("Expected a size error, got: %v", err)
	}

	marker := map[string]any{"Size": map[string]any{"param": "size"}}
	if err := h.Validate(hctx, simResource(TypeVolume, "data", marker)); err != nil {
		t.Errorf("Expected marker values to pass, got: %v", err)
	}

	if err := h.Validate(hctx, simResource(TypeVolume, "data", map[string]any{})); err != nil {
		t.Errorf("Expected an absent Size to pass, got: %v", err)
	}
}

func TestVolume_UpdateInPlace_Refused(t *testing.T) {
	h := NewVolume(NewCloud())
	hctx := newHandlerContext(t)

	if keys := h.UpdateAllowedKeys(); len(keys) != 0 {
		t.Errorf("Expected no update-allowed keys, got %v", keys)
	}
	res := simResource(TypeVolume, "data", map[string]any{"Size": 10})
	if err := h.UpdateInPlace(hctx, res, nil); err == nil {
		t.Errorf("Expected in-place updates to be refused")
	}
}

func TestVolumeAttachment_AttachDetach(t *testing.T) {
	cloud := NewCloud()
	instances := NewInstance(cloud)
	volumes := NewVolume(cloud)
	attachments := NewVolumeAttachment(cloud)
	hctx := newHandlerContext(t)

	instID := createActive(t, instances, hctx, simResource(TypeInstance, "server", instanceProps()))
	volID := createActive(t, volumes, hctx, simResource(TypeVolume, "data", map[string]any{"Size": 10}))

	attRes := simResource(TypeVolumeAttachment, "mount", map[string]any{
		"InstanceId": instID,
		"VolumeId":   volID,
		"Device":     "/dev/xvdf",
	})
	attID := createActive(t, attachments, hctx, attRes)

	owner, ok := cloud.AttachedTo(volID)
	if !ok || owner != instID {
		t.Errorf("Expected %s attached to %s, got %q", volID, instID, owner)
	}

	device, err := attachments.GetAttribute(hctx, attRes, "Device")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if device != "/dev/xvdf" {
		t.Errorf("Expected /dev/xvdf, got %v", device)
	}

	err = volumes.Delete(hctx, volID)
	if err == nil || !strings.Contains(err.Error(), "is attached") {
		t.Fatalf("Expected an attached volume to refuse deletion, got: %v", err)
	}

	if err := attachments.Delete(hctx, attID); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, ok := cloud.AttachedTo(volID); ok {
		t.Errorf("Expected the volume to be released after detach")
	}
	if err := volumes.Delete(hctx, volID); err != nil {
		t.Errorf("Expected the released volume to delete, got: %v", err)
	}
}

func TestVolumeAttachment_Create_Failures(t *testing.T) {
	cloud := NewCloud()
	instances := NewInstance(cloud)
	volumes := NewVolume(cloud)
	attachments := NewVolumeAttachment(cloud)
	hctx := newHandlerContext(t)

	instID := createActive(t, instances, hctx, simResource(TypeInstance, "server", instanceProps()))
	volA := createActive(t, volumes, hctx, simResource(TypeVolume, "data-a", map[string]any{"Size": 10}))
	volB := createActive(t, volumes, hctx, simResource(TypeVolume, "data-b", map[string]any{"Size": 10}))

	_, err := attachments.Create(hctx, simResource(TypeVolumeAttachment, "mount", map[string]any{
		"InstanceId": instID, "VolumeId": "vol-000404", "Device": "/dev/xvdf",
	}))
	if !engine.IsNotFound(err) {
		t.Errorf("Expected a not-found error for an unknown volume, got: %v", err)
	}

	_, err = attachments.Create(hctx, simResource(TypeVolumeAttachment, "mount", map[string]any{
		"InstanceId": "i-000404", "VolumeId": volA, "Device": "/dev/xvdf",
	}))
	if !engine.IsNotFound(err) {
		t.Errorf("Expected a not-found error for an unknown instance, got: %v", err)
	}
	if _, ok := cloud.AttachedTo(volA); ok {
		t.Errorf("Expected a failed attach to leave the volume free")
	}

	createActive(t, attachments, hctx, simResource(TypeVolumeAttachment, "mount", map[string]any{
		"InstanceId": instID, "VolumeId": volA, "Device": "/dev/xvdf",
	}))
	_, err = attachments.Create(hctx, simResource(TypeVolumeAttachment, "mount2", map[string]any{
		"InstanceId": instID, "VolumeId": volA, "Device": "/dev/xvdg",
	}))
	if err == nil || !strings.Contains(err.Error(), "already attached") {
		t.Errorf("Expected a double attach to be refused, got: %v", err)
	}

	cloud.FailCreate("mount3", "attach refused")
	_, err = attachments.Create(hctx, simResource(TypeVolumeAttachment, "mount3", map[string]any{
		"InstanceId": instID, "VolumeId": volB, "Device": "/dev/xvdh",
	}))
	if err == nil || err.Error() != "attach refused" {
		t.Fatalf("Expected the scripted refusal, got: %v", err)
	}
	if _, ok := cloud.AttachedTo(volB); ok {
		t.Errorf("Expected the volume to be detached after the create failed")
	}
}

func TestVolumeAttachment_Validate_DevicePath(t *testing.T) {
	h := NewVolumeAttachment(NewCloud())
	hctx := newHandlerContext(t)

	bad := map[string]any{"InstanceId": "i-1", "VolumeId": "vol-1", "Device": "xvdf"}
	err := h.Validate(hctx, simResource(TypeVolumeAttachment, "mount", bad))
	if err == nil || !strings.Contains(err.Error(), "/dev path") {
		t.Errorf("Expected a device path error, got: %v", err)
	}

	good := map[string]any{"InstanceId": "i-1", "VolumeId": "vol-1", "Device": "/dev/xvdf"}
	if err := h.Validate(hctx, simResource(TypeVolumeAttachment, "mount", good)); err != nil {
		t.Errorf("Expected no error, got: %v", err)
	}

	marker := map[string]any{"Device": map[string]any{"param": "device"}}
	if err := h.Validate(hctx, simResource(TypeVolumeAttachment, "mount", marker)); err != nil {
		t.Errorf("Expected marker values to pass, got: %v", err)
	}
}

package sim

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/stackpilot/stackpilot/pkg/engine"
	"github.com/stackpilot/stackpilot/pkg/stores"
)

func newSimOrchestrator(t *testing.T) (*engine.Orchestrator, *Cloud) {
	t.Helper()
	cloud := NewCloud()
	registry := engine.NewRegistry()
	if err := Register(registry, cloud); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	orch := engine.New(stores.NewMemoryStore(), registry, nil, engine.Options{
		PollInterval: 2 * time.Millisecond,
	})
	return orch, cloud
}

func serverStackTemplate() *engine.Template {
	return &engine.Template{
		Description: "instance with attached storage",
		Resources: map[string]*engine.ResourceDef{
			"server": {Type: TypeInstance, Properties: map[string]any{
				"ImageId":      "img-2204",
				"InstanceType": map[string]any{"param": "flavor"},
			}},
			"data": {Type: TypeVolume, Properties: map[string]any{
				"Size": 10,
			}},
			"mount": {Type: TypeVolumeAttachment, Properties: map[string]any{
				"InstanceId": map[string]any{"ref": "server"},
				"VolumeId":   map[string]any{"ref": "data"},
				"Device":     "/dev/xvdf",
			}},
		},
	}
}

func TestRegister(t *testing.T) {
	registry := engine.NewRegistry()
	if err := Register(registry, NewCloud()); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	want := []string{TypeInstance, TypeVolume, TypeVolumeAttachment, TypeWaitCondition, TypeWaitHandle}
	if got := registry.Types(); !reflect.DeepEqual(got, want) {
		t.Errorf("Expected types %v, got %v", want, got)
	}
}

func TestStackLifecycle_EndToEnd(t *testing.T) {
	orch, cloud := newSimOrchestrator(t)
	cloud.SetCreateLatency(TypeInstance, 2)
	cloud.SetDeleteLatency(TypeVolume, 1)
	ctx := context.Background()

	stack, err := orch.CreateStack(ctx, engine.StackInput{
		Name:       "web",
		Tenant:     "acme",
		Parameters: map[string]any{"flavor": "m1.small"},
		Template:   serverStackTemplate(),
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if stack.Status != engine.StatusCreateComplete {
		t.Fatalf("Expected CREATE_COMPLETE, got %s (%s)", stack.Status, stack.StatusReason)
	}
	if cloud.ObjectCount() != 3 {
		t.Errorf("Expected 3 provider objects, got %d", cloud.ObjectCount())
	}

	server := stack.Resource("server")
	if server.Properties["InstanceType"] != "m1.small" {
		t.Errorf("Expected the flavor parameter to resolve, got %v", server.Properties["InstanceType"])
	}
	if server.Properties["AvailabilityZone"] != "zone-a" {
		t.Errorf("Expected the zone default to apply, got %v", server.Properties["AvailabilityZone"])
	}
	mount := stack.Resource("mount")
	if mount.Properties["InstanceId"] != server.ProviderID {
		t.Errorf("Expected the instance ref to resolve to %s, got %v", server.ProviderID, mount.Properties["InstanceId"])
	}
	volID := stack.Resource("data").ProviderID
	if owner, ok := cloud.AttachedTo(volID); !ok || owner != server.ProviderID {
		t.Errorf("Expected %s attached to %s, got %q", volID, server.ProviderID, owner)
	}

	ip, err := orch.ResourceAttribute(ctx, stack.ID, "server", "PrivateIp")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if s, ok := ip.(string); !ok || !strings.HasPrefix(s, "10.42.0.") {
		t.Errorf("Expected a private address, got %v", ip)
	}

	// Metadata is the instance's only update-allowed key, so this change
	// keeps the provider object.
	next := serverStackTemplate()
	next.Resources["server"].Properties["Metadata"] = map[string]any{"revision": "2"}
	updated, err := orch.UpdateStack(ctx, stack.ID, engine.StackInput{
		Name:       "web",
		Tenant:     "acme",
		Parameters: map[string]any{"flavor": "m1.small"},
		Template:   next,
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if updated.Status != engine.StatusUpdateComplete {
		t.Fatalf("Expected UPDATE_COMPLETE, got %s (%s)", updated.Status, updated.StatusReason)
	}
	if got := updated.Resource("server").ProviderID; got != server.ProviderID {
		t.Errorf("Expected the metadata update to keep %s, got %s", server.ProviderID, got)
	}
	props, _ := cloud.Props(server.ProviderID)
	meta, _ := props["Metadata"].(map[string]any)
	if meta["revision"] != "2" {
		t.Errorf("Expected revision 2 on the live object, got %v", props["Metadata"])
	}

	if err := orch.DeleteStack(ctx, stack.ID); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if cloud.ObjectCount() != 0 {
		t.Errorf("Expected all provider objects gone, got %d", cloud.ObjectCount())
	}
}

func TestStackLifecycle_FailedAttachmentRollsBack(t *testing.T) {
	orch, cloud := newSimOrchestrator(t)
	cloud.FailCreate("mount", "device busy")
	ctx := context.Background()

	stack, err := orch.CreateStack(ctx, engine.StackInput{
		Name:       "web",
		Tenant:     "acme",
		Parameters: map[string]any{"flavor": "m1.small"},
		Template:   serverStackTemplate(),
	})
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if stack.Status != engine.StatusCreateFailed {
		t.Fatalf("Expected CREATE_FAILED, got %s", stack.Status)
	}
	if !strings.Contains(stack.StatusReason, "device busy") {
		t.Errorf("Expected the provider refusal in the reason, got %q", stack.StatusReason)
	}

	if got := stack.Resource("mount").Status; got != engine.StatusCreateFailed {
		t.Errorf("Expected CREATE_FAILED for mount, got %s", got)
	}
	if got := stack.Resource("server").Status; got != engine.StatusDeleteComplete {
		t.Errorf("Expected the instance to be rolled back, got %s", got)
	}
	if got := stack.Resource("data").Status; got != engine.StatusDeleteComplete {
		t.Errorf("Expected the volume to be rolled back, got %s", got)
	}
	if cloud.ObjectCount() != 0 {
		t.Errorf("Expected rollback to tear everything down, got %d objects", cloud.ObjectCount())
	}
}

package sim

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/stackpilot/stackpilot/pkg/engine"
)

func TestInstance_Schema(t *testing.T) {
	h := NewInstance(NewCloud())
	s := h.Schema()

	if !s["ImageId"].Required || !s["InstanceType"].Required {
		t.Errorf("Expected ImageId and InstanceType to be required")
	}
	if s["AvailabilityZone"].Default != "zone-a" {
		t.Errorf("Expected zone-a default, got %v", s["AvailabilityZone"].Default)
	}
	if s["Tenancy"].IsImplemented() {
		t.Errorf("Expected Tenancy to be declared but not implemented")
	}
	if s["Tags"].Items == nil || !s["Tags"].Items.Schema["Key"].Required {
		t.Errorf("Expected Tags items to require a Key")
	}

	if got := h.UpdateAllowedKeys(); len(got) != 1 || got[0] != "Metadata" {
		t.Errorf("Expected Metadata as the only update-allowed key, got %v", got)
	}
	wantAttrs := []string{"AvailabilityZone", "PublicIp", "PrivateIp", "PublicDnsName", "PrivateDnsName"}
	if got := h.Attributes(); !reflect.DeepEqual(got, wantAttrs) {
		t.Errorf("Expected attributes %v, got %v", wantAttrs, got)
	}
}

func TestInstance_CreateAndAttributes(t *testing.T) {
	cloud := NewCloud()
	h := NewInstance(cloud)
	hctx := newHandlerContext(t)

	res := simResource(TypeInstance, "server", map[string]any{
		"ImageId":          "img-2204",
		"InstanceType":     "m1.small",
		"AvailabilityZone": "zone-b",
	})
	createActive(t, h, hctx, res)

	az, err := h.GetAttribute(hctx, res, "AvailabilityZone")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if az != "zone-b" {
		t.Errorf("Expected zone-b, got %v", az)
	}

	private, err := h.GetAttribute(hctx, res, "PrivateIp")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if ip, ok := private.(string); !ok || !strings.HasPrefix(ip, "10.42.0.") {
		t.Errorf("Expected a private address, got %v", private)
	}

	public, err := h.GetAttribute(hctx, res, "PublicIp")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if ip, ok := public.(string); !ok || !strings.HasPrefix(ip, "198.51.100.") {
		t.Errorf("Expected a public address, got %v", public)
	}

	publicDNS, err := h.GetAttribute(hctx, res, "PublicDnsName")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	wantDNS := "ip-" + strings.ReplaceAll(public.(string), ".", "-") + ".sim.example"
	if publicDNS != wantDNS {
		t.Errorf("Expected %s, got %v", wantDNS, publicDNS)
	}

	privateDNS, err := h.GetAttribute(hctx, res, "PrivateDnsName")
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if dns, ok := privateDNS.(string); !ok || !strings.HasSuffix(dns, ".sim.internal") {
		t.Errorf("Expected a .sim.internal name, got %v", privateDNS)
	}

	if _, err := h.GetAttribute(hctx, res, "Ego"); err == nil || !strings.Contains(err.Error(), "no attribute") {
		t.Errorf("Expected an unknown attribute error, got: %v", err)
	}
}

func TestInstance_UpdateInPlace_Metadata(t *testing.T) {
	cloud := NewCloud()
	h := NewInstance(cloud)
	hctx := newHandlerContext(t)

	res := simResource(TypeInstance, "server", instanceProps())
	id := createActive(t, h, hctx, res)

	diff := engine.Diff{
		"Metadata": {Kind: engine.ChangeAdded, After: map[string]any{"revision": "2"}},
	}
	if err := h.UpdateInPlace(hctx, res, diff); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	props, ok := cloud.Props(id)
	if !ok {
		t.Fatalf("Expected the object to exist")
	}
	meta, _ := props["Metadata"].(map[string]any)
	if meta["revision"] != "2" {
		t.Errorf("Expected revision 2 on the live object, got %v", props["Metadata"])
	}

	drop := engine.Diff{
		"Metadata": {Kind: engine.ChangeRemoved, Before: meta},
	}
	if err := h.UpdateInPlace(hctx, res, drop); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	props, _ = cloud.Props(id)
	if _, present := props["Metadata"]; present {
		t.Errorf("Expected Metadata to be removed, got %v", props["Metadata"])
	}

	ghost := &engine.Resource{Name: "ghost", Type: TypeInstance, ProviderID: "i-000404"}
	if err := h.UpdateInPlace(hctx, ghost, diff); !errors.Is(err, engine.ErrNotFound) {
		t.Errorf("Expected a not-found error for an unknown object, got: %v", err)
	}
}

func TestInstance_Validate_UserDataLimit(t *testing.T) {
	h := NewInstance(NewCloud())
	hctx := newHandlerContext(t)

	props := instanceProps()
	props["UserData"] = strings.Repeat("a", maxUserDataBytes+1)
	err := h.Validate(hctx, simResource(TypeInstance, "server", props))
	if err == nil || !strings.Contains(err.Error(), "byte limit") {
		t.Errorf("Expected a size limit error, got: %v", err)
	}

	props["UserData"] = strings.Repeat("a", maxUserDataBytes)
	if err := h.Validate(hctx, simResource(TypeInstance, "server", props)); err != nil {
		t.Errorf("Expected no error at the limit, got: %v", err)
	}
}

func TestInstance_Delete_AlreadyGone(t *testing.T) {
	h := NewInstance(NewCloud())
	hctx := newHandlerContext(t)

	err := h.Delete(hctx, "i-000404")
	if !engine.IsNotFound(err) {
		t.Errorf("Expected a not-found error, got: %v", err)
	}
}

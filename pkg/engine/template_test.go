package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestStackInput_Validate_RequiredFields(t *testing.T) {
	tmpl := &Template{Resources: map[string]*ResourceDef{}}

	in := StackInput{Tenant: "acme", Template: tmpl}
	if err := in.Validate(); err == nil || !strings.Contains(err.Error(), "name") {
		t.Errorf("Expected missing name error, got: %v", err)
	}

	in = StackInput{Name: "web", Template: tmpl}
	if err := in.Validate(); err == nil || !strings.Contains(err.Error(), "tenant") {
		t.Errorf("Expected missing tenant error, got: %v", err)
	}
}

func TestStackInput_Validate_TemplateSourceExclusive(t *testing.T) {
	tmpl := &Template{Resources: map[string]*ResourceDef{}}

	in := StackInput{Name: "web", Tenant: "acme", Template: tmpl, TemplateURL: "http://example.test/t.yaml"}
	if err := in.Validate(); err == nil || !strings.Contains(err.Error(), "mutually exclusive") {
		t.Errorf("Expected exclusivity error, got: %v", err)
	}

	in = StackInput{Name: "web", Tenant: "acme"}
	if err := in.Validate(); err == nil {
		t.Error("Expected error when no template source is given, got nil")
	}

	in = StackInput{Name: "web", Tenant: "acme", Template: tmpl}
	if err := in.Validate(); err != nil {
		t.Errorf("Expected no error for inline template, got: %v", err)
	}

	in = StackInput{Name: "web", Tenant: "acme", TemplateURL: "http://example.test/t.yaml"}
	if err := in.Validate(); err != nil {
		t.Errorf("Expected no error for template URL, got: %v", err)
	}
}

func TestParseTemplate_YAML(t *testing.T) {
	data := []byte(`
description: web tier
resources:
  web:
    type: fake
    properties:
      Name: frontend
    dependsOn: [db]
  db:
    type: fake
`)

	tmpl, err := ParseTemplate(data)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if tmpl.Description != "web tier" {
		t.Errorf("Expected description 'web tier', got %q", tmpl.Description)
	}
	if len(tmpl.Resources) != 2 {
		t.Fatalf("Expected 2 resources, got %d", len(tmpl.Resources))
	}
	web := tmpl.Resources["web"]
	if web.Type != "fake" {
		t.Errorf("Expected type fake, got %q", web.Type)
	}
	if web.Properties["Name"] != "frontend" {
		t.Errorf("Expected Name property, got %v", web.Properties)
	}
	if len(web.DependsOn) != 1 || web.DependsOn[0] != "db" {
		t.Errorf("Expected dependsOn [db], got %v", web.DependsOn)
	}
}

func TestParseTemplate_JSON(t *testing.T) {
	// JSON is a YAML subset, so JSON templates parse through the same path.
	data := []byte(`{"resources": {"db": {"type": "fake", "properties": {"Size": 10}}}}`)

	tmpl, err := ParseTemplate(data)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if tmpl.Resources["db"].Type != "fake" {
		t.Errorf("Expected db resource, got %v", tmpl.Resources)
	}
}

func TestParseTemplate_MissingType(t *testing.T) {
	data := []byte(`
resources:
  broken:
    properties:
      Name: x
`)

	_, err := ParseTemplate(data)
	if err == nil {
		t.Fatal("Expected error for resource without type, got nil")
	}
	if !strings.Contains(err.Error(), "broken") {
		t.Errorf("Expected error to name the resource, got: %v", err)
	}
}

func TestParseTemplate_Malformed(t *testing.T) {
	_, err := ParseTemplate([]byte("{resources: [not a map"))
	if err == nil {
		t.Fatal("Expected parse error, got nil")
	}
}

func TestTemplateFetcher_Fetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("resources:\n  db:\n    type: fake\n"))
	}))
	defer srv.Close()

	fetcher := NewTemplateFetcher(5*time.Second, 1024)
	tmpl, err := fetcher.Fetch(context.Background(), srv.URL)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if _, ok := tmpl.Resources["db"]; !ok {
		t.Errorf("Expected db resource, got %v", tmpl.Resources)
	}
}

func TestTemplateFetcher_Fetch_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	fetcher := NewTemplateFetcher(5*time.Second, 1024)
	_, err := fetcher.Fetch(context.Background(), srv.URL)
	if err == nil {
		t.Fatal("Expected error for 404 response, got nil")
	}
	if !strings.Contains(err.Error(), "404") {
		t.Errorf("Expected status code in error, got: %v", err)
	}
}

func TestTemplateFetcher_Fetch_SizeCap(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("resources:\n"))
		w.Write(make([]byte, 4096))
	}))
	defer srv.Close()

	fetcher := NewTemplateFetcher(5*time.Second, 64)
	_, err := fetcher.Fetch(context.Background(), srv.URL)
	if err == nil {
		t.Fatal("Expected error for oversized template, got nil")
	}
	if !strings.Contains(err.Error(), "limit") {
		t.Errorf("Expected size limit error, got: %v", err)
	}
}

func testResolveContext(resources map[string]*Resource) *resolveContext {
	return &resolveContext{
		parameters: map[string]any{"image": "ubuntu-24.04", "count": 3},
		resource: func(name string) (*Resource, error) {
			res, ok := resources[name]
			if !ok {
				return nil, &NotFoundError{Kind: "resource", ID: name}
			}
			return res, nil
		},
		attribute: func(res *Resource, name string) (any, error) {
			return res.ProviderID + "/" + name, nil
		},
	}
}

func TestResolveProperties_Markers(t *testing.T) {
	resources := map[string]*Resource{
		"db": {Name: "db", ProviderID: "prov-1", Status: StatusCreateComplete},
	}
	rc := testResolveContext(resources)

	props := map[string]any{
		"Image":    map[string]any{"param": "image"},
		"Database": map[string]any{"ref": "db"},
		"Endpoint": map[string]any{"attr": []any{"db", "Endpoint"}},
		"Plain":    "unchanged",
	}

	resolved, err := resolveProperties(props, rc)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if resolved["Image"] != "ubuntu-24.04" {
		t.Errorf("Expected param value, got %v", resolved["Image"])
	}
	if resolved["Database"] != "prov-1" {
		t.Errorf("Expected provider id, got %v", resolved["Database"])
	}
	if resolved["Endpoint"] != "prov-1/Endpoint" {
		t.Errorf("Expected attribute value, got %v", resolved["Endpoint"])
	}
	if resolved["Plain"] != "unchanged" {
		t.Errorf("Expected plain value untouched, got %v", resolved["Plain"])
	}
}

func TestResolveProperties_NestedMarkers(t *testing.T) {
	resources := map[string]*Resource{
		"db": {Name: "db", ProviderID: "prov-1", Status: StatusCreateComplete},
	}
	rc := testResolveContext(resources)

	props := map[string]any{
		"Tags": map[string]any{
			"image": map[string]any{"param": "image"},
		},
		"Mounts": []any{
			map[string]any{"ref": "db"},
			"plain",
		},
	}

	resolved, err := resolveProperties(props, rc)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	tags := resolved["Tags"].(map[string]any)
	if tags["image"] != "ubuntu-24.04" {
		t.Errorf("Expected nested param resolved, got %v", tags)
	}
	mounts := resolved["Mounts"].([]any)
	if mounts[0] != "prov-1" || mounts[1] != "plain" {
		t.Errorf("Expected list markers resolved, got %v", mounts)
	}
}

func TestResolveProperties_UnknownParameter(t *testing.T) {
	rc := testResolveContext(nil)

	_, err := resolveProperties(map[string]any{
		"Image": map[string]any{"param": "ghost"},
	}, rc)
	if err == nil {
		t.Fatal("Expected error for unknown parameter, got nil")
	}
	if !strings.Contains(err.Error(), "ghost") {
		t.Errorf("Expected error to name the parameter, got: %v", err)
	}
}

func TestResolveProperties_RefWithoutProviderID(t *testing.T) {
	resources := map[string]*Resource{
		"db": {Name: "db", Status: StatusCreateComplete},
	}
	rc := testResolveContext(resources)

	_, err := resolveProperties(map[string]any{
		"Database": map[string]any{"ref": "db"},
	}, rc)
	if err == nil {
		t.Fatal("Expected error for ref without provider id, got nil")
	}
}

func TestResolveProperties_InputNotMutated(t *testing.T) {
	rc := testResolveContext(nil)

	props := map[string]any{
		"Image": map[string]any{"param": "image"},
	}
	if _, err := resolveProperties(props, rc); err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	marker, ok := props["Image"].(map[string]any)
	if !ok || marker["param"] != "image" {
		t.Errorf("Expected input marker untouched, got %v", props["Image"])
	}
}

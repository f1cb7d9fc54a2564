package engine

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"gopkg.in/yaml.v3"
)

// Property values may contain reference markers, single-key mappings that are
// resolved when a resource is materialized:
//
//	{"param": "name"}          -> the stack parameter's value
//	{"ref": "resource"}        -> the referenced resource's provider id
//	{"attr": ["resource", "name"]} -> a derived attribute of the resource
//
// ref and attr markers also imply a dependency edge on their target.

// refMarker reports whether a mapping is a ref marker and returns its target
// resource name.
func refMarker(m map[string]any) (string, bool) {
	if len(m) != 1 {
		return "", false
	}
	v, ok := m["ref"]
	if !ok {
		return "", false
	}
	target, ok := v.(string)
	return target, ok
}

// attrMarker reports whether a mapping is an attr marker and returns its
// target resource and attribute names.
func attrMarker(m map[string]any) (string, string, bool) {
	if len(m) != 1 {
		return "", "", false
	}
	v, ok := m["attr"]
	if !ok {
		return "", "", false
	}
	parts, ok := v.([]any)
	if !ok || len(parts) != 2 {
		return "", "", false
	}
	target, ok1 := parts[0].(string)
	attr, ok2 := parts[1].(string)
	if !ok1 || !ok2 {
		return "", "", false
	}
	return target, attr, true
}

// paramMarker reports whether a mapping is a param marker and returns the
// parameter name.
func paramMarker(m map[string]any) (string, bool) {
	if len(m) != 1 {
		return "", false
	}
	v, ok := m["param"]
	if !ok {
		return "", false
	}
	name, ok := v.(string)
	return name, ok
}

// Validate checks a stack submission before any other processing: name and
// tenant must be set, and exactly one of Template or TemplateURL must be
// given. Parameters and template content stay distinct; they are never
// merged.
func (in *StackInput) Validate() error {
	if in.Name == "" {
		return fmt.Errorf("stack name is required")
	}
	if in.Tenant == "" {
		return fmt.Errorf("tenant is required")
	}
	return in.ValidateTemplateSource()
}

// ValidateTemplateSource checks only the template exclusivity rule. Updates
// use it directly because name and tenant come from the existing stack.
func (in *StackInput) ValidateTemplateSource() error {
	if in.Template != nil && in.TemplateURL != "" {
		return fmt.Errorf("template and template_url are mutually exclusive")
	}
	if in.Template == nil && in.TemplateURL == "" {
		return fmt.Errorf("one of template or template_url is required")
	}
	return nil
}

// ParseTemplate decodes YAML or JSON template content.
func ParseTemplate(data []byte) (*Template, error) {
	var t Template
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}
	if t.Resources == nil {
		t.Resources = make(map[string]*ResourceDef)
	}
	for name, def := range t.Resources {
		if def == nil {
			return nil, fmt.Errorf("resource %s has no definition", name)
		}
		if def.Type == "" {
			return nil, fmt.Errorf("resource %s has no type", name)
		}
	}
	return &t, nil
}

// TemplateFetcher retrieves template content referenced by URL.
type TemplateFetcher struct {
	client   *http.Client
	maxBytes int64
}

// NewTemplateFetcher creates a fetcher with the given request timeout and
// response size cap.
func NewTemplateFetcher(timeout time.Duration, maxBytes int64) *TemplateFetcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if maxBytes <= 0 {
		maxBytes = 512 * 1024
	}
	return &TemplateFetcher{
		client:   &http.Client{Timeout: timeout},
		maxBytes: maxBytes,
	}
}

// Fetch downloads and parses the template at the given URL. Responses larger
// than the configured cap are rejected.
func (f *TemplateFetcher) Fetch(ctx context.Context, url string) (*Template, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build template request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch template: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("failed to fetch template: %s returned status %d", url, resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read template body: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("template at %s exceeds the %d byte limit", url, f.maxBytes)
	}

	return ParseTemplate(data)
}

// resolveTemplate produces the effective template of a submission: the inline
// template when given, otherwise the fetched and parsed TemplateURL content.
func (f *TemplateFetcher) resolveTemplate(ctx context.Context, in StackInput) (*Template, error) {
	if err := in.ValidateTemplateSource(); err != nil {
		return nil, err
	}
	if in.Template != nil {
		return in.Template.Clone(), nil
	}
	return f.Fetch(ctx, in.TemplateURL)
}

// resolveContext supplies the lookups needed to materialize property values:
// stack parameters, settled dependency resources and their derived attributes.
type resolveContext struct {
	parameters map[string]any
	resource   func(name string) (*Resource, error)
	attribute  func(res *Resource, name string) (any, error)
}

// resolveProperties materializes a raw property mapping by replacing every
// marker with its resolved value. The input is never mutated.
func resolveProperties(props map[string]any, rc *resolveContext) (map[string]any, error) {
	resolved := make(map[string]any, len(props))
	for key, value := range props {
		v, err := resolveValue(value, rc)
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", key, err)
		}
		resolved[key] = v
	}
	return resolved, nil
}

// resolveValue materializes a single property value, descending into nested
// mappings and lists.
func resolveValue(value any, rc *resolveContext) (any, error) {
	switch v := value.(type) {
	case map[string]any:
		if name, ok := paramMarker(v); ok {
			pv, ok := rc.parameters[name]
			if !ok {
				return nil, fmt.Errorf("unknown parameter %q", name)
			}
			return pv, nil
		}
		if target, ok := refMarker(v); ok {
			res, err := rc.resource(target)
			if err != nil {
				return nil, err
			}
			if res.ProviderID == "" {
				return nil, fmt.Errorf("resource %s has no provider id yet", target)
			}
			return res.ProviderID, nil
		}
		if target, attrName, ok := attrMarker(v); ok {
			res, err := rc.resource(target)
			if err != nil {
				return nil, err
			}
			return rc.attribute(res, attrName)
		}
		out := make(map[string]any, len(v))
		for key, nested := range v {
			rv, err := resolveValue(nested, rc)
			if err != nil {
				return nil, err
			}
			out[key] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, item := range v {
			rv, err := resolveValue(item, rc)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return value, nil
	}
}

package policy

// BuiltinPolicies returns the policies compiled into the binary. Site
// policies loaded from disk may replace any of them by reusing the name.
func BuiltinPolicies() []Policy {
	return []Policy{
		resourceNamingPolicy(),
		forbiddenTypesPolicy(),
		requiredTagsPolicy(),
	}
}

// resourceNamingPolicy enforces the resource naming convention.
func resourceNamingPolicy() Policy {
	return Policy{
		Name:        "resource-naming",
		Description: "Resource names are lowercase alphanumerics and hyphens, at most 63 characters",
		Severity:    SeverityError,
		Enabled:     true,
		Source:      SourceBuiltin,
		Rego: `package stackpilot.policies.naming

import rego.v1

deny contains violation if {
	name := input.resource.name
	not regex.match("^[a-z][a-z0-9-]*$", name)
	violation := {
		"message": sprintf("resource name %q must start with a lowercase letter and contain only lowercase letters, digits and hyphens", [name]),
		"severity": "error",
	}
}

deny contains violation if {
	name := input.resource.name
	endswith(name, "-")
	violation := {
		"message": sprintf("resource name %q must not end with a hyphen", [name]),
		"severity": "error",
	}
}

deny contains violation if {
	name := input.resource.name
	count(name) > 63
	violation := {
		"message": sprintf("resource name %q exceeds 63 characters", [name]),
		"severity": "error",
	}
}`,
	}
}

// forbiddenTypesPolicy reserves operator-only type namespaces.
func forbiddenTypesPolicy() Policy {
	return Policy{
		Name:        "forbidden-types",
		Description: "Resource types under the admin namespace are reserved for operators",
		Severity:    SeverityError,
		Enabled:     true,
		Source:      SourceBuiltin,
		Rego: `package stackpilot.policies.types

import rego.v1

deny contains violation if {
	startswith(input.resource.type, "admin.")
	violation := {
		"message": sprintf("resource type %s is reserved for operators", [input.resource.type]),
		"severity": "error",
	}
}`,
	}
}

// requiredTagsPolicy flags tagged resources that omit the owner tag. Tags
// declared through reference markers cannot be inspected and are skipped.
func requiredTagsPolicy() Policy {
	return Policy{
		Name:        "required-tags",
		Description: "Tagged resources carry an owner tag",
		Severity:    SeverityWarning,
		Enabled:     true,
		Source:      SourceBuiltin,
		Rego: `package stackpilot.policies.tags

import rego.v1

deny contains violation if {
	tags := input.resource.properties.Tags
	is_array(tags)
	not has_owner_tag(tags)
	violation := {
		"message": sprintf("resource %s declares tags without an owner tag", [input.resource.name]),
		"severity": "warning",
	}
}

has_owner_tag(tags) if {
	some tag in tags
	tag.Key == "owner"
}`,
	}
}

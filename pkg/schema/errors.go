package schema

import (
	"errors"
	"fmt"
)

// Kind classifies a schema validation failure.
type Kind string

const (
	// KindMissingRequired indicates a required property was not supplied.
	KindMissingRequired Kind = "missing_required"

	// KindUnknownProperty indicates a supplied property is not declared in the schema.
	KindUnknownProperty Kind = "unknown_property"

	// KindDisallowedValue indicates a value outside the property's allowed set.
	KindDisallowedValue Kind = "disallowed_value"

	// KindInvalidType indicates a value of the wrong type for the property.
	KindInvalidType Kind = "invalid_type"

	// KindUnimplementedUsed indicates use of a property the engine does not support.
	KindUnimplementedUsed Kind = "unimplemented_used"
)

// SchemaError reports a single validation failure, naming the offending
// property key. Validation is fail-fast: the first failure encountered is
// returned and no handler call is made.
type SchemaError struct {
	// Kind is the failure classification.
	Kind Kind

	// Key is the offending property key, as a path for nested failures
	// (for example "Tags[0].Key").
	Key string

	// Message is a human-readable description of the failure.
	Message string
}

// Error implements the error interface.
func (e *SchemaError) Error() string {
	return fmt.Sprintf("property %q: %s", e.Key, e.Message)
}

// NewError creates a SchemaError. Handlers may use it to report cross-check
// failures in the same shape the validator produces.
func NewError(kind Kind, key, message string) *SchemaError {
	return &SchemaError{Kind: kind, Key: key, Message: message}
}

func missingRequired(key string) *SchemaError {
	return NewError(KindMissingRequired, key, "required property is missing")
}

func unknownProperty(key string) *SchemaError {
	return NewError(KindUnknownProperty, key, "property is not declared in the schema")
}

func disallowedValue(key string, value any, allowed []any) *SchemaError {
	return NewError(KindDisallowedValue, key, fmt.Sprintf("value %v is not one of %v", value, allowed))
}

func invalidType(key string, want Type, got any) *SchemaError {
	return NewError(KindInvalidType, key, fmt.Sprintf("expected %s, got %T", want, got))
}

func unimplementedUsed(key string) *SchemaError {
	return NewError(KindUnimplementedUsed, key, "property is declared but not implemented")
}

// AsSchemaError unwraps err into a *SchemaError if one is in its chain.
func AsSchemaError(err error) (*SchemaError, bool) {
	var se *SchemaError
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// Package schema provides typed property schemas for resource definitions.
// A schema declares the type, requiredness, defaults and allowed values of
// every property a resource type accepts; Validate checks a property mapping
// against such a schema and returns a defaulted copy without mutating the
// input.
package schema

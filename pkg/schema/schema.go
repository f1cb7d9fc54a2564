package schema

import (
	"encoding/json"
	"reflect"
	"sort"
	"strconv"
)

// Type enumerates the value types a property may declare.
type Type string

const (
	// TypeString accepts string values.
	TypeString Type = "String"

	// TypeNumber accepts integer and floating point values.
	TypeNumber Type = "Number"

	// TypeBoolean accepts boolean values.
	TypeBoolean Type = "Boolean"

	// TypeList accepts ordered collections, optionally constrained by Items.
	TypeList Type = "List"

	// TypeMap accepts string-keyed mappings, optionally constrained by Schema.
	TypeMap Type = "Map"
)

// notImplemented backs the NotImplemented marker.
var notImplemented = false

// NotImplemented marks a property that is declared for compatibility but not
// acted on by the engine. Supplying a value for such a property fails
// validation.
var NotImplemented = &notImplemented

// Definition declares the constraints for a single property.
type Definition struct {
	// Type is the required value type.
	Type Type

	// Required marks the property as mandatory.
	Required bool

	// Default is applied when an optional property is absent.
	Default any

	// AllowedValues restricts the value to a fixed set when non-empty.
	AllowedValues []any

	// Implemented marks whether the engine acts on the property.
	// Nil means implemented.
	Implemented *bool

	// Schema constrains the keys of a Map value.
	Schema Schema

	// Items constrains each element of a List value.
	Items *Definition
}

// IsImplemented reports whether the engine acts on the property.
func (d Definition) IsImplemented() bool {
	return d.Implemented == nil || *d.Implemented
}

// Schema maps property keys to their definitions.
type Schema map[string]Definition

// Validate checks properties against the schema and returns a new mapping
// with defaults applied for absent optional keys. The input is never
// mutated. The first failure encountered is returned as a *SchemaError
// naming the offending key; keys are visited in sorted order so repeated
// calls on the same input fail identically.
func Validate(properties map[string]any, s Schema) (map[string]any, error) {
	out, serr := validateProps(properties, s, "")
	if serr != nil {
		return nil, serr
	}
	return out, nil
}

func validateProps(properties map[string]any, s Schema, prefix string) (map[string]any, *SchemaError) {
	out := make(map[string]any, len(s))

	for _, key := range sortedKeys(s) {
		def := s[key]
		path := prefix + key

		value, present := properties[key]
		if !present {
			if def.Required {
				return nil, missingRequired(path)
			}
			if def.Default != nil {
				out[key] = def.Default
			}
			continue
		}

		if !def.IsImplemented() {
			return nil, unimplementedUsed(path)
		}

		checked, serr := validateValue(path, def, value)
		if serr != nil {
			return nil, serr
		}
		out[key] = checked
	}

	for _, key := range sortedPropKeys(properties) {
		if _, declared := s[key]; !declared {
			return nil, unknownProperty(prefix + key)
		}
	}

	return out, nil
}

// validateValue checks a single value against its definition and returns the
// normalized value. Nested collections are rebuilt so defaults inside map
// schemas take effect.
func validateValue(path string, def Definition, value any) (any, *SchemaError) {
	switch def.Type {
	case TypeString:
		str, ok := value.(string)
		if !ok {
			return nil, invalidType(path, TypeString, value)
		}
		if serr := checkAllowed(path, str, def.AllowedValues); serr != nil {
			return nil, serr
		}
		return str, nil

	case TypeNumber:
		if _, ok := toFloat(value); !ok {
			return nil, invalidType(path, TypeNumber, value)
		}
		if serr := checkAllowed(path, value, def.AllowedValues); serr != nil {
			return nil, serr
		}
		return value, nil

	case TypeBoolean:
		b, ok := value.(bool)
		if !ok {
			return nil, invalidType(path, TypeBoolean, value)
		}
		if serr := checkAllowed(path, b, def.AllowedValues); serr != nil {
			return nil, serr
		}
		return b, nil

	case TypeList:
		items, ok := toSlice(value)
		if !ok {
			return nil, invalidType(path, TypeList, value)
		}
		if def.Items == nil {
			return items, nil
		}
		checked := make([]any, len(items))
		for i, item := range items {
			v, serr := validateValue(path+"["+strconv.Itoa(i)+"]", *def.Items, item)
			if serr != nil {
				return nil, serr
			}
			checked[i] = v
		}
		return checked, nil

	case TypeMap:
		m, ok := value.(map[string]any)
		if !ok {
			return nil, invalidType(path, TypeMap, value)
		}
		if def.Schema == nil {
			return m, nil
		}
		checked, serr := validateProps(m, def.Schema, path+".")
		if serr != nil {
			return nil, serr
		}
		return checked, nil

	default:
		return nil, invalidType(path, def.Type, value)
	}
}

func checkAllowed(path string, value any, allowed []any) *SchemaError {
	if len(allowed) == 0 {
		return nil
	}
	for _, candidate := range allowed {
		if valuesEqual(value, candidate) {
			return nil
		}
	}
	return disallowedValue(path, value, allowed)
}

// valuesEqual compares two scalars, treating numeric representations of the
// same number (int vs float64 vs json.Number) as equal.
func valuesEqual(a, b any) bool {
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok {
		return af == bf
	}
	return reflect.DeepEqual(a, b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

func toSlice(v any) ([]any, bool) {
	if items, ok := v.([]any); ok {
		return items, true
	}
	rv := reflect.ValueOf(v)
	if !rv.IsValid() || rv.Kind() != reflect.Slice {
		return nil, false
	}
	items := make([]any, rv.Len())
	for i := range items {
		items[i] = rv.Index(i).Interface()
	}
	return items, true
}

func sortedKeys(s Schema) []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedPropKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

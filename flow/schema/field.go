package schema

import (
	"reflect"

	"github.com/quiverai/ragcore/common/errs"
)

// FieldType enumerates the value types a node field can declare.
type FieldType string

const (
	TypeString  FieldType = "string"
	TypeInteger FieldType = "integer"
	TypeFloat   FieldType = "float"
	TypeBoolean FieldType = "boolean"
	TypeArray   FieldType = "array"
	TypeObject  FieldType = "object"
)

// Valid reports whether t is one of the declared field types.
func (t FieldType) Valid() bool {
	switch t {
	case TypeString, TypeInteger, TypeFloat, TypeBoolean, TypeArray, TypeObject:
		return true
	}
	return false
}

// FieldDefinition describes one input or output field of a node type.
type FieldDefinition struct {
	Name        string      `json:"name"`
	Type        FieldType   `json:"type"`
	Description string      `json:"description,omitempty"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// CheckValue verifies that value conforms to the declared field type.
// Numeric widening (integer into float) is the only coercion allowed;
// the coerced value is returned.
func (f FieldDefinition) CheckValue(value interface{}) (interface{}, error) {
	if value == nil {
		return nil, nil
	}

	switch f.Type {
	case TypeString:
		if s, ok := value.(string); ok {
			return s, nil
		}
	case TypeInteger:
		switch v := value.(type) {
		case int:
			return v, nil
		case int32:
			return int(v), nil
		case int64:
			return int(v), nil
		case float64:
			// JSON numbers decode as float64; accept integral values only
			if v == float64(int(v)) {
				return int(v), nil
			}
		}
	case TypeFloat:
		switch v := value.(type) {
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		}
	case TypeBoolean:
		if b, ok := value.(bool); ok {
			return b, nil
		}
	case TypeArray:
		switch value.(type) {
		case []interface{}, []string, []float64:
			return value, nil
		default:
			if isSlice(value) {
				return value, nil
			}
		}
	case TypeObject:
		if _, ok := value.(map[string]interface{}); ok {
			return value, nil
		}
	default:
		return nil, errs.New(errs.ErrTypeMismatch, "field %s declares unknown type %q", f.Name, f.Type)
	}

	return nil, errs.New(errs.ErrTypeMismatch, "field %s expects %s, got %T", f.Name, f.Type, value)
}

func isSlice(v interface{}) bool {
	// Typed document slices pass through CheckValue untouched. The runner
	// owns their element types.
	k := reflect.ValueOf(v).Kind()
	return k == reflect.Slice || k == reflect.Array
}

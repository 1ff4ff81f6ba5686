package api

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// DataType is the JSON shape a data dependency must have.
type DataType string

const (
	TypeAny    DataType = "any"
	TypeString DataType = "string"
	TypeNumber DataType = "number"
	TypeBool   DataType = "bool"
	TypeObject DataType = "object"
	TypeArray  DataType = "array"
)

// Matches reports whether v has the JSON shape t describes. The check runs
// on the encoded value, so a Go int and a restored float64 both match
// TypeNumber.
func (t DataType) Matches(v any) bool {
	if t == TypeAny || t == "" {
		return true
	}
	b, err := json.Marshal(v)
	if err != nil {
		return false
	}
	res := gjson.ParseBytes(b)
	switch t {
	case TypeString:
		return res.Type == gjson.String
	case TypeNumber:
		return res.Type == gjson.Number
	case TypeBool:
		return res.Type == gjson.True || res.Type == gjson.False
	case TypeObject:
		return res.IsObject()
	case TypeArray:
		return res.IsArray()
	default:
		return false
	}
}

// NormalizeData converts v (a map, a struct or nil) into a JSON-shaped map
// by round-tripping it through encoding/json. The result only contains
// string, float64, bool, nil, map[string]any and []any values.
func NormalizeData(v any) (map[string]any, error) {
	if v == nil {
		return map[string]any{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: data is not serializable: %v", ErrValidation, err)
	}
	if !gjson.ParseBytes(b).IsObject() {
		if string(b) == "null" {
			return map[string]any{}, nil
		}
		return nil, fmt.Errorf("%w: data must be an object, got %s", ErrValidation, b)
	}
	out := map[string]any{}
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return out, nil
}

// CloneData deep-copies JSON container values (maps and slices). Other
// values are copied by assignment.
func CloneData(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneData(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}

// SelectPath looks up a gjson path ("order.items", "items.#.sku") in data.
func SelectPath(data map[string]any, path string) (any, bool) {
	b, err := json.Marshal(data)
	if err != nil {
		return nil, false
	}
	res := gjson.GetBytes(b, path)
	if !res.Exists() {
		return nil, false
	}
	return res.Value(), true
}

// SelectItems returns a DataSelector that reads the array at path. A
// missing path yields no items; a non-array value is an error.
func SelectItems(path string) DataSelector {
	return func(ec *ExecutionContext) ([]any, error) {
		v, ok := SelectPath(ec.Data(), path)
		if !ok || v == nil {
			return nil, nil
		}
		items, ok := v.([]any)
		if !ok {
			return nil, fmt.Errorf("%w: %q is not an array", ErrValidation, path)
		}
		return items, nil
	}
}

// Package snapshot models the facts known about a user's onboarding progress
// as a tree of JSON-shaped values addressed by dotted paths.
package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"unicode/utf16"
)

// Value is a sealed interface over the value kinds a snapshot may hold.
// Only Null, Bool, Number, String, Array and Object implement it.
type Value interface {
	Kind() Kind
}

// Kind names the variant of a Value.
type Kind string

const (
	KindNull   Kind = "null"
	KindBool   Kind = "boolean"
	KindNumber Kind = "number"
	KindString Kind = "string"
	KindArray  Kind = "array"
	KindObject Kind = "object"
)

// Null is an explicit JSON null. Lookups treat it as present but empty.
type Null struct{}

func (Null) Kind() Kind { return KindNull }

// MarshalJSON implements json.Marshaler.
func (Null) MarshalJSON() ([]byte, error) { return []byte("null"), nil }

type Bool bool

func (Bool) Kind() Kind { return KindBool }

type Number float64

func (Number) Kind() Kind { return KindNumber }

type String string

func (String) Kind() Kind { return KindString }

type Array []Value

func (Array) Kind() Kind { return KindArray }

// Object maps keys to values. Use SortedKeys for deterministic iteration.
type Object map[string]Value

func (Object) Kind() Kind { return KindObject }

// IsNull reports whether v is absent or an explicit null.
func IsNull(v Value) bool {
	if v == nil {
		return true
	}
	_, ok := v.(Null)
	return ok
}

// SortedKeys returns keys ordered by UTF-16 code units (RFC 8785 order).
func (o Object) SortedKeys() []string {
	keys := make([]string, 0, len(o))
	for k := range o {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)
	return keys
}

func compareUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))
	n := min(len(a16), len(b16))
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	}
	return 0
}

// Clone returns a deep copy of the object.
func (o Object) Clone() Object {
	out, _ := clone(o).(Object)
	return out
}

func clone(v Value) Value {
	switch val := v.(type) {
	case Object:
		out := make(Object, len(val))
		for k, child := range val {
			out[k] = clone(child)
		}
		return out
	case Array:
		out := make(Array, len(val))
		for i, child := range val {
			out[i] = clone(child)
		}
		return out
	default:
		return v
	}
}

// MarshalJSON writes the object with sorted keys.
func (o Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.SortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := Marshal(o[k])
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// MarshalJSON writes the array elements in order.
func (a Array) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, elem := range a {
		if i > 0 {
			buf.WriteByte(',')
		}
		b, err := Marshal(elem)
		if err != nil {
			return nil, fmt.Errorf("index %d: %w", i, err)
		}
		buf.Write(b)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

// Marshal encodes any Value as plain JSON.
func Marshal(v Value) ([]byte, error) {
	switch val := v.(type) {
	case nil, Null:
		return []byte("null"), nil
	case Bool:
		return json.Marshal(bool(val))
	case Number:
		if math.IsNaN(float64(val)) || math.IsInf(float64(val), 0) {
			return nil, fmt.Errorf("number %v is not representable in JSON", float64(val))
		}
		return json.Marshal(float64(val))
	case String:
		return json.Marshal(string(val))
	case Array:
		return val.MarshalJSON()
	case Object:
		return val.MarshalJSON()
	default:
		return nil, fmt.Errorf("unknown snapshot value type %T", v)
	}
}

// UnmarshalJSON decodes a JSON object into o.
func (o *Object) UnmarshalJSON(data []byte) error {
	v, err := Parse(data)
	if err != nil {
		return err
	}
	obj, ok := v.(Object)
	if !ok {
		return fmt.Errorf("snapshot must be a JSON object, got %s", v.Kind())
	}
	*o = obj
	return nil
}

// Parse decodes JSON into a Value.
func Parse(data []byte) (Value, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	return FromAny(raw)
}

// ParseObject decodes JSON that must be an object. Empty input yields an empty object.
func ParseObject(data []byte) (Object, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return Object{}, nil
	}
	var obj Object
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// FromAny converts decoded JSON (or plain Go literals) into a Value.
func FromAny(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case bool:
		return Bool(val), nil
	case string:
		return String(val), nil
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid number %s: %w", val, err)
		}
		return Number(f), nil
	case float64:
		return Number(val), nil
	case float32:
		return Number(val), nil
	case int:
		return Number(val), nil
	case int64:
		return Number(val), nil
	case []any:
		arr := make(Array, len(val))
		for i, elem := range val {
			child, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("[%d]: %w", i, err)
			}
			arr[i] = child
		}
		return arr, nil
	case map[string]any:
		obj := make(Object, len(val))
		for k, elem := range val {
			child, err := FromAny(elem)
			if err != nil {
				return nil, fmt.Errorf("[%q]: %w", k, err)
			}
			obj[k] = child
		}
		return obj, nil
	default:
		return nil, fmt.Errorf("unsupported snapshot value type %T", v)
	}
}

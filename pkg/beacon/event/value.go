package event

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
)

// Kind identifies which variant a Value holds.
type Kind int

// Value kinds. The zero Value is KindNull.
const (
	KindNull Kind = iota
	KindBool
	KindInt
	KindFloat
	KindString
	KindArray
	KindMap
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindString:
		return "string"
	case KindArray:
		return "array"
	case KindMap:
		return "map"
	default:
		return "unknown"
	}
}

// Value is a JSON-compatible property or trait value.
// Values are immutable once built; accessors return copies of
// composite contents.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	arr  []Value
	m    map[string]Value
}

// Properties maps property or trait keys to values.
type Properties map[string]Value

// Null returns the null value.
func Null() Value { return Value{} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Int returns an integer value.
func Int(i int64) Value { return Value{kind: KindInt, i: i} }

// Float returns a floating point value.
func Float(f float64) Value { return Value{kind: KindFloat, f: f} }

// String returns a string value.
func String(s string) Value { return Value{kind: KindString, s: s} }

// Array returns an array value holding a copy of vs.
func Array(vs ...Value) Value {
	arr := make([]Value, len(vs))
	copy(arr, vs)
	return Value{kind: KindArray, arr: arr}
}

// Map returns a map value holding a copy of m.
func Map(m map[string]Value) Value {
	return Value{kind: KindMap, m: copyValues(m)}
}

// Kind reports the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// AsBool returns the boolean and whether v holds one.
func (v Value) AsBool() (bool, bool) { return v.b, v.kind == KindBool }

// AsInt returns the integer and whether v holds one.
func (v Value) AsInt() (int64, bool) { return v.i, v.kind == KindInt }

// AsFloat returns v as a float64. Integers are converted.
func (v Value) AsFloat() (float64, bool) {
	switch v.kind {
	case KindFloat:
		return v.f, true
	case KindInt:
		return float64(v.i), true
	}
	return 0, false
}

// AsString returns the string and whether v holds one.
func (v Value) AsString() (string, bool) { return v.s, v.kind == KindString }

// AsArray returns a copy of the array elements.
func (v Value) AsArray() ([]Value, bool) {
	if v.kind != KindArray {
		return nil, false
	}
	out := make([]Value, len(v.arr))
	copy(out, v.arr)
	return out, true
}

// AsMap returns a copy of the map entries.
func (v Value) AsMap() (map[string]Value, bool) {
	if v.kind != KindMap {
		return nil, false
	}
	return copyValues(v.m), true
}

// Any converts v back to plain Go values: nil, bool, int64, float64,
// string, []any or map[string]any.
func (v Value) Any() any {
	switch v.kind {
	case KindBool:
		return v.b
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindString:
		return v.s
	case KindArray:
		out := make([]any, len(v.arr))
		for i, e := range v.arr {
			out[i] = e.Any()
		}
		return out
	case KindMap:
		out := make(map[string]any, len(v.m))
		for k, e := range v.m {
			out[k] = e.Any()
		}
		return out
	default:
		return nil
	}
}

// Equal reports whether v and other hold the same value.
// Integers and floats compare numerically.
func (v Value) Equal(other Value) bool {
	if vf, ok := v.AsFloat(); ok {
		of, ok := other.AsFloat()
		if !ok {
			return false
		}
		if v.kind == KindInt && other.kind == KindInt {
			return v.i == other.i
		}
		return vf == of
	}
	if v.kind != other.kind {
		return false
	}
	switch v.kind {
	case KindNull:
		return true
	case KindBool:
		return v.b == other.b
	case KindString:
		return v.s == other.s
	case KindArray:
		if len(v.arr) != len(other.arr) {
			return false
		}
		for i := range v.arr {
			if !v.arr[i].Equal(other.arr[i]) {
				return false
			}
		}
		return true
	case KindMap:
		return Properties(v.m).Equal(Properties(other.m))
	}
	return false
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindNull:
		return []byte("null"), nil
	case KindFloat:
		if math.IsNaN(v.f) || math.IsInf(v.f, 0) {
			return nil, fmt.Errorf("unsupported float value %v", v.f)
		}
		return json.Marshal(v.f)
	case KindArray:
		if v.arr == nil {
			return []byte("[]"), nil
		}
		return json.Marshal(v.arr)
	case KindMap:
		if v.m == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(v.m)
	default:
		return json.Marshal(v.Any())
	}
}

// UnmarshalJSON implements json.Unmarshaler. Whole numbers that fit in
// an int64 decode as KindInt.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	parsed, err := FromAny(raw)
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}

// FromAny converts a plain Go value into a Value. Supported inputs are
// nil, bool, all integer and float kinds, json.Number, string, Value,
// []any, []string, map[string]any, map[string]string and Properties.
func FromAny(x any) (Value, error) {
	switch val := x.(type) {
	case nil:
		return Null(), nil
	case Value:
		return val, nil
	case bool:
		return Bool(val), nil
	case int:
		return Int(int64(val)), nil
	case int8:
		return Int(int64(val)), nil
	case int16:
		return Int(int64(val)), nil
	case int32:
		return Int(int64(val)), nil
	case int64:
		return Int(val), nil
	case uint:
		return fromUint(uint64(val))
	case uint8:
		return Int(int64(val)), nil
	case uint16:
		return Int(int64(val)), nil
	case uint32:
		return Int(int64(val)), nil
	case uint64:
		return fromUint(val)
	case float32:
		return Float(float64(val)), nil
	case float64:
		return Float(val), nil
	case json.Number:
		if i, err := val.Int64(); err == nil {
			return Int(i), nil
		}
		f, err := val.Float64()
		if err != nil {
			return Value{}, fmt.Errorf("invalid number %q: %w", val, err)
		}
		return Float(f), nil
	case string:
		return String(val), nil
	case []string:
		arr := make([]Value, len(val))
		for i, s := range val {
			arr[i] = String(s)
		}
		return Value{kind: KindArray, arr: arr}, nil
	case []any:
		arr := make([]Value, len(val))
		for i, e := range val {
			conv, err := FromAny(e)
			if err != nil {
				return Value{}, fmt.Errorf("index %d: %w", i, err)
			}
			arr[i] = conv
		}
		return Value{kind: KindArray, arr: arr}, nil
	case map[string]string:
		m := make(map[string]Value, len(val))
		for k, s := range val {
			m[k] = String(s)
		}
		return Value{kind: KindMap, m: m}, nil
	case map[string]any:
		m := make(map[string]Value, len(val))
		for k, e := range val {
			conv, err := FromAny(e)
			if err != nil {
				return Value{}, fmt.Errorf("key %q: %w", k, err)
			}
			m[k] = conv
		}
		return Value{kind: KindMap, m: m}, nil
	case Properties:
		return Map(val), nil
	default:
		return Value{}, fmt.Errorf("unsupported value type %T", x)
	}
}

func fromUint(u uint64) (Value, error) {
	if u > math.MaxInt64 {
		return Value{}, fmt.Errorf("integer %d overflows int64", u)
	}
	return Int(int64(u)), nil
}

// PropertiesFromMap converts a plain map into Properties.
func PropertiesFromMap(m map[string]any) (Properties, error) {
	if len(m) == 0 {
		return nil, nil
	}
	props := make(Properties, len(m))
	for k, x := range m {
		v, err := FromAny(x)
		if err != nil {
			return nil, fmt.Errorf("property %q: %w", k, err)
		}
		props[k] = v
	}
	return props, nil
}

// Equal reports whether p and other contain the same keys and values.
// Nil and empty maps are equal.
func (p Properties) Equal(other Properties) bool {
	if len(p) != len(other) {
		return false
	}
	for k, v := range p {
		ov, ok := other[k]
		if !ok || !v.Equal(ov) {
			return false
		}
	}
	return true
}

// Keys returns the property keys in sorted order.
func (p Properties) Keys() []string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Clone returns a copy of p, or nil when p is empty.
func (p Properties) Clone() Properties {
	if len(p) == 0 {
		return nil
	}
	return Properties(copyValues(p))
}

// ToMap converts p to plain Go values.
func (p Properties) ToMap() map[string]any {
	out := make(map[string]any, len(p))
	for k, v := range p {
		out[k] = v.Any()
	}
	return out
}

func copyValues(m map[string]Value) map[string]Value {
	if m == nil {
		return nil
	}
	out := make(map[string]Value, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

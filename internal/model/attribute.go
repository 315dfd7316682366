package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// ValueKind identifies which field of a Value is set.
type ValueKind uint8

const (
	KindEmpty ValueKind = iota
	KindString
	KindInt64
	KindFloat64
	KindBool
)

// Value is a scalar attribute value: a string, an integer, a float or a bool.
type Value struct {
	kind ValueKind
	str  string
	num  int64
	flt  float64
	b    bool
}

func String(v string) Value   { return Value{kind: KindString, str: v} }
func Int64(v int64) Value     { return Value{kind: KindInt64, num: v} }
func Float64(v float64) Value { return Value{kind: KindFloat64, flt: v} }
func Bool(v bool) Value       { return Value{kind: KindBool, b: v} }

// Kind returns the variant held by v.
func (v Value) Kind() ValueKind { return v.kind }

func (v Value) AsString() string   { return v.str }
func (v Value) AsInt64() int64     { return v.num }
func (v Value) AsFloat64() float64 { return v.flt }
func (v Value) AsBool() bool       { return v.b }

// Emit returns the string form of v regardless of its kind.
func (v Value) Emit() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindInt64:
		return strconv.FormatInt(v.num, 10)
	case KindFloat64:
		return strconv.FormatFloat(v.flt, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return ""
	}
}

// Any returns v as a plain Go value (string, int64, float64, bool or nil).
func (v Value) Any() any {
	switch v.kind {
	case KindString:
		return v.str
	case KindInt64:
		return v.num
	case KindFloat64:
		return v.flt
	case KindBool:
		return v.b
	default:
		return nil
	}
}

// MarshalJSON encodes v as a bare JSON scalar. NaN and infinities have no JSON
// number form and are encoded as the strings "NaN", "+Inf" and "-Inf".
func (v Value) MarshalJSON() ([]byte, error) {
	if v.kind == KindFloat64 && (math.IsNaN(v.flt) || math.IsInf(v.flt, 0)) {
		return json.Marshal(v.Emit())
	}
	return json.Marshal(v.Any())
}

// UnmarshalJSON decodes a JSON scalar. Integral numbers become Int64, other
// numbers Float64.
func (v *Value) UnmarshalJSON(data []byte) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return err
	}
	switch x := raw.(type) {
	case nil:
		*v = Value{}
	case string:
		*v = String(x)
	case bool:
		*v = Bool(x)
	case json.Number:
		if n, err := x.Int64(); err == nil {
			*v = Int64(n)
			return nil
		}
		f, err := x.Float64()
		if err != nil {
			return fmt.Errorf("model: decode number %q: %w", x, err)
		}
		*v = Float64(f)
	default:
		return fmt.Errorf("model: attribute value must be a scalar, got %T", raw)
	}
	return nil
}

// Attributes maps unique keys to scalar values. Setting an existing key replaces it.
type Attributes map[string]Value

// Set stores val under key, replacing any previous value.
func (a Attributes) Set(key string, val Value) {
	a[key] = val
}

// Merge copies every entry of other into a; other wins on conflicts.
func (a Attributes) Merge(other Attributes) {
	for k, v := range other {
		a[k] = v
	}
}

// Clone returns a shallow copy of a. A nil map clones to an empty one.
func (a Attributes) Clone() Attributes {
	out := make(Attributes, len(a))
	for k, v := range a {
		out[k] = v
	}
	return out
}

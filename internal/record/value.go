package record

import (
	"encoding/json"
	"fmt"
	"math"
	"time"
)

// Kind tags the primitive type held by a Value.
type Kind string

const (
	KindNull   Kind = "null"
	KindString Kind = "string"
	KindInt    Kind = "int"
	KindFloat  Kind = "float"
	KindBool   Kind = "bool"
	KindTime   Kind = "time"
)

// Value is a single payload field. Only the member matching kind is meaningful.
type Value struct {
	kind Kind
	s    string
	i    int64
	f    float64
	b    bool
	t    time.Time
}

func Null() Value               { return Value{kind: KindNull} }
func String(s string) Value     { return Value{kind: KindString, s: s} }
func Int(i int64) Value         { return Value{kind: KindInt, i: i} }
func Float(f float64) Value     { return Value{kind: KindFloat, f: f} }
func Bool(b bool) Value         { return Value{kind: KindBool, b: b} }
func Time(t time.Time) Value    { return Value{kind: KindTime, t: t.UTC()} }
func (v Value) Kind() Kind      { return v.normalizedKind() }
func (v Value) Str() string     { return v.s }
func (v Value) Int() int64      { return v.i }
func (v Value) Float() float64  { return v.f }
func (v Value) Bool() bool      { return v.b }
func (v Value) Time() time.Time { return v.t }

// the zero Value is a null
func (v Value) normalizedKind() Kind {
	if v.kind == "" {
		return KindNull
	}
	return v.kind
}

// Equal compares kind and the held member.
func (v Value) Equal(o Value) bool {
	if v.normalizedKind() != o.normalizedKind() {
		return false
	}
	switch v.normalizedKind() {
	case KindString:
		return v.s == o.s
	case KindInt:
		return v.i == o.i
	case KindFloat:
		return v.f == o.f || (math.IsNaN(v.f) && math.IsNaN(o.f))
	case KindBool:
		return v.b == o.b
	case KindTime:
		return v.t.Equal(o.t)
	}
	return true
}

// String renders the value for logs.
func (v Value) String() string {
	switch v.normalizedKind() {
	case KindString:
		return v.s
	case KindInt:
		return fmt.Sprintf("%d", v.i)
	case KindFloat:
		return fmt.Sprintf("%g", v.f)
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindTime:
		return v.t.Format(time.RFC3339Nano)
	}
	return "null"
}

type wireValue struct {
	Kind Kind            `json:"kind"`
	V    json.RawMessage `json:"v,omitempty"`
}

// MarshalJSON keeps the kind next to the value so a round trip does not widen ints to floats.
func (v Value) MarshalJSON() ([]byte, error) {
	var (
		raw []byte
		err error
	)
	switch v.normalizedKind() {
	case KindString:
		raw, err = json.Marshal(v.s)
	case KindInt:
		raw, err = json.Marshal(v.i)
	case KindFloat:
		raw, err = json.Marshal(v.f)
	case KindBool:
		raw, err = json.Marshal(v.b)
	case KindTime:
		raw, err = json.Marshal(v.t)
	}
	if err != nil {
		return nil, err
	}
	return json.Marshal(wireValue{Kind: v.normalizedKind(), V: raw})
}

// UnmarshalJSON decodes the tagged form written by MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	var w wireValue
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}

	out := Value{kind: w.Kind}
	var err error
	switch w.Kind {
	case KindNull, "":
		out.kind = KindNull
	case KindString:
		err = json.Unmarshal(w.V, &out.s)
	case KindInt:
		err = json.Unmarshal(w.V, &out.i)
	case KindFloat:
		err = json.Unmarshal(w.V, &out.f)
	case KindBool:
		err = json.Unmarshal(w.V, &out.b)
	case KindTime:
		err = json.Unmarshal(w.V, &out.t)
	default:
		return fmt.Errorf("unknown value kind: %s", w.Kind)
	}
	if err != nil {
		return fmt.Errorf("failed to decode %s value: %w", w.Kind, err)
	}

	*v = out
	return nil
}

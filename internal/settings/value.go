// ABOUTME: Tagged scalar value stored for every parameter (string, number, bool)
// ABOUTME: Numbers keep their received JSON text so "1" and 1 stay distinct values

package settings

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// Kind identifies which variant a Value holds.
type Kind int

const (
	KindInvalid Kind = iota
	KindString
	KindNumber
	KindBool
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindNumber:
		return "number"
	case KindBool:
		return "bool"
	default:
		return "invalid"
	}
}

// Value is a dynamically typed parameter value. The zero Value is invalid and
// marshals as JSON null.
type Value struct {
	kind Kind
	str  string // string payload, or the literal JSON text of a number
	b    bool
}

// String returns a string Value.
func String(s string) Value { return Value{kind: KindString, str: s} }

// Bool returns a boolean Value.
func Bool(b bool) Value { return Value{kind: KindBool, b: b} }

// Number returns a numeric Value formatted with the shortest representation.
func Number(f float64) Value {
	return Value{kind: KindNumber, str: strconv.FormatFloat(f, 'f', -1, 64)}
}

// Kind reports the variant held by v.
func (v Value) Kind() Kind { return v.kind }

// IsValid reports whether v holds any variant.
func (v Value) IsValid() bool { return v.kind != KindInvalid }

// Str returns the string payload and whether v is a string.
func (v Value) Str() (string, bool) { return v.str, v.kind == KindString }

// BoolValue returns the boolean payload and whether v is a boolean.
func (v Value) BoolValue() (bool, bool) { return v.b, v.kind == KindBool }

// Float returns the numeric payload and whether v is a number.
func (v Value) Float() (float64, bool) {
	if v.kind != KindNumber {
		return 0, false
	}
	f, err := strconv.ParseFloat(v.str, 64)
	return f, err == nil
}

// Equal reports whether both values hold the same variant and payload.
// Numbers compare by their received text.
func (v Value) Equal(o Value) bool {
	return v.kind == o.kind && v.str == o.str && v.b == o.b
}

func (v Value) String() string {
	switch v.kind {
	case KindString, KindNumber:
		return v.str
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return "<invalid>"
	}
}

// MarshalJSON implements json.Marshaler.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindString:
		return json.Marshal(v.str)
	case KindNumber:
		return []byte(v.str), nil
	case KindBool:
		if v.b {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	default:
		return []byte("null"), nil
	}
}

// UnmarshalJSON accepts a JSON string, number or boolean. Objects, arrays and
// null are rejected.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty value")
	}
	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Bool(b)
	case 'n':
		return fmt.Errorf("value must not be null")
	case '{', '[':
		return fmt.Errorf("value must be a string, number or boolean")
	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*v = Value{kind: KindNumber, str: n.String()}
	}
	return nil
}

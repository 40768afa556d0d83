// ABOUTME: Parameter descriptors (text, range, select, checkbox) consumed by settings forms
// ABOUTME: Provides shape validation, value checks and descriptor-derived default values

package settings

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"
)

// DescriptorType is the closed set of descriptor variants.
type DescriptorType string

const (
	TypeText     DescriptorType = "text"
	TypeRange    DescriptorType = "range"
	TypeSelect   DescriptorType = "select"
	TypeCheckbox DescriptorType = "checkbox"
)

// ErrInvalidDescriptor is returned for descriptors outside the closed variant set.
var ErrInvalidDescriptor = errors.New("invalid descriptor")

// ErrInvalidValue is returned when a value does not satisfy its descriptor.
var ErrInvalidValue = errors.New("invalid value")

// Descriptor describes how a parameter is validated and rendered.
type Descriptor struct {
	Type    DescriptorType `json:"type"`
	Min     *float64       `json:"min,omitempty"`
	Max     *float64       `json:"max,omitempty"`
	Unit    string         `json:"unit,omitempty"`
	Options []string       `json:"options,omitempty"`
}

// Text returns a text descriptor.
func Text() Descriptor { return Descriptor{Type: TypeText} }

// Checkbox returns a checkbox descriptor.
func Checkbox() Descriptor { return Descriptor{Type: TypeCheckbox} }

// Range returns a numeric range descriptor.
func Range(lo, hi float64, unit string) Descriptor {
	return Descriptor{Type: TypeRange, Min: &lo, Max: &hi, Unit: unit}
}

// Select returns an enumerated descriptor.
func Select(options ...string) Descriptor {
	return Descriptor{Type: TypeSelect, Options: slices.Clone(options)}
}

// Validate checks the descriptor shape.
func (d Descriptor) Validate() error {
	switch d.Type {
	case TypeText, TypeCheckbox:
		return nil
	case TypeRange:
		if d.Min != nil && d.Max != nil && *d.Min > *d.Max {
			return fmt.Errorf("%w: range min %v exceeds max %v", ErrInvalidDescriptor, *d.Min, *d.Max)
		}
		return nil
	case TypeSelect:
		if len(d.Options) == 0 {
			return fmt.Errorf("%w: select requires options", ErrInvalidDescriptor)
		}
		return nil
	case "":
		return fmt.Errorf("%w: missing type", ErrInvalidDescriptor)
	default:
		return fmt.Errorf("%w: unknown type %q", ErrInvalidDescriptor, d.Type)
	}
}

// Normalize drops fields that do not belong to the descriptor's variant.
// Deep merges can leave range bounds on a descriptor that became a select.
func (d Descriptor) Normalize() Descriptor {
	switch d.Type {
	case TypeRange:
		return Descriptor{Type: d.Type, Min: d.Min, Max: d.Max, Unit: d.Unit}
	case TypeSelect:
		return Descriptor{Type: d.Type, Options: slices.Clone(d.Options)}
	default:
		return Descriptor{Type: d.Type}
	}
}

func (d Descriptor) clone() Descriptor {
	c := d
	if d.Min != nil {
		lo := *d.Min
		c.Min = &lo
	}
	if d.Max != nil {
		hi := *d.Max
		c.Max = &hi
	}
	c.Options = slices.Clone(d.Options)
	return c
}

// Check reports whether v is acceptable for the descriptor.
// Ranges accept numeric strings because the front end submits text inputs.
func (d Descriptor) Check(v Value) error {
	switch d.Type {
	case TypeText:
		if _, ok := v.Str(); !ok {
			return fmt.Errorf("%w: text expects a string, got %s", ErrInvalidValue, v.Kind())
		}
	case TypeCheckbox:
		if _, ok := v.BoolValue(); !ok {
			return fmt.Errorf("%w: checkbox expects a boolean, got %s", ErrInvalidValue, v.Kind())
		}
	case TypeSelect:
		s, ok := v.Str()
		if !ok || !slices.Contains(d.Options, s) {
			return fmt.Errorf("%w: %s is not one of [%s]", ErrInvalidValue, v, strings.Join(d.Options, ", "))
		}
	case TypeRange:
		f, ok := v.Float()
		if !ok {
			s, isStr := v.Str()
			if !isStr {
				return fmt.Errorf("%w: range expects a number, got %s", ErrInvalidValue, v.Kind())
			}
			var err error
			if f, err = strconv.ParseFloat(strings.TrimSpace(s), 64); err != nil {
				return fmt.Errorf("%w: range expects a number, got %q", ErrInvalidValue, s)
			}
		}
		if d.Min != nil && f < *d.Min {
			return fmt.Errorf("%w: %v below minimum %v", ErrInvalidValue, f, *d.Min)
		}
		if d.Max != nil && f > *d.Max {
			return fmt.Errorf("%w: %v above maximum %v", ErrInvalidValue, f, *d.Max)
		}
	default:
		return d.Validate()
	}
	return nil
}

// DefaultValue returns the value a freshly created parameter starts with when
// the client supplies no initial value.
func (d Descriptor) DefaultValue() Value {
	switch d.Type {
	case TypeRange:
		if d.Min != nil {
			return Number(*d.Min)
		}
		return Number(0)
	case TypeSelect:
		if len(d.Options) > 0 {
			return String(d.Options[0])
		}
		return String("")
	case TypeCheckbox:
		return Bool(false)
	default:
		return String("")
	}
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
)

// AttributeType enumerates the kinds of values an Attribute can hold.
type AttributeType int

const (
	AttrUndefined AttributeType = iota
	AttrInt
	AttrFloat
	AttrString
	AttrInts
	AttrFloats
	AttrStrings
	AttrTensor
)

var attributeTypeNames = []string{"UNDEFINED", "INT", "FLOAT", "STRING", "INTS", "FLOATS", "STRINGS", "TENSOR"}

// String implements fmt.Stringer.
func (t AttributeType) String() string {
	if int(t) < 0 || int(t) >= len(attributeTypeNames) {
		return fmt.Sprintf("AttributeType(%d)", int(t))
	}
	return attributeTypeNames[t]
}

// Attribute is a named static value attached to a node: a tagged union where only the field
// corresponding to Type is set.
type Attribute struct {
	Name string
	Type AttributeType

	Int     int64
	Float   float32
	Str     string
	Ints    []int64
	Floats  []float32
	Strings []string
	Tensor  *Tensor
}

// IntAttr creates an integer attribute.
func IntAttr(name string, value int64) Attribute {
	return Attribute{Name: name, Type: AttrInt, Int: value}
}

// FloatAttr creates a float attribute.
func FloatAttr(name string, value float32) Attribute {
	return Attribute{Name: name, Type: AttrFloat, Float: value}
}

// StringAttr creates a string attribute.
func StringAttr(name string, value string) Attribute {
	return Attribute{Name: name, Type: AttrString, Str: value}
}

// IntsAttr creates an integer list attribute.
func IntsAttr(name string, values []int64) Attribute {
	return Attribute{Name: name, Type: AttrInts, Ints: slices.Clone(values)}
}

// FloatsAttr creates a float list attribute.
func FloatsAttr(name string, values []float32) Attribute {
	return Attribute{Name: name, Type: AttrFloats, Floats: slices.Clone(values)}
}

// StringsAttr creates a string list attribute.
func StringsAttr(name string, values []string) Attribute {
	return Attribute{Name: name, Type: AttrStrings, Strings: slices.Clone(values)}
}

// TensorAttr creates a tensor attribute.
func TensorAttr(name string, tensor *Tensor) Attribute {
	return Attribute{Name: name, Type: AttrTensor, Tensor: tensor}
}

// String implements fmt.Stringer.
func (a Attribute) String() string {
	var value string
	switch a.Type {
	case AttrInt:
		value = fmt.Sprintf("%d", a.Int)
	case AttrFloat:
		value = fmt.Sprintf("%g", a.Float)
	case AttrString:
		value = fmt.Sprintf("%q", a.Str)
	case AttrInts:
		value = fmt.Sprintf("%v", a.Ints)
	case AttrFloats:
		value = fmt.Sprintf("%v", a.Floats)
	case AttrStrings:
		value = fmt.Sprintf("%q", a.Strings)
	case AttrTensor:
		value = a.Tensor.String()
	default:
		value = "<undefined>"
	}
	return a.Name + "=" + value
}

// Attributes maps attribute names to values.
type Attributes map[string]Attribute

// Names returns the sorted attribute names.
func (attrs Attributes) Names() []string {
	return slices.Sorted(maps.Keys(attrs))
}

// Has returns whether the attribute is set.
func (attrs Attributes) Has(name string) bool {
	_, found := attrs[name]
	return found
}

// Clone returns a shallow copy of the attributes: attribute values are not deep copied.
func (attrs Attributes) Clone() Attributes {
	if attrs == nil {
		return nil
	}
	return maps.Clone(attrs)
}

// get returns the attribute if present, and panics if it is present with the wrong type.
func (attrs Attributes) get(name string, attrType AttributeType) (Attribute, bool) {
	attr, found := attrs[name]
	if !found {
		return attr, false
	}
	if attr.Type != attrType {
		exceptions.Panicf("attribute %q has type %s, wanted %s", name, attr.Type, attrType)
	}
	return attr, true
}

// GetInt returns the integer attribute. It panics if it is missing or of the wrong type.
func (attrs Attributes) GetInt(name string) int64 {
	attr, found := attrs.get(name, AttrInt)
	if !found {
		exceptions.Panicf("required attribute %q is missing", name)
	}
	return attr.Int
}

// GetIntOr returns the integer attribute if present, or the defaultValue.
// It panics if the attribute is present but of the wrong type.
func (attrs Attributes) GetIntOr(name string, defaultValue int64) int64 {
	if attr, found := attrs.get(name, AttrInt); found {
		return attr.Int
	}
	return defaultValue
}

// GetFloatOr returns the float attribute if present, or the defaultValue.
// It panics if the attribute is present but of the wrong type.
func (attrs Attributes) GetFloatOr(name string, defaultValue float32) float32 {
	if attr, found := attrs.get(name, AttrFloat); found {
		return attr.Float
	}
	return defaultValue
}

// GetStringOr returns the string attribute if present, or the defaultValue.
// It panics if the attribute is present but of the wrong type.
func (attrs Attributes) GetStringOr(name string, defaultValue string) string {
	if attr, found := attrs.get(name, AttrString); found {
		return attr.Str
	}
	return defaultValue
}

// GetIntsOr returns the integer list attribute if present, or the defaultValues.
// It panics if the attribute is present but of the wrong type.
func (attrs Attributes) GetIntsOr(name string, defaultValues []int64) []int64 {
	if attr, found := attrs.get(name, AttrInts); found {
		return attr.Ints
	}
	return defaultValues
}

// GetFloatsOr returns the float list attribute if present, or the defaultValues.
// It panics if the attribute is present but of the wrong type.
func (attrs Attributes) GetFloatsOr(name string, defaultValues []float32) []float32 {
	if attr, found := attrs.get(name, AttrFloats); found {
		return attr.Floats
	}
	return defaultValues
}

// GetTensor returns the tensor attribute, or nil if not present.
// It panics if the attribute is present but of the wrong type.
func (attrs Attributes) GetTensor(name string) *Tensor {
	if attr, found := attrs.get(name, AttrTensor); found {
		return attr.Tensor
	}
	return nil
}

// ParseAttributeType converts the upper or lower case name of an attribute type to AttributeType.
func ParseAttributeType(name string) (AttributeType, bool) {
	idx := slices.Index(attributeTypeNames, strings.ToUpper(name))
	if idx <= 0 {
		return AttrUndefined, false
	}
	return AttributeType(idx), true
}

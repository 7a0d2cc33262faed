// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package shapes defines Shape, the element type plus dimensions of a tensor in the computation graph.
//
// Dimensions may be concrete (> 0, or 0 for empty axes), symbolic (DimDynamic with an axis name, the
// equivalent of an ONNX dim_param) or unknown (DimDynamic without a name). The rank itself may also be
// unknown, see MakeUnranked.
//
// Shapes are value types: the functions in this package never modify their inputs, and return copies
// when needed.
package shapes

import (
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/gradgraph/pkg/core/dtypes"
	"github.com/pkg/errors"
)

// DimDynamic marks an axis whose dimension is not known at graph-building time.
// If the axis has a name (see Shape.AxisNames) it is symbolic, otherwise it is unknown.
const DimDynamic = -1

// Shape represents the shape of a tensor: its element type and its dimensions.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int

	// AxisNames holds optional names for the axes, used for symbolic dimensions.
	// It is either nil or of the same length as Dimensions. Empty names are unnamed axes.
	AxisNames []string

	// UnknownRank is set for tensors of known element type but unknown rank.
	// Dimensions and AxisNames are nil in that case.
	UnknownRank bool
}

// Make returns a Shape structure filled with the values given.
func Make(dtype dtypes.DType, dimensions ...int) Shape {
	s := Shape{DType: dtype, Dimensions: slices.Clone(dimensions)}
	for _, dim := range dimensions {
		if dim < 0 && dim != DimDynamic {
			panic(errors.Errorf("shapes.Make(%s): cannot create a shape with a negative axis dimension %d",
				dtype, dim))
		}
	}
	return s
}

// Scalar returns a scalar Shape for the given dtype.
func Scalar(dtype dtypes.DType) Shape {
	return Shape{DType: dtype}
}

// MakeUnranked returns a Shape with known element type, but unknown rank.
func MakeUnranked(dtype dtypes.DType) Shape {
	return Shape{DType: dtype, UnknownRank: true}
}

// MakeDynamic creates a Shape where each dimension is either an int (a concrete dimension, or DimDynamic
// for an unknown one) or a string (a symbolic dimension with that name).
//
// Example:
//
//	shapes.MakeDynamic(dtypes.Float32, "batch", 128, shapes.DimDynamic)
func MakeDynamic(dtype dtypes.DType, dims ...any) Shape {
	s := Shape{DType: dtype, Dimensions: make([]int, len(dims))}
	for i, dim := range dims {
		switch v := dim.(type) {
		case int:
			if v < 0 && v != DimDynamic {
				panic(errors.Errorf("shapes.MakeDynamic(%s): invalid dimension %d for axis %d", dtype, v, i))
			}
			s.Dimensions[i] = v
		case string:
			if v == "" {
				panic(errors.Errorf("shapes.MakeDynamic(%s): empty axis name for axis %d, use DimDynamic", dtype, i))
			}
			if s.AxisNames == nil {
				s.AxisNames = make([]string, len(dims))
			}
			s.Dimensions[i] = DimDynamic
			s.AxisNames[i] = v
		default:
			panic(errors.Errorf("shapes.MakeDynamic(%s): dimension %d must be an int or a string, got %T", dtype, i, dim))
		}
	}
	return s
}

// Ok returns whether this is a valid Shape: a valid dtype with a known rank, or with UnknownRank set.
func (s Shape) Ok() bool {
	return s.DType != dtypes.InvalidDType
}

// Rank of the shape, that is, the number of axes. It returns -1 if the rank is unknown.
func (s Shape) Rank() int {
	if s.UnknownRank {
		return -1
	}
	return len(s.Dimensions)
}

// IsScalar returns whether the shape represents a scalar, that is, a shape with no axes.
func (s Shape) IsScalar() bool {
	return !s.UnknownRank && len(s.Dimensions) == 0
}

// Dim returns the dimension of the given axis. Negative values for axis are counted from the end.
// It panics if the axis is out of range.
func (s Shape) Dim(axis int) int {
	adjusted := axis
	if adjusted < 0 {
		adjusted += s.Rank()
	}
	if adjusted < 0 || adjusted >= s.Rank() {
		panic(errors.Errorf("Shape.Dim(%d) out-of-bounds for shape %s", axis, s))
	}
	return s.Dimensions[adjusted]
}

// AxisName returns the name of the axis, or "" if it is unnamed.
func (s Shape) AxisName(axis int) string {
	if s.AxisNames == nil || axis < 0 || axis >= len(s.AxisNames) {
		return ""
	}
	return s.AxisNames[axis]
}

// IsSymbolic returns whether the axis has a symbolic (named, dynamic) dimension.
func (s Shape) IsSymbolic(axis int) bool {
	return s.Dimensions[axis] == DimDynamic && s.AxisName(axis) != ""
}

// IsDynamic returns whether any of the dimensions (or the rank) are not known.
func (s Shape) IsDynamic() bool {
	return s.UnknownRank || slices.Contains(s.Dimensions, DimDynamic)
}

// HasNamedAxes returns whether any of the axes has a name.
func (s Shape) HasNamedAxes() bool {
	return slices.ContainsFunc(s.AxisNames, func(name string) bool { return name != "" })
}

// IsFullyConcrete returns whether all dimensions are known.
func (s Shape) IsFullyConcrete() bool {
	return !s.IsDynamic()
}

// IsResolvable returns whether every axis is either concrete or symbolic: that is, rank is known and
// there are no unnamed unknown dimensions.
func (s Shape) IsResolvable() bool {
	if s.UnknownRank {
		return false
	}
	for axis, dim := range s.Dimensions {
		if dim == DimDynamic && s.AxisName(axis) == "" {
			return false
		}
	}
	return true
}

// Size returns the number of elements of the shape. It panics if the shape is dynamic.
func (s Shape) Size() int {
	if s.IsDynamic() {
		panic(errors.Errorf("Shape.Size() not defined for dynamic shape %s", s))
	}
	size := 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return size
}

// WithDType returns a copy of the shape with the dtype changed.
func (s Shape) WithDType(dtype dtypes.DType) Shape {
	s2 := s.Clone()
	s2.DType = dtype
	return s2
}

// Clone returns a new deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{
		DType:       s.DType,
		Dimensions:  slices.Clone(s.Dimensions),
		AxisNames:   slices.Clone(s.AxisNames),
		UnknownRank: s.UnknownRank,
	}
}

// Equal compares two shapes for equality: dtype, dimensions and axis names are compared.
func (s Shape) Equal(s2 Shape) bool {
	if s.DType != s2.DType || s.UnknownRank != s2.UnknownRank || s.Rank() != s2.Rank() {
		return false
	}
	for axis := range s.Dimensions {
		if s.Dimensions[axis] != s2.Dimensions[axis] || s.AxisName(axis) != s2.AxisName(axis) {
			return false
		}
	}
	return true
}

// EqualDimensions compares dimensions and axis names, ignoring the dtype.
func (s Shape) EqualDimensions(s2 Shape) bool {
	return s.WithDType(s2.DType).Equal(s2)
}

// DimString returns the string representation of one axis: the dimension, the axis name or "?".
func (s Shape) DimString(axis int) string {
	dim := s.Dimensions[axis]
	if dim != DimDynamic {
		return strconv.Itoa(dim)
	}
	if name := s.AxisName(axis); name != "" {
		return name
	}
	return "?"
}

// String implements stringer, pretty-prints the shape.
func (s Shape) String() string {
	if s.UnknownRank {
		return fmt.Sprintf("(%s)[...]", s.DType)
	}
	if s.IsScalar() {
		return fmt.Sprintf("(%s)", s.DType)
	}
	parts := make([]string, len(s.Dimensions))
	for axis := range s.Dimensions {
		parts[axis] = s.DimString(axis)
	}
	return fmt.Sprintf("(%s)[%s]", s.DType, strings.Join(parts, " "))
}

// Int64Dimensions returns the dimensions as int64, the form used in shape tensors.
// Dynamic dimensions are returned as DimDynamic.
func (s Shape) Int64Dimensions() []int64 {
	dims := make([]int64, len(s.Dimensions))
	for i, dim := range s.Dimensions {
		dims[i] = int64(dim)
	}
	return dims
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dtypes includes the DType enum for the element types of the tensors in a computation graph.
//
// It is a trimmed fork of the GoMLX dtypes package: it keeps the PJRT numbering of the enum, and adds
// the mapping to the ONNX element type codes used in graph files, plus the 8-bit float formats used
// by constant synthesis.
package dtypes

import (
	"maps"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/gradgraph/pkg/core/dtypes/bfloat16"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// panicf panics with the formatted description.
//
// It is only used for "bugs in the code" -- when parameters don't follow the specifications.
// In principle, it should never happen -- the same way nil-pointer panics should never happen.
func panicf(format string, args ...any) {
	panic(errors.Errorf(format, args...))
}

func init() {
	// Add a mapping to the lower-case version of dtypes.
	keys := slices.Collect(maps.Keys(MapOfNames))
	for _, key := range keys {
		lowerKey := strings.ToLower(key)
		if lowerKey == key {
			continue
		}
		if _, found := MapOfNames[lowerKey]; found {
			continue
		}
		MapOfNames[lowerKey] = MapOfNames[key]
	}
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if name, found := canonicalNames[dtype]; found {
		return name
	}
	return "DType(" + strconv.Itoa(int(dtype)) + ")"
}

// FromName returns the DType for the given name, or aliases. It accepts lower-case names.
// It returns InvalidDType if the name is not known.
func FromName(name string) DType {
	if dtype, found := MapOfNames[name]; found {
		return dtype
	}
	return InvalidDType
}

// ONNXType returns the ONNX TensorProto.DataType code for dtype, or ONNXUndefined if there isn't one.
func (dtype DType) ONNXType() int32 {
	return dtypeToONNX[dtype]
}

// FromONNX returns the DType for the ONNX TensorProto.DataType code, or InvalidDType if unknown.
func FromONNX(code int32) DType {
	if dtype, found := onnxToDType[code]; found {
		return dtype
	}
	return InvalidDType
}

// Supported lists the Go types that can be converted to a DType with FromGenericsType.
type Supported interface {
	bool | float16.Float16 | bfloat16.BFloat16 | float32 | float64 | int | int32 | int8 | int16 | int64 |
		uint8 | uint16 | uint32 | uint64
}

// FromGenericsType returns the DType enum for the given type that this package knows about.
func FromGenericsType[T Supported]() DType {
	var t T
	switch (any(t)).(type) {
	case float64:
		return Float64
	case float32:
		return Float32
	case float16.Float16:
		return Float16
	case bfloat16.BFloat16:
		return BFloat16
	case int:
		switch strconv.IntSize {
		case 32:
			return Int32
		case 64:
			return Int64
		default:
			panicf("Cannot use int of %d bits -- try using int32 or int64", strconv.IntSize)
		}
	case int64:
		return Int64
	case int32:
		return Int32
	case int16:
		return Int16
	case int8:
		return Int8
	case bool:
		return Bool
	case uint8:
		return Uint8
	case uint16:
		return Uint16
	case uint32:
		return Uint32
	case uint64:
		return Uint64
	}
	return InvalidDType
}

// byteSizes of the fixed-size dtypes. The 8-bit floats are stored in their raw uint8 encoding.
var byteSizes = map[DType]int{
	Bool: 1, Int8: 1, Uint8: 1,
	Int16: 2, Uint16: 2, Float16: 2, BFloat16: 2,
	Int32: 4, Uint32: 4, Float32: 4,
	Int64: 8, Uint64: 8, Float64: 8, Complex64: 8,
	Complex128: 16,
	F8E5M2: 1, F8E4M3FN: 1, F8E4M3B11FNUZ: 1, F8E5M2FNUZ: 1, F8E4M3FNUZ: 1,
}

// Size returns the number of bytes for the given DType.
// It returns 0 for String, since strings are variable length, and panics for unknown dtypes.
func (dtype DType) Size() int {
	if dtype == String {
		return 0
	}
	size, found := byteSizes[dtype]
	if !found {
		panicf("unknown dtype %q (%d) in DType.Size", dtype, dtype)
	}
	return size
}

// Bits returns the number of bits for the given DType.
func (dtype DType) Bits() int {
	return dtype.Size() * 8
}

// IsFloat returns whether dtype is a float type, including the 16 and 8 bits variants.
// It returns false for complex numbers.
func (dtype DType) IsFloat() bool {
	return dtype == Float32 || dtype == Float64 || dtype == Float16 || dtype == BFloat16 || dtype.IsFloat8()
}

// IsFloat8 returns whether dtype is one of the 8 bits float formats.
func (dtype DType) IsFloat8() bool {
	switch dtype {
	case F8E5M2, F8E4M3FN, F8E4M3B11FNUZ, F8E5M2FNUZ, F8E4M3FNUZ:
		return true
	}
	return false
}

// IsInt returns whether dtype is a signed or unsigned integer.
func (dtype DType) IsInt() bool {
	switch dtype {
	case Int8, Int16, Int32, Int64, Uint8, Uint16, Uint32, Uint64:
		return true
	}
	return false
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dtypes

// DType is an enum represents the data type of a tensor or a scalar.
//
// The numeric values follow the PJRT buffer type numbering, so they are stable across releases.
// The ONNX element type codes, used in graph files and constant names, are given by DType.ONNXType.
type DType int32

const (
	// InvalidDType is the zero value: an unset or unknown data type.
	InvalidDType DType = 0

	// Bool are two-state booleans.
	Bool DType = 1

	// Int8 and the following are signed integral values of fixed width.
	Int8  DType = 2
	Int16 DType = 3
	Int32 DType = 4
	Int64 DType = 5

	// Uint8 and the following are unsigned integral values of fixed width.
	Uint8  DType = 6
	Uint16 DType = 7
	Uint32 DType = 8
	Uint64 DType = 9

	// Float16 is the IEEE 754 half-precision format.
	Float16 DType = 10
	Float32 DType = 11
	Float64 DType = 12

	// BFloat16 is a truncated 16 bit floating-point format: 1 bit for the sign, 8 bits for the exponent
	// and 7 bits for the mantissa.
	BFloat16 DType = 13

	// Complex64 is paired F32 (real, imag).
	Complex64 DType = 14

	// Complex128 is paired F64 (real, imag).
	Complex128 DType = 15

	// F8E5M2 is the 8 bit float with 5 exponent bits and 2 mantissa bits, with infinities.
	F8E5M2 DType = 16

	// F8E4M3FN is the 8 bit float with 4 exponent bits and 3 mantissa bits, finite only (no infinities).
	F8E4M3FN DType = 17

	// F8E4M3B11FNUZ is a 8 bit float with exponent bias 11. Not supported by ONNX.
	F8E4M3B11FNUZ DType = 18

	// F8E5M2FNUZ is F8E5M2 with no infinities and no negative zero (finite, unsigned zero).
	F8E5M2FNUZ DType = 19

	// F8E4M3FNUZ is F8E4M3FN with no negative zero (finite, unsigned zero).
	F8E4M3FNUZ DType = 20

	// String is the ONNX string element type. It has no PJRT counterpart.
	String DType = 64
)

// Aliases with names closer to the ONNX element types.
const (
	Float8E5M2     = F8E5M2
	Float8E4M3FN   = F8E4M3FN
	Float8E5M2FNUZ = F8E5M2FNUZ
	Float8E4M3FNUZ = F8E4M3FNUZ
)

// AllDTypes lists every DType known to this package, InvalidDType excluded.
var AllDTypes = []DType{
	Bool, Int8, Int16, Int32, Int64, Uint8, Uint16, Uint32, Uint64,
	Float16, Float32, Float64, BFloat16, Complex64, Complex128,
	F8E5M2, F8E4M3FN, F8E4M3B11FNUZ, F8E5M2FNUZ, F8E4M3FNUZ, String,
}

// MapOfNames to their dtypes. It includes also aliases to the various dtypes.
// It is also later initialized to include the lower-case version of the names.
var MapOfNames = map[string]DType{
	"InvalidDType":   InvalidDType,
	"Bool":           Bool,
	"Int8":           Int8,
	"Int16":          Int16,
	"Int32":          Int32,
	"Int64":          Int64,
	"Uint8":          Uint8,
	"Uint16":         Uint16,
	"Uint32":         Uint32,
	"Uint64":         Uint64,
	"Float16":        Float16,
	"F16":            Float16,
	"Float32":        Float32,
	"F32":            Float32,
	"Float":          Float32,
	"Float64":        Float64,
	"F64":            Float64,
	"Double":         Float64,
	"BFloat16":       BFloat16,
	"BF16":           BFloat16,
	"Complex64":      Complex64,
	"Complex128":     Complex128,
	"F8E5M2":         F8E5M2,
	"Float8E5M2":     F8E5M2,
	"F8E4M3FN":       F8E4M3FN,
	"Float8E4M3FN":   F8E4M3FN,
	"F8E4M3B11FNUZ":  F8E4M3B11FNUZ,
	"F8E5M2FNUZ":     F8E5M2FNUZ,
	"Float8E5M2FNUZ": F8E5M2FNUZ,
	"F8E4M3FNUZ":     F8E4M3FNUZ,
	"Float8E4M3FNUZ": F8E4M3FNUZ,
	"String":         String,
}

// canonicalNames is the name returned by DType.String.
var canonicalNames = map[DType]string{
	InvalidDType:  "InvalidDType",
	Bool:          "Bool",
	Int8:          "Int8",
	Int16:         "Int16",
	Int32:         "Int32",
	Int64:         "Int64",
	Uint8:         "Uint8",
	Uint16:        "Uint16",
	Uint32:        "Uint32",
	Uint64:        "Uint64",
	Float16:       "Float16",
	Float32:       "Float32",
	Float64:       "Float64",
	BFloat16:      "BFloat16",
	Complex64:     "Complex64",
	Complex128:    "Complex128",
	F8E5M2:        "F8E5M2",
	F8E4M3FN:      "F8E4M3FN",
	F8E4M3B11FNUZ: "F8E4M3B11FNUZ",
	F8E5M2FNUZ:    "F8E5M2FNUZ",
	F8E4M3FNUZ:    "F8E4M3FNUZ",
	String:        "String",
}

// ONNX TensorProto.DataType codes.
const (
	ONNXUndefined      int32 = 0
	ONNXFloat          int32 = 1
	ONNXUint8          int32 = 2
	ONNXInt8           int32 = 3
	ONNXUint16         int32 = 4
	ONNXInt16          int32 = 5
	ONNXInt32          int32 = 6
	ONNXInt64          int32 = 7
	ONNXString         int32 = 8
	ONNXBool           int32 = 9
	ONNXFloat16        int32 = 10
	ONNXDouble         int32 = 11
	ONNXUint32         int32 = 12
	ONNXUint64         int32 = 13
	ONNXComplex64      int32 = 14
	ONNXComplex128     int32 = 15
	ONNXBFloat16       int32 = 16
	ONNXFloat8E4M3FN   int32 = 17
	ONNXFloat8E4M3FNUZ int32 = 18
	ONNXFloat8E5M2     int32 = 19
	ONNXFloat8E5M2FNUZ int32 = 20
)

var dtypeToONNX = map[DType]int32{
	Float32:    ONNXFloat,
	Uint8:      ONNXUint8,
	Int8:       ONNXInt8,
	Uint16:     ONNXUint16,
	Int16:      ONNXInt16,
	Int32:      ONNXInt32,
	Int64:      ONNXInt64,
	String:     ONNXString,
	Bool:       ONNXBool,
	Float16:    ONNXFloat16,
	Float64:    ONNXDouble,
	Uint32:     ONNXUint32,
	Uint64:     ONNXUint64,
	Complex64:  ONNXComplex64,
	Complex128: ONNXComplex128,
	BFloat16:   ONNXBFloat16,
	F8E4M3FN:   ONNXFloat8E4M3FN,
	F8E4M3FNUZ: ONNXFloat8E4M3FNUZ,
	F8E5M2:     ONNXFloat8E5M2,
	F8E5M2FNUZ: ONNXFloat8E5M2FNUZ,
}

var onnxToDType = func() map[int32]DType {
	m := make(map[int32]DType, len(dtypeToONNX))
	for dtype, code := range dtypeToONNX {
		m[code] = dtype
	}
	return m
}()

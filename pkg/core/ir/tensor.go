// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package ir

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/gradgraph/pkg/core/dtypes"
	"github.com/gomlx/gradgraph/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/gradgraph/pkg/core/dtypes/float8"
	"github.com/pkg/errors"
	"github.com/x448/float16"
)

// Tensor is a constant value attached to a node, e.g. the "value" attribute of a Constant node.
//
// RawData holds the elements in row-major order, little-endian encoded with the element size of DType.
type Tensor struct {
	DType   dtypes.DType
	Dims    []int64
	RawData []byte
}

// Float8Format returns the codec for one of the 8-bit float dtypes, or nil if dtype is not one of them.
func Float8Format(dtype dtypes.DType) *float8.Format {
	switch dtype {
	case dtypes.F8E4M3FN:
		return float8.E4M3FN
	case dtypes.F8E4M3FNUZ:
		return float8.E4M3FNUZ
	case dtypes.F8E5M2:
		return float8.E5M2
	case dtypes.F8E5M2FNUZ:
		return float8.E5M2FNUZ
	}
	return nil
}

// NewTensor creates a tensor with the given dimensions and flat values.
// It panics if the number of values doesn't match the dimensions.
func NewTensor[T dtypes.Supported](dims []int64, values []T) *Tensor {
	dtype := dtypes.FromGenericsType[T]()
	t := &Tensor{DType: dtype, Dims: slices.Clone(dims)}
	if t.Dims == nil {
		t.Dims = []int64{}
	}
	if int64(len(values)) != t.Size() {
		panic(errors.Errorf("NewTensor(%s): %d values given for dimensions %v", dtype, len(values), dims))
	}
	elementSize := dtype.Size()
	t.RawData = make([]byte, len(values)*elementSize)
	for i, v := range values {
		putElement(t.RawData[i*elementSize:], any(v))
	}
	return t
}

// putElement writes the little-endian encoding of v into buf.
func putElement(buf []byte, v any) {
	switch x := v.(type) {
	case float32:
		binary.LittleEndian.PutUint32(buf, math.Float32bits(x))
	case float64:
		binary.LittleEndian.PutUint64(buf, math.Float64bits(x))
	case float16.Float16:
		binary.LittleEndian.PutUint16(buf, x.Bits())
	case bfloat16.BFloat16:
		binary.LittleEndian.PutUint16(buf, x.Bits())
	case int:
		if strconv.IntSize == 64 {
			binary.LittleEndian.PutUint64(buf, uint64(x))
		} else {
			binary.LittleEndian.PutUint32(buf, uint32(x))
		}
	case int64:
		binary.LittleEndian.PutUint64(buf, uint64(x))
	case int32:
		binary.LittleEndian.PutUint32(buf, uint32(x))
	case int16:
		binary.LittleEndian.PutUint16(buf, uint16(x))
	case int8:
		buf[0] = byte(x)
	case uint64:
		binary.LittleEndian.PutUint64(buf, x)
	case uint32:
		binary.LittleEndian.PutUint32(buf, x)
	case uint16:
		binary.LittleEndian.PutUint16(buf, x)
	case uint8:
		buf[0] = x
	case bool:
		if x {
			buf[0] = 1
		} else {
			buf[0] = 0
		}
	default:
		panic(errors.Errorf("unsupported tensor element type %T", v))
	}
}

// NewFloat8Tensor creates a tensor of one of the 8-bit float dtypes, converting the values from float32.
func NewFloat8Tensor(dtype dtypes.DType, dims []int64, values []float32, saturate bool) *Tensor {
	format := Float8Format(dtype)
	if format == nil {
		panic(errors.Errorf("NewFloat8Tensor: %s is not an 8-bit float dtype", dtype))
	}
	t := &Tensor{DType: dtype, Dims: slices.Clone(dims)}
	if t.Dims == nil {
		t.Dims = []int64{}
	}
	if int64(len(values)) != t.Size() {
		panic(errors.Errorf("NewFloat8Tensor(%s): %d values given for dimensions %v", dtype, len(values), dims))
	}
	t.RawData = make([]byte, len(values))
	for i, v := range values {
		t.RawData[i] = format.FromFloat32(v, saturate)
	}
	return t
}

// Size returns the number of elements of the tensor.
func (t *Tensor) Size() int64 {
	size := int64(1)
	for _, dim := range t.Dims {
		size *= dim
	}
	return size
}

// Float64s decodes the tensor values as float64, for any numeric dtype.
func (t *Tensor) Float64s() ([]float64, error) {
	elementSize := t.DType.Size()
	if elementSize == 0 {
		return nil, errors.Errorf("cannot decode tensor of dtype %s", t.DType)
	}
	n := t.Size()
	if int64(len(t.RawData)) != n*int64(elementSize) {
		return nil, errors.Errorf("tensor of dtype %s and dims %v should have %d bytes, got %d",
			t.DType, t.Dims, n*int64(elementSize), len(t.RawData))
	}
	values := make([]float64, n)
	for i := range values {
		buf := t.RawData[i*elementSize:]
		switch t.DType {
		case dtypes.Float32:
			values[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(buf)))
		case dtypes.Float64:
			values[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf))
		case dtypes.Float16:
			values[i] = float64(float16.Frombits(binary.LittleEndian.Uint16(buf)).Float32())
		case dtypes.BFloat16:
			values[i] = float64(bfloat16.FromBits(binary.LittleEndian.Uint16(buf)).Float32())
		case dtypes.F8E4M3FN, dtypes.F8E4M3FNUZ, dtypes.F8E5M2, dtypes.F8E5M2FNUZ:
			values[i] = float64(Float8Format(t.DType).ToFloat32(buf[0]))
		case dtypes.Int64:
			values[i] = float64(int64(binary.LittleEndian.Uint64(buf)))
		case dtypes.Int32:
			values[i] = float64(int32(binary.LittleEndian.Uint32(buf)))
		case dtypes.Int16:
			values[i] = float64(int16(binary.LittleEndian.Uint16(buf)))
		case dtypes.Int8:
			values[i] = float64(int8(buf[0]))
		case dtypes.Uint64:
			values[i] = float64(binary.LittleEndian.Uint64(buf))
		case dtypes.Uint32:
			values[i] = float64(binary.LittleEndian.Uint32(buf))
		case dtypes.Uint16:
			values[i] = float64(binary.LittleEndian.Uint16(buf))
		case dtypes.Uint8, dtypes.Bool:
			values[i] = float64(buf[0])
		default:
			return nil, errors.Errorf("cannot decode tensor of dtype %s as float64", t.DType)
		}
	}
	return values, nil
}

// Int64s decodes the values of an integer tensor. Values are decoded directly, so 64-bit integers keep their
// full precision; Uint64 values above math.MaxInt64 wrap around.
func (t *Tensor) Int64s() ([]int64, error) {
	if !t.DType.IsInt() {
		return nil, errors.Errorf("Int64s() requires an integer tensor, got %s", t.DType)
	}
	elementSize := t.DType.Size()
	n := t.Size()
	if int64(len(t.RawData)) != n*int64(elementSize) {
		return nil, errors.Errorf("tensor of dtype %s and dims %v should have %d bytes, got %d",
			t.DType, t.Dims, n*int64(elementSize), len(t.RawData))
	}
	values := make([]int64, n)
	for i := range values {
		buf := t.RawData[i*elementSize:]
		switch t.DType {
		case dtypes.Int64, dtypes.Uint64:
			values[i] = int64(binary.LittleEndian.Uint64(buf))
		case dtypes.Int32:
			values[i] = int64(int32(binary.LittleEndian.Uint32(buf)))
		case dtypes.Uint32:
			values[i] = int64(binary.LittleEndian.Uint32(buf))
		case dtypes.Int16:
			values[i] = int64(int16(binary.LittleEndian.Uint16(buf)))
		case dtypes.Uint16:
			values[i] = int64(binary.LittleEndian.Uint16(buf))
		case dtypes.Int8:
			values[i] = int64(int8(buf[0]))
		case dtypes.Uint8:
			values[i] = int64(buf[0])
		}
	}
	return values, nil
}

// String implements fmt.Stringer.
func (t *Tensor) String() string {
	if t == nil {
		return "<nil tensor>"
	}
	values, err := t.Float64s()
	if err != nil {
		return fmt.Sprintf("Tensor(%s)%v<%d bytes>", t.DType, t.Dims, len(t.RawData))
	}
	const maxToPrint = 8
	parts := make([]string, 0, min(len(values), maxToPrint))
	for i, v := range values {
		if i == maxToPrint {
			parts = append(parts, "...")
			break
		}
		parts = append(parts, strconv.FormatFloat(v, 'g', -1, 64))
	}
	return fmt.Sprintf("Tensor(%s)%v[%s]", t.DType, t.Dims, strings.Join(parts, " "))
}

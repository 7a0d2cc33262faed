// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gradient

import (
	"fmt"
	"sync"

	"github.com/gomlx/gradgraph/pkg/core/dtypes"
	"github.com/gomlx/gradgraph/pkg/core/dtypes/bfloat16"
	"github.com/gomlx/gradgraph/pkg/core/ir"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

// constantEncoding is the numeric encoding used for the payload of a synthesized constant.
type constantEncoding int

const (
	encodeFloat32 constantEncoding = iota
	encodeFloat16
	encodeBFloat16
	encodeFloat8

	// encodeFallback is the deliberate choice of encoding an unsupported dtype as Float32.
	encodeFallback

	// encodeUnlisted is for dtypes not handled by constantEncodingOf: they are also encoded as Float32,
	// but every DType of the dtypes package must be listed explicitly.
	encodeUnlisted
)

// constantEncodingOf selects the encoding of a constant of the given dtype.
func constantEncodingOf(dtype dtypes.DType) constantEncoding {
	switch dtype {
	case dtypes.Float32:
		return encodeFloat32
	case dtypes.Float16:
		return encodeFloat16
	case dtypes.BFloat16:
		return encodeBFloat16
	case dtypes.F8E4M3FN, dtypes.F8E4M3FNUZ, dtypes.F8E5M2, dtypes.F8E5M2FNUZ:
		if float8Enabled {
			return encodeFloat8
		}
		return encodeFallback
	case dtypes.InvalidDType, dtypes.Bool, dtypes.String,
		dtypes.Int8, dtypes.Int16, dtypes.Int32, dtypes.Int64,
		dtypes.Uint8, dtypes.Uint16, dtypes.Uint32, dtypes.Uint64,
		dtypes.Float64, dtypes.Complex64, dtypes.Complex128,
		dtypes.F8E4M3B11FNUZ:
		return encodeFallback
	}
	return encodeUnlisted
}

// fallbackWarned holds the dtypes for which the Float32 fallback was already logged.
var fallbackWarned sync.Map

// reportFallback logs (once per dtype) and counts the encoding of a constant of an unsupported dtype
// as Float32.
func reportFallback(dtype dtypes.DType) {
	dtypeFallbacks.WithLabelValues(dtype.String()).Inc()
	if _, warned := fallbackWarned.LoadOrStore(dtype, true); !warned {
		klog.Warningf("gradient constants of dtype %s are not supported, encoding them as Float32", dtype)
	}
}

// ScalarTensor returns a tensor holding one value, with shape {} or {1}. Other shapes panic.
func ScalarTensor[T dtypes.Supported](value T, shape []int64) *ir.Tensor {
	if len(shape) > 1 || (len(shape) == 1 && shape[0] != 1) {
		panic(errors.Errorf("ScalarTensor: shape must be {} or {1}, got %v", shape))
	}
	return ir.NewTensor(shape, []T{value})
}

// ScalarTensorByDType returns a tensor of shape {1} holding value encoded in dtype.
//
// Supported dtypes are Float32, Float16, BFloat16 and, unless built with the "nofloat8" tag, the four
// 8-bit float encodings (with saturating conversion). Any other dtype is encoded as Float32,
// with a warning logged and the gradgraph_constant_dtype_fallbacks_total counter incremented.
func ScalarTensorByDType(value float32, dtype dtypes.DType) *ir.Tensor {
	shape := []int64{1}
	switch constantEncodingOf(dtype) {
	case encodeFloat32:
		return ScalarTensor(value, shape)
	case encodeFloat16:
		return ScalarTensor(float16.Fromfloat32(value), shape)
	case encodeBFloat16:
		return ScalarTensor(bfloat16.FromFloat32(value), shape)
	case encodeFloat8:
		return ir.NewFloat8Tensor(dtype, shape, []float32{value}, true)
	case encodeFallback, encodeUnlisted:
		reportFallback(dtype)
	}
	return ScalarTensor(value, shape)
}

// constantNode returns a "Constant" node with the tensor as its value, outputting argName.
func constantNode(tensor *ir.Tensor, argName string) ir.NodeDef {
	return ir.NewNodeDef("Constant", nil, []ir.ArgDef{ir.Arg(argName)}, ir.TensorAttr("value", tensor))
}

// ConstantScalarNode returns a Constant node outputting argName, holding value encoded in dtype, with
// shape {1}. See ScalarTensorByDType for the supported dtypes.
func ConstantScalarNode(value float32, argName string, dtype dtypes.DType) ir.NodeDef {
	return constantNode(ScalarTensorByDType(value, dtype), argName)
}

// TypedConstantScalarNode returns a Constant node outputting argName holding value, with shape {} or {1}.
func TypedConstantScalarNode[T dtypes.Supported](value T, shape []int64, argName string) ir.NodeDef {
	return constantNode(ScalarTensor(value, shape), argName)
}

// ConstantVectorNode returns a Constant node outputting argName, holding the 1D tensor values.
func ConstantVectorNode[T dtypes.Supported](values []T, argName string) ir.NodeDef {
	return constantNode(ir.NewTensor([]int64{int64(len(values))}, values), argName)
}

// typedConstantName names the shared constants: they only depend on the value and dtype, so repeated
// calls are idempotent, and different dtypes never collide.
func typedConstantName(prefix string, dtype dtypes.DType) string {
	return fmt.Sprintf("%sConstant_Type%d", prefix, dtype.ONNXType())
}

// ZeroConstantNode returns a Constant 0 of the dtype, named "ZeroConstant_Type<onnx element type>".
func ZeroConstantNode(dtype dtypes.DType) ir.NodeDef {
	return ConstantScalarNode(0, typedConstantName("Zero", dtype), dtype)
}

// HalfConstantNode returns a Constant 0.5 of the dtype, named "HalfConstant_Type<onnx element type>".
func HalfConstantNode(dtype dtypes.DType) ir.NodeDef {
	return ConstantScalarNode(0.5, typedConstantName("Half", dtype), dtype)
}

// OneConstantNode returns a Constant 1 of the dtype, named "OneConstant_Type<onnx element type>".
func OneConstantNode(dtype dtypes.DType) ir.NodeDef {
	return ConstantScalarNode(1, typedConstantName("One", dtype), dtype)
}

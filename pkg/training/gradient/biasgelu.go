// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gradient

import (
	"math"

	"github.com/gomlx/gradgraph/pkg/core/dtypes"
	"github.com/gomlx/gradgraph/pkg/core/ir"
)

// Constants of the tanh approximation of gelu: gelu(x) ≈ 0.5·x·(1 + tanh(k·(x + c·x³))).
const (
	fastGeluK = 0.7978845608028654 // √(2/π)
	fastGeluC = 0.044715
)

// BiasGeluGradNodes returns the nodes computing the gradients of Y = gelu(X + B), where B is a 1D bias
// broadcast over the last axis of X.
//
// useApproximation selects the tanh approximation of gelu instead of the exact (erf based) one.
// dX is always computed (pass an intermediate argument if it is not required). dB is only computed if
// it exists (non-empty name), and an empty B selects the gradient of gelu without bias.
//
// The bias gradient reduces dX over the axes B was broadcast through: they are computed statically if the
// shapes of X and B are known, or at execution time otherwise.
// With Config.DecomposeFusedGradients the gradient is emitted as primitive operators, otherwise the fused
// com.microsoft gradient kernels are used.
func (b *Base) BiasGeluGradNodes(useApproximation bool, dY, x, bias, dX, dB ir.ArgDef) ir.GradientDef {
	var output ir.GradientDef
	hasBias := bias.Exists()
	if !hasBias && b.config.DecomposeFusedGradients {
		b.appendGeluDerivativeProduct(useApproximation, dY, x, dX, &output)
		return output
	}
	if !hasBias {
		opType := "GeluGrad"
		if useApproximation {
			opType = "FastGeluGrad"
		}
		return append(output, ir.NewNodeDefWithDomain(opType, ir.MicrosoftDomain, []ir.ArgDef{dY, x}, []ir.ArgDef{dX}))
	}

	// appendDX emits the fused or decomposed dX.
	appendDX := func() {
		if b.config.DecomposeFusedGradients {
			biasedX := b.IA("biased_X")
			biasedX.Type = x.Type
			output = append(output, ir.NewNodeDef("Add", []ir.ArgDef{x, bias}, []ir.ArgDef{biasedX}))
			b.appendGeluDerivativeProduct(useApproximation, dY, biasedX, dX, &output)
			return
		}
		opType := "BiasGeluGrad_dX"
		if useApproximation {
			opType = "BiasFastGeluGrad_dX"
		}
		output = append(output, ir.NewNodeDefWithDomain(opType, ir.MicrosoftDomain,
			[]ir.ArgDef{dY, x, bias}, []ir.ArgDef{dX}))
	}

	biasShape, errBias := GetShape(bias)
	xShape, errX := GetShape(x)
	if errBias == nil && errX == nil {
		if biasShape.Rank() != 1 {
			b.panicf(ErrInvalidShape, "bias %q must have exactly one dimension, got shape %s", bias.Name, biasShape)
		}
		appendDX()
		if dB.Exists() {
			biasAxes, _ := b.ComputeBroadcastBackwardAxes(biasShape, xShape)
			if len(biasAxes) == 0 {
				output = append(output, ir.NewNodeDef("Identity", []ir.ArgDef{dX}, []ir.ArgDef{dB}))
			} else {
				b.AddReduceSumNode(dX, dB, biasAxes, false, &output)
			}
		}
		return output
	}

	biasAxes := b.IA("B_axes")
	if dB.Exists() {
		ComputeBroadcastBackwardAxesDynamic(bias, x, b.IA("B_shape"), b.IA("X_shape"), &biasAxes, nil, &output)
	}
	appendDX()
	if dB.Exists() {
		output = append(output, ir.NewNodeDef("ReduceSum", []ir.ArgDef{dX, biasAxes}, []ir.ArgDef{dB},
			ir.IntAttr("keepdims", 0), ir.IntAttr("noop_with_empty_axes", 1)))
	}
	return output
}

// geluDType returns the element type of the first typed argument. The decomposed gradient needs it for
// its constants.
func (b *Base) geluDType(args ...ir.ArgDef) dtypes.DType {
	for _, arg := range args {
		if arg.Type != nil && arg.Type.DType != dtypes.InvalidDType {
			return arg.Type.DType
		}
	}
	b.panicf(ErrInvalidShape, "the decomposed gelu gradient requires the element type of %q or %q",
		args[0].Name, args[len(args)-1].Name)
	return dtypes.InvalidDType
}

// appendGeluDerivativeProduct appends the primitive operators computing dX = dY · gelu'(z).
//
// Exact:
//
//	gelu'(z) = Φ(z) + z·φ(z), with Φ(z) = 0.5·(1 + erf(z/√2)) and φ(z) = exp(-z²/2) / √(2π)
//
// Tanh approximation, with t = tanh(k·(z + c·z³)):
//
//	gelu'(z) = 0.5·(1 + t) + 0.5·z·(1 - t²)·k·(1 + 3c·z²)
func (b *Base) appendGeluDerivativeProduct(useApproximation bool, dY, z, dX ir.ArgDef, output *ir.GradientDef) {
	dtype := b.geluDType(dY, z)
	half, one := HalfConstantNode(dtype), OneConstantNode(dtype)
	*output = append(*output, half, one)
	halfArg, oneArg := half.Outputs[0], one.Outputs[0]
	constant := func(suffix string, value float64) ir.ArgDef {
		arg := b.IA(suffix)
		*output = append(*output, ConstantScalarNode(float32(value), arg.Name, dtype))
		return arg
	}
	op := func(opType, suffix string, inputs ...ir.ArgDef) ir.ArgDef {
		out := b.IA(suffix)
		*output = append(*output, ir.NewNodeDef(opType, inputs, []ir.ArgDef{out}))
		return out
	}

	var derivative ir.ArgDef
	zSquared := op("Mul", "gelu_z_squared", z, z)
	if !useApproximation {
		invSqrt2 := constant("gelu_inv_sqrt2", 1/math.Sqrt2)
		minusHalf := constant("gelu_minus_half", -0.5)
		invSqrt2Pi := constant("gelu_inv_sqrt_2pi", 1/math.Sqrt(2*math.Pi))
		erf := op("Erf", "gelu_erf", op("Mul", "gelu_z_scaled", z, invSqrt2))
		cdf := op("Mul", "gelu_cdf", op("Add", "gelu_erf_plus_one", erf, oneArg), halfArg)
		pdf := op("Mul", "gelu_pdf", op("Exp", "gelu_exp", op("Mul", "gelu_exp_arg", zSquared, minusHalf)), invSqrt2Pi)
		derivative = op("Add", "gelu_derivative", cdf, op("Mul", "gelu_z_pdf", z, pdf))
	} else {
		k := constant("fast_gelu_k", fastGeluK)
		c := constant("fast_gelu_c", fastGeluC)
		c3 := constant("fast_gelu_3c", 3*fastGeluC)
		zCubed := op("Mul", "fast_gelu_z_cubed", zSquared, z)
		inner := op("Add", "fast_gelu_inner", z, op("Mul", "fast_gelu_c_z_cubed", zCubed, c))
		t := op("Tanh", "fast_gelu_tanh", op("Mul", "fast_gelu_u", inner, k))
		left := op("Mul", "fast_gelu_left", op("Add", "fast_gelu_one_plus_t", t, oneArg), halfArg)
		sech2 := op("Sub", "fast_gelu_sech2", oneArg, op("Mul", "fast_gelu_t_squared", t, t))
		du := op("Mul", "fast_gelu_du", op("Add", "fast_gelu_du_inner", op("Mul", "fast_gelu_3c_z_squared", zSquared, c3), oneArg), k)
		right := op("Mul", "fast_gelu_right", op("Mul", "fast_gelu_half_z_sech2", op("Mul", "fast_gelu_half_z", z, halfArg), sech2), du)
		derivative = op("Add", "fast_gelu_derivative", left, right)
	}
	*output = append(*output, ir.NewNodeDef("Mul", []ir.ArgDef{dY, derivative}, []ir.ArgDef{dX}))
}

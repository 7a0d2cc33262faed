// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gradient

import (
	"fmt"

	"github.com/gomlx/gradgraph/pkg/core/ir"
)

func registerElementwiseGradients(r *Registry) {
	r.Register(Key{OpType: "Add"}, 1, addSubGradient(false), 0)
	r.Register(Key{OpType: "Sub"}, 1, addSubGradient(true), 0)
	r.Register(Key{OpType: "Mul"}, 1, mulGradient, 0)
	r.Register(Key{OpType: "Neg"}, 1, unaryGradient("Neg"), 0)
	r.Register(Key{OpType: "Identity"}, 1, unaryGradient("Identity"), 0)
}

// needsAnyInputGradient returns whether the output gradient is available and any input gradient is required.
func needsAnyInputGradient(b *Base) bool {
	if !b.IsGradientAvailableForSrcNodeOutput(0) {
		return false
	}
	for i := range b.SrcNodeInputSize() {
		if b.IsGradientRequiredForSrcNodeInput(i) {
			return true
		}
	}
	return false
}

// unaryGradient returns the BuildFn of operators whose gradient is the same operator applied to the
// output gradient: Neg and Identity.
func unaryGradient(opType string) BuildFn {
	return func(b *Base) ir.GradientDef {
		if !needsAnyInputGradient(b) {
			return nil
		}
		return ir.GradientDef{ir.NewNodeDef(opType, []ir.ArgDef{b.GO(0)}, []ir.ArgDef{b.GI(0)})}
	}
}

// addSubGradient returns the BuildFn of Add (or Sub, if isSub): the output gradient reduced to the
// shape of each input, negated for the second input of Sub.
func addSubGradient(isSub bool) BuildFn {
	return func(b *Base) ir.GradientDef {
		if !needsAnyInputGradient(b) {
			return nil
		}
		var output ir.GradientDef
		rawGrad := func(i int) ir.ArgDef {
			if i == 0 || !isSub {
				return b.GO(0)
			}
			negated := b.IA("Neg_" + b.GO(0).Name)
			negated.Type = b.GO(0).Type
			output = append(output, ir.NewNodeDef("Neg", []ir.ArgDef{b.GO(0)}, []ir.ArgDef{negated}))
			return negated
		}
		appendBroadcastGradients(b, rawGrad, &output)
		return output
	}
}

// mulGradient: the gradient of each input is the output gradient times the other input, reduced to the
// shape of the input.
func mulGradient(b *Base) ir.GradientDef {
	if !needsAnyInputGradient(b) {
		return nil
	}
	var output ir.GradientDef
	rawGrad := func(i int) ir.ArgDef {
		other := b.I(1 - i)
		product := b.IA(fmt.Sprintf("GO_times_I%d", 1-i))
		product.Type = b.GO(0).Type
		output = append(output, ir.NewNodeDef("Mul", []ir.ArgDef{b.GO(0), other}, []ir.ArgDef{product}))
		return product
	}
	appendBroadcastGradients(b, rawGrad, &output)
	return output
}

// appendBroadcastGradients writes GI(0) and GI(1) for the required inputs of a broadcasting binary operator,
// reducing the raw gradients (shaped like the output) returned by rawGrad.
//
// The axes are computed statically if the shapes of both inputs are known, or at execution time otherwise.
func appendBroadcastGradients(b *Base, rawGrad func(i int) ir.ArgDef, output *ir.GradientDef) {
	var required [2]bool
	for i := range required {
		required[i] = b.IsGradientRequiredForSrcNodeInput(i)
	}
	targets := [2]ir.ArgDef{b.IUnstashed(0), b.IUnstashed(1)}
	aShape, errA := GetShape(targets[0])
	bShape, errB := GetShape(targets[1])
	if errA == nil && errB == nil {
		var axes [2][]int64
		axes[0], axes[1] = b.ComputeBroadcastBackwardAxes(aShape, bShape)
		for i, isRequired := range required {
			if !isRequired {
				continue
			}
			gi := b.GI(i)
			if result := b.HandleBroadcasting(rawGrad(i), targets[i], gi, axes[i], output); !result.Equal(gi) {
				*output = append(*output, ir.NewNodeDef("Identity", []ir.ArgDef{result}, []ir.ArgDef{gi}))
			}
		}
		return
	}

	// Shapes only known at execution time: the inputs are read by Shape nodes.
	targets = [2]ir.ArgDef{b.I(0), b.I(1)}
	shapeArgs := [2]ir.ArgDef{b.IA("A_shape"), b.IA("B_shape")}
	axesArgs := [2]ir.ArgDef{b.IA("A_axes"), b.IA("B_axes")}
	var axesPtrs [2]*ir.ArgDef
	for i, isRequired := range required {
		if isRequired {
			axesPtrs[i] = &axesArgs[i]
		}
	}
	ComputeBroadcastBackwardAxesDynamic(targets[0], targets[1], shapeArgs[0], shapeArgs[1], axesPtrs[0], axesPtrs[1],
		output)
	for i, isRequired := range required {
		if isRequired {
			b.HandleBroadcastingDynamic(rawGrad(i), targets[i], shapeArgs[i], b.GI(i), axesArgs[i], output)
		}
	}
}

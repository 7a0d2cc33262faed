// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gradient

import (
	"slices"
	"strings"

	"github.com/gomlx/gradgraph/pkg/core/graph"
	"github.com/gomlx/gradgraph/pkg/core/ir"
	"github.com/gomlx/gradgraph/pkg/core/shapes"
	"github.com/pkg/errors"
)

// GetShape returns the shape of arg if it can be used for static broadcasting analysis: the rank must
// be known, and every dimension must be either concrete or symbolic (named).
//
// Builders fall back to the dynamic (runtime) version of the algorithms if it returns an error.
func GetShape(arg ir.ArgDef) (*shapes.Shape, error) {
	if arg.Type == nil {
		return nil, errors.Errorf("argument %q has no type information", arg.Name)
	}
	if !arg.Type.IsResolvable() {
		return nil, errors.Errorf("argument %q has shape %s, with unknown rank or dimensions", arg.Name, arg.Type)
	}
	return arg.Type, nil
}

// ComputeBroadcastBackwardAxes returns the axes over which the gradient of a broadcast operation must be
// reduced to recover the shapes of each operand a and b.
//
// Dimensions are right-aligned. The axes are those of the broadcast output (the gradient), in ascending order:
//
//   - Axes where one operand has dimension 1 and the other doesn't are reduced for the operand with 1.
//   - Leading axes present only in the longer operand are reduced for the shorter one.
//   - Symbolic (named) dimensions only match the same name, or a concrete 1 in the other operand (reduced there).
//   - Unknown (unnamed) dimensions only match a concrete 1 in the other operand (reduced there).
//
// It panics with ErrIncompatibleDims for concrete dimensions that don't broadcast, and with ErrSymbolicBroadcast
// when symbolic or unknown dimensions make the broadcast ambiguous.
func (b *Base) ComputeBroadcastBackwardAxes(aShape, bShape *shapes.Shape) (aAxes, bAxes []int64) {
	aRank, bRank := aShape.Rank(), bShape.Rank()
	if aRank < 0 || bRank < 0 {
		b.panicf(ErrInvalidShape, "cannot compute broadcast axes of shapes with unknown rank: %s and %s", aShape, bShape)
	}
	k := max(aRank, bRank) - 1
	i, j := aRank-1, bRank-1
	for ; i >= 0 && j >= 0; i, j, k = i-1, j-1, k-1 {
		aDim, bDim := aShape.Dimensions[i], bShape.Dimensions[j]
		aDynamic, bDynamic := aDim == shapes.DimDynamic, bDim == shapes.DimDynamic
		switch {
		case !aDynamic && !bDynamic:
			if aDim == bDim {
				continue
			}
			if aDim == 1 {
				aAxes = append(aAxes, int64(k))
			} else if bDim == 1 {
				bAxes = append(bAxes, int64(k))
			} else {
				b.panicf(ErrIncompatibleDims, "dimensions %d (axis %d of %s) and %d (axis %d of %s) cannot be broadcast",
					aDim, i, aShape, bDim, j, bShape)
			}

		case aDynamic && bDynamic:
			// Only two symbolic dimensions with the same name are known to match.
			aName, bName := aShape.AxisName(i), bShape.AxisName(j)
			if aName == "" || bName == "" || aName != bName {
				b.panicf(ErrSymbolicBroadcast, "dimensions %s (axis %d of %s) and %s (axis %d of %s) may or "+
					"may not be broadcast", aShape.DimString(i), i, aShape, bShape.DimString(j), j, bShape)
			}

		case aDynamic:
			if bDim != 1 {
				b.panicf(ErrSymbolicBroadcast, "dimension %s (axis %d of %s) and concrete dimension %d "+
					"(axis %d of %s) may or may not be broadcast", aShape.DimString(i), i, aShape, bDim, j, bShape)
			}
			bAxes = append(bAxes, int64(k))

		default:
			if aDim != 1 {
				b.panicf(ErrSymbolicBroadcast, "concrete dimension %d (axis %d of %s) and dimension %s "+
					"(axis %d of %s) may or may not be broadcast", aDim, i, aShape, bShape.DimString(j), j, bShape)
			}
			aAxes = append(aAxes, int64(k))
		}
	}
	for ; k >= 0; k-- {
		if i < 0 {
			aAxes = append(aAxes, int64(k))
		} else {
			bAxes = append(bAxes, int64(k))
		}
	}
	slices.Sort(aAxes)
	slices.Sort(bAxes)
	return
}

// ComputeBroadcastBackwardAxesDynamic appends to output the nodes that compute, at execution time, the
// same axes as ComputeBroadcastBackwardAxes, from the runtime shapes of a and b.
//
// aShape and bShape receive the shapes of a and b. The axes are written to aAxes and bAxes as 1D int64
// tensors. A nil aAxes or bAxes skips that operand.
// The fragment doesn't depend on the ranks of a and b: the shapes are left-padded with ones to the
// largest rank, and an axis is reduced where the padded shape differs from the broadcast shape.
func ComputeBroadcastBackwardAxesDynamic(a, b, aShape, bShape ir.ArgDef, aAxes, bAxes *ir.ArgDef,
	output *ir.GradientDef) {
	base := aShape.Name + "_" + bShape.Name
	shapeNode := func(input, shape ir.ArgDef, name string) ir.NodeDef {
		node := ir.NewNodeDef("Shape", []ir.ArgDef{input}, []ir.ArgDef{shape})
		node.Name = name
		return node
	}
	*output = append(*output,
		shapeNode(a, aShape, aShape.Name+"_lhs"),
		shapeNode(b, bShape, bShape.Name+"_rhs"))

	aRank, bRank := ir.Arg(aShape.Name+"_rank"), ir.Arg(bShape.Name+"_rank")
	maxRank := ir.Arg(base + "_max_rank")
	*output = append(*output,
		ir.NewNodeDef("Shape", []ir.ArgDef{aShape}, []ir.ArgDef{aRank}),
		ir.NewNodeDef("Shape", []ir.ArgDef{bShape}, []ir.ArgDef{bRank}),
		ir.NewNodeDef("Max", []ir.ArgDef{aRank, bRank}, []ir.ArgDef{maxRank}))

	// padded returns the shape left-padded with ones to maxRank.
	padded := func(shape, rank ir.ArgDef) ir.ArgDef {
		padding, ones, result := ir.Arg(shape.Name+"_padding"), ir.Arg(shape.Name+"_ones"), ir.Arg(shape.Name+"_padded")
		*output = append(*output,
			ir.NewNodeDef("Sub", []ir.ArgDef{maxRank, rank}, []ir.ArgDef{padding}),
			ir.NewNodeDef("ConstantOfShape", []ir.ArgDef{padding}, []ir.ArgDef{ones},
				ir.TensorAttr("value", ScalarTensor(int64(1), []int64{1}))),
			ir.NewNodeDef("Concat", []ir.ArgDef{ones, shape}, []ir.ArgDef{result}, ir.IntAttr("axis", 0)))
		return result
	}
	// The broadcast shape follows the ONNX rules (0 against 1 is 0) by expanding a to the shape of b.
	expanded := ir.Arg(base + "_expanded")
	broadcastShape := ir.Arg(base + "_broadcast_shape")
	flatShape := ir.Arg(base + "_flat_shape")
	*output = append(*output,
		ir.NewNodeDef("Expand", []ir.ArgDef{a, bShape}, []ir.ArgDef{expanded}),
		ir.NewNodeDef("Shape", []ir.ArgDef{expanded}, []ir.ArgDef{broadcastShape}),
		ConstantVectorNode([]int64{-1}, flatShape.Name))

	// reduceAxes writes to axes the indices where the padded shape differs from the broadcast shape.
	reduceAxes := func(shape, rank ir.ArgDef, axes *ir.ArgDef) {
		if axes == nil {
			return
		}
		paddedShape := padded(shape, rank)
		mask, indices := ir.Arg(paddedShape.Name+"_mask"), ir.Arg(paddedShape.Name+"_indices")
		*output = append(*output,
			ir.NewNodeDef("NotEqual", []ir.ArgDef{paddedShape, broadcastShape}, []ir.ArgDef{mask}),
			ir.NewNodeDef("NonZero", []ir.ArgDef{mask}, []ir.ArgDef{indices}),
			ir.NewNodeDef("Reshape", []ir.ArgDef{indices, flatShape}, []ir.ArgDef{*axes}))
	}
	reduceAxes(aShape, aRank, aAxes)
	reduceAxes(bShape, bRank, bAxes)
}

// AddReduceSumNode appends a ReduceSum of input over axes into out.
//
// For graphs with default opset >= 13 the axes are given as a Constant input, otherwise as an attribute.
func (b *Base) AddReduceSumNode(input, out ir.ArgDef, axes []int64, keepDims bool, output *ir.GradientDef) {
	keepDimsAttr := ir.IntAttr("keepdims", boolToInt64(keepDims))
	if b.OnnxOpSetVersion() < 13 {
		*output = append(*output, ir.NewNodeDef("ReduceSum", []ir.ArgDef{input}, []ir.ArgDef{out},
			keepDimsAttr, ir.IntsAttr("axes", slices.Clone(axes))))
		return
	}
	axesArg := b.IA(b.localName(out) + "_reduce_axes")
	*output = append(*output,
		ConstantVectorNode(slices.Clone(axes), axesArg.Name),
		ir.NewNodeDef("ReduceSum", []ir.ArgDef{input, axesArg}, []ir.ArgDef{out}, keepDimsAttr))
}

func boolToInt64(v bool) int64 {
	if v {
		return 1
	}
	return 0
}

// HandleBroadcasting appends the nodes that reduce inputGrad, shaped like the broadcast output, to the shape
// of target, writing the result to outputGrad. axes are usually computed by ComputeBroadcastBackwardAxes.
//
// If axes is empty no node is emitted, and inputGrad is returned: the caller decides whether to use it
// directly or to bind it to outputGrad. Otherwise, it emits a ReduceSum (keeping the reduced dimensions),
// followed by a Reshape only if the reduced shape doesn't match target exactly, and returns outputGrad.
func (b *Base) HandleBroadcasting(inputGrad, target, outputGrad ir.ArgDef, axes []int64,
	output *ir.GradientDef) ir.ArgDef {
	if len(axes) == 0 {
		return inputGrad
	}
	gradShape, errGrad := GetShape(inputGrad)
	targetShape, errTarget := GetShape(target)
	staticShapes := errGrad == nil && errTarget == nil
	if staticShapes && matchesTarget(reducedShape(gradShape, axes), targetShape) {
		b.AddReduceSumNode(inputGrad, outputGrad, axes, true, output)
		return outputGrad
	}

	reduced := b.IA("ReduceSum_" + b.localName(inputGrad) + "_for_" + b.localName(target))
	b.AddReduceSumNode(inputGrad, reduced, axes, true, output)
	targetShapeArg := b.IA(b.localName(target) + "_shape")
	if staticShapes && targetShape.IsFullyConcrete() {
		*output = append(*output, ConstantVectorNode(targetShape.Int64Dimensions(), targetShapeArg.Name))
	} else {
		// Symbolic or unknown dimensions must be read at execution time.
		*output = append(*output, ir.NewNodeDef("Shape", []ir.ArgDef{target}, []ir.ArgDef{targetShapeArg}))
		_, isForward := b.graph.GetNodeArg(target.Name)
		if isForward && !strings.HasSuffix(target.Name, graph.RecomputeSuffix) {
			b.pass.Stashed.Insert(target.Name)
		}
	}
	*output = append(*output, ir.NewNodeDef("Reshape", []ir.ArgDef{reduced, targetShapeArg}, []ir.ArgDef{outputGrad}))
	return outputGrad
}

// reducedShape returns shape after a ReduceSum over axes with keepdims=1.
func reducedShape(shape *shapes.Shape, axes []int64) shapes.Shape {
	reduced := shape.Clone()
	for _, axis := range axes {
		if axis < 0 || int(axis) >= reduced.Rank() {
			continue
		}
		reduced.Dimensions[axis] = 1
		if reduced.AxisNames != nil {
			reduced.AxisNames[axis] = ""
		}
	}
	return reduced
}

// matchesTarget returns whether the dimensions (and axis names of symbolic dimensions) are the same.
func matchesTarget(reduced shapes.Shape, target *shapes.Shape) bool {
	if reduced.Rank() != target.Rank() {
		return false
	}
	for axis, dim := range reduced.Dimensions {
		if dim != target.Dimensions[axis] || reduced.AxisName(axis) != target.AxisName(axis) {
			return false
		}
	}
	return true
}

// HandleBroadcastingDynamic is the execution-time version of HandleBroadcasting: axes is a 1D int64 tensor
// (see ComputeBroadcastBackwardAxesDynamic) and targetShape holds the runtime shape of target.
//
// It appends a ReduceSum of inputGrad over axes (a no-op if axes is empty), followed by a Reshape to
// targetShape, writing outputGrad. It always uses the opset 13 form of ReduceSum.
func (b *Base) HandleBroadcastingDynamic(inputGrad, target, targetShape, outputGrad, axes ir.ArgDef,
	output *ir.GradientDef) {
	reduced := b.IA("ReduceSum_" + b.localName(inputGrad) + "_for_" + b.localName(target))
	*output = append(*output,
		ir.NewNodeDef("ReduceSum", []ir.ArgDef{inputGrad, axes}, []ir.ArgDef{reduced},
			ir.IntAttr("keepdims", 1), ir.IntAttr("noop_with_empty_axes", 1)),
		ir.NewNodeDef("Reshape", []ir.ArgDef{reduced, targetShape}, []ir.ArgDef{outputGrad}))
}

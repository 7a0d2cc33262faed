// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gradient

import (
	"github.com/gomlx/gradgraph/pkg/core/dtypes"
	"github.com/gomlx/gradgraph/pkg/core/graph"
	"github.com/gomlx/gradgraph/pkg/core/ir"
	"github.com/gomlx/gradgraph/pkg/core/shapes"
	"k8s.io/klog/v2"
)

// I returns the i-th input of the forward node.
//
// If the tensor has a recomputed alias in the graph, the alias is returned instead and nothing is stashed.
// Otherwise, the input is recorded as stashed, since the backward graph reads it.
// It panics if i is out of range.
func (b *Base) I(i int) ir.ArgDef {
	b.checkInputIndex(i)
	return b.resolve(b.node.Inputs()[i], true)
}

// IUnstashed is like I, but doesn't record the input as stashed. Use it when only the type of the
// input is needed.
func (b *Base) IUnstashed(i int) ir.ArgDef {
	b.checkInputIndex(i)
	return b.resolve(b.node.Inputs()[i], false)
}

// O returns the i-th output of the forward node, with the same recomputation and stashing rules as I.
func (b *Base) O(i int) ir.ArgDef {
	b.checkOutputIndex(i)
	return b.resolve(b.node.Outputs()[i], true)
}

// OUnstashed is like O, but doesn't record the output as stashed.
func (b *Base) OUnstashed(i int) ir.ArgDef {
	b.checkOutputIndex(i)
	return b.resolve(b.node.Outputs()[i], false)
}

// resolve returns the recomputed alias of arg if there is one, or arg itself, recording it as stashed
// if requested.
func (b *Base) resolve(arg ir.ArgDef, recordStashing bool) ir.ArgDef {
	if !arg.Exists() {
		return arg
	}
	if alias, found := b.graph.GetNodeArg(graph.RecomputeName(arg.Name)); found {
		if klog.V(1).Enabled() {
			producer := "graph input"
			if node := b.graph.ProducerNode(arg.Name); node != nil {
				producer = node.String()
			}
			klog.Infof("gradient of %s: using recomputed %q for %q (produced by %s)",
				b.node, alias.Name, arg.Name, producer)
		}
		return alias
	}
	if recordStashing {
		b.pass.Stashed.Insert(arg.Name)
	}
	return arg
}

// GI returns the gradient of the i-th input of the forward node, with the type of the input.
func (b *Base) GI(i int) ir.ArgDef {
	b.checkInputIndex(i)
	input := b.node.Inputs()[i]
	return ir.ArgDef{Name: GradientName(input.Name), Type: input.Type}
}

// GIWithType returns the gradient of the i-th input of the forward node with the given type, for
// gradients whose type differ from the input's.
func (b *Base) GIWithType(i int, shape shapes.Shape) ir.ArgDef {
	b.checkInputIndex(i)
	return ir.TypedArg(GradientName(b.node.Inputs()[i].Name), shape)
}

// GO returns the gradient of the i-th output of the forward node, with the type of the output.
func (b *Base) GO(i int) ir.ArgDef {
	b.checkOutputIndex(i)
	output := b.node.Outputs()[i]
	return ir.ArgDef{Name: GradientName(output.Name), Type: output.Type}
}

// IA returns an untyped intermediate argument, with a name scoped to the node.
func (b *Base) IA(suffix string) ir.ArgDef {
	return ir.Arg(b.Name(suffix))
}

// IAWithType returns a typed intermediate argument, with a name scoped to the node.
func (b *Base) IAWithType(suffix string, shape shapes.Shape) ir.ArgDef {
	return ir.TypedArg(b.Name(suffix), shape)
}

// IType returns the type of the i-th input, or nil if unknown.
func (b *Base) IType(i int) *shapes.Shape {
	b.checkInputIndex(i)
	return b.node.Inputs()[i].Type
}

// OType returns the type of the i-th output, or nil if unknown.
func (b *Base) OType(i int) *shapes.Shape {
	b.checkOutputIndex(i)
	return b.node.Outputs()[i].Type
}

// IElemType returns the element type of the i-th input. It panics if the input has no type.
func (b *Base) IElemType(i int) dtypes.DType {
	shape := b.IType(i)
	if shape == nil {
		b.panicf(ErrInvalidShape, "input #%d (%q) has no type information", i, b.node.Inputs()[i].Name)
	}
	return shape.DType
}

// OElemType returns the element type of the i-th output. It panics if the output has no type.
func (b *Base) OElemType(i int) dtypes.DType {
	shape := b.OType(i)
	if shape == nil {
		b.panicf(ErrInvalidShape, "output #%d (%q) has no type information", i, b.node.Outputs()[i].Name)
	}
	return shape.DType
}

// SrcNodeInputSize returns the number of inputs of the forward node.
func (b *Base) SrcNodeInputSize() int {
	return len(b.node.Inputs())
}

// SrcNodeOutputSize returns the number of outputs of the forward node.
func (b *Base) SrcNodeOutputSize() int {
	return len(b.node.Outputs())
}

// IsGradientRequiredForSrcNodeInput returns whether the gradient of the i-th input is requested.
// It returns false for indices out of range.
func (b *Base) IsGradientRequiredForSrcNodeInput(i int) bool {
	inputs := b.node.Inputs()
	return i >= 0 && i < len(inputs) && inputs[i].Exists() && b.gradientOutputs.Has(inputs[i].Name)
}

// IsGradientAvailableForSrcNodeOutput returns whether the gradient of the i-th output is available.
// It returns false for indices out of range.
func (b *Base) IsGradientAvailableForSrcNodeOutput(i int) bool {
	outputs := b.node.Outputs()
	return i >= 0 && i < len(outputs) && outputs[i].Exists() && b.gradientInputs.Has(outputs[i].Name)
}

// SrcNodeAttributes returns the attributes of the forward node. They must not be modified.
func (b *Base) SrcNodeAttributes() ir.Attributes {
	return b.node.Attributes()
}

// SrcNodeOpType returns the operator type of the forward node.
func (b *Base) SrcNodeOpType() string {
	return b.node.OpType()
}

// SrcNodeDomain returns the operator domain of the forward node.
func (b *Base) SrcNodeDomain() string {
	return b.node.Domain()
}

// SrcNodeOpsetVersion returns the operator set version of the forward node.
func (b *Base) SrcNodeOpsetVersion() int {
	return b.node.SinceVersion()
}

// OnnxOpSetVersion returns the version of the default operator set of the graph, or -1 if not defined.
func (b *Base) OnnxOpSetVersion() int {
	if version, found := b.graph.OpsetVersion(ir.DefaultDomain); found {
		return version
	}
	return -1
}

// SetPythonOpRequireGradInfo records the per-input requires-gradient flags of a foreign operator node.
func (b *Base) SetPythonOpRequireGradInfo(nodeName string, requiresGrad []bool) {
	b.pass.PythonOpRequirements.Set(nodeName, requiresGrad)
}

func (b *Base) checkInputIndex(i int) {
	if i < 0 || i >= len(b.node.Inputs()) {
		b.panicf(ErrIndexOutOfRange, "input index %d out of range, node has %d inputs", i, len(b.node.Inputs()))
	}
}

func (b *Base) checkOutputIndex(i int) {
	if i < 0 || i >= len(b.node.Outputs()) {
		b.panicf(ErrIndexOutOfRange, "output index %d out of range, node has %d outputs", i, len(b.node.Outputs()))
	}
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gradient

import (
	"github.com/gomlx/gradgraph/pkg/core/ir"
)

func registerPythonOpGradient(r *Registry) {
	r.Register(Key{OpType: "PythonOp", Domain: ir.MicrosoftDomain}, 1, pythonOpGradient, 0)
}

// pythonOpGradient handles foreign operators, whose gradient is computed by a user function at execution time
// (PythonOpGrad). The first output of PythonOp is its context, passed on to PythonOpGrad along with the
// gradients of the other outputs.
//
// The per-input requires-gradient flags are recorded in the pass context, for the runtime of the operator.
func pythonOpGradient(b *Base) ir.GradientDef {
	numInputs := b.SrcNodeInputSize()
	requiresGrad := make([]bool, numInputs)
	requiredInts := make([]int64, numInputs)
	var anyRequired bool
	for i := range requiresGrad {
		requiresGrad[i] = b.IsGradientRequiredForSrcNodeInput(i)
		if requiresGrad[i] {
			requiredInts[i] = 1
			anyRequired = true
		}
	}
	b.SetPythonOpRequireGradInfo(b.NodeName(), requiresGrad)
	if !anyRequired {
		return nil
	}

	inputs := []ir.ArgDef{b.O(0)}
	var availableInts []int64
	for i := 1; i < b.SrcNodeOutputSize(); i++ {
		if b.IsGradientAvailableForSrcNodeOutput(i) {
			inputs = append(inputs, b.GO(i))
			availableInts = append(availableInts, 1)
		} else {
			inputs = append(inputs, ir.Arg(""))
			availableInts = append(availableInts, 0)
		}
	}
	outputs := make([]ir.ArgDef, numInputs)
	for i, required := range requiresGrad {
		if required {
			outputs[i] = b.GI(i)
		} else {
			outputs[i] = ir.Arg("")
		}
	}
	attrs := []ir.Attribute{
		ir.IntsAttr("output_tensor_requires_grads", requiredInts),
		ir.IntsAttr("input_tensor_gradients_available", availableInts),
	}
	srcAttrs := b.SrcNodeAttributes()
	for _, name := range []string{"func_name", "output_convention"} {
		if srcAttrs.Has(name) {
			attrs = append(attrs, srcAttrs[name])
		}
	}
	return ir.GradientDef{ir.NewNodeDefWithDomain("PythonOpGrad", ir.MicrosoftDomain, inputs, outputs, attrs...)}
}

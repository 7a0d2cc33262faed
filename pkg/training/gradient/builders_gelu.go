// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gradient

import (
	"github.com/gomlx/gradgraph/pkg/core/ir"
)

func registerGeluGradients(r *Registry) {
	r.Register(Key{OpType: "BiasGelu", Domain: ir.MicrosoftDomain}, 1, geluGradient(false, false), 0)
	r.Register(Key{OpType: "FastGelu", Domain: ir.MicrosoftDomain}, 1, geluGradient(true, false), 0)
	r.Register(Key{OpType: "Gelu", Domain: ir.MicrosoftDomain}, 1, geluGradient(false, false), 0)

	// Standard Gelu, since opset 20, selects the approximation with the "approximate" attribute.
	r.Register(Key{OpType: "Gelu"}, 20, geluGradient(false, true), 0)
}

// geluGradient returns the BuildFn of the gelu family of operators, with an optional bias as their second input.
// If fromAttribute is set, the approximation is selected by the "approximate" attribute ("none" or "tanh").
func geluGradient(useApproximation, fromAttribute bool) BuildFn {
	return func(b *Base) ir.GradientDef {
		if !needsAnyInputGradient(b) {
			return nil
		}
		approximate := useApproximation
		if fromAttribute {
			switch mode := b.SrcNodeAttributes().GetStringOr("approximate", "none"); mode {
			case "none":
				approximate = false
			case "tanh":
				approximate = true
			default:
				b.panicf(ErrInvalidAttribute, "unknown gelu approximation %q, expected \"none\" or \"tanh\"", mode)
			}
		}

		bias, dB := ir.Arg(""), ir.Arg("")
		if b.SrcNodeInputSize() > 1 && b.node.Inputs()[1].Exists() {
			bias = b.I(1)
			if b.IsGradientRequiredForSrcNodeInput(1) {
				dB = b.GI(1)
			}
		}
		dX := b.GI(0)
		if !b.IsGradientRequiredForSrcNodeInput(0) {
			dX = b.IA("dX")
			dX.Type = b.IType(0)
		}
		return b.BiasGeluGradNodes(approximate, b.GO(0), b.I(0), bias, dX, dB)
	}
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gradient

import "github.com/gomlx/gradgraph/pkg/core/ir"

// EmptyGradient is the BuildFn of operators without differentiable inputs: it returns an empty fragment,
// and doesn't read (or stash) anything.
func EmptyGradient(*Base) ir.GradientDef {
	return ir.GradientDef{}
}

// UnsupportedGradient is the BuildFn registered for operators that must never be differentiated
// (e.g. control flow). It always fails with ErrUnsupportedOperator.
func UnsupportedGradient(b *Base) ir.GradientDef {
	b.panicf(ErrUnsupportedOperator, "Gradient should not be requested for this operator")
	return nil
}

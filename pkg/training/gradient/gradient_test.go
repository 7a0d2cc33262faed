// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gradient

import (
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gradgraph/pkg/core/graph"
	"github.com/gomlx/gradgraph/pkg/core/graph/graphtest"
	"github.com/gomlx/gradgraph/pkg/core/ir"
	"github.com/gomlx/gradgraph/pkg/core/shapes"
	"github.com/gomlx/gradgraph/pkg/support/sets"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/require"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

// f32 is a shortcut to graphtest.F32.
func f32(dims ...any) shapes.Shape {
	return graphtest.F32(dims...)
}

// newTestBase creates the Base of node, with the gradients of all its outputs available. The gradients
// of the listed inputs are required, or of all inputs if none is listed.
func newTestBase(t *testing.T, gb *graphtest.Builder, node *graph.Node, cfg *Config, requiredInputs ...string) *Base {
	t.Helper()
	gradientInputs := sets.Make[string]()
	for _, output := range node.Outputs() {
		if output.Exists() {
			gradientInputs.Insert(output.Name)
		}
	}
	gradientOutputs := sets.MakeWith(requiredInputs...)
	if len(requiredInputs) == 0 {
		for _, input := range node.Inputs() {
			if input.Exists() {
				gradientOutputs.Insert(input.Name)
			}
		}
	}
	b, err := NewBase(cfg, gb.G, node, gradientInputs, gradientOutputs, nil)
	require.NoError(t, err)
	return b
}

// runBuildFn runs fn over b, failing the test on errors.
func runBuildFn(t *testing.T, b *Base, fn BuildFn) ir.GradientDef {
	t.Helper()
	defs, err := NewGradientBuilder(b, fn).GetGradientDefs()
	require.NoError(t, err)
	return defs
}

// requireContractError runs fn and requires it to fail with a *ContractError of the given kind.
func requireContractError(t *testing.T, kind ErrorKind, fn func()) *ContractError {
	t.Helper()
	err := exceptions.TryCatch[error](fn)
	require.Error(t, err)
	require.Truef(t, IsKind(err, kind), "expected %s, got %+v", kind, err)
	return AsContractError(err)
}

// counterValue reads the current value of a counter.
func counterValue(t *testing.T, counter prometheus.Counter) float64 {
	t.Helper()
	metric := &dto.Metric{}
	require.NoError(t, counter.Write(metric))
	return metric.GetCounter().GetValue()
}

// tensorValues decodes the "value" attribute of a Constant node.
func tensorValues(t *testing.T, node ir.NodeDef) []float64 {
	t.Helper()
	require.Equal(t, "Constant", node.OpType)
	tensor := node.Attributes.GetTensor("value")
	require.NotNil(t, tensor)
	values, err := tensor.Float64s()
	require.NoError(t, err)
	return values
}

// argNames returns the names of the arguments.
func argNames(args []ir.ArgDef) []string {
	names := make([]string, len(args))
	for i, arg := range args {
		names[i] = arg.Name
	}
	return names
}

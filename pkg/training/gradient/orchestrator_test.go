// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gradient

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gradgraph/pkg/core/graph/graphtest"
	"github.com/gomlx/gradgraph/pkg/core/ir"
	"github.com/pkg/errors"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildBackward calls BuildGradientGraph, failing the test on errors.
func buildBackward(t *testing.T, gb *graphtest.Builder, cfg *Config, ys, xs []string) *BackwardGraph {
	t.Helper()
	backward, err := BuildGradientGraph(context.Background(), gb.G, nil, cfg, ys, xs)
	require.NoError(t, err)
	external := append([]string(nil), gb.G.Inputs()...)
	for _, seed := range backward.Seeds {
		external = append(external, seed)
	}
	for _, node := range gb.G.Nodes() {
		external = append(external, argNames(node.Outputs())...)
	}
	requireTopologicallyOrdered(t, backward.Nodes, external...)
	return backward
}

func TestBuildGradientGraph(t *testing.T) {
	gb := graphtest.New(t)
	gb.Input("x", f32(2, 3))
	gb.Input("b", f32(3))
	gb.Node("add0", "Add", []string{"x", "b"}, []ir.ArgDef{ir.TypedArg("y", f32(2, 3))})
	gb.Node("neg0", "Neg", []string{"y"}, []ir.ArgDef{ir.TypedArg("z", f32(2, 3))})

	backward := buildBackward(t, gb, nil, []string{"z"}, []string{"x", "b"})
	assert.Equal(t, []string{"Neg", "Identity", "Constant", "ReduceSum", "Constant", "Reshape"},
		backward.Nodes.OpTypes())
	assert.Equal(t, map[string]string{"z": "z_grad"}, backward.Seeds)
	assert.Equal(t, map[string]string{"x": "x_grad", "b": "b_grad"}, backward.Gradients)
	assert.Empty(t, backward.State.Stashed)
	assert.Equal(t, "neg0_Grad/Neg_0", backward.Nodes[0].Name)
	assert.Equal(t, []string{"y_grad"}, argNames(backward.Nodes[0].Outputs))

	// MustBuildGradientGraph panics on errors.
	assert.NotNil(t, MustBuildGradientGraph(context.Background(), gb.G, nil, nil, []string{"z"}, []string{"x"}))
	err := exceptions.TryCatch[error](func() {
		MustBuildGradientGraph(context.Background(), gb.G, nil, nil, []string{"nope"}, []string{"x"})
	})
	assert.ErrorContains(t, err, "nope")
}

func TestBuildGradientGraphValidation(t *testing.T) {
	gb := graphtest.New(t)
	gb.Input("x", f32(3))
	gb.Node("neg0", "Neg", []string{"x"}, []ir.ArgDef{ir.TypedArg("y", f32(3))})
	ctx := context.Background()

	_, err := BuildGradientGraph(ctx, nil, nil, nil, []string{"y"}, []string{"x"})
	assert.Error(t, err)
	_, err = BuildGradientGraph(ctx, gb.G, nil, nil, nil, []string{"x"})
	assert.Error(t, err)
	_, err = BuildGradientGraph(ctx, gb.G, nil, nil, []string{"y"}, nil)
	assert.Error(t, err)
	_, err = BuildGradientGraph(ctx, gb.G, nil, nil, []string{"y"}, []string{"w"})
	assert.ErrorContains(t, err, `"w"`)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	_, err = BuildGradientGraph(cancelled, gb.G, nil, nil, []string{"y"}, []string{"x"})
	assert.True(t, errors.Is(err, context.Canceled), "got %v", err)
}

// newFanOutGraph creates a graph where x has numConsumers consumers, whose outputs are summed into z.
func newFanOutGraph(t *testing.T, numConsumers int) *graphtest.Builder {
	gb := graphtest.New(t)
	gb.Input("x", f32(3))
	var outputs []string
	for i := range numConsumers {
		opType := "Neg"
		if i%2 == 1 {
			opType = "Identity"
		}
		output := fmt.Sprintf("y%d", i)
		gb.Node(fmt.Sprintf("n%d", i), opType, []string{"x"}, []ir.ArgDef{ir.TypedArg(output, f32(3))})
		outputs = append(outputs, output)
	}
	sum := outputs[0]
	for i, output := range outputs[1:] {
		next := fmt.Sprintf("s%d", i)
		gb.Node(fmt.Sprintf("add%d", i), "Add", []string{sum, output}, []ir.ArgDef{ir.TypedArg(next, f32(3))})
		sum = next
	}
	return gb
}

func TestGradientAccumulation(t *testing.T) {
	t.Run("Sum", func(t *testing.T) {
		gb := newFanOutGraph(t, 2)
		backward := buildBackward(t, gb, nil, []string{"s0"}, []string{"x"})
		assert.Equal(t, []string{"Identity", "Identity", "Identity", "Neg", "Sum"}, backward.Nodes.OpTypes())
		sum := backward.Nodes[len(backward.Nodes)-1]
		assert.Equal(t, "x_grad/Sum", sum.Name)
		assert.Equal(t, []string{"x_grad/0", "x_grad/1"}, argNames(sum.Inputs))
		assert.Equal(t, []string{"x_grad"}, argNames(sum.Outputs))
		assert.Equal(t, map[string]string{"x": "x_grad"}, backward.Gradients)
	})

	t.Run("InPlace", func(t *testing.T) {
		gb := newFanOutGraph(t, 3)
		backward := buildBackward(t, gb, &Config{UseInPlaceAccumulation: true}, []string{"s1"}, []string{"x"})
		n := len(backward.Nodes)
		require.Greater(t, n, 2)
		first, second := backward.Nodes[n-2], backward.Nodes[n-1]
		for _, def := range []ir.NodeDef{first, second} {
			assert.Equal(t, "InPlaceAccumulatorV2", def.OpType)
			assert.Equal(t, ir.MicrosoftDomain, def.Domain)
		}
		assert.Equal(t, "x_grad/InPlaceAccumulatorV2_1", first.Name)
		assert.Equal(t, []string{"x_grad/0", "x_grad/1"}, argNames(first.Inputs))
		assert.Equal(t, []string{"x_grad/updated_1", "x_grad/accumulated_1"}, argNames(first.Outputs))
		assert.Equal(t, []string{"x_grad/accumulated_1", "x_grad/2"}, argNames(second.Inputs))
		assert.Equal(t, []string{"x_grad/updated_2", "x_grad"}, argNames(second.Outputs))
	})

	t.Run("SameNodeInputTwice", func(t *testing.T) {
		gb := graphtest.New(t)
		gb.Input("x", f32(3))
		gb.Node("sq", "Mul", []string{"x", "x"}, []ir.ArgDef{ir.TypedArg("y", f32(3))})
		backward := buildBackward(t, gb, nil, []string{"y"}, []string{"x"})
		assert.Equal(t, []string{"Mul", "Identity", "Mul", "Identity", "Sum"}, backward.Nodes.OpTypes())
		assert.Equal(t, []string{"x_grad/0"}, argNames(backward.Nodes[1].Outputs))
		assert.Equal(t, []string{"x_grad/1"}, argNames(backward.Nodes[3].Outputs))
		assert.Equal(t, []string{"x"}, backward.State.Stashed)
	})

	t.Run("SeedWithContributions", func(t *testing.T) {
		gb := graphtest.New(t)
		gb.Input("x", f32(3))
		gb.Node("n1", "Neg", []string{"x"}, []ir.ArgDef{ir.TypedArg("y", f32(3))})
		gb.Node("n2", "Neg", []string{"y"}, []ir.ArgDef{ir.TypedArg("z", f32(3))})
		backward := buildBackward(t, gb, nil, []string{"z", "y", "z"}, []string{"x"})
		assert.Equal(t, map[string]string{"z": "z_grad", "y": "y_grad_external"}, backward.Seeds)
		assert.Equal(t, []string{"Neg", "Sum", "Neg"}, backward.Nodes.OpTypes())
		assert.Equal(t, []string{"y_grad/1"}, argNames(backward.Nodes[0].Outputs))
		assert.Equal(t, []string{"y_grad_external", "y_grad/1"}, argNames(backward.Nodes[1].Inputs))
		assert.Equal(t, []string{"y_grad"}, argNames(backward.Nodes[2].Inputs))
	})
}

// newChainGraph creates a chain of Add and Mul nodes over x [4, 3] and b [3], some of them anonymous.
func newChainGraph(t *testing.T, length int) *graphtest.Builder {
	gb := graphtest.New(t)
	gb.Input("x", f32(4, 3))
	gb.Input("b", f32(3))
	h := "x"
	for i := range length {
		name := fmt.Sprintf("add%d", i)
		if i%3 == 2 {
			name = ""
		}
		sum := fmt.Sprintf("h%d_sum", i)
		gb.Node(name, "Add", []string{h, "b"}, []ir.ArgDef{ir.TypedArg(sum, f32(4, 3))})
		h = fmt.Sprintf("h%d", i)
		gb.Node("", "Mul", []string{sum, "x"}, []ir.ArgDef{ir.TypedArg(h, f32(4, 3))})
	}
	return gb
}

func TestParallelBuildIsDeterministic(t *testing.T) {
	const length = 20
	want := buildBackward(t, newChainGraph(t, length), nil, []string{"h19"}, []string{"x", "b"})
	assert.Equal(t, map[string]string{"x": "x_grad", "b": "b_grad"}, want.Gradients)
	for _, parallelism := range []int{-1, 4} {
		got := buildBackward(t, newChainGraph(t, length), &Config{Parallelism: parallelism},
			[]string{"h19"}, []string{"x", "b"})
		assert.Equal(t, want.Nodes, got.Nodes, "parallelism=%d", parallelism)
		assert.Equal(t, want.State, got.State, "parallelism=%d", parallelism)
	}
}

func TestBuildGradientGraphErrors(t *testing.T) {
	t.Run("MissingGradient", func(t *testing.T) {
		gb := graphtest.New(t)
		gb.Input("x", f32(3))
		gb.Node("neg0", "Neg", []string{"x"}, []ir.ArgDef{ir.TypedArg("y", f32(3))})
		r := DefaultRegistry()
		r.Register(Key{OpType: "Neg"}, 1, func(b *Base) ir.GradientDef {
			return ir.GradientDef{ir.NewNodeDef("Neg", []ir.ArgDef{ir.Arg("nowhere_grad")}, []ir.ArgDef{b.GI(0)})}
		}, 0)
		_, err := BuildGradientGraph(context.Background(), gb.G, r, nil, []string{"y"}, []string{"x"})
		contractErr := AsContractError(err)
		require.NotNil(t, contractErr, "got %v", err)
		assert.Equal(t, ErrMissingGradient, contractErr.Kind)
		assert.Equal(t, "neg0", contractErr.NodeName)
		assert.Contains(t, err.Error(), "nowhere_grad")
	})

	t.Run("Unsupported", func(t *testing.T) {
		gb := graphtest.New(t)
		gb.Input("cond", f32())
		gb.Input("x", f32(3))
		gb.Node("if0", "If", []string{"cond", "x"}, []ir.ArgDef{ir.TypedArg("y", f32(3))})
		_, err := BuildGradientGraph(context.Background(), gb.G, nil, &Config{Parallelism: -1},
			[]string{"y"}, []string{"x"})
		assert.True(t, IsKind(err, ErrUnsupportedOperator), "got %v", err)
	})

	t.Run("NoGradientRegistered", func(t *testing.T) {
		gb := graphtest.New(t)
		gb.Input("x", f32(3))
		gb.Node("foo0", "Foo", []string{"x"}, []ir.ArgDef{ir.TypedArg("y", f32(3))})
		_, err := BuildGradientGraph(context.Background(), gb.G, nil, nil, []string{"y"}, []string{"x"})
		assert.True(t, IsKind(err, ErrNoGradientBuilder), "got %v", err)
	})
}

func TestStopGradientAndUnusedInputs(t *testing.T) {
	gb := graphtest.New(t)
	gb.Input("x", f32(3))
	gb.Input("unused", f32(3))
	gb.Node("neg0", "Neg", []string{"x"}, []ir.ArgDef{ir.TypedArg("y", f32(3))})
	gb.Node("eq0", "Equal", []string{"x", "x"}, []ir.ArgDef{ir.Arg("mask")})
	gb.Node("neg1", "Neg", []string{"mask"}, []ir.ArgDef{ir.Arg("z")})
	gb.Node("foo0", "Foo", []string{"unused"}, []ir.ArgDef{ir.Arg("w")})

	backward := buildBackward(t, gb, nil, []string{"y", "z"}, []string{"x", "unused"})
	assert.Equal(t, []string{"Neg"}, backward.Nodes.OpTypes())
	assert.Equal(t, "neg0_Grad/Neg_0", backward.Nodes[0].Name)
	assert.Equal(t, map[string]string{"x": "x_grad"}, backward.Gradients, "unused has no path to the ys")
}

func TestSharedConstants(t *testing.T) {
	gb := graphtest.New(t)
	gb.Input("x", f32(3))
	gb.NodeWithDomain("gelu0", "Gelu", ir.MicrosoftDomain, []string{"x"}, []ir.ArgDef{ir.TypedArg("y", f32(3))})
	gb.NodeWithDomain("gelu1", "Gelu", ir.MicrosoftDomain, []string{"y"}, []ir.ArgDef{ir.TypedArg("z", f32(3))})

	backward := buildBackward(t, gb, &Config{DecomposeFusedGradients: true}, []string{"z"}, []string{"x"})
	counts := make(map[string]int)
	for _, def := range backward.Nodes {
		for _, output := range def.Outputs {
			counts[output.Name]++
		}
	}
	assert.Equal(t, 1, counts["HalfConstant_Type1"])
	assert.Equal(t, 1, counts["OneConstant_Type1"])
	assert.Equal(t, 1, counts["y_grad"])
	assert.Equal(t, 1, counts["x_grad"])
	assert.Equal(t, []string{"x", "y"}, backward.State.Stashed)
}

func TestRecomputedInputs(t *testing.T) {
	gb := graphtest.New(t)
	gb.Input("x", f32(3))
	neg := gb.Node("n1", "Neg", []string{"x"}, []ir.ArgDef{ir.TypedArg("y", f32(3))})
	gb.Node("m", "Mul", []string{"y", "x"}, []ir.ArgDef{ir.TypedArg("z", f32(3))})
	_, err := gb.G.AddRecomputedNode(neg)
	require.NoError(t, err)

	backward := buildBackward(t, gb, nil, []string{"z"}, []string{"x"})
	assert.Equal(t, []string{"x"}, backward.State.Stashed, "y is recomputed, not stashed")
	var readsRecomputed bool
	for _, def := range backward.Nodes {
		for _, input := range def.Inputs {
			assert.NotEqual(t, "y", input.Name)
			readsRecomputed = readsRecomputed || input.Name == "y_recompute"
		}
	}
	assert.True(t, readsRecomputed)
	assert.Equal(t, "Sum", backward.Nodes[len(backward.Nodes)-1].OpType)
}

func TestBuildGradientGraphMetrics(t *testing.T) {
	histogramCount := func() uint64 {
		metric := &dto.Metric{}
		require.NoError(t, backwardGraphSeconds.Write(metric))
		return metric.GetHistogram().GetSampleCount()
	}
	negOK := builderInvocations.WithLabelValues("::Neg", "ok")
	negNodes := emittedNodes.WithLabelValues("::Neg")
	invocationsBefore, nodesBefore, countBefore := counterValue(t, negOK), counterValue(t, negNodes), histogramCount()

	gb := newFanOutGraph(t, 4)
	buildBackward(t, gb, nil, []string{"s2"}, []string{"x"})
	assert.Equal(t, invocationsBefore+2, counterValue(t, negOK))
	assert.Equal(t, nodesBefore+2, counterValue(t, negNodes))
	assert.Equal(t, countBefore+1, histogramCount())
}

func TestBuildGradientGraphProgress(t *testing.T) {
	var calls, lastTotal atomic.Int64
	cfg := &Config{Parallelism: 2, Progress: func(done, total int) {
		calls.Add(1)
		lastTotal.Store(int64(total))
		assert.LessOrEqual(t, done, total)
	}}
	buildBackward(t, newFanOutGraph(t, 3), cfg, []string{"s1"}, []string{"x"})
	assert.Equal(t, int64(5), calls.Load())
	assert.Equal(t, int64(5), lastTotal.Load())
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gradient

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gradgraph/pkg/core/dtypes"
	"github.com/gomlx/gradgraph/pkg/core/graph/graphtest"
	"github.com/gomlx/gradgraph/pkg/core/ir"
	"github.com/gomlx/gradgraph/pkg/support/sets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCustomGradient(t *testing.T) {
	gb := graphtest.New(t)
	gb.Input("a", f32(3))
	gb.Input("b", f32(3))
	node := gb.Node("op0", "Add", []string{"a", "b"}, []ir.ArgDef{ir.TypedArg("y", f32(3))})

	r := DefaultRegistry()
	r.RegisterCustom("::Add", []GradientNodeDefinition{
		{OpType: "Neg", Inputs: []string{"GO(0)"}, Outputs: []string{"tmp"}},
		{OpType: "Mul", Inputs: []string{"tmp", "I(1)"}, Outputs: []string{"GI(0)"},
			Attributes: []GradientNodeAttributeDefinition{{Name: "alpha", ValueJSON: "0.5", DType: dtypes.Float32}}},
		{OpType: "Foo", Domain: ir.MicrosoftDomain, Inputs: []string{"O(0)", ""}, Outputs: []string{"GI(1)"}},
	})
	builder, err := NewBuilder(r, gb.G, node, nil, nil, sets.MakeWith("y"), sets.MakeWith("a", "b"))
	require.NoError(t, err)
	defs, err := builder.GetGradientDefs()
	require.NoError(t, err)
	require.Equal(t, []string{"Neg", "Mul", "Foo"}, defs.OpTypes(), "custom definitions take precedence")
	assert.Equal(t, []string{"y_grad"}, argNames(defs[0].Inputs))
	assert.Equal(t, []string{"op0_Grad/tmp"}, argNames(defs[0].Outputs))
	assert.Equal(t, []string{"op0_Grad/tmp", "b"}, argNames(defs[1].Inputs))
	assert.Equal(t, []string{"a_grad"}, argNames(defs[1].Outputs))
	assert.Equal(t, float32(0.5), defs[1].Attributes.GetFloatOr("alpha", 0))
	assert.Equal(t, ir.MicrosoftDomain, defs[2].Domain)
	assert.Equal(t, []string{"y", ""}, argNames(defs[2].Inputs))
	assert.Equal(t, []string{"b", "y"}, builder.Pass().Stashed.Names())

	// Out of range accessors fail the fragment.
	r.RegisterCustom("::Add", []GradientNodeDefinition{
		{OpType: "Identity", Inputs: []string{"GO(0)"}, Outputs: []string{"GI(2)"}},
	})
	builder, err = NewBuilder(r, gb.G, node, nil, nil, sets.MakeWith("y"), sets.MakeWith("a", "b"))
	require.NoError(t, err)
	_, err = builder.GetGradientDefs()
	assert.True(t, IsKind(err, ErrIndexOutOfRange), "got %v", err)
}

func TestAttributeDefinitionToAttribute(t *testing.T) {
	b := newBroadcastTestBase(t, 17)
	for _, tc := range []struct {
		name string
		def  GradientNodeAttributeDefinition
		want ir.Attribute
	}{
		{"float", GradientNodeAttributeDefinition{Name: "f", ValueJSON: "1.5", DType: dtypes.Float32},
			ir.FloatAttr("f", 1.5)},
		{"floats", GradientNodeAttributeDefinition{Name: "f", ValueJSON: "[1, 2.5]", DType: dtypes.Float32},
			ir.FloatsAttr("f", []float32{1, 2.5})},
		{"int", GradientNodeAttributeDefinition{Name: "i", ValueJSON: "7", DType: dtypes.Int64},
			ir.IntAttr("i", 7)},
		{"ints", GradientNodeAttributeDefinition{Name: "axes", ValueJSON: "[0, -1]", DType: dtypes.Int64},
			ir.IntsAttr("axes", []int64{0, -1})},
		{"string", GradientNodeAttributeDefinition{Name: "s", ValueJSON: `"tanh"`, DType: dtypes.String},
			ir.StringAttr("s", "tanh")},
		{"strings", GradientNodeAttributeDefinition{Name: "s", ValueJSON: `["a", "b"]`, DType: dtypes.String},
			ir.StringsAttr("s", []string{"a", "b"})},
		{"float tensor", GradientNodeAttributeDefinition{Name: "value", ValueJSON: "2", DType: dtypes.Float32, IsTensor: true},
			ir.TensorAttr("value", ir.NewTensor([]int64{}, []float32{2}))},
		{"int tensor", GradientNodeAttributeDefinition{Name: "value", ValueJSON: "[1, 2, 3]", DType: dtypes.Int64, IsTensor: true},
			ir.TensorAttr("value", ir.NewTensor([]int64{3}, []int64{1, 2, 3}))},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var got ir.Attribute
			require.NoError(t, exceptions.TryCatch[error](func() { got = b.AttributeDefinitionToAttribute(tc.def) }))
			assert.Equal(t, tc.want, got)
		})
	}

	for _, def := range []GradientNodeAttributeDefinition{
		{Name: "bad_json", ValueJSON: "[1,", DType: dtypes.Float32},
		{Name: "not_a_number", ValueJSON: `"x"`, DType: dtypes.Float32},
		{Name: "not_an_int", ValueJSON: "1.5", DType: dtypes.Int64},
		{Name: "not_a_string", ValueJSON: "1", DType: dtypes.String},
		{Name: "string_tensor", ValueJSON: `"x"`, DType: dtypes.String, IsTensor: true},
		{Name: "unsupported", ValueJSON: "1", DType: dtypes.Float64},
	} {
		contractErr := requireContractError(t, ErrInvalidAttribute, func() { b.AttributeDefinitionToAttribute(def) })
		assert.Contains(t, contractErr.Error(), def.Name)
	}
}

func TestLoadCustomYAML(t *testing.T) {
	const text = `
gradients:
  "com.microsoft::PythonOp::scale":
    - op: Constant
      outputs: [factor]
      attributes:
        - {name: value, value_json: "2.0", dtype: float32, is_tensor: true}
    - op: Mul
      inputs: [GO(1), factor]
      outputs: [GI(0)]
`
	r := NewRegistry()
	require.NoError(t, r.LoadCustomYAML(strings.NewReader(text)))

	gb := graphtest.New(t)
	gb.Input("x", f32(3))
	node := gb.NodeWithDomain("py0", "PythonOp", ir.MicrosoftDomain, []string{"x"},
		[]ir.ArgDef{ir.Arg("ctx"), ir.TypedArg("y", f32(3))}, ir.StringAttr("func_name", "scale"))
	builder, err := NewBuilder(r, gb.G, node, nil, nil, sets.MakeWith("y"), sets.MakeWith("x"))
	require.NoError(t, err, "the custom gradient is found even without a registered PythonOp")
	defs, err := builder.GetGradientDefs()
	require.NoError(t, err)
	require.Equal(t, []string{"Constant", "Mul"}, defs.OpTypes())
	assert.Equal(t, []float64{2}, tensorValues(t, defs[0]))
	assert.Equal(t, []string{"y_grad", "py0_Grad/factor"}, argNames(defs[1].Inputs))
	assert.Equal(t, []string{"x_grad"}, argNames(defs[1].Outputs))

	// Other functions are not matched.
	node = gb.NodeWithDomain("py1", "PythonOp", ir.MicrosoftDomain, []string{"x"},
		[]ir.ArgDef{ir.Arg("ctx1"), ir.Arg("y1")}, ir.StringAttr("func_name", "other"))
	_, err = NewBuilder(r, gb.G, node, nil, nil, sets.MakeWith("y1"), sets.MakeWith("x"))
	assert.True(t, IsKind(err, ErrNoGradientBuilder), "got %v", err)

	// Errors.
	assert.ErrorContains(t, r.LoadCustomYAML(strings.NewReader("gradients: {\"::Foo\": [{inputs: [x]}]}")), "no op")
	assert.ErrorContains(t, r.LoadCustomYAML(strings.NewReader(
		"gradients: {\"::Foo\": [{op: Neg, attributes: [{name: a, value_json: '1', dtype: float99}]}]}")), "unknown dtype")
	assert.Error(t, r.LoadCustomYAML(strings.NewReader("gradient: {}")))

	path := filepath.Join(t.TempDir(), "custom.yaml")
	require.NoError(t, os.WriteFile(path, []byte(text), 0o644))
	require.NoError(t, NewRegistry().LoadCustomYAMLFile(path))
	assert.ErrorContains(t, NewRegistry().LoadCustomYAMLFile(filepath.Join(t.TempDir(), "missing.yaml")), "missing.yaml")
}

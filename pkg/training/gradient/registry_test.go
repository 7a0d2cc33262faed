// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gradient

import (
	"testing"

	"github.com/gomlx/gradgraph/pkg/core/graph/graphtest"
	"github.com/gomlx/gradgraph/pkg/core/ir"
	"github.com/gomlx/gradgraph/pkg/support/sets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	foo := Key{OpType: "Foo"}
	r.Register(foo, 13, EmptyGradient, FlagStopGradient)
	r.Register(foo, 1, EmptyGradient, 0)
	r.Register(foo, 6, UnsupportedGradient, 0)

	for _, tc := range []struct {
		opset, want int
	}{{1, 1}, {5, 1}, {6, 6}, {12, 6}, {13, 13}, {21, 13}, {0, 13}, {-1, 13}} {
		entry, found := r.Lookup(foo, tc.opset)
		require.True(t, found, "opset %d", tc.opset)
		assert.Equal(t, tc.want, entry.SinceVersion, "opset %d", tc.opset)
	}
	entry, _ := r.Lookup(foo, 13)
	assert.True(t, entry.IsStopGradient())

	// Registering the same version replaces the entry.
	r.Register(foo, 13, EmptyGradient, 0)
	entry, _ = r.Lookup(foo, 13)
	assert.False(t, entry.IsStopGradient())

	_, found := r.Lookup(Key{OpType: "Bar"}, 13)
	assert.False(t, found)
	r.Register(Key{OpType: "Bar"}, 5, EmptyGradient, 0)
	_, found = r.Lookup(Key{OpType: "Bar"}, 4)
	assert.False(t, found)
	_, found = r.Lookup(Key{OpType: "Foo", Domain: ir.MicrosoftDomain}, 13)
	assert.False(t, found, "domains are distinct")
}

func TestRegistryKeys(t *testing.T) {
	assert.Equal(t, "::Add", Key{OpType: "Add"}.String())
	assert.Equal(t, "com.microsoft::Gelu", Key{OpType: "Gelu", Domain: ir.MicrosoftDomain}.String())

	r := NewRegistry()
	r.Register(Key{OpType: "Gelu", Domain: ir.MicrosoftDomain}, 1, EmptyGradient, 0)
	r.Register(Key{OpType: "Mul"}, 1, EmptyGradient, 0)
	r.Register(Key{OpType: "Add"}, 1, EmptyGradient, 0)
	r.Register(Key{OpType: "Add"}, 14, EmptyGradient, 0)
	assert.Equal(t, []Key{{OpType: "Add"}, {OpType: "Mul"}, {OpType: "Gelu", Domain: ir.MicrosoftDomain}}, r.Keys())

	keys := sets.MakeWith(DefaultRegistry().Keys()...)
	for _, key := range []Key{
		{OpType: "Add"}, {OpType: "Sub"}, {OpType: "Mul"}, {OpType: "Neg"}, {OpType: "Identity"},
		{OpType: "Gelu"}, {OpType: "Shape"}, {OpType: "If"},
		{OpType: "BiasGelu", Domain: ir.MicrosoftDomain}, {OpType: "FastGelu", Domain: ir.MicrosoftDomain},
		{OpType: "Gelu", Domain: ir.MicrosoftDomain}, {OpType: "PythonOp", Domain: ir.MicrosoftDomain},
	} {
		assert.True(t, keys.Has(key), "missing %s", key)
	}
}

func TestRegistryIsStopGradient(t *testing.T) {
	gb := graphtest.New(t)
	gb.Input("x", f32(3))
	equal := gb.Node("eq", "Equal", []string{"x", "x"}, []ir.ArgDef{ir.Arg("mask")})
	shape := gb.Node("shape", "Shape", []string{"x"}, []ir.ArgDef{ir.Arg("s")})
	neg := gb.Node("neg", "Neg", []string{"x"}, []ir.ArgDef{ir.Arg("y")})
	unknown := gb.Node("foo", "Foo", []string{"x"}, []ir.ArgDef{ir.Arg("z")})

	r := DefaultRegistry()
	assert.True(t, r.IsStopGradient(equal))
	assert.True(t, r.IsStopGradient(shape))
	assert.False(t, r.IsStopGradient(neg))
	assert.False(t, r.IsStopGradient(unknown))
}

func TestNewBuilder(t *testing.T) {
	gb := graphtest.New(t)
	gb.Input("x", f32(3))
	neg := gb.Node("neg", "Neg", []string{"x"}, []ir.ArgDef{ir.TypedArg("y", f32(3))})
	unknown := gb.Node("foo", "Foo", []string{"x"}, []ir.ArgDef{ir.Arg("z")})
	available, required := sets.MakeWith("y"), sets.MakeWith("x")
	r := DefaultRegistry()

	builder, err := NewBuilder(r, gb.G, neg, nil, nil, available, required)
	require.NoError(t, err)
	assert.Equal(t, "neg_Grad/", builder.UniquePrefix())
	assert.Equal(t, "::Neg", builder.GetGradientDefinitionKey())
	defs, err := builder.GetGradientDefs()
	require.NoError(t, err)
	assert.Equal(t, []string{"Neg"}, defs.OpTypes())
	assert.Equal(t, "neg_Grad/Neg_0", defs[0].Name)

	_, err = NewBuilder(nil, gb.G, neg, nil, nil, available, required)
	assert.Error(t, err)
	_, err = NewBuilder(r, gb.G, nil, nil, nil, available, required)
	assert.True(t, IsKind(err, ErrNilNode), "got %v", err)
	other := graphtest.New(t)
	_, err = NewBuilder(r, other.G, neg, nil, nil, available, required)
	assert.True(t, IsKind(err, ErrNilNode), "got %v", err)
	_, err = NewBuilder(r, gb.G, unknown, nil, nil, sets.MakeWith("z"), required)
	contractErr := AsContractError(err)
	require.NotNil(t, contractErr)
	assert.Equal(t, ErrNoGradientBuilder, contractErr.Kind)
	assert.Equal(t, "foo", contractErr.NodeName)
}

func TestAnonymousNodePrefix(t *testing.T) {
	gb := graphtest.New(t)
	gb.Input("x", f32(3))
	first := gb.Node("", "Neg", []string{"x"}, []ir.ArgDef{ir.Arg("y")})
	second := gb.Node("", "Neg", []string{"y"}, []ir.ArgDef{ir.Arg("z")})
	b1 := newTestBase(t, gb, first, nil)
	b2 := newTestBase(t, gb, second, nil)
	assert.NotEqual(t, b1.UniquePrefix(), b2.UniquePrefix())
	assert.Equal(t, b1.UniquePrefix()+"tmp", b1.IA("tmp").Name)
}

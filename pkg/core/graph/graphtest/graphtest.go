// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graphtest holds test utilities for packages that depend on the graph package.
package graphtest

import (
	"testing"

	"github.com/gomlx/gradgraph/pkg/core/dtypes"
	"github.com/gomlx/gradgraph/pkg/core/graph"
	"github.com/gomlx/gradgraph/pkg/core/ir"
	"github.com/gomlx/gradgraph/pkg/core/shapes"
	"github.com/stretchr/testify/require"
)

// DefaultOpsets used by New: opset 17 for the default domain, and 1 for com.microsoft.
var DefaultOpsets = map[string]int{ir.DefaultDomain: 17, ir.MicrosoftDomain: 1}

// Builder wraps a graph.Graph with helpers that fail the test on errors.
type Builder struct {
	t testing.TB
	G *graph.Graph
}

// New creates a Builder for a graph with the DefaultOpsets.
func New(t testing.TB) *Builder {
	return NewWithOpsets(t, DefaultOpsets)
}

// NewWithOpset creates a Builder with the given version for the default domain.
func NewWithOpset(t testing.TB, opset int) *Builder {
	return NewWithOpsets(t, map[string]int{ir.DefaultDomain: opset, ir.MicrosoftDomain: 1})
}

// NewWithOpsets creates a Builder with the given operator set versions.
func NewWithOpsets(t testing.TB, opsets map[string]int) *Builder {
	return &Builder{t: t, G: graph.New(t.Name(), opsets)}
}

// F32 is a shortcut to shapes.MakeDynamic(dtypes.Float32, dims...).
func F32(dims ...any) shapes.Shape {
	return shapes.MakeDynamic(dtypes.Float32, dims...)
}

// Input adds a graph input with the given shape.
func (b *Builder) Input(name string, shape shapes.Shape) ir.ArgDef {
	b.t.Helper()
	arg := ir.TypedArg(name, shape)
	require.NoError(b.t, b.G.AddInput(arg))
	return arg
}

// UntypedInput adds a graph input without type information.
func (b *Builder) UntypedInput(name string) ir.ArgDef {
	b.t.Helper()
	arg := ir.Arg(name)
	require.NoError(b.t, b.G.AddInput(arg))
	return arg
}

// Node adds a node of the default domain. Inputs are given by name, outputs as ArgDef (possibly typed).
func (b *Builder) Node(name, opType string, inputs []string, outputs []ir.ArgDef, attrs ...ir.Attribute) *graph.Node {
	b.t.Helper()
	return b.NodeWithDomain(name, opType, ir.DefaultDomain, inputs, outputs, attrs...)
}

// NodeWithDomain adds a node of the given domain.
func (b *Builder) NodeWithDomain(name, opType, domain string, inputs []string, outputs []ir.ArgDef,
	attrs ...ir.Attribute) *graph.Node {
	b.t.Helper()
	def := ir.NewNodeDefWithDomain(opType, domain, nil, outputs, attrs...)
	def.Name = name
	for _, input := range inputs {
		def.Inputs = append(def.Inputs, ir.Arg(input))
	}
	node, err := b.G.AddNode(def)
	require.NoError(b.t, err)
	return node
}

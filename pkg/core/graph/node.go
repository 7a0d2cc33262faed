// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"strconv"

	"github.com/gomlx/gradgraph/pkg/core/ir"
)

// Node is one operator instance of the forward graph. It is read-only once added to the Graph.
type Node struct {
	graph        *Graph
	index        int
	name         string
	opType       string
	domain       string
	sinceVersion int

	inputs, outputs []ir.ArgDef
	attributes      ir.Attributes
}

// Graph the node belongs to.
func (n *Node) Graph() *Graph { return n.graph }

// Index of the node in the topological order of the graph.
func (n *Node) Index() int { return n.index }

// Name of the node. It may be empty for anonymous nodes.
func (n *Node) Name() string { return n.name }

// OpType returns the operator type, e.g. "Add".
func (n *Node) OpType() string { return n.opType }

// Domain of the operator, "" for the default domain.
func (n *Node) Domain() string { return n.domain }

// SinceVersion returns the operator set version the node was created for.
func (n *Node) SinceVersion() int { return n.sinceVersion }

// Inputs of the node. Omitted optional inputs have empty names.
func (n *Node) Inputs() []ir.ArgDef { return n.inputs }

// Outputs of the node.
func (n *Node) Outputs() []ir.ArgDef { return n.outputs }

// Attributes of the node. They should not be modified.
func (n *Node) Attributes() ir.Attributes { return n.attributes }

// Def returns a copy of the node as an ir.NodeDef.
func (n *Node) Def() ir.NodeDef {
	return ir.NodeDef{
		OpType:     n.opType,
		Domain:     n.domain,
		Inputs:     append([]ir.ArgDef(nil), n.inputs...),
		Outputs:    append([]ir.ArgDef(nil), n.outputs...),
		Attributes: n.attributes.Clone(),
		Name:       n.name,
	}
}

// String implements fmt.Stringer.
func (n *Node) String() string {
	if n == nil {
		return "<nil node>"
	}
	def := n.Def()
	if def.Name == "" {
		def.Name = "#" + strconv.Itoa(n.index)
	}
	return def.String()
}

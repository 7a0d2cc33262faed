// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package ir holds the value types exchanged between the forward graph and gradient builders:
// ArgDef (a reference to a named tensor), NodeDef (an operator instance to be added to a graph),
// Attribute and Tensor (the values attached to nodes), and GradientDef (an ordered fragment of nodes).
//
// These are plain values: builders create them, and once returned they are owned by the caller.
package ir

import (
	"fmt"
	"strings"

	"github.com/gomlx/gradgraph/pkg/core/shapes"
)

// DefaultDomain is the standard operator set domain.
const DefaultDomain = ""

// MicrosoftDomain is the domain of the contrib operators (fused gradients, accumulators, foreign ops).
const MicrosoftDomain = "com.microsoft"

// ArgDef identifies a tensor of the graph by name.
//
// Type is optional: it is nil for newly synthesized arguments whose type is inferred later.
type ArgDef struct {
	Name string
	Type *shapes.Shape
}

// Arg returns an ArgDef with the given name and no type.
func Arg(name string) ArgDef {
	return ArgDef{Name: name}
}

// TypedArg returns an ArgDef with the given name and a copy of the shape.
func TypedArg(name string, shape shapes.Shape) ArgDef {
	s := shape.Clone()
	return ArgDef{Name: name, Type: &s}
}

// Equal returns whether both ArgDef refer to the same tensor: only names are compared.
func (a ArgDef) Equal(other ArgDef) bool {
	return a.Name == other.Name
}

// Exists returns whether the ArgDef refers to a tensor. Empty names are used for omitted optional arguments.
func (a ArgDef) Exists() bool {
	return a.Name != ""
}

// String implements fmt.Stringer.
func (a ArgDef) String() string {
	if a.Type == nil {
		return a.Name
	}
	return fmt.Sprintf("%s:%s", a.Name, a.Type)
}

// NodeDef is an operator instance produced by a gradient builder.
type NodeDef struct {
	OpType string
	Domain string

	Inputs, Outputs []ArgDef
	Attributes      Attributes

	// Name may be empty until the builder finalizes the fragment.
	Name string
}

// NewNodeDef creates a NodeDef in the default domain.
func NewNodeDef(opType string, inputs, outputs []ArgDef, attributes ...Attribute) NodeDef {
	return NewNodeDefWithDomain(opType, DefaultDomain, inputs, outputs, attributes...)
}

// NewNodeDefWithDomain creates a NodeDef for an operator of the given domain.
func NewNodeDefWithDomain(opType, domain string, inputs, outputs []ArgDef, attributes ...Attribute) NodeDef {
	node := NodeDef{
		OpType:  opType,
		Domain:  domain,
		Inputs:  inputs,
		Outputs: outputs,
	}
	if len(attributes) > 0 {
		node.Attributes = make(Attributes, len(attributes))
		for _, attr := range attributes {
			node.Attributes[attr.Name] = attr
		}
	}
	return node
}

// String implements fmt.Stringer, with a one-line representation of the node.
func (n NodeDef) String() string {
	var sb strings.Builder
	if n.Name != "" {
		fmt.Fprintf(&sb, "%s: ", n.Name)
	}
	if n.Domain != DefaultDomain {
		fmt.Fprintf(&sb, "%s::", n.Domain)
	}
	sb.WriteString(n.OpType)
	sb.WriteString("(")
	for i, input := range n.Inputs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(input.Name)
	}
	sb.WriteString(") -> (")
	for i, output := range n.Outputs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(output.Name)
	}
	sb.WriteString(")")
	if len(n.Attributes) > 0 {
		sb.WriteString(" {")
		for i, name := range n.Attributes.Names() {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(n.Attributes[name].String())
		}
		sb.WriteString("}")
	}
	return sb.String()
}

// GradientDef is the ordered backward-graph fragment for one forward node.
// Later nodes may consume the outputs of earlier nodes.
type GradientDef []NodeDef

// OpTypes returns the op types of the nodes, in order. Mostly used for testing and debugging.
func (def GradientDef) OpTypes() []string {
	opTypes := make([]string, len(def))
	for i, node := range def {
		opTypes[i] = node.OpType
	}
	return opTypes
}

// Producer returns the node that outputs the named argument, and whether it was found.
func (def GradientDef) Producer(name string) (NodeDef, bool) {
	for _, node := range def {
		for _, output := range node.Outputs {
			if output.Name == name {
				return node, true
			}
		}
	}
	return NodeDef{}, false
}

// String implements fmt.Stringer, with one node per line.
func (def GradientDef) String() string {
	parts := make([]string, len(def))
	for i, node := range def {
		parts[i] = node.String()
	}
	return strings.Join(parts, "\n")
}

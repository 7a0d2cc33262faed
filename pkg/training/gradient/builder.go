// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package gradient builds the reverse-mode (backward) graph of a forward graph.
//
// For each forward node that needs differentiating, a GradientBuilder produces the fragment of new nodes
// (an ir.GradientDef) computing the gradients with respect to the node inputs, given the gradients
// available for its outputs. BuildGradientGraph drives the builders over a whole graph, and splices
// the fragments into one backward graph.
//
// The main elements in the package are:
//
//   - Base: the read-only view of the forward node given to the per-operator BuildFn. It provides the
//     accessors to the node inputs (I), outputs (O), their gradients (GI, GO), intermediate
//     arguments (IA), and the shared algorithms: broadcasting reduction (HandleBroadcasting), typed constants
//     (ConstantScalarNode) and the bias-gelu gradient (BiasGeluGradNodes).
//
//   - Builder: the GradientBuilder implementation. It runs a BuildFn and gives unique names to the nodes.
//
//   - Registry: maps operator type, domain and opset version to the BuildFn for the operator.
//
//   - PassContext: the bookkeeping shared by all builders of a pass: the stashed tensors (forward tensors read
//     by the backward graph) and the requirements of foreign (PythonOp) operators.
//
// # Error Handling
//
// Inside a BuildFn contract violations panic with a *ContractError, and the entry points
// (GetGradientDefs, NewBuilder, BuildGradientGraph) return them as errors.
package gradient

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gradgraph/pkg/core/graph"
	"github.com/gomlx/gradgraph/pkg/core/ir"
	"github.com/gomlx/gradgraph/pkg/support/sets"
)

// GradientSuffix is appended to a tensor name to name its gradient.
const GradientSuffix = "_grad"

// GradientName returns the name of the gradient of the tensor.
func GradientName(name string) string {
	return name + GradientSuffix
}

// ExternalOutputName returns the name of a gradient provided from outside the backward graph, when the
// backward graph also computes a gradient with the plain name (see BuildGradientGraph seeds).
func ExternalOutputName(name string) string {
	return name + "_external"
}

// GradientBuilder produces the backward fragment of one forward node.
type GradientBuilder interface {
	// GetGradientDefs returns the fragment, with every node named uniquely.
	GetGradientDefs() (ir.GradientDef, error)
}

// BuildFn implements the gradient of one operator type: it returns the nodes computing the requested
// gradients of the node inputs, using the accessors of Base.
//
// Nodes may be left unnamed, they are named by Builder.GetGradientDefs.
// Contract violations are reported by panicking, typically through the accessors.
type BuildFn func(b *Base) ir.GradientDef

// Base is the read-only view of a forward node given to a BuildFn, plus the pass bookkeeping
// it updates.
type Base struct {
	config *Config
	graph  *graph.Graph
	node   *graph.Node
	pass   *PassContext

	// gradientInputs holds the output names of the node for which a gradient is available.
	gradientInputs sets.Set[string]

	// gradientOutputs holds the input names of the node for which a gradient is required.
	gradientOutputs sets.Set[string]

	uniquePrefix string
}

// NewBase creates the Base for the forward node. The availability sets are copied.
//
// A nil config uses DefaultConfig(), and a nil pass creates a private PassContext.
// If the node is anonymous, a unique name prefix is generated with Graph.GenerateNodeName.
func NewBase(config *Config, g *graph.Graph, node *graph.Node, gradientInputs, gradientOutputs sets.Set[string],
	pass *PassContext) (*Base, error) {
	if node == nil || g == nil {
		return nil, newContractError(ErrNilNode, "", "", "a forward node and its graph are required, got node=%v, graph=%v",
			node != nil, g != nil)
	}
	if node.Graph() != g {
		return nil, newContractError(ErrNilNode, node.Name(), node.OpType(), "node %s doesn't belong to graph %q",
			node, g.Name())
	}
	if config == nil {
		config = DefaultConfig()
	}
	if pass == nil {
		pass = NewPassContext()
	}
	b := &Base{
		config:          config,
		graph:           g,
		node:            node,
		pass:            pass,
		gradientInputs:  sets.Make[string]().Union(gradientInputs),
		gradientOutputs: sets.Make[string]().Union(gradientOutputs),
	}
	if name := node.Name(); name != "" {
		b.uniquePrefix = name + "_Grad/"
	} else {
		b.uniquePrefix = g.GenerateNodeName(node.OpType()) + "_Grad/"
	}
	return b, nil
}

// Name returns name scoped with the unique prefix of the node.
func (b *Base) Name(name string) string {
	return b.uniquePrefix + name
}

// localName returns the name of arg without the unique prefix of the node, if it has it.
func (b *Base) localName(arg ir.ArgDef) string {
	return strings.TrimPrefix(arg.Name, b.uniquePrefix)
}

// UniquePrefix used to scope all names created for this node, e.g.: "add0_Grad/".
func (b *Base) UniquePrefix() string {
	return b.uniquePrefix
}

// Config of the pass.
func (b *Base) Config() *Config {
	return b.config
}

// Graph is the forward graph.
func (b *Base) Graph() *graph.Graph {
	return b.graph
}

// Pass returns the bookkeeping shared by the builders of the pass.
func (b *Base) Pass() *PassContext {
	return b.pass
}

// SrcNode returns the forward node.
func (b *Base) SrcNode() *graph.Node {
	return b.node
}

// NodeName returns the name of the forward node, possibly empty.
func (b *Base) NodeName() string {
	return b.node.Name()
}

// GetGradientDefinitionKey returns the registry key of the forward node, see GetGradientDefinitionKeyByNode.
func (b *Base) GetGradientDefinitionKey() string {
	return GetGradientDefinitionKeyByNode(b.node)
}

// panicf panics with a *ContractError identifying the forward node.
func (b *Base) panicf(kind ErrorKind, format string, args ...any) {
	panic(newContractError(kind, b.node.Name(), b.node.OpType(), format, args...))
}

// Builder is the GradientBuilder for one forward node: it runs BuildFn over its Base.
type Builder struct {
	*Base
	BuildFn BuildFn
}

// NewGradientBuilder returns a Builder that runs fn over base.
func NewGradientBuilder(base *Base, fn BuildFn) *Builder {
	return &Builder{Base: base, BuildFn: fn}
}

// GetGradientDefs implements GradientBuilder.
//
// Nodes left unnamed by the BuildFn are named Name(opType + "_" + index). Any contract violation aborts
// the whole fragment: no partial result is returned.
func (b *Builder) GetGradientDefs() (ir.GradientDef, error) {
	key := b.GetGradientDefinitionKey()
	var defs ir.GradientDef
	err := exceptions.TryCatch[error](func() {
		if b.BuildFn == nil {
			b.panicf(ErrNoGradientBuilder, "no gradient BuildFn for %s", key)
		}
		defs = b.BuildFn(b.Base)
	})
	if err != nil {
		builderInvocations.WithLabelValues(key, "error").Inc()
		return nil, err
	}
	for i := range defs {
		if defs[i].Name == "" {
			defs[i].Name = b.Name(fmt.Sprintf("%s_%d", defs[i].OpType, i))
		}
	}
	builderInvocations.WithLabelValues(key, "ok").Inc()
	emittedNodes.WithLabelValues(key).Add(float64(len(defs)))
	return defs, nil
}

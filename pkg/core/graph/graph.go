// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph holds the forward computation graph consumed by the gradient builders.
//
// The main elements in the package are:
//
//   - Graph is an append-only list of Node in topological order: a node can only be added after all
//     its inputs are defined, either as graph inputs or as outputs of previous nodes.
//
//   - Node is one operator instance: op type, domain, ordered inputs and outputs (as ir.ArgDef) and attributes.
//     Nodes are read-only once added.
//
// The graph also implements the conventions shared with the gradient builders: the lookup of a tensor by
// name (GetNodeArg), of its producer (ProducerNode), the naming of recomputed aliases (RecomputeName) and the
// generation of unique names for anonymous nodes (GenerateNodeName).
//
// # Error Handling
//
// Methods that receive user provided graphs (AddInput, AddNode, LoadYAML) return errors.
// Lookups return a "found" boolean or nil.
package graph

import (
	"fmt"
	"maps"
	"strings"
	"sync"

	"github.com/gomlx/gradgraph/pkg/core/ir"
	"github.com/gomlx/gradgraph/pkg/core/shapes"
	"github.com/pkg/errors"
)

// RecomputeSuffix is appended to the name of a tensor to name its recomputed alias.
const RecomputeSuffix = "_recompute"

// RecomputeName returns the name of the recomputed alias of the tensor.
func RecomputeName(name string) string {
	return name + RecomputeSuffix
}

// Graph is the forward computation graph.
type Graph struct {
	name string

	// domainToVersion maps operator set domains to their version.
	domainToVersion map[string]int

	// args holds the ArgDef of all tensors: graph inputs and node outputs.
	args      map[string]ir.ArgDef
	inputs    []string
	nodes     []*Node
	producers map[string]*Node
	consumers map[string][]*Node

	// muNames protects nodeNames and nameCounter, used by GenerateNodeName.
	muNames     sync.Mutex
	nodeNames   map[string]bool
	nameCounter int
}

// New creates an empty Graph with the given operator set versions, mapping domain to version.
// The default domain is "".
func New(name string, domainToVersion map[string]int) *Graph {
	g := &Graph{
		name:            name,
		domainToVersion: maps.Clone(domainToVersion),
		args:            make(map[string]ir.ArgDef),
		producers:       make(map[string]*Node),
		consumers:       make(map[string][]*Node),
		nodeNames:       make(map[string]bool),
	}
	if g.domainToVersion == nil {
		g.domainToVersion = make(map[string]int)
	}
	return g
}

// Name of the graph.
func (g *Graph) Name() string {
	return g.name
}

// DomainToVersion returns a copy of the operator set versions of the graph.
func (g *Graph) DomainToVersion() map[string]int {
	return maps.Clone(g.domainToVersion)
}

// OpsetVersion returns the version of the operator set for the domain, and whether it is defined.
func (g *Graph) OpsetVersion(domain string) (int, bool) {
	version, found := g.domainToVersion[domain]
	return version, found
}

// AddInput adds a graph input (or initializer, the graph doesn't distinguish them).
func (g *Graph) AddInput(arg ir.ArgDef) error {
	if arg.Name == "" {
		return errors.New("graph input must have a name")
	}
	if _, found := g.args[arg.Name]; found {
		return errors.Errorf("graph %q already has a tensor named %q", g.name, arg.Name)
	}
	g.args[arg.Name] = arg
	g.inputs = append(g.inputs, arg.Name)
	return nil
}

// Inputs returns the names of the graph inputs, in the order they were added.
func (g *Graph) Inputs() []string {
	return g.inputs
}

// IsInput returns whether the tensor is a graph input.
func (g *Graph) IsInput(name string) bool {
	_, isArg := g.args[name]
	return isArg && g.producers[name] == nil
}

// AddNode appends a node to the graph.
//
// All its (non-empty) inputs must already be defined, and its outputs must not be. The node's opset version
// is taken from the graph's operator set version for the node domain.
// The returned Node should be treated as read-only.
func (g *Graph) AddNode(def ir.NodeDef) (*Node, error) {
	if def.OpType == "" {
		return nil, errors.Errorf("graph %q: node %q has no op type", g.name, def.Name)
	}
	if def.Name != "" {
		g.muNames.Lock()
		duplicate := g.nodeNames[def.Name]
		g.muNames.Unlock()
		if duplicate {
			return nil, errors.Errorf("graph %q: duplicate node name %q", g.name, def.Name)
		}
	}
	node := &Node{
		graph:      g,
		index:      len(g.nodes),
		name:       def.Name,
		opType:     def.OpType,
		domain:     def.Domain,
		attributes: def.Attributes.Clone(),
	}
	node.sinceVersion, _ = g.domainToVersion[def.Domain]
	node.inputs = make([]ir.ArgDef, len(def.Inputs))
	for i, input := range def.Inputs {
		if !input.Exists() {
			// Omitted optional input.
			node.inputs[i] = input
			continue
		}
		arg, found := g.args[input.Name]
		if !found {
			return nil, errors.Errorf("graph %q: input #%d %q of node %s is not defined by a previous node or graph input",
				g.name, i, input.Name, node)
		}
		node.inputs[i] = arg
	}
	node.outputs = make([]ir.ArgDef, len(def.Outputs))
	for i, output := range def.Outputs {
		if !output.Exists() {
			node.outputs[i] = output
			continue
		}
		if _, found := g.args[output.Name]; found {
			return nil, errors.Errorf("graph %q: output #%d %q of node %s is already defined",
				g.name, i, output.Name, node)
		}
		node.outputs[i] = output
	}

	// Only commit after all checks passed.
	for _, output := range node.outputs {
		if output.Exists() {
			g.args[output.Name] = output
			g.producers[output.Name] = node
		}
	}
	for _, input := range node.inputs {
		if input.Exists() {
			g.consumers[input.Name] = append(g.consumers[input.Name], node)
		}
	}
	if node.name != "" {
		g.muNames.Lock()
		g.nodeNames[node.name] = true
		g.muNames.Unlock()
	}
	g.nodes = append(g.nodes, node)
	return node, nil
}

// Nodes returns all nodes in topological order.
func (g *Graph) Nodes() []*Node {
	return g.nodes
}

// NumNodes returns the number of nodes in the graph.
func (g *Graph) NumNodes() int {
	return len(g.nodes)
}

// GetNodeArg returns the ArgDef of the named tensor, and whether it exists.
func (g *Graph) GetNodeArg(name string) (ir.ArgDef, bool) {
	arg, found := g.args[name]
	return arg, found
}

// SetArgType sets (or overrides) the type of a tensor. Used to attach inferred shapes to intermediary
// tensors. The nodes referring to the tensor are updated.
func (g *Graph) SetArgType(name string, shape shapes.Shape) error {
	arg, found := g.args[name]
	if !found {
		return errors.Errorf("graph %q has no tensor named %q", g.name, name)
	}
	arg = ir.TypedArg(name, shape)
	g.args[name] = arg
	if producer := g.producers[name]; producer != nil {
		for i := range producer.outputs {
			if producer.outputs[i].Name == name {
				producer.outputs[i] = arg
			}
		}
	}
	for _, consumer := range g.consumers[name] {
		for i := range consumer.inputs {
			if consumer.inputs[i].Name == name {
				consumer.inputs[i] = arg
			}
		}
	}
	return nil
}

// ResolveAxes replaces the symbolic dimensions of every typed tensor by the values in bindings.
func (g *Graph) ResolveAxes(bindings shapes.AxisBindings) {
	if len(bindings) == 0 {
		return
	}
	for name, arg := range g.args {
		if arg.Type == nil || !arg.Type.HasNamedAxes() {
			continue
		}
		_ = g.SetArgType(name, arg.Type.Resolve(bindings))
	}
}

// ProducerNode returns the node that outputs the named tensor, or nil if it is a graph input or unknown.
func (g *Graph) ProducerNode(name string) *Node {
	return g.producers[name]
}

// Consumers returns the nodes that take the named tensor as input.
func (g *Graph) Consumers(name string) []*Node {
	return g.consumers[name]
}

// GenerateNodeName returns a node name based on base that is unique in the graph.
// The name is reserved: following calls will not return it again.
//
// It is safe for concurrent use.
func (g *Graph) GenerateNodeName(base string) string {
	g.muNames.Lock()
	defer g.muNames.Unlock()
	for {
		name := fmt.Sprintf("%s_token_%d", base, g.nameCounter)
		g.nameCounter++
		if !g.nodeNames[name] {
			g.nodeNames[name] = true
			return name
		}
	}
}

// AddRecomputedNode duplicates node, renaming each of its outputs with RecomputeName.
// Inputs that already have a recomputed alias are replaced by the alias, so chains of recomputed
// nodes are built by calling this in topological order.
func (g *Graph) AddRecomputedNode(node *Node) (*Node, error) {
	def := ir.NodeDef{
		OpType:     node.opType,
		Domain:     node.domain,
		Attributes: node.attributes,
	}
	if node.name != "" {
		def.Name = RecomputeName(node.name)
	}
	def.Inputs = make([]ir.ArgDef, len(node.inputs))
	for i, input := range node.inputs {
		def.Inputs[i] = input
		if !input.Exists() {
			continue
		}
		if alias, found := g.args[RecomputeName(input.Name)]; found {
			def.Inputs[i] = alias
		}
	}
	def.Outputs = make([]ir.ArgDef, len(node.outputs))
	for i, output := range node.outputs {
		def.Outputs[i] = output
		if output.Exists() {
			def.Outputs[i].Name = RecomputeName(output.Name)
		}
	}
	return g.AddNode(def)
}

// String implements fmt.Stringer, listing inputs and nodes.
func (g *Graph) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Graph %q: %d inputs, %d nodes\n", g.name, len(g.inputs), len(g.nodes))
	for _, name := range g.inputs {
		fmt.Fprintf(&sb, "\tInput: %s\n", g.args[name])
	}
	for _, node := range g.nodes {
		fmt.Fprintf(&sb, "\t%s\n", node)
	}
	return sb.String()
}

// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gradient

import (
	"context"
	"fmt"
	"slices"
	"sync/atomic"
	"time"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gradgraph/internal/workerspool"
	"github.com/gomlx/gradgraph/pkg/core/graph"
	"github.com/gomlx/gradgraph/pkg/core/ir"
	"github.com/gomlx/gradgraph/pkg/support/sets"
	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"k8s.io/klog/v2"
)

// TracerName is the name of the OpenTelemetry tracer used by BuildGradientGraph.
const TracerName = "github.com/gomlx/gradgraph/pkg/training/gradient"

// BackwardGraph is the result of BuildGradientGraph.
type BackwardGraph struct {
	// Nodes of the backward graph, in an order where every node comes after the producers of its inputs.
	Nodes ir.GradientDef

	// Seeds maps each tensor y (whose gradient is requested) to the name of the backward graph input
	// holding its gradient: usually GradientName(y).
	Seeds map[string]string

	// Gradients maps each tensor x to the name of the tensor holding its gradient. Tensors with no
	// differentiable path to any y are not included.
	Gradients map[string]string

	// State of the pass: stashed forward tensors and foreign operator requirements.
	State *PassState
}

// reverseNode holds the gradient analysis of one forward node.
type reverseNode struct {
	Node    *graph.Node
	Builder *Builder

	// Defs is the fragment returned by the builder.
	Defs ir.GradientDef
}

// BuildGradientGraph builds the backward graph of g: the gradients of the tensors xs given the gradients
// of the tensors ys, which are the inputs (seeds) of the backward graph.
//
// Only the nodes on a differentiable path from some x to some y are differentiated: a tensor requires a
// gradient if it depends on some x, and it is useful if some y depends on it. Operators registered with
// FlagStopGradient interrupt both paths.
//
// When a tensor receives gradient contributions from more than one consumer, each contribution is renamed
// "<tensor>_grad/<k>" in its fragment, and they are accumulated with a Sum node (or a chain of
// InPlaceAccumulatorV2 nodes, see Config.UseInPlaceAccumulation).
//
// A nil reg uses DefaultRegistry() and a nil cfg uses DefaultConfig().
func BuildGradientGraph(ctx context.Context, g *graph.Graph, reg *Registry, cfg *Config, ys, xs []string) (
	backward *BackwardGraph, err error) {
	start := time.Now()
	if reg == nil {
		reg = DefaultRegistry()
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if g == nil {
		return nil, errors.New("BuildGradientGraph requires a forward graph")
	}
	ctx, span := otel.Tracer(TracerName).Start(ctx, "gradient.BuildGradientGraph",
		trace.WithAttributes(
			attribute.String("graph", g.Name()),
			attribute.Int("forward_nodes", g.NumNodes()),
			attribute.StringSlice("ys", ys),
			attribute.StringSlice("xs", xs),
		))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to build backward graph")
		} else {
			span.SetAttributes(attribute.Int("backward_nodes", len(backward.Nodes)),
				attribute.Int("stashed_tensors", len(backward.State.Stashed)))
		}
		span.End()
	}()

	if len(ys) == 0 || len(xs) == 0 {
		return nil, errors.Errorf("BuildGradientGraph requires at least one y and one x, got ys=%v, xs=%v", ys, xs)
	}
	for _, name := range slices.Concat(ys, xs) {
		if _, found := g.GetNodeArg(name); !found {
			return nil, errors.Errorf("graph %q has no tensor named %q", g.Name(), name)
		}
	}

	// Build the builders sequentially: anonymous nodes get their prefix from Graph.GenerateNodeName, and the
	// names must not depend on the parallelism.
	pass := NewPassContext()
	rNodes, err := newReverseNodes(g, reg, cfg, pass, ys, xs)
	if err != nil {
		return nil, err
	}
	if err = runBuilders(ctx, cfg, rNodes); err != nil {
		return nil, err
	}
	backward, err = spliceFragments(g, cfg, rNodes, ys, xs)
	if err != nil {
		return nil, err
	}
	backward.State = pass.State()
	backwardGraphSeconds.Observe(time.Since(start).Seconds())
	klog.V(1).Infof("backward graph of %q: %d nodes differentiated, %d backward nodes, %d stashed tensors",
		g.Name(), len(rNodes), len(backward.Nodes), len(backward.State.Stashed))
	return backward, nil
}

// newReverseNodes marks the tensors that require a gradient (forward from xs) and those that are
// useful (backward from ys), and creates the builders of the nodes on both paths, in reverse
// topological order.
func newReverseNodes(g *graph.Graph, reg *Registry, cfg *Config, pass *PassContext, ys, xs []string) (
	[]*reverseNode, error) {
	nodes := g.Nodes()
	isStopGradient := make([]bool, len(nodes))
	for i, node := range nodes {
		isStopGradient[i] = reg.IsStopGradient(node)
	}

	requiresGrad := sets.MakeWith(xs...)
	for i, node := range nodes {
		if isStopGradient[i] {
			continue
		}
		if slices.ContainsFunc(node.Inputs(), func(input ir.ArgDef) bool { return requiresGrad.Has(input.Name) }) {
			for _, output := range node.Outputs() {
				if output.Exists() {
					requiresGrad.Insert(output.Name)
				}
			}
		}
	}
	useful := sets.MakeWith(ys...)
	for i := len(nodes) - 1; i >= 0; i-- {
		node := nodes[i]
		if isStopGradient[i] {
			continue
		}
		if slices.ContainsFunc(node.Outputs(), func(output ir.ArgDef) bool { return useful.Has(output.Name) }) {
			for _, input := range node.Inputs() {
				if input.Exists() {
					useful.Insert(input.Name)
				}
			}
		}
	}

	// available holds the tensors whose gradient will be defined by the time a node is processed.
	available := sets.MakeWith(ys...)
	var rNodes []*reverseNode
	for i := len(nodes) - 1; i >= 0; i-- {
		node := nodes[i]
		if isStopGradient[i] {
			continue
		}
		gradientInputs := sets.Make[string]()
		for _, output := range node.Outputs() {
			if output.Exists() && available.Has(output.Name) {
				gradientInputs.Insert(output.Name)
			}
		}
		gradientOutputs := sets.Make[string]()
		for _, input := range node.Inputs() {
			if input.Exists() && requiresGrad.Has(input.Name) && useful.Has(input.Name) {
				gradientOutputs.Insert(input.Name)
			}
		}
		if len(gradientInputs) == 0 || len(gradientOutputs) == 0 {
			continue
		}
		builder, err := NewBuilder(reg, g, node, cfg, pass, gradientInputs, gradientOutputs)
		if err != nil {
			return nil, err
		}
		rNodes = append(rNodes, &reverseNode{Node: node, Builder: builder})
		for name := range gradientOutputs {
			available.Insert(name)
		}
	}
	return rNodes, nil
}

// runBuilders calls GetGradientDefs of every builder, in parallel if configured.
// The first error, in reverse topological order, is returned.
func runBuilders(ctx context.Context, cfg *Config, rNodes []*reverseNode) error {
	errs := make([]error, len(rNodes))
	var done atomic.Int64
	task := func(i int) {
		if cfg.Progress != nil {
			defer func() { cfg.Progress(int(done.Add(1)), len(rNodes)) }()
		}
		if err := ctx.Err(); err != nil {
			errs[i] = errors.Wrap(err, "backward graph building interrupted")
			return
		}
		rNode := rNodes[i]
		if cfg.EnableTracing {
			var span trace.Span
			_, span = otel.Tracer(TracerName).Start(ctx, "gradient.GetGradientDefs",
				trace.WithAttributes(
					attribute.String("node", rNode.Node.String()),
					attribute.String("op", rNode.Builder.GetGradientDefinitionKey()),
				))
			defer span.End()
			defer func() {
				if errs[i] != nil {
					span.RecordError(errs[i])
					span.SetStatus(codes.Error, "gradient builder failed")
				} else {
					span.SetAttributes(attribute.Int("emitted_nodes", len(rNode.Defs)))
				}
			}()
		}
		rNode.Defs, errs[i] = rNode.Builder.GetGradientDefs()
		if errs[i] == nil && klog.V(2).Enabled() {
			klog.Infof("gradient of %s: %d nodes %v", rNode.Node, len(rNode.Defs), rNode.Defs.OpTypes())
		}
	}

	pool := workerspool.New(cfg.Parallelism)
	if pool.IsEnabled() {
		pool.Run(len(rNodes), task)
	} else {
		for i := range rNodes {
			task(i)
		}
	}
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// contributionName is the name of the k-th contribution to a gradient accumulated from multiple consumers.
func contributionName(gradName string, k int) string {
	return fmt.Sprintf("%s/%d", gradName, k)
}

// splicer concatenates the fragments of the builders into the backward graph.
type splicer struct {
	g      *graph.Graph
	cfg    *Config
	output ir.GradientDef

	// defined holds the tensors available to the backward graph besides the forward tensors, with the index
	// of the output node that defines them, or -1 for the seeds.
	defined map[string]int

	// contributions maps gradient names to the renamed contributions spliced so far, and pending to the
	// number of contributions still to be spliced before they can be accumulated.
	contributions map[string][]string
	pending       map[string]int
}

// spliceFragments concatenates the fragments, in reverse topological order, resolving the accumulation
// of gradients with multiple contributions and sharing identical constants.
func spliceFragments(g *graph.Graph, cfg *Config, rNodes []*reverseNode, ys, xs []string) (*BackwardGraph, error) {
	s := &splicer{
		g:             g,
		cfg:           cfg,
		defined:       make(map[string]int),
		contributions: make(map[string][]string),
		pending:       make(map[string]int),
	}

	// Count the contributions to each gradient: an input used twice by the same node contributes twice.
	numContributions := make(map[string]int)
	for _, rNode := range rNodes {
		for _, name := range producedGradients(rNode) {
			numContributions[name]++
		}
	}

	backward := &BackwardGraph{
		Seeds:     make(map[string]string, len(ys)),
		Gradients: make(map[string]string, len(xs)),
	}
	for _, y := range ys {
		gradName := GradientName(y)
		if _, found := backward.Seeds[y]; found {
			continue
		}
		if numContributions[gradName] > 0 {
			// y also receives gradients from its consumers: the seed is one more contribution.
			seed := ExternalOutputName(gradName)
			backward.Seeds[y] = seed
			s.defined[seed] = -1
			s.contributions[gradName] = append(s.contributions[gradName], seed)
		} else {
			backward.Seeds[y] = gradName
			s.defined[gradName] = -1
		}
	}
	for name, count := range numContributions {
		if count+len(s.contributions[name]) > 1 {
			s.pending[name] = count
		}
	}

	for _, rNode := range rNodes {
		defs := s.renameContributions(rNode.Defs)
		for i := range defs {
			if err := s.splice(rNode, &defs[i]); err != nil {
				return nil, err
			}
		}
		for _, gradName := range producedGradients(rNode) {
			if _, accumulated := s.pending[gradName]; !accumulated {
				continue
			}
			s.pending[gradName]--
			if s.pending[gradName] == 0 {
				delete(s.pending, gradName)
				if err := s.accumulate(gradName); err != nil {
					return nil, err
				}
			}
		}
	}

	for _, x := range xs {
		gradName := GradientName(x)
		if _, found := s.defined[gradName]; found {
			backward.Gradients[x] = gradName
		} else {
			klog.V(1).Infof("tensor %q has no differentiable path to %v, no gradient created", x, ys)
		}
	}
	backward.Nodes = s.output
	return backward, nil
}

// producedGradients returns the gradients of the node inputs written by its fragment, once per node
// output that writes them.
func producedGradients(rNode *reverseNode) []string {
	gradNames := sets.Make[string]()
	for _, input := range rNode.Node.Inputs() {
		if input.Exists() {
			gradNames.Insert(GradientName(input.Name))
		}
	}
	var names []string
	for _, def := range rNode.Defs {
		for _, output := range def.Outputs {
			if gradNames.Has(output.Name) {
				names = append(names, output.Name)
			}
		}
	}
	return names
}

// renameContributions returns a copy of the fragment where each output writing an accumulated gradient is
// renamed to a new contribution name. Later reads within the fragment use the renamed contribution.
func (s *splicer) renameContributions(defs ir.GradientDef) ir.GradientDef {
	renamed := make(ir.GradientDef, len(defs))
	current := make(map[string]string)
	for i, def := range defs {
		def.Inputs = slices.Clone(def.Inputs)
		def.Outputs = slices.Clone(def.Outputs)
		for j, input := range def.Inputs {
			if name, found := current[input.Name]; found {
				def.Inputs[j].Name = name
			}
		}
		for j, output := range def.Outputs {
			if _, accumulated := s.pending[output.Name]; !accumulated {
				continue
			}
			contribution := contributionName(output.Name, len(s.contributions[output.Name]))
			s.contributions[output.Name] = append(s.contributions[output.Name], contribution)
			current[output.Name] = contribution
			def.Outputs[j].Name = contribution
		}
		renamed[i] = def
	}
	return renamed
}

// isDefined returns whether the tensor is available to the backward graph.
func (s *splicer) isDefined(name string) bool {
	if _, found := s.defined[name]; found {
		return true
	}
	_, found := s.g.GetNodeArg(name)
	return found
}

// splice appends the node to the backward graph, after checking that all its inputs are defined.
// Constant nodes identical to one already spliced (the shared typed constants) are dropped.
func (s *splicer) splice(rNode *reverseNode, def *ir.NodeDef) error {
	for _, input := range def.Inputs {
		if input.Exists() && !s.isDefined(input.Name) {
			return newContractError(ErrMissingGradient, rNode.Node.Name(), rNode.Node.OpType(),
				"backward node %s reads %q, which is not defined by the forward graph, the seeds or previous "+
					"backward nodes", def, input.Name)
		}
	}
	for _, output := range def.Outputs {
		if !output.Exists() {
			continue
		}
		previous, found := s.defined[output.Name]
		if !found {
			continue
		}
		if previous >= 0 && def.OpType == "Constant" && s.output[previous].OpType == "Constant" &&
			sameConstant(&s.output[previous], def) {
			return nil
		}
		return errors.Errorf("backward node %s (gradient of %s) redefines tensor %q", def, rNode.Node, output.Name)
	}
	s.output = append(s.output, *def)
	for _, output := range def.Outputs {
		if output.Exists() {
			s.defined[output.Name] = len(s.output) - 1
		}
	}
	return nil
}

// sameConstant returns whether both Constant nodes hold the same value.
func sameConstant(a, b *ir.NodeDef) bool {
	if len(a.Outputs) != 1 || len(b.Outputs) != 1 {
		return false
	}
	aValue, bValue := a.Attributes.GetTensor("value"), b.Attributes.GetTensor("value")
	if aValue == nil || bValue == nil {
		return false
	}
	return aValue.DType == bValue.DType && slices.Equal(aValue.Dims, bValue.Dims) &&
		slices.Equal(aValue.RawData, bValue.RawData)
}

// accumulate appends the nodes summing the contributions of the gradient.
func (s *splicer) accumulate(gradName string) error {
	contributions := s.contributions[gradName]
	var defs ir.GradientDef
	if s.cfg.UseInPlaceAccumulation {
		buffer := contributions[0]
		for k, contribution := range contributions[1:] {
			next := gradName
			if k < len(contributions)-2 {
				next = fmt.Sprintf("%s/accumulated_%d", gradName, k+1)
			}
			def := ir.NewNodeDefWithDomain("InPlaceAccumulatorV2", ir.MicrosoftDomain,
				[]ir.ArgDef{ir.Arg(buffer), ir.Arg(contribution)},
				[]ir.ArgDef{ir.Arg(fmt.Sprintf("%s/updated_%d", gradName, k+1)), ir.Arg(next)})
			def.Name = fmt.Sprintf("%s/InPlaceAccumulatorV2_%d", gradName, k+1)
			defs = append(defs, def)
			buffer = next
		}
	} else {
		inputs := make([]ir.ArgDef, len(contributions))
		for i, contribution := range contributions {
			inputs[i] = ir.Arg(contribution)
		}
		def := ir.NewNodeDef("Sum", inputs, []ir.ArgDef{ir.Arg(gradName)})
		def.Name = gradName + "/Sum"
		defs = append(defs, def)
	}
	for i := range defs {
		for _, input := range defs[i].Inputs {
			if !s.isDefined(input.Name) {
				return errors.Errorf("accumulation of %q: contribution %q is not defined", gradName, input.Name)
			}
		}
		s.output = append(s.output, defs[i])
		for _, output := range defs[i].Outputs {
			s.defined[output.Name] = len(s.output) - 1
		}
	}
	klog.V(2).Infof("accumulated %d contributions to %q", len(contributions), gradName)
	return nil
}

// MustBuildGradientGraph is like BuildGradientGraph, but panics on errors.
func MustBuildGradientGraph(ctx context.Context, g *graph.Graph, reg *Registry, cfg *Config, ys, xs []string) *BackwardGraph {
	backward, err := BuildGradientGraph(ctx, g, reg, cfg, ys, xs)
	if err != nil {
		exceptions.Panicf("BuildGradientGraph failed: %+v", err)
	}
	return backward
}

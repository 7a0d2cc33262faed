// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gradient

import (
	"cmp"
	"slices"
	"sync"

	"github.com/gomlx/gradgraph/pkg/core/graph"
	"github.com/gomlx/gradgraph/pkg/core/ir"
	"github.com/gomlx/gradgraph/pkg/support/sets"
	"github.com/pkg/errors"
)

// Key identifies an operator: its type and domain.
type Key struct {
	OpType, Domain string
}

// String returns "domain::op_type", the default domain is written as empty.
func (k Key) String() string {
	return k.Domain + "::" + k.OpType
}

// KeyOf returns the Key of the node.
func KeyOf(node *graph.Node) Key {
	return Key{OpType: node.OpType(), Domain: node.Domain()}
}

// GetGradientDefinitionKeyByNode returns the key used to find custom gradient definitions of the node:
// "domain::op_type". For foreign operators (com.microsoft::PythonOp) the "func_name" attribute is appended,
// since the gradient depends on the function.
func GetGradientDefinitionKeyByNode(node *graph.Node) string {
	key := KeyOf(node).String()
	if node.OpType() == "PythonOp" && node.Domain() == ir.MicrosoftDomain {
		if funcName := node.Attributes().GetStringOr("func_name", ""); funcName != "" {
			key += "::" + funcName
		}
	}
	return key
}

// Flags of a registry entry.
type Flags uint8

const (
	// FlagStopGradient marks operators whose outputs don't depend differentiably on their inputs (e.g. Shape).
	// The gradient analysis doesn't propagate through them.
	FlagStopGradient Flags = 1 << iota
)

// Entry is the gradient implementation of an operator, valid from SinceVersion of its domain's operator set.
type Entry struct {
	SinceVersion int
	BuildFn      BuildFn
	Flags        Flags
}

// IsStopGradient returns whether the entry has FlagStopGradient.
func (e Entry) IsStopGradient() bool {
	return e.Flags&FlagStopGradient != 0
}

// Registry maps operators to their gradient implementations.
//
// It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	entries map[Key][]Entry

	// custom holds the custom gradient definitions, by GetGradientDefinitionKeyByNode key.
	custom map[string][]GradientNodeDefinition
}

// NewRegistry creates an empty Registry. See DefaultRegistry for one with the built-in gradients.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[Key][]Entry),
		custom:  make(map[string][]GradientNodeDefinition),
	}
}

// Register the gradient of the operator, for operator set versions >= sinceVersion.
// Registering again for the same version replaces the previous entry.
func (r *Registry) Register(key Key, sinceVersion int, fn BuildFn, flags Flags) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entries := r.entries[key]
	idx, found := slices.BinarySearchFunc(entries, sinceVersion, func(e Entry, version int) int {
		return cmp.Compare(e.SinceVersion, version)
	})
	entry := Entry{SinceVersion: sinceVersion, BuildFn: fn, Flags: flags}
	if found {
		entries[idx] = entry
	} else {
		entries = slices.Insert(entries, idx, entry)
	}
	r.entries[key] = entries
}

// Lookup returns the entry of the operator with the largest SinceVersion <= opset.
// An opset <= 0 (unknown) selects the most recent entry.
func (r *Registry) Lookup(key Key, opset int) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.entries[key]
	if len(entries) == 0 {
		return Entry{}, false
	}
	if opset <= 0 {
		return entries[len(entries)-1], true
	}
	for i := len(entries) - 1; i >= 0; i-- {
		if entries[i].SinceVersion <= opset {
			return entries[i], true
		}
	}
	return Entry{}, false
}

// IsStopGradient returns whether the node's operator is registered as stopping gradients.
func (r *Registry) IsStopGradient(node *graph.Node) bool {
	entry, found := r.Lookup(KeyOf(node), node.SinceVersion())
	return found && entry.IsStopGradient()
}

// Keys returns the registered operators, sorted by domain and op type.
func (r *Registry) Keys() []Key {
	r.mu.RLock()
	defer r.mu.RUnlock()
	keys := make([]Key, 0, len(r.entries))
	for key := range r.entries {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, func(a, b Key) int {
		return cmp.Or(cmp.Compare(a.Domain, b.Domain), cmp.Compare(a.OpType, b.OpType))
	})
	return keys
}

// buildFnFor returns the BuildFn for the node: custom definitions take precedence over registered entries.
func (r *Registry) buildFnFor(node *graph.Node) (BuildFn, error) {
	r.mu.RLock()
	defs, found := r.custom[GetGradientDefinitionKeyByNode(node)]
	r.mu.RUnlock()
	if found {
		return customGradient(defs), nil
	}
	entry, found := r.Lookup(KeyOf(node), node.SinceVersion())
	if !found {
		return nil, newContractError(ErrNoGradientBuilder, node.Name(), node.OpType(),
			"no gradient registered for %s (opset %d)", KeyOf(node), node.SinceVersion())
	}
	return entry.BuildFn, nil
}

// NewBuilder creates the GradientBuilder for the forward node, selecting its gradient in the registry.
//
// gradientInputs are the names of the node outputs with an available gradient, and gradientOutputs the names
// of the node inputs whose gradient is required.
func NewBuilder(reg *Registry, g *graph.Graph, node *graph.Node, config *Config, pass *PassContext,
	gradientInputs, gradientOutputs sets.Set[string]) (*Builder, error) {
	if reg == nil {
		return nil, errors.New("gradient.NewBuilder requires a Registry")
	}
	base, err := NewBase(config, g, node, gradientInputs, gradientOutputs, pass)
	if err != nil {
		return nil, err
	}
	fn, err := reg.buildFnFor(node)
	if err != nil {
		return nil, err
	}
	return NewGradientBuilder(base, fn), nil
}

// DefaultRegistry returns a new Registry with all the built-in gradients.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	registerElementwiseGradients(r)
	registerGeluGradients(r)
	registerPythonOpGradient(r)
	for _, opType := range []string{"Shape", "Size", "Constant", "ConstantOfShape", "NonZero",
		"Equal", "NotEqual", "Less", "Greater"} {
		r.Register(Key{OpType: opType}, 1, EmptyGradient, FlagStopGradient)
	}
	for _, opType := range []string{"If", "Loop", "Scan"} {
		r.Register(Key{OpType: opType}, 1, UnsupportedGradient, 0)
	}
	return r
}

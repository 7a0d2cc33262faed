// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gradient

import (
	"maps"
	"slices"
	"sync"

	"github.com/gomlx/gradgraph/pkg/support/sets"
	"github.com/gomlx/gradgraph/pkg/support/xslices"
)

// PassContext holds the bookkeeping shared by all gradient builders of one backward-graph building pass.
//
// Builders only ever add to it, and each structure is protected by its own mutex, so builders
// may run in parallel. Only membership is observable, never insertion order.
type PassContext struct {
	Stashed              *StashedTensors
	PythonOpRequirements *PythonOpRequirements
}

// NewPassContext creates an empty PassContext.
func NewPassContext() *PassContext {
	return &PassContext{
		Stashed:              NewStashedTensors(),
		PythonOpRequirements: NewPythonOpRequirements(),
	}
}

// StashedTensors is the set of forward tensors that must remain materialized because some gradient
// reads them. Names are never removed within a pass.
type StashedTensors struct {
	mu    sync.Mutex
	names sets.Set[string]
}

// NewStashedTensors creates an empty set of stashed tensors.
func NewStashedTensors() *StashedTensors {
	return &StashedTensors{names: sets.Make[string]()}
}

// Insert records name as stashed, and returns whether it was not stashed yet.
func (s *StashedTensors) Insert(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	isNew := s.names.InsertNew(name)
	if isNew {
		stashedTensorsTotal.Inc()
	}
	return isNew
}

// Has returns whether the tensor is stashed.
func (s *StashedTensors) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.names.Has(name)
}

// Len returns the number of stashed tensors.
func (s *StashedTensors) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.names)
}

// Names returns a sorted copy of the stashed tensor names.
func (s *StashedTensors) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return sets.Sorted(s.names)
}

// PythonOpRequirements maps the name of a foreign (PythonOp) node to the per-input flags of whether
// the input requires a gradient. It is consumed by the runtime of the foreign operators.
type PythonOpRequirements struct {
	mu    sync.Mutex
	flags map[string][]bool
}

// NewPythonOpRequirements creates an empty PythonOpRequirements.
func NewPythonOpRequirements() *PythonOpRequirements {
	return &PythonOpRequirements{flags: make(map[string][]bool)}
}

// Set records (or overwrites) the flags for the node.
func (r *PythonOpRequirements) Set(nodeName string, requiresGrad []bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flags[nodeName] = slices.Clone(requiresGrad)
}

// Get returns a copy of the flags of the node, and whether they were set.
func (r *PythonOpRequirements) Get(nodeName string) ([]bool, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	flags, found := r.flags[nodeName]
	return slices.Clone(flags), found
}

// NodeNames returns the sorted names of the nodes with flags.
func (r *PythonOpRequirements) NodeNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return xslices.SortedKeys(r.flags)
}

// snapshot returns a deep copy of the map.
func (r *PythonOpRequirements) snapshot() map[string][]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	copied := maps.Clone(r.flags)
	for name, flags := range copied {
		copied[name] = slices.Clone(flags)
	}
	return copied
}

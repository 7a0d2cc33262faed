// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gradient

import (
	"io"
	"os"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"
)

// PassState is a snapshot of a PassContext, persisted for the passes that follow the backward-graph
// construction (e.g. the one deciding which forward tensors survive into the backward execution).
type PassState struct {
	// Stashed tensor names, sorted.
	Stashed []string `cbor:"1,keyasint"`

	// PythonOpRequirements maps foreign node names to their per-input requires-gradient flags.
	PythonOpRequirements map[string][]bool `cbor:"2,keyasint,omitempty"`
}

// State returns a snapshot of the context.
func (pc *PassContext) State() *PassState {
	return &PassState{
		Stashed:              pc.Stashed.Names(),
		PythonOpRequirements: pc.PythonOpRequirements.snapshot(),
	}
}

// Restore creates a new PassContext pre-populated with the state.
func (s *PassState) Restore() *PassContext {
	pc := NewPassContext()
	for _, name := range s.Stashed {
		pc.Stashed.Insert(name)
	}
	for nodeName, flags := range s.PythonOpRequirements {
		pc.PythonOpRequirements.Set(nodeName, flags)
	}
	return pc
}

// cborEncMode uses the canonical encoding, so equal states are saved to equal bytes.
var cborEncMode = func() cbor.EncMode {
	mode, err := cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(errors.Wrap(err, "failed to create CBOR encoding mode"))
	}
	return mode
}()

// Save writes the state to w, CBOR encoded.
func (s *PassState) Save(w io.Writer) error {
	if err := cborEncMode.NewEncoder(w).Encode(s); err != nil {
		return errors.Wrap(err, "failed to encode gradient pass state")
	}
	return nil
}

// SaveFile writes the state to the file in path, overwriting it if it exists.
func (s *PassState) SaveFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "failed to create pass state file %q", path)
	}
	if err = s.Save(f); err != nil {
		_ = f.Close()
		return errors.WithMessagef(err, "while saving %q", path)
	}
	return errors.Wrapf(f.Close(), "failed to close pass state file %q", path)
}

// LoadPassState reads a state written by PassState.Save.
func LoadPassState(r io.Reader) (*PassState, error) {
	s := &PassState{}
	if err := cbor.NewDecoder(r).Decode(s); err != nil {
		return nil, errors.Wrap(err, "failed to decode gradient pass state")
	}
	return s, nil
}

// LoadPassStateFile reads a state written by PassState.SaveFile.
func LoadPassStateFile(path string) (*PassState, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open pass state file %q", path)
	}
	defer func() { _ = f.Close() }()
	s, err := LoadPassState(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "while loading %q", path)
	}
	return s, nil
}

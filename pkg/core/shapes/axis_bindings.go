// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// AxisBindings maps axis names to concrete dimension values.
// Used to turn symbolic dimensions into static ones before building gradients.
type AxisBindings map[string]int

// ParseAxisBindings parses bindings in the format "name1=val1,name2=val2".
// An empty string returns empty bindings.
func ParseAxisBindings(text string) (AxisBindings, error) {
	bindings := make(AxisBindings)
	text = strings.TrimSpace(text)
	if text == "" {
		return bindings, nil
	}
	for _, part := range strings.Split(text, ",") {
		name, value, found := strings.Cut(strings.TrimSpace(part), "=")
		if !found || name == "" {
			return nil, errors.Errorf("invalid axis binding %q, expected \"name=value\"", part)
		}
		dim, err := strconv.Atoi(value)
		if err != nil || dim <= 0 {
			return nil, errors.Errorf("invalid dimension %q for axis %q, expected a positive integer", value, name)
		}
		if err := bindings.Merge(AxisBindings{name: dim}); err != nil {
			return nil, err
		}
	}
	return bindings, nil
}

// Key returns a canonical string representation for map keying.
// Format: "name1=val1,name2=val2" with names sorted alphabetically.
// Returns empty string for empty or nil bindings.
func (ab AxisBindings) Key() string {
	if len(ab) == 0 {
		return ""
	}
	names := make([]string, 0, len(ab))
	for name := range ab {
		names = append(names, name)
	}
	sort.Strings(names)

	parts := make([]string, len(names))
	for i, name := range names {
		parts[i] = fmt.Sprintf("%s=%d", name, ab[name])
	}
	return strings.Join(parts, ",")
}

// Merge combines bindings from another AxisBindings into this one.
// Returns an error if there are conflicting values for the same axis name.
func (ab AxisBindings) Merge(other AxisBindings) error {
	for name, val := range other {
		if existing, ok := ab[name]; ok && existing != val {
			return errors.Errorf("conflicting values for axis %q: %d vs %d", name, existing, val)
		}
		ab[name] = val
	}
	return nil
}

// Resolve replaces named axes with concrete values from bindings.
// Resolved axes lose their names. Axes without a binding are kept as they are.
func (s Shape) Resolve(bindings AxisBindings) Shape {
	if !s.HasNamedAxes() || len(bindings) == 0 {
		return s.Clone()
	}
	result := s.Clone()
	for axis, name := range s.AxisNames {
		if name == "" {
			continue
		}
		if val, ok := bindings[name]; ok {
			result.Dimensions[axis] = val
			result.AxisNames[axis] = ""
		}
	}
	if !result.HasNamedAxes() {
		result.AxisNames = nil
	}
	return result
}

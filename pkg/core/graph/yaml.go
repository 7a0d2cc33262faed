// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"io"
	"os"
	"strconv"

	"github.com/gomlx/gradgraph/pkg/core/dtypes"
	"github.com/gomlx/gradgraph/pkg/core/ir"
	"github.com/gomlx/gradgraph/pkg/core/shapes"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// yamlGraph is the file format read by LoadYAML:
//
//	name: mlp
//	opsets: {"": 17, com.microsoft: 1}
//	inputs:
//	  - {name: x, dtype: float32, shape: [batch, 4]}
//	nodes:
//	  - {name: add0, op: Add, inputs: [x, b], outputs: [y]}
//	  - {op: Gelu, domain: com.microsoft, inputs: [y], outputs: [z], attributes: {approximate: tanh}}
//	values:
//	  - {name: y, dtype: float32, shape: [batch, 4]}
//
// Shape entries are either integers, axis names (symbolic dimensions) or -1 (or the quoted "?") for unknown
// dimensions.
// A tensor with a dtype but no shape has unknown rank.
type yamlGraph struct {
	Name   string         `yaml:"name"`
	Opsets map[string]int `yaml:"opsets"`
	Inputs []yamlTensor   `yaml:"inputs"`
	Nodes  []yamlNode     `yaml:"nodes"`
	Values []yamlTensor   `yaml:"values"`
}

type yamlTensor struct {
	Name  string       `yaml:"name"`
	DType string       `yaml:"dtype"`
	Shape *[]yaml.Node `yaml:"shape"`
}

type yamlNode struct {
	Name       string               `yaml:"name"`
	Op         string               `yaml:"op"`
	Domain     string               `yaml:"domain"`
	Inputs     []string             `yaml:"inputs"`
	Outputs    []string             `yaml:"outputs"`
	Attributes map[string]yaml.Node `yaml:"attributes"`
}

// DefaultOpsetVersion is used for the default domain if the graph file doesn't specify one.
const DefaultOpsetVersion = 17

// LoadYAMLFile loads a graph from a YAML file. See LoadYAML.
func LoadYAMLFile(path string) (*Graph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open graph file %q", path)
	}
	defer func() { _ = f.Close() }()
	g, err := LoadYAML(f)
	if err != nil {
		return nil, errors.WithMessagef(err, "while loading %q", path)
	}
	return g, nil
}

// LoadYAML reads a forward graph described in YAML.
func LoadYAML(r io.Reader) (*Graph, error) {
	var file yamlGraph
	decoder := yaml.NewDecoder(r)
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		return nil, errors.Wrap(err, "failed to parse YAML graph")
	}
	opsets := file.Opsets
	if opsets == nil {
		opsets = map[string]int{}
	}
	if _, found := opsets[ir.DefaultDomain]; !found {
		opsets[ir.DefaultDomain] = DefaultOpsetVersion
	}
	g := New(file.Name, opsets)

	for _, input := range file.Inputs {
		arg, err := input.argDef()
		if err != nil {
			return nil, err
		}
		if err := g.AddInput(arg); err != nil {
			return nil, err
		}
	}

	valueTypes := make(map[string]ir.ArgDef, len(file.Values))
	for _, value := range file.Values {
		arg, err := value.argDef()
		if err != nil {
			return nil, err
		}
		valueTypes[arg.Name] = arg
	}

	for i, node := range file.Nodes {
		def := ir.NodeDef{OpType: node.Op, Domain: node.Domain, Name: node.Name}
		for _, name := range node.Inputs {
			def.Inputs = append(def.Inputs, ir.Arg(name))
		}
		for _, name := range node.Outputs {
			if typed, found := valueTypes[name]; found {
				def.Outputs = append(def.Outputs, typed)
			} else {
				def.Outputs = append(def.Outputs, ir.Arg(name))
			}
		}
		if len(node.Attributes) > 0 {
			def.Attributes = make(ir.Attributes, len(node.Attributes))
			for attrName, value := range node.Attributes {
				attr, err := yamlAttribute(attrName, &value)
				if err != nil {
					return nil, errors.WithMessagef(err, "node #%d (%q)", i, node.Name)
				}
				def.Attributes[attrName] = attr
			}
		}
		if _, err := g.AddNode(def); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// argDef converts the YAML tensor description.
func (t yamlTensor) argDef() (ir.ArgDef, error) {
	if t.Name == "" {
		return ir.ArgDef{}, errors.New("tensor without a name")
	}
	if t.DType == "" {
		if t.Shape != nil {
			return ir.ArgDef{}, errors.Errorf("tensor %q has a shape but no dtype", t.Name)
		}
		return ir.Arg(t.Name), nil
	}
	dtype := dtypes.FromName(t.DType)
	if dtype == dtypes.InvalidDType {
		return ir.ArgDef{}, errors.Errorf("tensor %q has unknown dtype %q", t.Name, t.DType)
	}
	if t.Shape == nil {
		return ir.TypedArg(t.Name, shapes.MakeUnranked(dtype)), nil
	}
	dims := make([]any, len(*t.Shape))
	for axis, node := range *t.Shape {
		if node.Kind != yaml.ScalarNode {
			return ir.ArgDef{}, errors.Errorf("tensor %q: axis %d must be a scalar", t.Name, axis)
		}
		switch {
		case node.Tag == "!!int":
			dim, err := strconv.Atoi(node.Value)
			if err != nil || (dim < 0 && dim != shapes.DimDynamic) {
				return ir.ArgDef{}, errors.Errorf("tensor %q: invalid dimension %q for axis %d", t.Name, node.Value, axis)
			}
			dims[axis] = dim
		case node.Value == "?":
			dims[axis] = shapes.DimDynamic
		default:
			dims[axis] = node.Value
		}
	}
	return ir.TypedArg(t.Name, shapes.MakeDynamic(dtype, dims...)), nil
}

// yamlAttribute converts a YAML value to an attribute: the type is taken from the YAML tags.
func yamlAttribute(name string, node *yaml.Node) (ir.Attribute, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		switch node.Tag {
		case "!!int":
			var v int64
			if err := node.Decode(&v); err != nil {
				return ir.Attribute{}, errors.Wrapf(err, "attribute %q", name)
			}
			return ir.IntAttr(name, v), nil
		case "!!float":
			var v float32
			if err := node.Decode(&v); err != nil {
				return ir.Attribute{}, errors.Wrapf(err, "attribute %q", name)
			}
			return ir.FloatAttr(name, v), nil
		case "!!bool":
			var v bool
			if err := node.Decode(&v); err != nil {
				return ir.Attribute{}, errors.Wrapf(err, "attribute %q", name)
			}
			if v {
				return ir.IntAttr(name, 1), nil
			}
			return ir.IntAttr(name, 0), nil
		default:
			return ir.StringAttr(name, node.Value), nil
		}

	case yaml.SequenceNode:
		allInts, allNumbers := true, true
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return ir.Attribute{}, errors.Errorf("attribute %q: nested lists are not supported", name)
			}
			switch item.Tag {
			case "!!int":
			case "!!float":
				allInts = false
			default:
				allInts, allNumbers = false, false
			}
		}
		switch {
		case allInts:
			var v []int64
			if err := node.Decode(&v); err != nil {
				return ir.Attribute{}, errors.Wrapf(err, "attribute %q", name)
			}
			return ir.IntsAttr(name, v), nil
		case allNumbers:
			var v []float32
			if err := node.Decode(&v); err != nil {
				return ir.Attribute{}, errors.Wrapf(err, "attribute %q", name)
			}
			return ir.FloatsAttr(name, v), nil
		default:
			var v []string
			if err := node.Decode(&v); err != nil {
				return ir.Attribute{}, errors.Wrapf(err, "attribute %q", name)
			}
			return ir.StringsAttr(name, v), nil
		}
	}
	return ir.Attribute{}, errors.Errorf("attribute %q: unsupported YAML value", name)
}

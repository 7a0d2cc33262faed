// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package gradient

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"regexp"
	"strconv"

	"github.com/gomlx/gradgraph/pkg/core/dtypes"
	"github.com/gomlx/gradgraph/pkg/core/ir"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// GradientNodeDefinition is one node of a custom gradient: a gradient given as data instead of a BuildFn.
//
// Inputs and Outputs are argument names: "I(i)", "O(i)", "GI(i)" and "GO(i)" refer to the forward node
// inputs, outputs and their gradients, any other non-empty name is an intermediate argument scoped to the
// node (see Base.IA), and an empty name is an omitted optional argument.
type GradientNodeDefinition struct {
	OpType, Domain  string
	Inputs, Outputs []string
	Attributes      []GradientNodeAttributeDefinition
}

// GradientNodeAttributeDefinition describes an attribute of a custom gradient node. The value is given
// in JSON: a number, a string, or a list of them.
//
// DType is one of Float32, Int64 or String, and IsTensor creates a tensor attribute instead (Float32 or Int64).
type GradientNodeAttributeDefinition struct {
	Name      string
	ValueJSON string
	DType     dtypes.DType
	IsTensor  bool
}

// RegisterCustom registers the gradient of the nodes matching key (see GetGradientDefinitionKeyByNode)
// as the given node definitions. Custom gradients take precedence over the registered BuildFn.
func (r *Registry) RegisterCustom(key string, defs []GradientNodeDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.custom[key] = defs
}

// yamlCustomGradients is the format read by Registry.LoadCustomYAML:
//
//	gradients:
//	  "com.microsoft::PythonOp::scale":
//	    - op: Constant
//	      outputs: [factor]
//	      attributes:
//	        - {name: value, value_json: "2.0", dtype: float32, is_tensor: true}
//	    - op: Mul
//	      inputs: [GO(1), factor]
//	      outputs: [GI(0)]
type yamlCustomGradients struct {
	Gradients map[string][]yamlCustomNode `yaml:"gradients"`
}

type yamlCustomNode struct {
	Op         string                `yaml:"op"`
	Domain     string                `yaml:"domain"`
	Inputs     []string              `yaml:"inputs"`
	Outputs    []string              `yaml:"outputs"`
	Attributes []yamlCustomAttribute `yaml:"attributes"`
}

type yamlCustomAttribute struct {
	Name      string `yaml:"name"`
	ValueJSON string `yaml:"value_json"`
	DType     string `yaml:"dtype"`
	IsTensor  bool   `yaml:"is_tensor"`
}

// LoadCustomYAML reads custom gradient definitions in YAML and registers them with RegisterCustom.
func (r *Registry) LoadCustomYAML(reader io.Reader) error {
	var file yamlCustomGradients
	decoder := yaml.NewDecoder(reader)
	decoder.KnownFields(true)
	if err := decoder.Decode(&file); err != nil {
		return errors.Wrap(err, "failed to parse custom gradients YAML")
	}
	for key, nodes := range file.Gradients {
		defs := make([]GradientNodeDefinition, len(nodes))
		for i, node := range nodes {
			if node.Op == "" {
				return errors.Errorf("custom gradient %q: node #%d has no op", key, i)
			}
			defs[i] = GradientNodeDefinition{
				OpType:  node.Op,
				Domain:  node.Domain,
				Inputs:  node.Inputs,
				Outputs: node.Outputs,
			}
			for _, attr := range node.Attributes {
				dtype := dtypes.FromName(attr.DType)
				if dtype == dtypes.InvalidDType {
					return errors.Errorf("custom gradient %q: node #%d attribute %q has unknown dtype %q",
						key, i, attr.Name, attr.DType)
				}
				defs[i].Attributes = append(defs[i].Attributes, GradientNodeAttributeDefinition{
					Name:      attr.Name,
					ValueJSON: attr.ValueJSON,
					DType:     dtype,
					IsTensor:  attr.IsTensor,
				})
			}
		}
		r.RegisterCustom(key, defs)
	}
	return nil
}

// LoadCustomYAMLFile is like LoadCustomYAML, but reads from a file.
func (r *Registry) LoadCustomYAMLFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "failed to open custom gradients file %q", path)
	}
	defer func() { _ = f.Close() }()
	return errors.WithMessagef(r.LoadCustomYAML(f), "while loading %q", path)
}

var reAccessorName = regexp.MustCompile(`^(I|O|GI|GO)\((\d+)\)$`)

// customArg maps an argument name of a custom definition to the ArgDef, see GradientNodeDefinition.
func (b *Base) customArg(name string) ir.ArgDef {
	if name == "" {
		return ir.Arg("")
	}
	matches := reAccessorName.FindStringSubmatch(name)
	if matches == nil {
		return b.IA(name)
	}
	idx, err := strconv.Atoi(matches[2])
	if err != nil {
		b.panicf(ErrIndexOutOfRange, "invalid index in argument %q", name)
	}
	switch matches[1] {
	case "I":
		return b.I(idx)
	case "O":
		return b.O(idx)
	case "GI":
		return b.GI(idx)
	default:
		return b.GO(idx)
	}
}

// customGradient returns the BuildFn that instantiates the custom node definitions for a node.
func customGradient(defs []GradientNodeDefinition) BuildFn {
	return func(b *Base) ir.GradientDef {
		output := make(ir.GradientDef, 0, len(defs))
		for _, def := range defs {
			inputs := make([]ir.ArgDef, len(def.Inputs))
			for i, name := range def.Inputs {
				inputs[i] = b.customArg(name)
			}
			outputs := make([]ir.ArgDef, len(def.Outputs))
			for i, name := range def.Outputs {
				outputs[i] = b.customArg(name)
			}
			attrs := make([]ir.Attribute, len(def.Attributes))
			for i, attrDef := range def.Attributes {
				attrs[i] = b.AttributeDefinitionToAttribute(attrDef)
			}
			output = append(output, ir.NewNodeDefWithDomain(def.OpType, def.Domain, inputs, outputs, attrs...))
		}
		return output
	}
}

// AttributeDefinitionToAttribute parses the JSON value of the definition into an attribute.
//
// Scalars create INT, FLOAT or STRING attributes, and lists the INTS, FLOATS and STRINGS versions.
// For tensors, a scalar creates a tensor of shape {} and a list a 1D tensor.
// It panics with ErrInvalidAttribute if the value doesn't match the dtype.
func (b *Base) AttributeDefinitionToAttribute(def GradientNodeAttributeDefinition) ir.Attribute {
	decoder := json.NewDecoder(bytes.NewReader([]byte(def.ValueJSON)))
	decoder.UseNumber()
	var value any
	if err := decoder.Decode(&value); err != nil {
		b.panicf(ErrInvalidAttribute, "attribute %q: invalid JSON value %q: %v", def.Name, def.ValueJSON, err)
	}
	list, isList := value.([]any)
	if !isList {
		list = []any{value}
	}

	switch def.DType {
	case dtypes.Float32:
		values := make([]float32, len(list))
		for i, v := range list {
			number, ok := v.(json.Number)
			f, err := number.Float64()
			if !ok || err != nil {
				b.panicf(ErrInvalidAttribute, "attribute %q: %v is not a number", def.Name, v)
			}
			values[i] = float32(f)
		}
		switch {
		case def.IsTensor:
			return ir.TensorAttr(def.Name, ir.NewTensor(tensorDims(isList, len(values)), values))
		case isList:
			return ir.FloatsAttr(def.Name, values)
		default:
			return ir.FloatAttr(def.Name, values[0])
		}

	case dtypes.Int64:
		values := make([]int64, len(list))
		for i, v := range list {
			number, ok := v.(json.Number)
			n, err := number.Int64()
			if !ok || err != nil {
				b.panicf(ErrInvalidAttribute, "attribute %q: %v is not an integer", def.Name, v)
			}
			values[i] = n
		}
		switch {
		case def.IsTensor:
			return ir.TensorAttr(def.Name, ir.NewTensor(tensorDims(isList, len(values)), values))
		case isList:
			return ir.IntsAttr(def.Name, values)
		default:
			return ir.IntAttr(def.Name, values[0])
		}

	case dtypes.String:
		if def.IsTensor {
			b.panicf(ErrInvalidAttribute, "attribute %q: string tensors are not supported", def.Name)
		}
		values := make([]string, len(list))
		for i, v := range list {
			s, ok := v.(string)
			if !ok {
				b.panicf(ErrInvalidAttribute, "attribute %q: %v is not a string", def.Name, v)
			}
			values[i] = s
		}
		if isList {
			return ir.StringsAttr(def.Name, values)
		}
		return ir.StringAttr(def.Name, values[0])
	}
	b.panicf(ErrInvalidAttribute, "attribute %q: unsupported dtype %s", def.Name, def.DType)
	return ir.Attribute{}
}

func tensorDims(isList bool, n int) []int64 {
	if isList {
		return []int64{int64(n)}
	}
	return []int64{}
}

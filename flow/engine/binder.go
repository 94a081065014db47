package engine

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/quiverai/ragcore/common/errs"
	"github.com/quiverai/ragcore/flow"
	"github.com/quiverai/ragcore/flow/schema"
)

// Binder resolves a node's inputs from static, dynamic and global sources
// against the execution context just before dispatch.
type Binder struct {
	registry *schema.Registry
}

// NewBinder creates a binder against the node type registry.
func NewBinder(registry *schema.Registry) *Binder {
	return &Binder{registry: registry}
}

// Bind produces the input map for a node about to execute.
func (b *Binder) Bind(f *flow.Flow, node *flow.NodeInstance, execCtx *ExecContext) (map[string]interface{}, error) {
	def, err := b.registry.Definition(node.TypeKey)
	if err != nil {
		return nil, err
	}

	// 1. Seed declared defaults
	inputs := make(map[string]interface{}, len(def.InputSchema))
	for _, field := range def.InputSchema {
		if field.Default != nil {
			inputs[field.Name] = field.Default
		}
	}

	// 2. Resolve each binding by variant
	for _, binding := range node.Inputs {
		field, ok := def.InputField(binding.Name)
		if !ok {
			return nil, errs.New(errs.ErrUnknownField, "node %s binds unknown input field %q", node.ID, binding.Name)
		}

		var value interface{}
		switch binding.Kind {
		case flow.BindStatic:
			value = binding.Value

		case flow.BindDynamic:
			value, err = b.resolveDynamic(node.ID, binding, execCtx)
			if err != nil {
				return nil, err
			}

		case flow.BindGlobal:
			var found bool
			value, found = execCtx.GetGlobal(binding.GlobalVar)
			if !found {
				return nil, errs.New(errs.ErrMissingGlobal, "node %s reads undefined global %q", node.ID, binding.GlobalVar)
			}

		default:
			return nil, errs.New(errs.ErrTypeMismatch, "node %s binding %q has unknown kind %q", node.ID, binding.Name, binding.Kind)
		}

		if value != nil {
			coerced, err := field.CheckValue(value)
			if err != nil {
				return nil, err
			}
			value = coerced
		}
		inputs[binding.Name] = value
	}

	// 3. Every required field must end up non-null
	for _, field := range def.InputSchema {
		if field.Required && inputs[field.Name] == nil {
			return nil, errs.New(errs.ErrMissingRequiredInput, "node %s required field %q is null after binding", node.ID, field.Name)
		}
	}

	// 4. Record binding order for order-sensitive runners
	order := make([]string, 0, len(node.Inputs))
	for _, binding := range node.Inputs {
		order = append(order, binding.Name)
	}
	inputs[schema.BoundOrderKey] = order

	return inputs, nil
}

// resolveDynamic reads ref_field of ref_node's outputs. A dotted field
// path descends into nested output values.
func (b *Binder) resolveDynamic(nodeID string, binding flow.InputBinding, execCtx *ExecContext) (interface{}, error) {
	outputs, ok := execCtx.Outputs(binding.RefNode)
	if !ok {
		return nil, errs.New(errs.ErrForwardReference, "node %s reads %s.%s before %s produced outputs", nodeID, binding.RefNode, binding.RefField, binding.RefNode)
	}

	if value, ok := outputs[binding.RefField]; ok {
		return value, nil
	}

	// Nested path access, e.g. "stats.hit_count"
	if strings.Contains(binding.RefField, ".") {
		head, rest, _ := strings.Cut(binding.RefField, ".")
		root, ok := outputs[head]
		if !ok {
			return nil, errs.New(errs.ErrUnknownField, "node %s: output %s.%s not found", nodeID, binding.RefNode, head)
		}
		raw, err := json.Marshal(root)
		if err != nil {
			return nil, errs.Wrap(errs.ErrInvalidDocument, err, "node %s: output %s.%s is not addressable", nodeID, binding.RefNode, head)
		}
		result := gjson.GetBytes(raw, rest)
		if !result.Exists() {
			return nil, errs.New(errs.ErrUnknownField, "node %s: field %s not found in %s.%s", nodeID, rest, binding.RefNode, head)
		}
		return result.Value(), nil
	}

	return nil, errs.New(errs.ErrUnknownField, "node %s: output %s.%s not found", nodeID, binding.RefNode, binding.RefField)
}

package flow

import (
	"sort"

	"github.com/quiverai/ragcore/common/errs"
	"github.com/quiverai/ragcore/flow/schema"
)

// Validator performs the structural checks a flow must pass before
// execution. It is deterministic and side-effect-free: validating the
// same flow twice yields the same result.
type Validator struct {
	registry *schema.Registry
}

// NewValidator creates a validator against the given node type registry.
func NewValidator(registry *schema.Registry) *Validator {
	return &Validator{registry: registry}
}

// Validate checks the flow and returns its topological order. Errors are
// structural: they indicate a malformed flow, not a runtime problem.
func (v *Validator) Validate(f *Flow) ([]string, error) {
	if len(f.Nodes) == 0 {
		return nil, errs.New(errs.ErrCycleDetected, "flow %s has no nodes", f.ID)
	}

	// 1. Edge endpoints must be known nodes
	for _, e := range f.Edges {
		if f.Node(e.Source) == nil {
			return nil, errs.New(errs.ErrUnknownNode, "edge references non-existent node: %s", e.Source)
		}
		if f.Node(e.Target) == nil {
			return nil, errs.New(errs.ErrUnknownNode, "edge references non-existent node: %s", e.Target)
		}
	}

	// 2. Kahn's algorithm over edges plus dynamic bindings
	order, err := topoOrder(f)
	if err != nil {
		return nil, err
	}

	position := make(map[string]int, len(order))
	for i, id := range order {
		position[id] = i
	}

	// 3. Per-node checks in topological order
	for _, id := range order {
		node := f.Node(id)

		def, err := v.registry.Definition(node.TypeKey)
		if err != nil {
			return nil, err
		}

		if err := v.checkBindings(f, node, def, position); err != nil {
			return nil, err
		}
	}

	return order, nil
}

// topoOrder computes a deterministic topological order via Kahn's
// algorithm. Ties are broken by node id so repeated validation of an
// unchanged flow yields an identical order.
func topoOrder(f *Flow) ([]string, error) {
	deps := f.dependencies()

	inDegree := make(map[string]int, len(f.Nodes))
	dependents := make(map[string][]string, len(f.Nodes))
	for id, sources := range deps {
		inDegree[id] = len(sources)
		for src := range sources {
			dependents[src] = append(dependents[src], id)
		}
	}

	var ready []string
	for id, d := range inDegree {
		if d == 0 {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)

	order := make([]string, 0, len(f.Nodes))
	for len(ready) > 0 {
		id := ready[0]
		ready = ready[1:]
		order = append(order, id)

		next := dependents[id]
		sort.Strings(next)
		for _, dep := range next {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				ready = insertSorted(ready, dep)
			}
		}
	}

	if len(order) != len(f.Nodes) {
		return nil, errs.New(errs.ErrCycleDetected, "flow %s contains a cycle (%d of %d nodes schedulable)", f.ID, len(order), len(f.Nodes))
	}
	return order, nil
}

func insertSorted(ids []string, id string) []string {
	i := sort.SearchStrings(ids, id)
	ids = append(ids, "")
	copy(ids[i+1:], ids[i:])
	ids[i] = id
	return ids
}

// checkBindings applies the per-variant binding checks plus the
// required-once and unique-name invariants.
func (v *Validator) checkBindings(f *Flow, node *NodeInstance, def *schema.NodeDefinition, position map[string]int) error {
	seen := make(map[string]bool, len(node.Inputs))
	bound := make(map[string]bool, len(node.Inputs))

	for _, b := range node.Inputs {
		if seen[b.Name] {
			return errs.New(errs.ErrDuplicateBinding, "node %s binds field %q twice", node.ID, b.Name)
		}
		seen[b.Name] = true

		field, ok := def.InputField(b.Name)
		if !ok {
			return errs.New(errs.ErrUnknownField, "node %s binds unknown input field %q", node.ID, b.Name)
		}

		switch b.Kind {
		case BindStatic:
			if _, err := field.CheckValue(b.Value); err != nil {
				return err
			}
			if b.Value != nil {
				bound[b.Name] = true
			}

		case BindDynamic:
			ref := f.Node(b.RefNode)
			if ref == nil {
				return errs.New(errs.ErrUnknownNode, "node %s references non-existent node %q", node.ID, b.RefNode)
			}
			refDef, err := v.registry.Definition(ref.TypeKey)
			if err != nil {
				return err
			}
			if _, ok := refDef.OutputField(b.RefField); !ok {
				return errs.New(errs.ErrUnknownField, "node %s references unknown output %s.%s", node.ID, b.RefNode, b.RefField)
			}
			if position[b.RefNode] >= position[node.ID] {
				return errs.New(errs.ErrForwardReference, "node %s reads %s.%s but %s does not precede it", node.ID, b.RefNode, b.RefField, b.RefNode)
			}
			bound[b.Name] = true

		case BindGlobal:
			if _, ok := f.Globals[b.GlobalVar]; !ok {
				return errs.New(errs.ErrMissingGlobal, "node %s reads undefined global %q", node.ID, b.GlobalVar)
			}
			bound[b.Name] = true

		default:
			return errs.New(errs.ErrTypeMismatch, "node %s binding %q has unknown kind %q", node.ID, b.Name, b.Kind)
		}
	}

	// Every required field must be bound (or carry a default)
	for _, field := range def.InputSchema {
		if field.Required && !bound[field.Name] && field.Default == nil {
			return errs.New(errs.ErrMissingRequiredInput, "node %s leaves required field %q unbound", node.ID, field.Name)
		}
	}

	return nil
}

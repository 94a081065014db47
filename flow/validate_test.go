package flow

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiverai/ragcore/common/errs"
	"github.com/quiverai/ragcore/flow/schema"
)

func testRegistry(t *testing.T) *schema.Registry {
	t.Helper()

	reg := schema.NewRegistry()
	noop := schema.RunnerFunc(func(_ context.Context, _ map[string]interface{}, _ schema.SystemInput) (schema.RunResult, error) {
		return schema.Values(nil), nil
	})

	defs := []*schema.NodeDefinition{
		{
			TypeKey:      "source",
			OutputSchema: []schema.FieldDefinition{{Name: "value", Type: schema.TypeString}},
		},
		{
			TypeKey: "transform",
			InputSchema: []schema.FieldDefinition{
				{Name: "value", Type: schema.TypeString, Required: true},
				{Name: "count", Type: schema.TypeInteger, Default: 1},
			},
			OutputSchema: []schema.FieldDefinition{{Name: "value", Type: schema.TypeString}},
		},
	}
	for _, def := range defs {
		require.NoError(t, reg.Register(def, noop))
	}
	return reg
}

func sourceNode(id string) *NodeInstance {
	return &NodeInstance{ID: id, TypeKey: "source"}
}

func transformNode(id, from string) *NodeInstance {
	return &NodeInstance{
		ID:      id,
		TypeKey: "transform",
		Inputs:  []InputBinding{{Name: "value", Kind: BindDynamic, RefNode: from, RefField: "value"}},
	}
}

func TestValidateDiamondOrderIsDeterministic(t *testing.T) {
	v := NewValidator(testRegistry(t))

	f := &Flow{
		ID: "diamond",
		Nodes: map[string]*NodeInstance{
			"a": sourceNode("a"),
			"b": transformNode("b", "a"),
			"c": transformNode("c", "a"),
			"d": transformNode("d", "b"),
		},
	}

	for i := 0; i < 5; i++ {
		order, err := v.Validate(f)
		require.NoError(t, err)
		assert.Equal(t, []string{"a", "b", "c", "d"}, order)
	}
}

func TestValidateRejectsCycle(t *testing.T) {
	v := NewValidator(testRegistry(t))

	f := &Flow{
		ID: "cycle",
		Nodes: map[string]*NodeInstance{
			"a": transformNode("a", "b"),
			"b": transformNode("b", "a"),
		},
	}

	_, err := v.Validate(f)
	assert.True(t, errors.Is(err, errs.ErrCycleDetected), "got %v", err)
}

func TestValidateRejectsEmptyFlow(t *testing.T) {
	v := NewValidator(testRegistry(t))
	_, err := v.Validate(&Flow{ID: "empty"})
	assert.Error(t, err)
}

func TestValidateRejectsUnknownEdgeEndpoint(t *testing.T) {
	v := NewValidator(testRegistry(t))

	f := &Flow{
		ID:    "bad-edge",
		Nodes: map[string]*NodeInstance{"a": sourceNode("a")},
		Edges: []Edge{{Source: "a", Target: "ghost"}},
	}

	_, err := v.Validate(f)
	assert.True(t, errors.Is(err, errs.ErrUnknownNode), "got %v", err)
}

func TestValidateRejectsUnknownNodeType(t *testing.T) {
	v := NewValidator(testRegistry(t))

	f := &Flow{
		ID:    "bad-type",
		Nodes: map[string]*NodeInstance{"a": {ID: "a", TypeKey: "nonsense"}},
	}

	_, err := v.Validate(f)
	assert.True(t, errors.Is(err, errs.ErrNodeTypeUnknown), "got %v", err)
}

func TestValidateBindingChecks(t *testing.T) {
	tests := []struct {
		name    string
		node    *NodeInstance
		globals map[string]GlobalVariable
		want    *errs.Error
	}{
		{
			name: "duplicate binding",
			node: &NodeInstance{ID: "t", TypeKey: "transform", Inputs: []InputBinding{
				{Name: "value", Kind: BindStatic, Value: "x"},
				{Name: "value", Kind: BindStatic, Value: "y"},
			}},
			want: errs.ErrDuplicateBinding,
		},
		{
			name: "unknown field",
			node: &NodeInstance{ID: "t", TypeKey: "transform", Inputs: []InputBinding{
				{Name: "value", Kind: BindStatic, Value: "x"},
				{Name: "bogus", Kind: BindStatic, Value: 1},
			}},
			want: errs.ErrUnknownField,
		},
		{
			name: "static type mismatch",
			node: &NodeInstance{ID: "t", TypeKey: "transform", Inputs: []InputBinding{
				{Name: "value", Kind: BindStatic, Value: true},
			}},
			want: errs.ErrTypeMismatch,
		},
		{
			name: "missing global",
			node: &NodeInstance{ID: "t", TypeKey: "transform", Inputs: []InputBinding{
				{Name: "value", Kind: BindGlobal, GlobalVar: "query"},
			}},
			want: errs.ErrMissingGlobal,
		},
		{
			name: "dynamic ref to missing node",
			node: &NodeInstance{ID: "t", TypeKey: "transform", Inputs: []InputBinding{
				{Name: "value", Kind: BindDynamic, RefNode: "ghost", RefField: "value"},
			}},
			want: errs.ErrUnknownNode,
		},
		{
			name: "required field unbound",
			node: &NodeInstance{ID: "t", TypeKey: "transform"},
			want: errs.ErrMissingRequiredInput,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewValidator(testRegistry(t))
			f := &Flow{
				ID:      "binding-check",
				Nodes:   map[string]*NodeInstance{"t": tt.node},
				Globals: tt.globals,
			}
			_, err := v.Validate(f)
			assert.True(t, errors.Is(err, tt.want), "want %v, got %v", tt.want, err)
		})
	}
}

func TestValidateGlobalBindingResolves(t *testing.T) {
	v := NewValidator(testRegistry(t))

	f := &Flow{
		ID: "globals",
		Nodes: map[string]*NodeInstance{
			"t": {ID: "t", TypeKey: "transform", Inputs: []InputBinding{
				{Name: "value", Kind: BindGlobal, GlobalVar: GlobalQuery},
			}},
		},
	}
	f.SetGlobal(GlobalQuery, "hello")

	_, err := v.Validate(f)
	assert.NoError(t, err)
}

func TestValidateRejectsUnknownRefField(t *testing.T) {
	v := NewValidator(testRegistry(t))

	f := &Flow{
		ID: "ref-field",
		Nodes: map[string]*NodeInstance{
			"a": sourceNode("a"),
			"b": {ID: "b", TypeKey: "transform", Inputs: []InputBinding{
				{Name: "value", Kind: BindDynamic, RefNode: "a", RefField: "nonsense"},
			}},
		},
	}

	_, err := v.Validate(f)
	assert.True(t, errors.Is(err, errs.ErrUnknownField), "got %v", err)
}

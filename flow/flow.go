// Package flow defines the DAG a query executes as: typed node instances,
// input bindings, edges and flow-scoped globals, plus the validator and
// the parallel-group scheduler the engine runs it with.
package flow

import (
	"time"
)

// BindingKind discriminates the input binding variants.
type BindingKind string

const (
	// BindStatic binds a literal value of the declared field type.
	BindStatic BindingKind = "static"
	// BindDynamic reads an output field of an upstream node.
	BindDynamic BindingKind = "dynamic"
	// BindGlobal reads a flow-scoped global variable.
	BindGlobal BindingKind = "global"
)

// InputBinding assigns a value source to one input field of a node.
// Exactly one variant applies, selected by Kind.
type InputBinding struct {
	Name string      `json:"name"`
	Kind BindingKind `json:"kind"`

	// Static
	Value interface{} `json:"value,omitempty"`

	// Dynamic
	RefNode  string `json:"ref_node,omitempty"`
	RefField string `json:"ref_field,omitempty"`

	// Global
	GlobalVar string `json:"global_var,omitempty"`
}

// NodeInstance is one node of a flow.
type NodeInstance struct {
	ID      string         `json:"id"`
	TypeKey string         `json:"type_key"`
	Name    string         `json:"name,omitempty"`
	Inputs  []InputBinding `json:"inputs,omitempty"`
}

// Edge is a directed dependency between two nodes.
type Edge struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// GlobalVariable is a flow-scoped named value seeded from the pipeline's
// initial payload.
type GlobalVariable struct {
	Name        string      `json:"name"`
	Type        string      `json:"type,omitempty"`
	Description string      `json:"description,omitempty"`
	Value       interface{} `json:"value"`
}

// Names of the globals every pipeline-built flow seeds.
const (
	GlobalQuery     = "query"
	GlobalUser      = "user"
	GlobalMessageID = "message_id"
)

// Flow is a concrete DAG of typed nodes, validated once per execution.
type Flow struct {
	ID        string                    `json:"id"`
	Name      string                    `json:"name,omitempty"`
	Nodes     map[string]*NodeInstance  `json:"nodes"`
	Edges     []Edge                    `json:"edges"`
	Globals   map[string]GlobalVariable `json:"globals,omitempty"`
	CreatedAt time.Time                 `json:"created_at,omitempty"`
	UpdatedAt time.Time                 `json:"updated_at,omitempty"`
}

// Node returns the node with the given id, or nil.
func (f *Flow) Node(id string) *NodeInstance {
	return f.Nodes[id]
}

// SetGlobal seeds or overwrites a global variable.
func (f *Flow) SetGlobal(name string, value interface{}) {
	if f.Globals == nil {
		f.Globals = make(map[string]GlobalVariable)
	}
	g := f.Globals[name]
	g.Name = name
	g.Value = value
	f.Globals[name] = g
}

// dependencies returns, per node, the set of upstream node ids implied by
// edges and dynamic bindings together.
func (f *Flow) dependencies() map[string]map[string]bool {
	deps := make(map[string]map[string]bool, len(f.Nodes))
	for id := range f.Nodes {
		deps[id] = make(map[string]bool)
	}
	for _, e := range f.Edges {
		if _, ok := deps[e.Target]; ok {
			deps[e.Target][e.Source] = true
		}
	}
	for id, node := range f.Nodes {
		for _, b := range node.Inputs {
			if b.Kind == BindDynamic && b.RefNode != "" {
				deps[id][b.RefNode] = true
			}
		}
	}
	return deps
}

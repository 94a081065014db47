package schema

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/quiverai/ragcore/common/errs"
	"github.com/quiverai/ragcore/history"
	"github.com/quiverai/ragcore/store"
)

// Node type keys of the built-in catalogue.
const (
	TypeKeyStart          = "start"
	TypeKeyVectorSearch   = "vector_search"
	TypeKeyKeywordSearch  = "keyword_search"
	TypeKeyFulltextSearch = "fulltext_search"
	TypeKeySummarySearch  = "summary_search"
	TypeKeyGraphSearch    = "graph_search"
	TypeKeyMerge          = "merge"
	TypeKeyRerank         = "rerank"
	TypeKeyFilter         = "filter"
	TypeKeyLLM            = "llm"
)

// NodeDefinition declares the input and output schema of a node type.
// Definitions are registered once at process start and never mutated.
type NodeDefinition struct {
	TypeKey      string            `json:"type_key"`
	Description  string            `json:"description,omitempty"`
	InputSchema  []FieldDefinition `json:"input_schema"`
	OutputSchema []FieldDefinition `json:"output_schema"`
}

// InputField looks up an input field by name.
func (d *NodeDefinition) InputField(name string) (FieldDefinition, bool) {
	for _, f := range d.InputSchema {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDefinition{}, false
}

// OutputField looks up an output field by name.
func (d *NodeDefinition) OutputField(name string) (FieldDefinition, bool) {
	for _, f := range d.OutputSchema {
		if f.Name == name {
			return f, true
		}
	}
	return FieldDefinition{}, false
}

// SystemInput carries the run-wide handles a runner may need. Cancellation
// travels on the context passed to Run.
type SystemInput struct {
	User       string
	Query      string
	MessageID  string
	History    history.Handle
	Collection *store.Collection
}

// ChunkKind tags entries of a runner's token stream.
type ChunkKind int

const (
	// ChunkToken is one incremental piece of the answer text.
	ChunkToken ChunkKind = iota
	// ChunkReferences carries the reference list, emitted after the last token.
	ChunkReferences
	// ChunkURLs carries the deduplicated source URL set.
	ChunkURLs
)

// Chunk is one entry of a streaming runner's output. A chunk carrying a
// non-nil Err is terminal: the producer closes the channel after it.
type Chunk struct {
	Kind       ChunkKind
	Token      string
	References []history.Reference
	URLs       []string
	Err        error
}

// BoundOrderKey is the reserved input key under which the binder records
// the binding names in declaration order. Runners whose semantics depend
// on binding order (merge) consult it; everyone else ignores it.
const BoundOrderKey = "__bound_order"

// RunResult is the outcome of one runner invocation. A plain runner
// returns Values; a streaming runner returns Streaming and the engine
// hands the channel to the pipeline untouched.
type RunResult struct {
	Outputs map[string]interface{}
	Stream  <-chan Chunk
}

// Values wraps a non-streaming result.
func Values(outputs map[string]interface{}) RunResult {
	return RunResult{Outputs: outputs}
}

// Streaming wraps a result whose answer arrives incrementally on ch.
func Streaming(outputs map[string]interface{}, ch <-chan Chunk) RunResult {
	return RunResult{Outputs: outputs, Stream: ch}
}

// Runner is the behaviour bound to a node type.
type Runner interface {
	Run(ctx context.Context, inputs map[string]interface{}, system SystemInput) (RunResult, error)
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, inputs map[string]interface{}, system SystemInput) (RunResult, error)

func (f RunnerFunc) Run(ctx context.Context, inputs map[string]interface{}, system SystemInput) (RunResult, error) {
	return f(ctx, inputs, system)
}

// Registry holds the parallel catalogues of node definitions and runners,
// keyed by type key. Read-only after initialization; the lock only guards
// the registration phase.
type Registry struct {
	mu          sync.RWMutex
	definitions map[string]*NodeDefinition
	runners     map[string]Runner
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		definitions: make(map[string]*NodeDefinition),
		runners:     make(map[string]Runner),
	}
}

// Register adds a node type to the catalogue. Registering the identical
// definition twice is a no-op; a conflicting redefinition is an error.
func (r *Registry) Register(def *NodeDefinition, runner Runner) error {
	if def == nil || def.TypeKey == "" {
		return fmt.Errorf("node definition requires a type key")
	}
	for _, f := range append(append([]FieldDefinition{}, def.InputSchema...), def.OutputSchema...) {
		if !f.Type.Valid() {
			return fmt.Errorf("node %s field %s: invalid type %q", def.TypeKey, f.Name, f.Type)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.definitions[def.TypeKey]; ok {
		if !reflect.DeepEqual(existing, def) {
			return fmt.Errorf("node type %s already registered with a different definition", def.TypeKey)
		}
		return nil
	}

	r.definitions[def.TypeKey] = def
	r.runners[def.TypeKey] = runner
	return nil
}

// Definition resolves a node definition by type key.
func (r *Registry) Definition(typeKey string) (*NodeDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.definitions[typeKey]
	if !ok {
		return nil, errs.New(errs.ErrNodeTypeUnknown, "no definition for node type %q", typeKey)
	}
	return def, nil
}

// Runner resolves a runner by type key.
func (r *Registry) Runner(typeKey string) (Runner, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	runner, ok := r.runners[typeKey]
	if !ok {
		return nil, errs.New(errs.ErrNodeTypeUnknown, "no runner for node type %q", typeKey)
	}
	return runner, nil
}

// TypeKeys returns the registered type keys, for diagnostics.
func (r *Registry) TypeKeys() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	keys := make([]string, 0, len(r.definitions))
	for k := range r.definitions {
		keys = append(keys, k)
	}
	return keys
}

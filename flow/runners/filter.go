package runners

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"

	"github.com/quiverai/ragcore/common/errs"
	"github.com/quiverai/ragcore/flow/schema"
	"github.com/quiverai/ragcore/store"
)

func filterDefinition() *schema.NodeDefinition {
	return &schema.NodeDefinition{
		TypeKey:     schema.TypeKeyFilter,
		Description: "keeps candidates matching a CEL predicate over score and metadata",
		InputSchema: []schema.FieldDefinition{
			{Name: "expression", Type: schema.TypeString, Required: true},
			{Name: "docs", Type: schema.TypeArray, Required: true},
		},
		OutputSchema: []schema.FieldDefinition{
			{Name: "docs", Type: schema.TypeArray},
		},
	}
}

// filterRunner evaluates a CEL expression per document, with the document
// exposed as `doc` (text, score, metadata). Compiled programs are cached
// per expression for the life of the process.
type filterRunner struct {
	mu    sync.RWMutex
	cache map[string]cel.Program
}

func newFilterRunner() *filterRunner {
	return &filterRunner{cache: make(map[string]cel.Program)}
}

func (r *filterRunner) Run(_ context.Context, inputs map[string]interface{}, _ schema.SystemInput) (schema.RunResult, error) {
	expression := stringInput(inputs, "expression")
	docs := docsInput(inputs["docs"])

	prg, err := r.program(expression)
	if err != nil {
		return schema.RunResult{}, err
	}

	kept := make([]store.Document, 0, len(docs))
	for _, doc := range docs {
		activation := map[string]interface{}{
			"doc": map[string]interface{}{
				"text":     doc.Text,
				"score":    doc.Score,
				"metadata": doc.Metadata,
			},
		}

		out, _, err := prg.Eval(activation)
		if err != nil {
			return schema.RunResult{}, fmt.Errorf("filter evaluation error: %w", err)
		}
		match, ok := out.Value().(bool)
		if !ok {
			return schema.RunResult{}, errs.New(errs.ErrTypeMismatch, "filter expression did not return boolean, got %T", out.Value())
		}
		if match {
			kept = append(kept, doc)
		}
	}

	return schema.Values(map[string]interface{}{"docs": kept}), nil
}

func (r *filterRunner) program(expression string) (cel.Program, error) {
	r.mu.RLock()
	prg, exists := r.cache[expression]
	r.mu.RUnlock()
	if exists {
		return prg, nil
	}

	env, err := cel.NewEnv(cel.Variable("doc", cel.DynType))
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL env: %w", err)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("filter compilation error: %w", issues.Err())
	}

	prg, err = env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL program: %w", err)
	}

	r.mu.Lock()
	r.cache[expression] = prg
	r.mu.Unlock()
	return prg, nil
}

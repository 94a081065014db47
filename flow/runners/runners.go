// Package runners implements the built-in node catalogue: search, merge,
// rerank, filter and completion. Each runner is a pure transducer over
// its typed inputs plus the declared side effects of its backends.
package runners

import (
	"context"

	"github.com/quiverai/ragcore/common/logger"
	"github.com/quiverai/ragcore/flow/schema"
	"github.com/quiverai/ragcore/providers"
	"github.com/quiverai/ragcore/retrieval"
	"github.com/quiverai/ragcore/store"
)

// Deps carries the process-wide collaborators the runners close over.
// Per-query handles (collection, history) travel on system input instead.
type Deps struct {
	// CompletionFor resolves a completion service for a provider/model pair.
	CompletionFor func(provider, model string) (providers.CompletionService, error)
	// RerankerFor resolves a rerank service for a model name.
	RerankerFor func(model string) (providers.RerankService, error)
	// Policy holds the retrieval oversampling knobs.
	Policy retrieval.Policy
	// ContextBudget caps the packed context length in characters.
	ContextBudget int
	Log           *logger.Logger
}

// RegisterAll registers the built-in node catalogue on the registry.
func RegisterAll(reg *schema.Registry, deps Deps) error {
	if deps.ContextBudget <= 0 {
		deps.ContextBudget = 8000
	}
	if deps.Policy.KeywordOversample == 0 {
		deps.Policy = retrieval.DefaultPolicy
	}

	registrations := []struct {
		def    *schema.NodeDefinition
		runner schema.Runner
	}{
		{startDefinition(), schema.RunnerFunc(runStart)},
		{vectorSearchDefinition(schema.TypeKeyVectorSearch), vectorSearchRunner(deps, schema.TypeKeyVectorSearch)},
		{vectorSearchDefinition(schema.TypeKeySummarySearch), vectorSearchRunner(deps, schema.TypeKeySummarySearch)},
		{keywordSearchDefinition(schema.TypeKeyKeywordSearch), keywordSearchRunner(deps, schema.TypeKeyKeywordSearch)},
		{keywordSearchDefinition(schema.TypeKeyFulltextSearch), keywordSearchRunner(deps, schema.TypeKeyFulltextSearch)},
		{graphSearchDefinition(), graphSearchRunner(deps)},
		{mergeDefinition(), schema.RunnerFunc(runMerge)},
		{rerankDefinition(), rerankRunner(deps)},
		{filterDefinition(), newFilterRunner()},
		{llmDefinition(), llmRunner(deps)},
	}

	for _, r := range registrations {
		if err := reg.Register(r.def, r.runner); err != nil {
			return err
		}
	}
	return nil
}

// startDefinition declares the identity pass-through node every flow
// begins with, so downstream nodes can bind to start.query uniformly.
func startDefinition() *schema.NodeDefinition {
	return &schema.NodeDefinition{
		TypeKey:     schema.TypeKeyStart,
		Description: "surfaces the initial query as a node output",
		InputSchema: []schema.FieldDefinition{
			{Name: "query", Type: schema.TypeString, Required: true},
		},
		OutputSchema: []schema.FieldDefinition{
			{Name: "query", Type: schema.TypeString},
		},
	}
}

func runStart(_ context.Context, inputs map[string]interface{}, _ schema.SystemInput) (schema.RunResult, error) {
	return schema.Values(map[string]interface{}{"query": stringInput(inputs, "query")}), nil
}

// Input readers. Defaults were already applied by the binder; these just
// unwrap with tolerant numeric handling.

func stringInput(inputs map[string]interface{}, name string) string {
	s, _ := inputs[name].(string)
	return s
}

func intInput(inputs map[string]interface{}, name string, fallback int) int {
	switch v := inputs[name].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return fallback
}

func floatInput(inputs map[string]interface{}, name string, fallback float64) float64 {
	switch v := inputs[name].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return fallback
}

func boolInput(inputs map[string]interface{}, name string, fallback bool) bool {
	if b, ok := inputs[name].(bool); ok {
		return b
	}
	return fallback
}

func stringsInput(inputs map[string]interface{}, name string) []string {
	switch v := inputs[name].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// docsInput unwraps an array input into documents, tolerating both the
// typed form (runner to runner) and the decoded-JSON form (static bindings).
func docsInput(value interface{}) []store.Document {
	switch v := value.(type) {
	case []store.Document:
		return v
	case []interface{}:
		out := make([]store.Document, 0, len(v))
		for _, item := range v {
			switch d := item.(type) {
			case store.Document:
				out = append(out, d)
			case map[string]interface{}:
				doc := store.Document{}
				doc.Text, _ = d["text"].(string)
				if score, ok := d["score"].(float64); ok {
					doc.Score = score
				}
				if meta, ok := d["metadata"].(map[string]interface{}); ok {
					doc.Metadata = meta
				}
				out = append(out, doc)
			}
		}
		return out
	}
	return nil
}

package runners

import (
	"context"

	"github.com/quiverai/ragcore/common/errs"
	"github.com/quiverai/ragcore/flow/schema"
	"github.com/quiverai/ragcore/retrieval"
	"github.com/quiverai/ragcore/store"
)

const mergeStrategyUnion = "union"

// mergeConfigFields are the merge inputs that are knobs, not candidate
// sources.
var mergeConfigFields = map[string]bool{
	"merge_strategy": true,
	"deduplicate":    true,
}

func mergeDefinition() *schema.NodeDefinition {
	return &schema.NodeDefinition{
		TypeKey:     schema.TypeKeyMerge,
		Description: "concatenates upstream candidate sets in binding order",
		InputSchema: []schema.FieldDefinition{
			{Name: "merge_strategy", Type: schema.TypeString, Default: mergeStrategyUnion},
			{Name: "deduplicate", Type: schema.TypeBoolean, Default: true},
			{Name: "vector_search_docs", Type: schema.TypeArray},
			{Name: "keyword_search_docs", Type: schema.TypeArray},
			{Name: "fulltext_search_docs", Type: schema.TypeArray},
			{Name: "summary_search_docs", Type: schema.TypeArray},
			{Name: "graph_search_docs", Type: schema.TypeArray},
			{Name: "docs", Type: schema.TypeArray},
		},
		OutputSchema: []schema.FieldDefinition{
			{Name: "docs", Type: schema.TypeArray},
		},
	}
}

// runMerge concatenates the array-typed inputs in binding order. Output
// order is defined by binding order, not by completion order of the
// upstream searches.
func runMerge(_ context.Context, inputs map[string]interface{}, _ schema.SystemInput) (schema.RunResult, error) {
	strategy := stringInput(inputs, "merge_strategy")
	if strategy == "" {
		strategy = mergeStrategyUnion
	}
	if strategy != mergeStrategyUnion {
		return schema.RunResult{}, errs.New(errs.ErrUnknownMergeStrategy, "merge strategy %q is not supported", strategy)
	}
	deduplicate := boolInput(inputs, "deduplicate", true)

	order, _ := inputs[schema.BoundOrderKey].([]string)

	var merged []store.Document
	for _, name := range order {
		if mergeConfigFields[name] {
			continue
		}
		merged = append(merged, docsInput(inputs[name])...)
	}

	if deduplicate {
		merged = retrieval.DedupTexts(merged)
	}
	if merged == nil {
		merged = []store.Document{}
	}

	return schema.Values(map[string]interface{}{"docs": merged}), nil
}

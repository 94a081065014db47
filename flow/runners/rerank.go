package runners

import (
	"context"

	"github.com/quiverai/ragcore/common/errs"
	"github.com/quiverai/ragcore/flow/schema"
	"github.com/quiverai/ragcore/providers"
	"github.com/quiverai/ragcore/store"
)

// maxRerankBatch is the largest candidate set a single rerank call may
// carry before we refuse it outright.
const maxRerankBatch = 1024

func rerankDefinition() *schema.NodeDefinition {
	return &schema.NodeDefinition{
		TypeKey:     schema.TypeKeyRerank,
		Description: "reorders candidates by cross-encoder relevance",
		InputSchema: []schema.FieldDefinition{
			{Name: "model", Type: schema.TypeString},
			{Name: "docs", Type: schema.TypeArray, Required: true},
			{Name: "top_k", Type: schema.TypeInteger, Default: 0},
		},
		OutputSchema: []schema.FieldDefinition{
			{Name: "docs", Type: schema.TypeArray},
		},
	}
}

// rerankRunner submits (query, texts) to the cross-encoder and reorders
// the documents by the returned permutation. Invalid indices are dropped;
// an empty candidate set short-circuits without calling the service.
func rerankRunner(deps Deps) schema.Runner {
	return schema.RunnerFunc(func(ctx context.Context, inputs map[string]interface{}, system schema.SystemInput) (schema.RunResult, error) {
		docs := docsInput(inputs["docs"])
		if len(docs) == 0 {
			return schema.Values(map[string]interface{}{"docs": []store.Document{}}), nil
		}
		if len(docs) > maxRerankBatch {
			return schema.RunResult{}, errs.New(errs.ErrTooManyDocuments, "%d candidates exceed the rerank batch limit of %d", len(docs), maxRerankBatch)
		}

		model := stringInput(inputs, "model")
		svc, err := deps.RerankerFor(model)
		if err != nil {
			return schema.RunResult{}, err
		}

		texts := make([]string, len(docs))
		for i, doc := range docs {
			texts[i] = doc.Text
		}

		var order []int
		err = providers.WithRetry(ctx, providers.DefaultRetry, func() error {
			var callErr error
			order, callErr = svc.Rank(ctx, system.Query, texts)
			return callErr
		})
		if err != nil {
			return schema.RunResult{}, err
		}

		reordered := make([]store.Document, 0, len(order))
		for _, idx := range order {
			if idx < 0 || idx >= len(docs) {
				continue
			}
			reordered = append(reordered, docs[idx])
		}

		if topK := intInput(inputs, "top_k", 0); topK > 0 && len(reordered) > topK {
			reordered = reordered[:topK]
		}

		return schema.Values(map[string]interface{}{"docs": reordered}), nil
	})
}

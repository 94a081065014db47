package runners

import (
	"context"

	"github.com/quiverai/ragcore/flow/schema"
	"github.com/quiverai/ragcore/providers"
	"github.com/quiverai/ragcore/store"
)

func vectorSearchDefinition(typeKey string) *schema.NodeDefinition {
	desc := "nearest-neighbour search over the collection's vector index"
	if typeKey == schema.TypeKeySummarySearch {
		desc = "vector search restricted to summary-indexed chunks"
	}
	return &schema.NodeDefinition{
		TypeKey:     typeKey,
		Description: desc,
		InputSchema: []schema.FieldDefinition{
			{Name: "query", Type: schema.TypeString, Required: true},
			{Name: "top_k", Type: schema.TypeInteger, Default: 5},
			{Name: "similarity_threshold", Type: schema.TypeFloat, Default: 0.7},
			{Name: "collection_ids", Type: schema.TypeArray},
		},
		OutputSchema: []schema.FieldDefinition{
			{Name: "docs", Type: schema.TypeArray},
		},
	}
}

// vectorSearchRunner serves both vector_search and summary_search; the
// latter adds a metadata filter matching summary-indexed chunks plus
// chunks lacking the indexer field entirely (pre-summary collections).
func vectorSearchRunner(deps Deps, typeKey string) schema.Runner {
	return schema.RunnerFunc(func(ctx context.Context, inputs map[string]interface{}, system schema.SystemInput) (schema.RunResult, error) {
		query := stringInput(inputs, "query")
		topK := intInput(inputs, "top_k", 5)
		threshold := floatInput(inputs, "similarity_threshold", 0.7)
		collectionIDs := stringsInput(inputs, "collection_ids")

		empty := schema.Values(map[string]interface{}{"docs": []store.Document{}})

		col := system.Collection
		if len(collectionIDs) == 0 || !col.Readable() {
			return empty, nil
		}

		var vector []float32
		err := providers.WithRetry(ctx, providers.DefaultRetry, func() error {
			var callErr error
			vector, callErr = col.Embedding.EmbedQuery(ctx, query)
			return callErr
		})
		if err != nil {
			return schema.RunResult{}, err
		}

		var filter *store.MetadataFilter
		if typeKey == schema.TypeKeySummarySearch {
			filter = &store.MetadataFilter{IndexerAnyOf: []string{"summary"}, IndexerEmpty: true}
		}

		docs, err := col.Vectors.Search(ctx, col.Name, vector, topK, threshold, filter)
		if err != nil {
			return schema.RunResult{}, err
		}

		tagged := make([]store.Document, 0, len(docs))
		for _, doc := range docs {
			tagged = append(tagged, doc.WithMeta(store.MetaRecallType, typeKey))
		}
		return schema.Values(map[string]interface{}{"docs": tagged}), nil
	})
}

func keywordSearchDefinition(typeKey string) *schema.NodeDefinition {
	return &schema.NodeDefinition{
		TypeKey:     typeKey,
		Description: "best-fields boolean match against the inverted index",
		InputSchema: []schema.FieldDefinition{
			{Name: "query", Type: schema.TypeString, Required: true},
			{Name: "top_k", Type: schema.TypeInteger, Default: 5},
			{Name: "collection_ids", Type: schema.TypeArray},
		},
		OutputSchema: []schema.FieldDefinition{
			{Name: "docs", Type: schema.TypeArray},
		},
	}
}

// keywordSearchRunner analyzes the query into tokens and oversamples the
// inverted-index match so downstream rerank has enough recall to work with.
func keywordSearchRunner(deps Deps, typeKey string) schema.Runner {
	return schema.RunnerFunc(func(ctx context.Context, inputs map[string]interface{}, system schema.SystemInput) (schema.RunResult, error) {
		query := stringInput(inputs, "query")
		topK := intInput(inputs, "top_k", 5)
		collectionIDs := stringsInput(inputs, "collection_ids")

		empty := schema.Values(map[string]interface{}{"docs": []store.Document{}})

		col := system.Collection
		if len(collectionIDs) == 0 || col == nil || col.Fulltext == nil || col.Name == "" {
			return empty, nil
		}

		exists, err := col.Fulltext.Exists(ctx, col.Name)
		if err != nil || !exists {
			// Missing index degrades to no keyword recall, never to a run error
			return empty, nil
		}

		tokens, err := col.Fulltext.Analyze(ctx, col.Name, query, "")
		if err != nil || len(tokens) == 0 {
			return empty, nil
		}

		hits, err := col.Fulltext.Search(ctx, col.Name, tokens, deps.Policy.MinimumShouldMatch, topK*deps.Policy.KeywordOversample)
		if err != nil {
			return schema.RunResult{}, err
		}

		// Both variants tag keyword_search: fulltext_search is the same
		// recall path under its legacy name
		docs := make([]store.Document, 0, len(hits))
		for _, hit := range hits {
			docs = append(docs, store.Document{
				Text:  hit.Content,
				Score: hit.Score,
				Metadata: map[string]interface{}{
					store.MetaSource:     hit.Name,
					store.MetaRecallType: schema.TypeKeyKeywordSearch,
				},
			})
		}
		return schema.Values(map[string]interface{}{"docs": docs}), nil
	})
}

func graphSearchDefinition() *schema.NodeDefinition {
	return &schema.NodeDefinition{
		TypeKey:     schema.TypeKeyGraphSearch,
		Description: "hybrid graph/vector query against the knowledge graph",
		InputSchema: []schema.FieldDefinition{
			{Name: "top_k", Type: schema.TypeInteger, Default: 5},
			{Name: "collection_ids", Type: schema.TypeArray},
		},
		OutputSchema: []schema.FieldDefinition{
			{Name: "docs", Type: schema.TypeArray},
		},
	}
}

// graphSearchRunner returns a single document whose text is the context
// block the graph backend assembled. Collections without the graph
// capability return empty rather than erroring.
func graphSearchRunner(deps Deps) schema.Runner {
	return schema.RunnerFunc(func(ctx context.Context, inputs map[string]interface{}, system schema.SystemInput) (schema.RunResult, error) {
		topK := intInput(inputs, "top_k", 5)

		empty := schema.Values(map[string]interface{}{"docs": []store.Document{}})

		col := system.Collection
		if !col.HasGraph() {
			return empty, nil
		}

		contextBlock, err := col.Graph.Query(ctx, system.Query, store.GraphModeHybrid, topK)
		if err != nil {
			return schema.RunResult{}, err
		}
		if contextBlock == "" {
			return empty, nil
		}

		doc := store.Document{
			Text:  contextBlock,
			Score: 1,
			Metadata: map[string]interface{}{
				store.MetaRecallType: schema.TypeKeyGraphSearch,
			},
		}
		return schema.Values(map[string]interface{}{"docs": []store.Document{doc}}), nil
	})
}

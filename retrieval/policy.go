package retrieval

import (
	"context"

	"github.com/quiverai/ragcore/common/errs"
	"github.com/quiverai/ragcore/providers"
	"github.com/quiverai/ragcore/store"
)

// Policy carries the retrieval knobs that used to be hard-coded magic
// numbers: how far keyword search oversamples, how many candidates feed
// the reranker, and the fraction of query tokens a full-text match must
// cover.
type Policy struct {
	KeywordOversample  int
	RerankOversample   int
	MinimumShouldMatch float64
}

// DefaultPolicy matches the historical behaviour.
var DefaultPolicy = Policy{
	KeywordOversample:  3,
	RerankOversample:   6,
	MinimumShouldMatch: 0.8,
}

// RerankTopK reranks the full candidate set against the query and keeps
// the best topK. Candidates are never pre-truncated before the rerank
// call; single-candidate sets skip the service entirely.
func RerankTopK(ctx context.Context, svc providers.RerankService, query string, docs []store.Document, topK int) ([]store.Document, error) {
	if len(docs) == 0 {
		return nil, nil
	}
	if len(docs) == 1 || svc == nil {
		if topK > 0 && len(docs) > topK {
			return docs[:topK], nil
		}
		return docs, nil
	}

	texts := make([]string, len(docs))
	for i, doc := range docs {
		texts[i] = doc.Text
	}

	var order []int
	err := providers.WithRetry(ctx, providers.DefaultRetry, func() error {
		var callErr error
		order, callErr = svc.Rank(ctx, query, texts)
		return callErr
	})
	if err != nil {
		return nil, err
	}

	// Reorder by the returned permutation; invalid indices are dropped.
	reordered := make([]store.Document, 0, len(order))
	for _, idx := range order {
		if idx < 0 || idx >= len(docs) {
			continue
		}
		reordered = append(reordered, docs[idx])
	}

	if topK > 0 && len(reordered) > topK {
		reordered = reordered[:topK]
	}
	return reordered, nil
}

// KeywordIntersect drops candidates whose source is not among the
// document names matching the query keywords in the full-text index.
// When the index yields no names the filter is a noop: it never drops
// every candidate unconditionally.
func KeywordIntersect(ctx context.Context, index store.FullTextIndex, indexName string, keywords []string, docs []store.Document, policy Policy) []store.Document {
	if index == nil || len(keywords) == 0 || len(docs) == 0 {
		return docs
	}

	exists, err := index.Exists(ctx, indexName)
	if err != nil || !exists {
		return docs
	}

	hits, err := index.Search(ctx, indexName, keywords, policy.MinimumShouldMatch, len(docs)*policy.KeywordOversample)
	if err != nil || len(hits) == 0 {
		return docs
	}

	matched := make(map[string]bool, len(hits))
	for _, hit := range hits {
		matched[hit.Name] = true
	}

	out := make([]store.Document, 0, len(docs))
	for _, doc := range docs {
		if matched[doc.Source()] {
			out = append(out, doc)
		}
	}
	return out
}

// AssembleCandidates merges multiple retriever outputs in binding order,
// dedups by text and reranks when more than one candidate survives.
func AssembleCandidates(ctx context.Context, reranker providers.RerankService, query string, sources [][]store.Document, topK int) ([]store.Document, error) {
	var union []store.Document
	for _, docs := range sources {
		union = append(union, docs...)
	}
	union = DedupTexts(union)

	if len(union) <= 1 {
		return union, nil
	}

	reranked, err := RerankTopK(ctx, reranker, query, union, topK)
	if err != nil {
		if errs.IsCancelled(err) {
			return nil, err
		}
		// Rerank is non-critical: degrade to the merged order
		if topK > 0 && len(union) > topK {
			union = union[:topK]
		}
		return union, nil
	}
	return reranked, nil
}

package providers

import (
	"context"
	"math"
	"sort"

	"github.com/quiverai/ragcore/common/errs"
)

// EmbedReranker ranks documents by cosine similarity between the query
// embedding and each document embedding. It is the default reranker when
// no dedicated rerank endpoint is configured.
type EmbedReranker struct {
	svc EmbeddingService
}

// NewEmbedReranker creates a reranker over an embedding service.
func NewEmbedReranker(svc EmbeddingService) *EmbedReranker {
	return &EmbedReranker{svc: svc}
}

func (r *EmbedReranker) Model() string { return r.svc.Model() }

// Rank returns a permutation of input indices, best first. Ties keep
// input order.
func (r *EmbedReranker) Rank(ctx context.Context, query string, texts []string) ([]int, error) {
	if len(texts) == 0 {
		return nil, errs.New(errs.ErrEmptyInput, "no texts to rank")
	}

	queryVec, err := r.svc.EmbedQuery(ctx, query)
	if err != nil {
		return nil, err
	}
	docVecs, err := r.svc.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, err
	}

	scores := make([]float64, len(texts))
	for i, vec := range docVecs {
		scores[i] = cosine(queryVec, vec)
	}

	order := make([]int, len(texts))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return scores[order[a]] > scores[order[b]]
	})
	return order, nil
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Package retrieval implements the primitives the search runners and the
// pipeline compose: batched embedding fan-out, candidate assembly and
// rerank, keyword intersect filtering and context packing.
package retrieval

import (
	"context"
	"sync"

	"github.com/quiverai/ragcore/common/errs"
	"github.com/quiverai/ragcore/providers"
)

// DefaultEmbedBatch caps how many documents one embedding call carries.
const DefaultEmbedBatch = 16

// EmbedDocuments embeds texts in concurrent batches of at most batchSize
// and reassembles the vectors in input order, keyed by the input index.
// Any batch failure surfaces as a batch processing error carrying the
// failed batch count; no partial output is emitted.
func EmbedDocuments(ctx context.Context, svc providers.EmbeddingService, texts []string, batchSize int) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, errs.New(errs.ErrEmptyInput, "no documents to embed")
	}
	if batchSize < 1 {
		batchSize = DefaultEmbedBatch
	}

	type batch struct {
		start int
		texts []string
	}

	var batches []batch
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		batches = append(batches, batch{start: start, texts: texts[start:end]})
	}

	out := make([][]float32, len(texts))
	failures := make([]error, len(batches))
	var wg sync.WaitGroup

	for i, b := range batches {
		wg.Add(1)
		go func(i int, b batch) {
			defer wg.Done()

			var vectors [][]float32
			err := providers.WithRetry(ctx, providers.DefaultRetry, func() error {
				var callErr error
				vectors, callErr = svc.EmbedDocuments(ctx, b.texts)
				return callErr
			})
			if err != nil {
				failures[i] = err
				return
			}
			if len(vectors) != len(b.texts) {
				failures[i] = errs.New(errs.ErrInvalidDocument, "embedding batch returned %d vectors for %d texts", len(vectors), len(b.texts))
				return
			}
			for j, v := range vectors {
				out[b.start+j] = v
			}
		}(i, b)
	}

	wg.Wait()

	failed := 0
	var cause error
	for _, err := range failures {
		if err != nil {
			failed++
			if cause == nil {
				cause = err
			}
		}
	}
	if failed > 0 {
		return nil, errs.Wrap(errs.ErrBatchProcessingError, cause, "%d of %d embedding batches failed", failed, len(batches))
	}

	return out, nil
}

// dimCache caches the probed vector dimension per (provider base, model).
var dimCache = struct {
	sync.Mutex
	dims map[string]int
}{dims: make(map[string]int)}

// probeText is the short string embedded once per (provider, model) pair
// to learn the vector dimension.
const probeText = "dimension probe"

// dimCacheKey includes the endpoint identity when the service exposes
// one, so two providers serving the same model name cannot collide.
func dimCacheKey(svc providers.EmbeddingService) string {
	if based, ok := svc.(interface{ BaseURL() string }); ok {
		return based.BaseURL() + "|" + svc.Model()
	}
	return svc.Model()
}

// ProbeDimension returns the vector length the model produces. The first
// call per (provider base, model) embeds a probe string; later calls hit
// the process-wide cache.
func ProbeDimension(ctx context.Context, svc providers.EmbeddingService) (int, error) {
	key := dimCacheKey(svc)

	dimCache.Lock()
	if dim, ok := dimCache.dims[key]; ok {
		dimCache.Unlock()
		return dim, nil
	}
	dimCache.Unlock()

	vec, err := svc.EmbedQuery(ctx, probeText)
	if err != nil {
		return 0, err
	}

	dimCache.Lock()
	dimCache.dims[key] = len(vec)
	dimCache.Unlock()
	return len(vec), nil
}

package retrieval

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiverai/ragcore/common/errs"
)

// indexEmbedder returns a vector encoding the text's position in a fixed
// corpus, so reassembly order is observable.
type indexEmbedder struct {
	mu      sync.Mutex
	model   string
	queries int
	failOn  string
}

func (e *indexEmbedder) Model() string { return e.model }

func (e *indexEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	e.mu.Lock()
	e.queries++
	e.mu.Unlock()
	vecs, err := e.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (e *indexEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if e.failOn != "" && text == e.failOn {
			return nil, fmt.Errorf("refusing to embed %q", text)
		}
		var v float32
		fmt.Sscanf(text, "doc-%f", &v)
		out[i] = []float32{v, v, v}
	}
	return out, nil
}

func corpus(n int) []string {
	texts := make([]string, n)
	for i := range texts {
		texts[i] = fmt.Sprintf("doc-%d", i)
	}
	return texts
}

func TestEmbedDocumentsPreservesOrderAcrossBatches(t *testing.T) {
	svc := &indexEmbedder{model: "order-test"}
	texts := corpus(7)

	vectors, err := EmbedDocuments(context.Background(), svc, texts, 2)
	require.NoError(t, err)
	require.Len(t, vectors, 7)

	for i, vec := range vectors {
		assert.Equal(t, float32(i), vec[0], "vector %d out of order", i)
	}
}

func TestEmbedDocumentsBatchFailureYieldsNoPartialOutput(t *testing.T) {
	svc := &indexEmbedder{model: "failure-test", failOn: "doc-3"}

	vectors, err := EmbedDocuments(context.Background(), svc, corpus(6), 2)
	assert.Nil(t, vectors)
	assert.True(t, errors.Is(err, errs.ErrBatchProcessingError), "got %v", err)
}

func TestEmbedDocumentsEmptyInput(t *testing.T) {
	svc := &indexEmbedder{model: "empty-test"}

	_, err := EmbedDocuments(context.Background(), svc, nil, 4)
	assert.True(t, errors.Is(err, errs.ErrEmptyInput), "got %v", err)
}

// endpointEmbedder is a fixed-dimension service pinned to one base URL.
type endpointEmbedder struct {
	model string
	base  string
	dim   int
}

func (e *endpointEmbedder) Model() string   { return e.model }
func (e *endpointEmbedder) BaseURL() string { return e.base }
func (e *endpointEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return make([]float32, e.dim), nil
}
func (e *endpointEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = make([]float32, e.dim)
	}
	return out, nil
}

func TestProbeDimensionKeysByEndpointAndModel(t *testing.T) {
	a := &endpointEmbedder{model: "endpoint-shared-model", base: "https://a.example/v1", dim: 4}
	b := &endpointEmbedder{model: "endpoint-shared-model", base: "https://b.example/v1", dim: 8}

	dimA, err := ProbeDimension(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, 4, dimA)

	dimB, err := ProbeDimension(context.Background(), b)
	require.NoError(t, err)
	assert.Equal(t, 8, dimB, "endpoints sharing a model name must not share a cache entry")

	again, err := ProbeDimension(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, 4, again)
}

func TestProbeDimensionCachesPerModel(t *testing.T) {
	svc := &indexEmbedder{model: "probe-cache-test"}

	dim, err := ProbeDimension(context.Background(), svc)
	require.NoError(t, err)
	assert.Equal(t, 3, dim)

	dim, err = ProbeDimension(context.Background(), svc)
	require.NoError(t, err)
	assert.Equal(t, 3, dim)

	svc.mu.Lock()
	defer svc.mu.Unlock()
	assert.Equal(t, 1, svc.queries, "second probe must hit the cache")
}

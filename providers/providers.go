package providers

import (
	"context"
	"time"

	"github.com/quiverai/ragcore/common/errs"
)

// EmbeddingService turns text into vectors. Implementations must preserve
// input order in EmbedDocuments.
type EmbeddingService interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	Model() string
}

// Chunk is one unit of a streaming completion.
type Chunk struct {
	Token        string
	FinishReason string
}

// CompletionService produces a streaming completion. The returned channel
// is closed after the terminal chunk; a mid-stream failure is delivered
// through the error channel. Cancelling ctx must close both.
type CompletionService interface {
	GenerateStream(ctx context.Context, req CompletionRequest) (<-chan Chunk, <-chan error, error)
	Model() string
}

// CompletionRequest carries everything a completion call needs.
type CompletionRequest struct {
	Model       string
	Prompt      string
	History     []Turn
	Temperature float64
	MaxTokens   int
}

// Turn is one prior exchange passed as conversation context.
type Turn struct {
	Role    string // "human" or "ai"
	Content string
}

// RerankService scores documents against a query and returns a
// permutation of input indices, best first.
type RerankService interface {
	Rank(ctx context.Context, query string, texts []string) ([]int, error)
	Model() string
}

// RetryPolicy bounds retries on transient provider failures.
type RetryPolicy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
}

// DefaultRetry is applied to embedding and rerank calls.
var DefaultRetry = RetryPolicy{MaxAttempts: 3, InitialBackoff: 200 * time.Millisecond}

// WithRetry runs fn with exponential backoff on retryable errors.
// Structural, permanent and payload errors abort immediately.
func WithRetry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	if policy.MaxAttempts < 1 {
		policy.MaxAttempts = 1
	}

	backoff := policy.InitialBackoff
	var err error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		err = fn()
		if err == nil || !errs.IsRetryable(err) {
			return err
		}
		if attempt == policy.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return errs.Wrap(errs.ErrCancelled, ctx.Err(), "retry interrupted")
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return err
}

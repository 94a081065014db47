// Package openai backs the embedding and completion services with the
// OpenAI API (or any compatible endpoint via a custom base URL).
package openai

import (
	"context"
	"errors"
	"io"
	"net"

	openai "github.com/sashabaranov/go-openai"

	"github.com/quiverai/ragcore/common/errs"
	"github.com/quiverai/ragcore/providers"
)

// Client wraps one API credential; embedding and completion services are
// derived per model.
type Client struct {
	api  *openai.Client
	base string
}

// New creates a client. baseURL may point at any OpenAI-compatible
// endpoint; empty keeps the default.
func New(apiKey, baseURL string) *Client {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &Client{api: openai.NewClientWithConfig(cfg), base: cfg.BaseURL}
}

// Embedder returns the embedding service for one model.
func (c *Client) Embedder(model string) *Embedder {
	return &Embedder{api: c.api, model: model, base: c.base}
}

// Completer returns the completion service for one model.
func (c *Client) Completer(model string) *Completer {
	return &Completer{api: c.api, model: model}
}

// Embedder implements providers.EmbeddingService.
type Embedder struct {
	api   *openai.Client
	model string
	base  string
}

func (e *Embedder) Model() string { return e.model }

// BaseURL identifies the endpoint; dimension probing caches per
// (endpoint, model) so compatible providers sharing a model name stay
// distinct.
func (e *Embedder) BaseURL() string { return e.base }

// EmbedQuery embeds a single text.
func (e *Embedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedDocuments(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedDocuments embeds texts preserving input order. The API returns
// one datum per input in request order.
func (e *Embedder) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, errs.New(errs.ErrEmptyInput, "no texts to embed")
	}

	resp, err := e.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(e.model),
	})
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Data) != len(texts) {
		return nil, errs.New(errs.ErrInvalidDocument, "embedding response carries %d vectors for %d texts", len(resp.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, datum := range resp.Data {
		if datum.Index < 0 || datum.Index >= len(vectors) {
			return nil, errs.New(errs.ErrInvalidDocument, "embedding response index %d out of range", datum.Index)
		}
		vectors[datum.Index] = datum.Embedding
	}
	return vectors, nil
}

// Completer implements providers.CompletionService.
type Completer struct {
	api   *openai.Client
	model string
}

func (c *Completer) Model() string { return c.model }

// GenerateStream starts a streaming chat completion. Tokens arrive on the
// chunk channel in provider order; a mid-stream failure is delivered on
// the error channel before both close.
func (c *Completer) GenerateStream(ctx context.Context, req providers.CompletionRequest) (<-chan providers.Chunk, <-chan error, error) {
	model := req.Model
	if model == "" {
		model = c.model
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.History)+1)
	for _, turn := range req.History {
		role := openai.ChatMessageRoleUser
		if turn.Role == "ai" {
			role = openai.ChatMessageRoleAssistant
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: turn.Content})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: req.Prompt})

	stream, err := c.api.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: float32(req.Temperature),
		MaxTokens:   req.MaxTokens,
		Stream:      true,
	})
	if err != nil {
		return nil, nil, classify(err)
	}

	chunks := make(chan providers.Chunk)
	errc := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errc)
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if ctx.Err() == nil {
					errc <- classify(err)
				}
				return
			}
			if len(resp.Choices) == 0 {
				continue
			}

			choice := resp.Choices[0]
			chunk := providers.Chunk{
				Token:        choice.Delta.Content,
				FinishReason: string(choice.FinishReason),
			}

			select {
			case chunks <- chunk:
			case <-ctx.Done():
				return
			}

			if choice.FinishReason == openai.FinishReasonStop {
				return
			}
		}
	}()

	return chunks, errc, nil
}

// classify maps provider failures onto the shared error taxonomy.
func classify(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403:
			return errs.Wrap(errs.ErrAuthFailure, err, "provider rejected credentials")
		case apiErr.HTTPStatusCode == 404:
			return errs.Wrap(errs.ErrModelNotFound, err, "model not available")
		case apiErr.HTTPStatusCode == 429:
			return errs.Wrap(errs.ErrRateLimited, err, "provider throttled the call")
		case apiErr.HTTPStatusCode >= 500:
			return errs.Wrap(errs.ErrServiceUnavailable, err, "provider server error")
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return errs.Wrap(errs.ErrTimeout, err, "provider call timed out")
	}
	if errors.Is(err, context.Canceled) {
		return errs.Wrap(errs.ErrCancelled, err, "provider call cancelled")
	}
	return err
}

package runners

import (
	"context"
	"strings"

	"github.com/quiverai/ragcore/common/errs"
	"github.com/quiverai/ragcore/flow/schema"
	"github.com/quiverai/ragcore/history"
	"github.com/quiverai/ragcore/providers"
	"github.com/quiverai/ragcore/retrieval"
	"github.com/quiverai/ragcore/store"
)

func llmDefinition() *schema.NodeDefinition {
	return &schema.NodeDefinition{
		TypeKey:     schema.TypeKeyLLM,
		Description: "streams a completion grounded in the packed candidate context",
		InputSchema: []schema.FieldDefinition{
			{Name: "model_service_provider", Type: schema.TypeString, Default: "openai"},
			{Name: "model_name", Type: schema.TypeString, Required: true},
			{Name: "prompt_template", Type: schema.TypeString, Required: true},
			{Name: "temperature", Type: schema.TypeFloat, Default: 0.7},
			{Name: "max_tokens", Type: schema.TypeInteger, Default: 1024},
			{Name: "docs", Type: schema.TypeArray},
			{Name: "context", Type: schema.TypeString, Default: ""},
		},
		OutputSchema: []schema.FieldDefinition{
			{Name: "answer", Type: schema.TypeString},
		},
	}
}

// llmRunner packs the candidate context, renders the prompt and starts a
// streaming completion. The token stream is returned as the run result's
// stream; after the last token it carries one references chunk and one
// URL chunk. History persistence belongs to the pipeline, not here, so
// cancellation semantics stay deterministic.
func llmRunner(deps Deps) schema.Runner {
	return schema.RunnerFunc(func(ctx context.Context, inputs map[string]interface{}, system schema.SystemInput) (schema.RunResult, error) {
		provider := stringInput(inputs, "model_service_provider")
		model := stringInput(inputs, "model_name")
		template := stringInput(inputs, "prompt_template")
		temperature := floatInput(inputs, "temperature", 0.7)
		maxTokens := intInput(inputs, "max_tokens", 1024)
		docs := docsInput(inputs["docs"])

		svc, err := deps.CompletionFor(provider, model)
		if err != nil {
			return schema.RunResult{}, err
		}

		// 1. Pack candidates under the context budget. A pre-rendered
		// context (hybrid retrieval assembles its own labeled sections)
		// bypasses packing; docs then only feed the reference list.
		contextText, packed := retrieval.PackContext(docs, deps.ContextBudget)
		if override := stringInput(inputs, "context"); override != "" {
			contextText, packed = override, docs
		}

		// 2. Render the prompt
		prompt := strings.NewReplacer(
			"{query}", system.Query,
			"{context}", contextText,
		).Replace(template)

		// 3. The remaining budget is what the model may generate
		outputBudget := maxTokens - len(prompt)
		if outputBudget < 0 {
			return schema.RunResult{}, errs.New(errs.ErrPromptTooLong, "prompt length %d exceeds max_tokens %d", len(prompt), maxTokens)
		}

		chunks, errc, err := svc.GenerateStream(ctx, providers.CompletionRequest{
			Model:       model,
			Prompt:      prompt,
			Temperature: temperature,
			MaxTokens:   outputBudget,
		})
		if err != nil {
			return schema.RunResult{}, err
		}

		out := make(chan schema.Chunk)
		go func() {
			defer close(out)

			for chunk := range chunks {
				if chunk.Token == "" {
					continue
				}
				select {
				case out <- schema.Chunk{Kind: schema.ChunkToken, Token: chunk.Token}:
				case <-ctx.Done():
					return
				}
			}

			// A provider failure mid-stream terminates the channel with it
			select {
			case err, ok := <-errc:
				if ok && err != nil {
					select {
					case out <- schema.Chunk{Err: err}:
					case <-ctx.Done():
					}
					return
				}
			default:
			}

			if ctx.Err() != nil {
				return
			}

			// References strictly after the last token, then the URL set
			select {
			case out <- schema.Chunk{Kind: schema.ChunkReferences, References: referencesFrom(packed)}:
			case <-ctx.Done():
				return
			}
			if urls := retrieval.DedupURLs(packed); len(urls) > 0 {
				select {
				case out <- schema.Chunk{Kind: schema.ChunkURLs, URLs: urls}:
				case <-ctx.Done():
				}
			}
		}()

		return schema.Streaming(map[string]interface{}{"answer": ""}, out), nil
	})
}

func referencesFrom(docs []store.Document) []history.Reference {
	refs := make([]history.Reference, 0, len(docs))
	for _, doc := range docs {
		refs = append(refs, history.Reference{
			Content: doc.Text,
			Source:  doc.Source(),
			URL:     doc.URL(),
			Score:   doc.Score,
		})
	}
	return refs
}

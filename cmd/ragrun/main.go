// ragrun executes one flow definition against the configured backends
// and prints the result. Streaming nodes print tokens as they arrive.
//
// Usage:
//
//	ragrun -flow flow.json -query "..." -collection docs [-user cli]
//
// Exit codes: 0 success, 1 configuration or execution failure, 2
// dependency unreachable at startup.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"

	"github.com/quiverai/ragcore/common/config"
	"github.com/quiverai/ragcore/common/errs"
	"github.com/quiverai/ragcore/common/logger"
	"github.com/quiverai/ragcore/flow"
	"github.com/quiverai/ragcore/flow/engine"
	"github.com/quiverai/ragcore/flow/runners"
	"github.com/quiverai/ragcore/flow/schema"
	"github.com/quiverai/ragcore/history"
	"github.com/quiverai/ragcore/providers"
	"github.com/quiverai/ragcore/providers/openai"
	"github.com/quiverai/ragcore/retrieval"
	"github.com/quiverai/ragcore/store"
	"github.com/quiverai/ragcore/store/graphhttp"
	"github.com/quiverai/ragcore/store/memindex"
	"github.com/quiverai/ragcore/store/pgvector"
)

const (
	exitFailure    = 1
	exitDependency = 2
)

func main() {
	flowPath := flag.String("flow", "", "path to the flow definition JSON")
	query := flag.String("query", "", "query seeded into the flow globals")
	collectionName := flag.String("collection", "", "collection to search")
	user := flag.String("user", "cli", "user id seeded into the flow globals")
	flag.Parse()

	if *flowPath == "" || *query == "" {
		fmt.Fprintln(os.Stderr, "usage: ragrun -flow flow.json -query \"...\" [-collection name] [-user id]")
		os.Exit(exitFailure)
	}

	cfg, err := config.Load("ragrun")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(exitFailure)
	}
	log := logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)

	raw, err := os.ReadFile(*flowPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read flow: %v\n", err)
		os.Exit(exitFailure)
	}
	var f flow.Flow
	if err := json.Unmarshal(raw, &f); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to parse flow: %v\n", err)
		os.Exit(exitFailure)
	}

	ctx := context.Background()

	vectors, err := pgvector.Connect(ctx, cfg.Vector.DSN)
	if err != nil {
		log.Error("vector store unreachable", "error", err)
		os.Exit(exitDependency)
	}
	defer vectors.Close()

	var graph store.GraphStore
	if cfg.Graph.BaseURL != "" {
		graph = graphhttp.New(cfg.Graph.BaseURL, cfg.Graph.ConnectTimeout)
	}

	oai := openai.New(cfg.Models.OpenAIAPIKey, cfg.Models.OpenAIBaseURL)

	policy := retrieval.Policy{
		KeywordOversample:  cfg.Retrieval.KeywordOversample,
		RerankOversample:   cfg.Retrieval.RerankOversample,
		MinimumShouldMatch: retrieval.DefaultPolicy.MinimumShouldMatch,
	}

	registry := schema.NewRegistry()
	err = runners.RegisterAll(registry, runners.Deps{
		CompletionFor: func(provider, model string) (providers.CompletionService, error) {
			if provider != "" && provider != "openai" {
				return nil, errs.New(errs.ErrProviderNotConfigured, "no completion provider %q", provider)
			}
			return oai.Completer(model), nil
		},
		RerankerFor: func(model string) (providers.RerankService, error) {
			if model == "" {
				model = cfg.Models.DefaultEmbedModel
			}
			return providers.NewEmbedReranker(oai.Embedder(model)), nil
		},
		Policy:        policy,
		ContextBudget: cfg.Retrieval.ContextWindow,
		Log:           log,
	})
	if err != nil {
		log.Error("failed to register node catalogue", "error", err)
		os.Exit(exitFailure)
	}

	messageID := uuid.New().String()
	f.SetGlobal(flow.GlobalQuery, *query)
	f.SetGlobal(flow.GlobalUser, *user)
	f.SetGlobal(flow.GlobalMessageID, messageID)

	embedder := oai.Embedder(cfg.Models.DefaultEmbedModel)
	dim, _ := retrieval.ProbeDimension(ctx, embedder)

	col := &store.Collection{
		Name:           *collectionName,
		Embedding:      embedder,
		Vectors:        vectors,
		Fulltext:       memindex.New(),
		Graph:          graph,
		EnableGraph:    graph != nil,
		VectorDim:      dim,
		EmbedModelName: cfg.Models.DefaultEmbedModel,
	}

	eng := engine.New(registry, engine.NewEventBus(log), log)
	result, err := eng.Execute(ctx, &f, schema.SystemInput{
		User:       *user,
		Query:      *query,
		MessageID:  messageID,
		History:    history.NewMemoryHistory(),
		Collection: col,
	})
	if err != nil {
		log.Error("flow execution failed", "error", err)
		os.Exit(exitFailure)
	}

	if result.Stream != nil {
		for chunk := range result.Stream {
			if chunk.Err != nil {
				fmt.Fprintf(os.Stderr, "\nstream failed: %v\n", chunk.Err)
				os.Exit(exitFailure)
			}
			if chunk.Kind == schema.ChunkToken {
				fmt.Print(chunk.Token)
			}
		}
		fmt.Println()
		return
	}

	// No streaming node: print every node's outputs
	for id := range f.Nodes {
		outputs, ok := result.Context.Outputs(id)
		if !ok {
			continue
		}
		rendered, err := json.MarshalIndent(outputs, "", "  ")
		if err != nil {
			continue
		}
		fmt.Printf("%s: %s\n", id, rendered)
	}
}

package main

import (
	"context"
	"fmt"
	"os"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/quiverai/ragcore/common/config"
	"github.com/quiverai/ragcore/common/errs"
	"github.com/quiverai/ragcore/common/logger"
	redisconn "github.com/quiverai/ragcore/common/redis"
	"github.com/quiverai/ragcore/common/server"
	"github.com/quiverai/ragcore/flow/engine"
	"github.com/quiverai/ragcore/flow/runners"
	"github.com/quiverai/ragcore/flow/schema"
	"github.com/quiverai/ragcore/pipeline"
	"github.com/quiverai/ragcore/providers"
	"github.com/quiverai/ragcore/providers/openai"
	"github.com/quiverai/ragcore/quota"
	"github.com/quiverai/ragcore/retrieval"
	"github.com/quiverai/ragcore/store"
	"github.com/quiverai/ragcore/store/graphhttp"
	"github.com/quiverai/ragcore/store/memindex"
	"github.com/quiverai/ragcore/store/pgvector"
)

// Exit codes: 0 success, 1 configuration failure, 2 dependency
// unreachable at startup.
const (
	exitConfig     = 1
	exitDependency = 2
)

func main() {
	ctx := context.Background()

	cfg, err := config.Load("ragd")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(exitConfig)
	}

	log := logger.New(cfg.Service.LogLevel, cfg.Service.LogFormat)

	if cfg.Models.OpenAIAPIKey == "" {
		fmt.Fprintln(os.Stderr, "OPENAI_API_KEY is required")
		os.Exit(exitConfig)
	}

	rdb, err := redisconn.Connect(ctx, cfg.Redis)
	if err != nil {
		log.Error("redis unreachable", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(exitDependency)
	}
	defer rdb.Close()

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

	completionFor := func(provider, model string) (providers.CompletionService, error) {
		if provider != "" && provider != "openai" {
			return nil, errs.New(errs.ErrProviderNotConfigured, "no completion provider %q", provider)
		}
		return oai.Completer(model), nil
	}

	// Rerank runs on embeddings: the model argument names the embedding
	// model to rank with, falling back to the service default.
	rerankerFor := func(model string) (providers.RerankService, error) {
		if model == "" {
			model = cfg.Models.DefaultEmbedModel
		}
		return providers.NewEmbedReranker(oai.Embedder(model)), nil
	}

	policy := retrieval.Policy{
		KeywordOversample:  cfg.Retrieval.KeywordOversample,
		RerankOversample:   cfg.Retrieval.RerankOversample,
		MinimumShouldMatch: retrieval.DefaultPolicy.MinimumShouldMatch,
	}

	registry := schema.NewRegistry()
	err = runners.RegisterAll(registry, runners.Deps{
		CompletionFor: completionFor,
		RerankerFor:   rerankerFor,
		Policy:        policy,
		ContextBudget: cfg.Retrieval.ContextWindow,
		Log:           log,
	})
	if err != nil {
		log.Error("failed to register node catalogue", "error", err)
		os.Exit(exitConfig)
	}

	bus := engine.NewEventBus(log)
	eng := engine.New(registry, bus, log)
	pipe := pipeline.New(eng, completionFor, policy, log)
	counter := quota.NewCounter(rdb, cfg.Quota.DailyMessages, log)

	h := &wsHandler{
		cfg:      cfg,
		pipe:     pipe,
		counter:  counter,
		rdb:      rdb,
		vectors:  vectors,
		fulltext: memindex.New(),
		graph:    graph,
		oai:      oai,
		log:      log,
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(200, map[string]string{
			"status":  "ok",
			"service": cfg.Service.Name,
		})
	})
	e.GET("/ws", h.handle)

	srv := server.New(cfg.Service.Name, cfg.Service.Port, e, log)
	if err := srv.Start(); err != nil {
		log.Error("server stopped", "error", err)
		os.Exit(exitDependency)
	}
}

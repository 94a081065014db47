package pipeline

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quiverai/ragcore/common/errs"
	"github.com/quiverai/ragcore/common/logger"
	"github.com/quiverai/ragcore/flow/engine"
	"github.com/quiverai/ragcore/flow/runners"
	"github.com/quiverai/ragcore/flow/schema"
	"github.com/quiverai/ragcore/history"
	"github.com/quiverai/ragcore/providers"
	"github.com/quiverai/ragcore/retrieval"
	"github.com/quiverai/ragcore/store"
)

type fakeEmbedder struct{}

func (fakeEmbedder) Model() string { return "fake-embed" }
func (fakeEmbedder) EmbedQuery(context.Context, string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}
func (fakeEmbedder) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range out {
		out[i] = []float32{0.1, 0.2, 0.3}
	}
	return out, nil
}

type fakeVectors struct {
	docs []store.Document
}

func (v *fakeVectors) Search(context.Context, string, []float32, int, float64, *store.MetadataFilter) ([]store.Document, error) {
	return v.docs, nil
}
func (v *fakeVectors) Add(context.Context, string, []store.Document, [][]float32) ([]string, error) {
	return nil, nil
}
func (v *fakeVectors) Delete(context.Context, string, *store.MetadataFilter) error { return nil }

type fakeGraph struct {
	context string
	err     error
}

func (g *fakeGraph) Query(context.Context, string, store.GraphMode, int) (string, error) {
	return g.context, g.err
}

// fakeCompletion streams canned tokens and records the last prompt.
type fakeCompletion struct {
	mu     sync.Mutex
	tokens []string
	prompt string
}

func (c *fakeCompletion) Model() string { return "fake-chat" }

func (c *fakeCompletion) GenerateStream(ctx context.Context, req providers.CompletionRequest) (<-chan providers.Chunk, <-chan error, error) {
	c.mu.Lock()
	c.prompt = req.Prompt
	c.mu.Unlock()

	chunks := make(chan providers.Chunk)
	errc := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errc)
		for _, tok := range c.tokens {
			select {
			case chunks <- providers.Chunk{Token: tok}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return chunks, errc, nil
}

func (c *fakeCompletion) lastPrompt() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.prompt
}

func testPipeline(t *testing.T, completion *fakeCompletion) *Pipeline {
	t.Helper()
	log := logger.New("error", "text")

	completionFor := func(provider, model string) (providers.CompletionService, error) {
		return completion, nil
	}
	rerankerFor := func(model string) (providers.RerankService, error) {
		return providers.NewEmbedReranker(fakeEmbedder{}), nil
	}

	registry := schema.NewRegistry()
	require.NoError(t, runners.RegisterAll(registry, runners.Deps{
		CompletionFor: completionFor,
		RerankerFor:   rerankerFor,
		Policy:        retrieval.DefaultPolicy,
		ContextBudget: 4000,
		Log:           log,
	}))

	eng := engine.New(registry, engine.NewEventBus(log), log)
	return New(eng, completionFor, retrieval.DefaultPolicy, log)
}

func testBot() BotConfig {
	return BotConfig{
		RetrieveMode:      ModeClassic,
		TopK:              3,
		ScoreThreshold:    0,
		UseAIMemory:       true,
		MemoryLimitCount:  10,
		MemoryLimitLength: 4000,
		ContextWindow:     4000,
		Completion: CompletionConfig{
			Provider:       "openai",
			Model:          "fake-chat",
			Temperature:    0.2,
			MaxTokens:      4096,
			PromptTemplate: DefaultPromptTemplate,
		},
		Embedding: EmbeddingConfig{Provider: "openai", Model: "fake-embed"},
	}
}

func chunkDocs() []store.Document {
	return []store.Document{
		{Text: "go is a compiled language", Score: 0.9, Metadata: map[string]interface{}{
			store.MetaSource: "go.md", store.MetaURL: "https://example.com/go",
		}},
		{Text: "goroutines are cheap", Score: 0.8, Metadata: map[string]interface{}{
			store.MetaSource: "conc.md", store.MetaURL: "https://example.com/conc",
		}},
	}
}

func testCollection(vectors store.VectorStore, graph store.GraphStore) *store.Collection {
	return &store.Collection{
		Name:           "docs",
		Embedding:      fakeEmbedder{},
		Vectors:        vectors,
		Graph:          graph,
		EnableGraph:    graph != nil,
		VectorDim:      3,
		EmbedModelName: "fake-embed",
	}
}

func testRequest(bot BotConfig, col *store.Collection, hist history.Handle) Request {
	return Request{
		Bot:        bot,
		Collection: col,
		History:    hist,
		User:       "alice",
		Query:      "what is go",
		MessageID:  "msg-1",
	}
}

func TestAnswerStreamsTokensThenSentinels(t *testing.T) {
	completion := &fakeCompletion{tokens: []string{"Go ", "is ", "compiled."}}
	p := testPipeline(t, completion)
	hist := history.NewMemoryHistory()

	var frames []string
	outcome, err := p.Answer(context.Background(),
		testRequest(testBot(), testCollection(&fakeVectors{docs: chunkDocs()}, nil), hist),
		func(s string) error {
			frames = append(frames, s)
			return nil
		})
	require.NoError(t, err)

	assert.Equal(t, "Go is compiled.", outcome.Response)
	require.Len(t, outcome.References, 2)
	assert.Equal(t, []string{"https://example.com/go", "https://example.com/conc"}, outcome.URLs)

	// Tokens strictly precede the sentinels, references before urls
	require.GreaterOrEqual(t, len(frames), 5)
	assert.Equal(t, []string{"Go ", "is ", "compiled."}, frames[:3])
	assert.True(t, strings.HasPrefix(frames[3], SentinelReferences+"|"), "got %q", frames[3])
	assert.True(t, strings.HasPrefix(frames[4], SentinelURLs+"|"), "got %q", frames[4])
}

func TestAnswerPersistsBothTurns(t *testing.T) {
	completion := &fakeCompletion{tokens: []string{"answer"}}
	p := testPipeline(t, completion)
	hist := history.NewMemoryHistory()

	_, err := p.Answer(context.Background(),
		testRequest(testBot(), testCollection(&fakeVectors{docs: chunkDocs()}, nil), hist),
		func(string) error { return nil })
	require.NoError(t, err)

	msgs, err := hist.Messages(context.Background())
	require.NoError(t, err)
	require.Len(t, msgs, 2)

	assert.Equal(t, history.RoleHuman, msgs[0].Role)
	assert.Equal(t, "what is go", msgs[0].Query)

	ai := msgs[1]
	assert.Equal(t, history.RoleAI, ai.Role)
	assert.Equal(t, "answer", ai.Response)
	require.NotNil(t, ai.Provenance)
	assert.Equal(t, "docs", ai.Provenance.Collection)
	assert.Equal(t, "fake-embed", ai.Provenance.EmbedModel)
	assert.Equal(t, 3, ai.Provenance.TopK)
}

func TestAnswerDegradesToOopsOnEmptyRetrieval(t *testing.T) {
	completion := &fakeCompletion{tokens: []string{"never used"}}
	p := testPipeline(t, completion)
	hist := history.NewMemoryHistory()

	bot := testBot()
	bot.Welcome.Oops = "I could not find anything about that."
	bot.Welcome.FAQ = []string{"q1", "q2", "q3", "q4"}

	var frames []string
	outcome, err := p.Answer(context.Background(),
		testRequest(bot, testCollection(&fakeVectors{}, nil), hist),
		func(s string) error {
			frames = append(frames, s)
			return nil
		})
	require.NoError(t, err)

	assert.True(t, outcome.Degraded)
	assert.Equal(t, bot.Welcome.Oops, outcome.Response)
	assert.Equal(t, []string{"q1", "q2", "q3"}, outcome.Related, "at most three FAQ entries")
	assert.Empty(t, completion.lastPrompt(), "completion must be skipped")

	require.Len(t, frames, 2)
	assert.Equal(t, bot.Welcome.Oops, frames[0])
	assert.True(t, strings.HasPrefix(frames[1], SentinelRelated+"|"))

	msgs, _ := hist.Messages(context.Background())
	assert.Len(t, msgs, 2, "degraded turns still persist")
}

func TestAnswerMixComposesLabeledContext(t *testing.T) {
	completion := &fakeCompletion{tokens: []string{"hybrid answer"}}
	p := testPipeline(t, completion)

	bot := testBot()
	bot.RetrieveMode = ModeMix
	bot.EnableKnowledgeGraph = true

	graph := &fakeGraph{context: "entity graph says go is from google"}
	col := testCollection(&fakeVectors{docs: chunkDocs()}, graph)

	outcome, err := p.Answer(context.Background(),
		testRequest(bot, col, history.NewMemoryHistory()),
		func(string) error { return nil })
	require.NoError(t, err)

	prompt := completion.lastPrompt()
	assert.Contains(t, prompt, labelKnowledgeGraph)
	assert.Contains(t, prompt, labelDocumentChunks)
	assert.Contains(t, prompt, graph.context)
	assert.Contains(t, prompt, "go is a compiled language")

	// References come from the chunk side only
	require.Len(t, outcome.References, 2)
	assert.Equal(t, "hybrid answer", outcome.Response)
}

func TestAnswerMixFallsBackToClassicWhenGraphEmpty(t *testing.T) {
	completion := &fakeCompletion{tokens: []string{"classic answer"}}
	p := testPipeline(t, completion)

	bot := testBot()
	bot.RetrieveMode = ModeMix
	bot.EnableKnowledgeGraph = true

	col := testCollection(&fakeVectors{docs: chunkDocs()}, &fakeGraph{context: ""})

	outcome, err := p.Answer(context.Background(),
		testRequest(bot, col, history.NewMemoryHistory()),
		func(string) error { return nil })
	require.NoError(t, err)

	assert.NotContains(t, completion.lastPrompt(), labelKnowledgeGraph)
	assert.Len(t, outcome.References, 2)
}

func TestAnswerMixFallsBackToGraphWhenClassicEmpty(t *testing.T) {
	completion := &fakeCompletion{tokens: []string{"graph answer"}}
	p := testPipeline(t, completion)

	bot := testBot()
	bot.RetrieveMode = ModeMix
	bot.EnableKnowledgeGraph = true

	col := testCollection(&fakeVectors{}, &fakeGraph{context: "graph only context"})

	_, err := p.Answer(context.Background(),
		testRequest(bot, col, history.NewMemoryHistory()),
		func(string) error { return nil })
	require.NoError(t, err)

	assert.Contains(t, completion.lastPrompt(), "graph only context")
	assert.NotContains(t, completion.lastPrompt(), labelDocumentChunks)
}

func TestAnswerCancellationSuppressesPersistence(t *testing.T) {
	completion := &fakeCompletion{tokens: []string{"tok1", "tok2", "tok3"}}
	p := testPipeline(t, completion)
	hist := history.NewMemoryHistory()

	ctx, cancel := context.WithCancel(context.Background())
	_, err := p.Answer(ctx,
		testRequest(testBot(), testCollection(&fakeVectors{docs: chunkDocs()}, nil), hist),
		func(string) error {
			cancel()
			return nil
		})
	require.Error(t, err)
	assert.True(t, errs.IsCancelled(err), "got %v", err)

	msgs, _ := hist.Messages(context.Background())
	assert.Empty(t, msgs, "partial answers are never persisted")
}

func TestLoadMemoryCaps(t *testing.T) {
	hist := history.NewMemoryHistory()
	ctx := context.Background()

	for _, m := range []history.Message{
		{Role: history.RoleHuman, Query: "first question"},
		{Role: history.RoleAI, Query: "first question", Response: "first answer"},
		{Role: history.RoleHuman, Query: "second question"},
		{Role: history.RoleAI, Query: "second question", Response: "second answer"},
		{Role: history.RoleHuman, Query: "third question"},
	} {
		require.NoError(t, hist.Append(ctx, m))
	}

	bot := testBot()
	bot.MemoryLimitCount = 3
	got := loadMemory(ctx, hist, bot)
	require.Len(t, got, 3)
	assert.Equal(t, "second question", got[0].Query, "newest selected, chronological order")
	assert.Equal(t, history.RoleAI, got[1].Role)
	assert.Equal(t, "third question", got[2].Query)

	bot.UseAIMemory = false
	bot.MemoryLimitCount = 10
	humans := loadMemory(ctx, hist, bot)
	for _, m := range humans {
		assert.Equal(t, history.RoleHuman, m.Role)
	}
	assert.Len(t, humans, 3)

	bot.UseAIMemory = true
	bot.MemoryLimitLength = len("third question") + 1
	tight := loadMemory(ctx, hist, bot)
	require.Len(t, tight, 1, "length cap keeps only the newest turn")
	assert.Equal(t, "third question", tight[0].Query)
}

func TestComposeQueryPrependsHumanTurns(t *testing.T) {
	memory := []history.Message{
		{Role: history.RoleHuman, Query: "earlier question"},
		{Role: history.RoleAI, Query: "earlier question", Response: "an answer"},
		{Role: history.RoleHuman, Query: "later question"},
	}

	got := composeQuery(memory, "current")
	assert.Equal(t, "earlier question\nlater question\ncurrent", got)
}

func TestParseQuestions(t *testing.T) {
	text := "1. What is a goroutine?\n\n- How do channels work?\n2) Why use context?\nExtra question beyond the cap"
	got := parseQuestions(text, 3)
	assert.Equal(t, []string{
		"What is a goroutine?",
		"How do channels work?",
		"Why use context?",
	}, got)
}

package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/quiverai/ragcore/common/errs"
	"github.com/quiverai/ragcore/common/logger"
	"github.com/quiverai/ragcore/flow"
	"github.com/quiverai/ragcore/flow/engine"
	"github.com/quiverai/ragcore/flow/schema"
	"github.com/quiverai/ragcore/history"
	"github.com/quiverai/ragcore/providers"
	"github.com/quiverai/ragcore/retrieval"
	"github.com/quiverai/ragcore/store"
)

// Sentinel names emitted as discrete frames after the token stream.
const (
	SentinelReferences = "DOC_QA_REFERENCES"
	SentinelURLs       = "DOCUMENT_URLS"
	SentinelRelated    = "RELATED_QUESTIONS"
)

// Section labels of the hybrid retrieval context.
const (
	labelKnowledgeGraph = "From Knowledge Graph (KG):"
	labelDocumentChunks = "From Document Chunks (DC):"
)

// Pipeline drives one user turn end to end. It owns degradation, mode
// fallback and history persistence; the engine owns node execution.
type Pipeline struct {
	engine        *engine.Engine
	completionFor func(provider, model string) (providers.CompletionService, error)
	policy        retrieval.Policy
	log           *logger.Logger
}

// New creates a pipeline over an engine. completionFor is reused for
// related-question generation.
func New(eng *engine.Engine, completionFor func(provider, model string) (providers.CompletionService, error), policy retrieval.Policy, log *logger.Logger) *Pipeline {
	if policy.KeywordOversample == 0 {
		policy = retrieval.DefaultPolicy
	}
	return &Pipeline{engine: eng, completionFor: completionFor, policy: policy, log: log}
}

// Request is one user turn.
type Request struct {
	Bot        BotConfig
	Collection *store.Collection
	History    history.Handle
	User       string
	Query      string
	MessageID  string
}

// Outcome summarizes a completed turn for the transport's stop frame.
type Outcome struct {
	Response    string
	References  []history.Reference
	URLs        []string
	Related     []string
	MemoryCount int
	Degraded    bool
}

// Answer runs the turn: load memory, retrieve by mode, stream the
// completion through emit (tokens first, then sentinel frames), persist
// the turn. emit receives token chunks and sentinel lines; returning an
// error from it aborts the turn.
func (p *Pipeline) Answer(ctx context.Context, req Request, emit func(string) error) (*Outcome, error) {
	log := p.log.WithUser(req.User)

	// 1. Conversation memory under the count and length caps
	memory := loadMemory(ctx, req.History, req.Bot)
	outcome := &Outcome{MemoryCount: len(memory)}

	// 2. Retrieval queries carry recent human turns for context
	queryWithHistory := composeQuery(memory, req.Query)

	// 3–4. Retrieve candidates by mode
	docs, contextOverride, err := p.retrieve(ctx, req, queryWithHistory)
	if err != nil {
		return nil, err
	}

	// Degradation: empty retrieval with an oops string skips completion
	if len(docs) == 0 && contextOverride == "" && req.Bot.Welcome.Oops != "" {
		return p.degrade(ctx, req, outcome, emit)
	}

	// 5. Stream the completion
	f := completionFlow(req.Bot, docs, contextOverride)
	f.SetGlobal(flow.GlobalQuery, req.Query)
	f.SetGlobal(flow.GlobalUser, req.User)
	f.SetGlobal(flow.GlobalMessageID, req.MessageID)

	result, err := p.engine.Execute(ctx, f, schema.SystemInput{
		User:       req.User,
		Query:      req.Query,
		MessageID:  req.MessageID,
		History:    req.History,
		Collection: req.Collection,
	})
	if err != nil {
		return nil, err
	}
	if result.Stream == nil {
		return nil, fmt.Errorf("completion flow produced no stream")
	}

	var answer strings.Builder
	for chunk := range result.Stream {
		if chunk.Err != nil {
			return nil, chunk.Err
		}
		switch chunk.Kind {
		case schema.ChunkToken:
			answer.WriteString(chunk.Token)
			if err := emit(chunk.Token); err != nil {
				return nil, err
			}
		case schema.ChunkReferences:
			outcome.References = chunk.References
		case schema.ChunkURLs:
			outcome.URLs = chunk.URLs
		}
	}
	if ctx.Err() != nil {
		// Cancelled mid-stream: no sentinels, no persistence
		return nil, errs.Wrap(errs.ErrCancelled, ctx.Err(), "turn cancelled during streaming")
	}
	outcome.Response = answer.String()

	if err := emitSentinel(emit, SentinelReferences, outcome.References); err != nil {
		return nil, err
	}
	if err := emitSentinel(emit, SentinelURLs, outcome.URLs); err != nil {
		return nil, err
	}

	// Follow-up suggestions, classic and mix only
	if req.Bot.SuggestionModel != "" && req.Bot.RetrieveMode != ModeGraph {
		outcome.Related = p.relatedQuestions(ctx, req.Bot, req.Query, outcome.Response)
		if len(outcome.Related) > 0 {
			if err := emitSentinel(emit, SentinelRelated, outcome.Related); err != nil {
				return nil, err
			}
		}
	}

	// 6. Persist the turn
	if err := p.persist(ctx, req, outcome); err != nil {
		log.Warn("failed to persist turn", "error", err)
	}

	return outcome, nil
}

// degrade answers with the bot's oops string and surfaces up to three
// welcome FAQ entries as related questions.
func (p *Pipeline) degrade(ctx context.Context, req Request, outcome *Outcome, emit func(string) error) (*Outcome, error) {
	outcome.Degraded = true
	outcome.Response = req.Bot.Welcome.Oops

	if err := emit(outcome.Response); err != nil {
		return nil, err
	}

	if faq := req.Bot.Welcome.FAQ; len(faq) > 0 {
		if len(faq) > 3 {
			faq = faq[:3]
		}
		outcome.Related = faq
		if err := emitSentinel(emit, SentinelRelated, faq); err != nil {
			return nil, err
		}
	}

	if err := p.persist(ctx, req, outcome); err != nil {
		p.log.Warn("failed to persist degraded turn", "user", req.User, "error", err)
	}
	return outcome, nil
}

// retrieve runs the retrieval flow for the bot's mode and returns the
// candidate set, plus a pre-rendered context for hybrid retrieval.
func (p *Pipeline) retrieve(ctx context.Context, req Request, query string) ([]store.Document, string, error) {
	switch req.Bot.RetrieveMode {
	case ModeClassic:
		f, terminal := classicRetrievalFlow(req.Bot, req.Collection, p.policy.RerankOversample)
		docs, err := p.runRetrieval(ctx, req, f, terminal, query)
		return docs, "", err

	case ModeGraph:
		f, terminal := graphRetrievalFlow(req.Bot, req.Collection)
		docs, err := p.runRetrieval(ctx, req, f, terminal, query)
		return docs, "", err

	case ModeMix:
		return p.retrieveMix(ctx, req, query)

	default:
		return nil, "", fmt.Errorf("unknown retrieve mode %q", req.Bot.RetrieveMode)
	}
}

// retrieveMix runs both sides and composes a labeled two-section
// context. Either side failing or coming back empty falls back to the
// other side alone.
func (p *Pipeline) retrieveMix(ctx context.Context, req Request, query string) ([]store.Document, string, error) {
	graphFlow, graphTerminal := graphRetrievalFlow(req.Bot, req.Collection)
	kgDocs, kgErr := p.runRetrieval(ctx, req, graphFlow, graphTerminal, query)
	if kgErr != nil && errs.IsCancelled(kgErr) {
		return nil, "", kgErr
	}

	classicFlow, classicTerminal := classicRetrievalFlow(req.Bot, req.Collection, p.policy.RerankOversample)
	dcDocs, dcErr := p.runRetrieval(ctx, req, classicFlow, classicTerminal, query)
	if dcErr != nil && errs.IsCancelled(dcErr) {
		return nil, "", dcErr
	}

	kgEmpty := kgErr != nil || len(kgDocs) == 0
	dcEmpty := dcErr != nil || len(dcDocs) == 0

	switch {
	case kgEmpty && dcEmpty:
		if dcErr != nil {
			return nil, "", dcErr
		}
		return nil, "", kgErr
	case kgEmpty:
		if kgErr != nil {
			p.log.Warn("knowledge graph side failed, falling back to classic", "user", req.User, "error", kgErr)
		}
		return dcDocs, "", nil
	case dcEmpty:
		if dcErr != nil {
			p.log.Warn("classic side failed, falling back to knowledge graph", "user", req.User, "error", dcErr)
		}
		return kgDocs, "", nil
	}

	// Both sides live: one context, two labeled sections. References
	// come from the chunk side; the KG block is synthesized text.
	kgText := kgDocs[0].Text
	budget := req.Bot.ContextWindow - len(kgText) - len(labelKnowledgeGraph) - len(labelDocumentChunks)
	if budget < req.Bot.ContextWindow/4 {
		budget = req.Bot.ContextWindow / 4
	}
	dcText, packed := retrieval.PackContext(dcDocs, budget)

	contextOverride := labelKnowledgeGraph + "\n" + kgText + "\n\n" + labelDocumentChunks + "\n" + dcText
	return packed, contextOverride, nil
}

// runRetrieval drives one retrieval flow through the engine and reads
// the terminal node's docs output.
func (p *Pipeline) runRetrieval(ctx context.Context, req Request, f *flow.Flow, terminal, query string) ([]store.Document, error) {
	f.SetGlobal(flow.GlobalQuery, query)
	f.SetGlobal(flow.GlobalUser, req.User)
	f.SetGlobal(flow.GlobalMessageID, req.MessageID)

	result, err := p.engine.Execute(ctx, f, schema.SystemInput{
		User:       req.User,
		Query:      query,
		MessageID:  req.MessageID,
		History:    req.History,
		Collection: req.Collection,
	})
	if err != nil {
		return nil, err
	}

	out, ok := result.Context.GetOutput(terminal, "docs")
	if !ok {
		return nil, nil
	}
	docs, _ := out.([]store.Document)
	return docs, nil
}

// relatedQuestions asks the suggestion model for follow-ups. Failures
// degrade to none; suggestions are never worth failing a turn over.
func (p *Pipeline) relatedQuestions(ctx context.Context, bot BotConfig, query, answer string) []string {
	svc, err := p.completionFor(bot.Completion.Provider, bot.SuggestionModel)
	if err != nil {
		p.log.Warn("suggestion model unavailable", "model", bot.SuggestionModel, "error", err)
		return nil
	}

	prompt := fmt.Sprintf(
		"Given this question and answer, suggest 3 short follow-up questions, one per line, no numbering.\n\nQuestion: %s\n\nAnswer: %s\n",
		query, answer)

	chunks, errc, err := svc.GenerateStream(ctx, providers.CompletionRequest{
		Model:       bot.SuggestionModel,
		Prompt:      prompt,
		Temperature: 0.7,
		MaxTokens:   256,
	})
	if err != nil {
		p.log.Warn("related question generation failed", "error", err)
		return nil
	}

	var text strings.Builder
	for chunk := range chunks {
		text.WriteString(chunk.Token)
	}
	if err := <-errc; err != nil {
		p.log.Warn("related question stream failed", "error", err)
		return nil
	}

	return parseQuestions(text.String(), 3)
}

// parseQuestions splits model output into up to max clean lines,
// stripping bullets and numbering the model adds anyway.
func parseQuestions(text string, max int) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		line = strings.TrimLeft(line, "-*0123456789. )")
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
		if len(out) == max {
			break
		}
	}
	return out
}

// persist appends the human turn then the AI turn. Cancellation
// suppresses persistence entirely: a partial answer is never recorded.
func (p *Pipeline) persist(ctx context.Context, req Request, outcome *Outcome) error {
	if ctx.Err() != nil {
		return nil
	}

	now := time.Now()
	if err := req.History.Append(ctx, history.Message{
		ID:        uuid.New().String(),
		Role:      history.RoleHuman,
		Query:     req.Query,
		Timestamp: now,
	}); err != nil {
		return fmt.Errorf("failed to persist human turn: %w", err)
	}

	aiID := req.MessageID
	if aiID == "" {
		aiID = uuid.New().String()
	}
	msg := history.Message{
		ID:         aiID,
		Role:       history.RoleAI,
		Query:      req.Query,
		Response:   outcome.Response,
		References: outcome.References,
		URLs:       outcome.URLs,
		Timestamp:  now,
		Provenance: &history.Provenance{
			Collection:     req.Collection.Name,
			EmbedModel:     req.Collection.EmbedModelName,
			VectorDim:      req.Collection.VectorDim,
			TopK:           req.Bot.TopK,
			ScoreThreshold: req.Bot.ScoreThreshold,
			ChatModel:      req.Bot.Completion.Model,
			PromptTemplate: req.Bot.Completion.PromptTemplate,
			ContextWindow:  req.Bot.ContextWindow,
		},
	}
	if err := req.History.Append(ctx, msg); err != nil {
		return fmt.Errorf("failed to persist ai turn: %w", err)
	}
	return nil
}

// loadMemory returns the recent turns under the bot's caps: newest
// first selection, oldest first order, total length bounded in
// characters. AI turns are dropped when use_ai_memory is off.
func loadMemory(ctx context.Context, h history.Handle, bot BotConfig) []history.Message {
	if h == nil || bot.MemoryLimitCount == 0 {
		return nil
	}

	msgs, err := h.Messages(ctx)
	if err != nil {
		return nil
	}

	var kept []history.Message
	length := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		msg := msgs[i]
		if !bot.UseAIMemory && msg.Role == history.RoleAI {
			continue
		}

		size := len(msg.Query) + len(msg.Response)
		if bot.MemoryLimitLength > 0 && length+size > bot.MemoryLimitLength {
			break
		}

		kept = append(kept, msg)
		length += size
		if bot.MemoryLimitCount > 0 && len(kept) == bot.MemoryLimitCount {
			break
		}
	}

	// Reverse back to chronological order
	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept
}

// composeQuery prepends recent human turns to the query so retrieval
// sees conversational context the bare question lacks.
func composeQuery(memory []history.Message, query string) string {
	var parts []string
	for _, msg := range memory {
		if msg.Role == history.RoleHuman && msg.Query != "" {
			parts = append(parts, msg.Query)
		}
	}
	parts = append(parts, query)
	return strings.Join(parts, "\n")
}

func emitSentinel(emit func(string) error, name string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", name, err)
	}
	return emit(name + "|" + string(raw))
}

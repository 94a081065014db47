// Package pipeline orchestrates one user turn: memory load, retrieval by
// mode, streaming completion, sentinel emission and history persistence.
package pipeline

import (
	"encoding/json"
	"fmt"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/quiverai/ragcore/common/config"
)

// Retrieval modes a bot can run in.
const (
	ModeClassic = "classic"
	ModeGraph   = "graph"
	ModeMix     = "mix"
)

// CompletionConfig selects and tunes the answer model.
type CompletionConfig struct {
	Provider       string  `json:"provider"`
	Model          string  `json:"model"`
	Temperature    float64 `json:"temperature"`
	MaxTokens      int     `json:"max_tokens"`
	PromptTemplate string  `json:"prompt_template"`
}

// EmbeddingConfig selects the query embedding model.
type EmbeddingConfig struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

// WelcomeConfig holds the bot's greeting surface and the degradation
// string used when retrieval comes back empty.
type WelcomeConfig struct {
	Hello string   `json:"hello,omitempty"`
	FAQ   []string `json:"faq,omitempty"`
	Oops  string   `json:"oops,omitempty"`
}

// BotConfig is the explicit per-bot configuration record. Stored bots
// carry a JSON merge-patch overlay applied onto the defaults at query
// time, so a bot only persists the fields it changes.
type BotConfig struct {
	RetrieveMode         string  `json:"retrieve_mode"`
	TopK                 int     `json:"topk"`
	ScoreThreshold       float64 `json:"score_threshold"`
	EnableKeywordRecall  bool    `json:"enable_keyword_recall"`
	EnableKnowledgeGraph bool    `json:"enable_knowledge_graph"`

	UseAIMemory       bool `json:"use_ai_memory"`
	MemoryLimitCount  int  `json:"memory_limit_count"`
	MemoryLimitLength int  `json:"memory_limit_length"`
	ContextWindow     int  `json:"context_window"`

	Completion CompletionConfig `json:"completion"`
	Embedding  EmbeddingConfig  `json:"embedding"`

	// RerankModel empty disables reranking; SuggestionModel empty
	// disables related-question generation.
	RerankModel     string `json:"rerank_model,omitempty"`
	SuggestionModel string `json:"suggestion_model,omitempty"`

	Welcome WelcomeConfig `json:"welcome,omitempty"`
}

// DefaultBotConfig derives the baseline bot from service configuration.
func DefaultBotConfig(cfg *config.Config) BotConfig {
	return BotConfig{
		RetrieveMode:        ModeClassic,
		TopK:                cfg.Retrieval.TopK,
		ScoreThreshold:      cfg.Retrieval.ScoreThreshold,
		EnableKeywordRecall: false,
		UseAIMemory:         true,
		MemoryLimitCount:    cfg.Memory.LimitCount,
		MemoryLimitLength:   cfg.Memory.LimitLength,
		ContextWindow:       cfg.Retrieval.ContextWindow,
		Completion: CompletionConfig{
			Provider:       "openai",
			Model:          cfg.Models.DefaultChatModel,
			Temperature:    0.7,
			MaxTokens:      1024,
			PromptTemplate: DefaultPromptTemplate,
		},
		Embedding: EmbeddingConfig{
			Provider: "openai",
			Model:    cfg.Models.DefaultEmbedModel,
		},
		RerankModel: cfg.Models.DefaultRerankModel,
	}
}

// DefaultPromptTemplate grounds the answer in the packed context.
const DefaultPromptTemplate = `Answer the question using only the context below. If the context does not contain the answer, say so.

Context:
{context}

Question: {query}
Answer:`

// WithOverlay applies a stored JSON merge-patch onto the bot and
// validates the result. A nil or empty patch returns the bot unchanged.
func (b BotConfig) WithOverlay(patch []byte) (BotConfig, error) {
	if len(patch) == 0 {
		return b, b.Validate()
	}

	base, err := json.Marshal(b)
	if err != nil {
		return BotConfig{}, fmt.Errorf("failed to marshal bot config: %w", err)
	}

	merged, err := jsonpatch.MergePatch(base, patch)
	if err != nil {
		return BotConfig{}, fmt.Errorf("failed to apply bot overlay: %w", err)
	}

	var out BotConfig
	if err := json.Unmarshal(merged, &out); err != nil {
		return BotConfig{}, fmt.Errorf("failed to decode merged bot config: %w", err)
	}
	return out, out.Validate()
}

// Validate checks mode and bounds.
func (b BotConfig) Validate() error {
	switch b.RetrieveMode {
	case ModeClassic, ModeGraph, ModeMix:
	default:
		return fmt.Errorf("unknown retrieve mode %q", b.RetrieveMode)
	}
	if b.TopK < 1 {
		return fmt.Errorf("topk must be >= 1, got %d", b.TopK)
	}
	if b.Completion.Model == "" {
		return fmt.Errorf("completion model is required")
	}
	if b.Completion.PromptTemplate == "" {
		return fmt.Errorf("prompt template is required")
	}
	return nil
}

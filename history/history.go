// Package history persists conversation turns. Messages are stored as
// JSON values; the role travels as a sideband attribute on each entry.
package history

import (
	"context"
	"time"
)

// Roles of a conversation message.
const (
	RoleHuman = "human"
	RoleAI    = "ai"
)

// Reference is one retrieval hit that shaped an answer.
type Reference struct {
	Content string  `json:"content,omitempty"`
	Source  string  `json:"source,omitempty"`
	URL     string  `json:"url,omitempty"`
	Score   float64 `json:"score"`
}

// Provenance captures the inputs that shaped an answer, for
// reproducibility.
type Provenance struct {
	Collection     string  `json:"collection,omitempty"`
	EmbedModel     string  `json:"embed_model,omitempty"`
	VectorDim      int     `json:"vector_dim,omitempty"`
	TopK           int     `json:"topk,omitempty"`
	ScoreThreshold float64 `json:"score_threshold,omitempty"`
	ChatModel      string  `json:"chat_model,omitempty"`
	PromptTemplate string  `json:"prompt_template,omitempty"`
	ContextWindow  int     `json:"context_window,omitempty"`
}

// Message is one conversation turn.
type Message struct {
	ID         string      `json:"id"`
	Role       string      `json:"role"`
	Query      string      `json:"query"`
	Response   string      `json:"response,omitempty"`
	References []Reference `json:"references,omitempty"`
	URLs       []string    `json:"urls,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	Provenance *Provenance `json:"provenance,omitempty"`
}

// Handle is the conversation-history capability threaded through system
// input. One handle is scoped to one conversation.
type Handle interface {
	Append(ctx context.Context, msg Message) error
	Messages(ctx context.Context) ([]Message, error)
}

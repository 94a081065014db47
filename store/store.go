// Package store defines the retrieval backends a collection is built on:
// a vector index, a full-text index and an optional knowledge graph.
// Concrete drivers live in subpackages; the engine only sees these
// interfaces through the Collection capability.
package store

import (
	"context"

	"github.com/quiverai/ragcore/providers"
)

// Document is the currency of retrieval: a scored chunk of text plus
// metadata (source, url, recall_type, indexer, ...).
type Document struct {
	Text     string                 `json:"text,omitempty"`
	Score    float64                `json:"score"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// Well-known metadata keys.
const (
	MetaSource     = "source"
	MetaURL        = "url"
	MetaRecallType = "recall_type"
	MetaIndexer    = "indexer"
)

// WithMeta returns a copy of the document with one metadata key set.
func (d Document) WithMeta(key string, value interface{}) Document {
	meta := make(map[string]interface{}, len(d.Metadata)+1)
	for k, v := range d.Metadata {
		meta[k] = v
	}
	meta[key] = value
	d.Metadata = meta
	return d
}

// Source returns the document's source name, if tagged.
func (d Document) Source() string {
	s, _ := d.Metadata[MetaSource].(string)
	return s
}

// URL returns the document's source URL, if tagged.
func (d Document) URL() string {
	u, _ := d.Metadata[MetaURL].(string)
	return u
}

// MetadataFilter restricts a vector search. The grammar is a disjunction:
// match any of the listed indexer values, or match documents where the
// indexer field is absent.
type MetadataFilter struct {
	IndexerAnyOf []string
	IndexerEmpty bool
}

// VectorStore is the nearest-neighbour index over embedded chunks.
type VectorStore interface {
	Search(ctx context.Context, collection string, vector []float32, topK int, scoreThreshold float64, filter *MetadataFilter) ([]Document, error)
	Add(ctx context.Context, collection string, docs []Document, vectors [][]float32) ([]string, error)
	Delete(ctx context.Context, collection string, filter *MetadataFilter) error
}

// FulltextHit is one inverted-index match.
type FulltextHit struct {
	Name    string
	Content string
	Score   float64
}

// FullTextIndex is the inverted index over chunk content.
type FullTextIndex interface {
	Exists(ctx context.Context, index string) (bool, error)
	Analyze(ctx context.Context, index, text, analyzer string) ([]string, error)
	// Search runs a best-fields boolean match over the given keywords.
	// minimumShouldMatch is a fraction in (0,1]; size caps the hits.
	Search(ctx context.Context, index string, keywords []string, minimumShouldMatch float64, size int) ([]FulltextHit, error)
	IndexDoc(ctx context.Context, index, id, name, content string) error
	DeleteDoc(ctx context.Context, index, id string) error
}

// GraphMode selects how the knowledge-graph backend answers a query.
type GraphMode string

const (
	GraphModeHybrid GraphMode = "hybrid"
	GraphModeLocal  GraphMode = "local"
	GraphModeGlobal GraphMode = "global"
	GraphModeGraph  GraphMode = "graph"
)

// GraphStore answers a query with a context block assembled from the
// knowledge graph.
type GraphStore interface {
	Query(ctx context.Context, text string, mode GraphMode, topK int) (string, error)
}

// Collection bundles the per-collection handles a retrieval runner needs.
// It is threaded through the engine as part of system input so runners
// never reach for global state.
type Collection struct {
	Name           string
	Embedding      providers.EmbeddingService
	Vectors        VectorStore
	Fulltext       FullTextIndex
	Graph          GraphStore // nil when the capability is disabled
	EnableGraph    bool
	VectorDim      int
	EmbedModelName string
}

// HasGraph reports whether knowledge-graph retrieval is available.
func (c *Collection) HasGraph() bool {
	return c != nil && c.EnableGraph && c.Graph != nil
}

// Readable reports whether the collection can serve searches at all.
func (c *Collection) Readable() bool {
	return c != nil && c.Name != "" && c.Vectors != nil && c.Embedding != nil
}

// Package memindex is an in-process full-text index used for development
// and tests. It implements the same analyzer / boolean-match surface the
// engine expects from a real inverted index.
package memindex

import (
	"context"
	"sort"
	"strings"
	"sync"
	"unicode"

	"github.com/quiverai/ragcore/store"
)

// stopWords are dropped during analysis.
var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "are": true, "as": true, "at": true,
	"be": true, "but": true, "by": true, "for": true, "if": true, "in": true,
	"into": true, "is": true, "it": true, "no": true, "not": true, "of": true,
	"on": true, "or": true, "such": true, "that": true, "the": true,
	"their": true, "then": true, "there": true, "these": true, "they": true,
	"this": true, "to": true, "was": true, "what": true, "will": true, "with": true,
}

type doc struct {
	name    string
	content string
	tokens  map[string]int
}

// Index is an in-memory inverted index keyed by index name.
type Index struct {
	mu      sync.RWMutex
	indices map[string]map[string]*doc // index -> doc id -> doc
}

// New creates an empty index.
func New() *Index {
	return &Index{indices: make(map[string]map[string]*doc)}
}

// Exists reports whether the named index holds any document.
func (x *Index) Exists(_ context.Context, index string) (bool, error) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	docs, ok := x.indices[index]
	return ok && len(docs) > 0, nil
}

// Analyze tokenizes text: lowercase, split on non-alphanumerics, drop
// stop words. The analyzer argument is accepted for interface parity.
func (x *Index) Analyze(_ context.Context, _ string, text, _ string) ([]string, error) {
	return analyze(text), nil
}

// Search runs a best-fields boolean match: a document qualifies when it
// contains at least minimumShouldMatch of the query keywords. Hits are
// scored by matched-keyword frequency and returned best first, capped at
// size.
func (x *Index) Search(_ context.Context, index string, keywords []string, minimumShouldMatch float64, size int) ([]store.FulltextHit, error) {
	if len(keywords) == 0 {
		return nil, nil
	}
	if minimumShouldMatch <= 0 || minimumShouldMatch > 1 {
		minimumShouldMatch = 1
	}
	needed := int(float64(len(keywords))*minimumShouldMatch + 0.5)
	if needed < 1 {
		needed = 1
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	var hits []store.FulltextHit
	for _, d := range x.indices[index] {
		matched := 0
		score := 0.0
		for _, kw := range keywords {
			if freq, ok := d.tokens[strings.ToLower(kw)]; ok {
				matched++
				score += float64(freq)
			}
		}
		if matched < needed {
			continue
		}
		hits = append(hits, store.FulltextHit{Name: d.name, Content: d.content, Score: score})
	}

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if size > 0 && len(hits) > size {
		hits = hits[:size]
	}
	return hits, nil
}

// IndexDoc adds or replaces a document.
func (x *Index) IndexDoc(_ context.Context, index, id, name, content string) error {
	tokens := make(map[string]int)
	for _, tok := range analyze(content) {
		tokens[tok]++
	}

	x.mu.Lock()
	defer x.mu.Unlock()
	if x.indices[index] == nil {
		x.indices[index] = make(map[string]*doc)
	}
	x.indices[index][id] = &doc{name: name, content: content, tokens: tokens}
	return nil
}

// DeleteDoc removes a document if present.
func (x *Index) DeleteDoc(_ context.Context, index, id string) error {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.indices[index], id)
	return nil
}

func analyze(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if stopWords[f] {
			continue
		}
		out = append(out, f)
	}
	return out
}

package retrieval

import (
	"strings"

	"github.com/quiverai/ragcore/store"
)

// contextDelimiter joins packed entries.
const contextDelimiter = "\n\n"

// PackContext packs candidate texts front-to-back into a context string
// of at most budget characters. Documents whose inclusion would overflow
// are skipped, not truncated. Each entry is prefixed with a source-URL
// attribution line when the document carries one.
func PackContext(docs []store.Document, budget int) (string, []store.Document) {
	var b strings.Builder
	var packed []store.Document

	for _, doc := range docs {
		if doc.Text == "" {
			continue
		}

		entry := doc.Text
		if url := doc.URL(); url != "" {
			entry = "Source: " + url + "\n" + entry
		}

		needed := len(entry)
		if b.Len() > 0 {
			needed += len(contextDelimiter)
		}
		if b.Len()+needed > budget {
			continue
		}

		if b.Len() > 0 {
			b.WriteString(contextDelimiter)
		}
		b.WriteString(entry)
		packed = append(packed, doc)
	}

	return b.String(), packed
}

// DedupTexts removes later occurrences of documents whose text equals one
// already emitted. Order is stable: the first occurrence is kept.
func DedupTexts(docs []store.Document) []store.Document {
	seen := make(map[string]bool, len(docs))
	out := make([]store.Document, 0, len(docs))
	for _, doc := range docs {
		if seen[doc.Text] {
			continue
		}
		seen[doc.Text] = true
		out = append(out, doc)
	}
	return out
}

// DedupURLs returns each source URL at most once, preserving
// first-occurrence order.
func DedupURLs(docs []store.Document) []string {
	seen := make(map[string]bool, len(docs))
	var urls []string
	for _, doc := range docs {
		url := doc.URL()
		if url == "" || seen[url] {
			continue
		}
		seen[url] = true
		urls = append(urls, url)
	}
	return urls
}

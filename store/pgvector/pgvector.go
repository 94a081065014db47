// Package pgvector implements the vector store on PostgreSQL with the
// pgvector extension. One table holds all collections; cosine distance
// drives similarity.
package pgvector

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	pgvec "github.com/pgvector/pgvector-go"

	"github.com/quiverai/ragcore/common/errs"
	"github.com/quiverai/ragcore/store"
)

// Store is a pgvector-backed vector store.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a store over an existing connection pool.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Connect opens a pool against the DSN and verifies connectivity.
func Connect(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to create pgvector pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errs.Wrap(errs.ErrServiceUnavailable, err, "vector store unreachable")
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Search returns the topK nearest neighbours of vector with cosine
// similarity at or above scoreThreshold.
func (s *Store) Search(ctx context.Context, collection string, vector []float32, topK int, scoreThreshold float64, filter *store.MetadataFilter) ([]store.Document, error) {
	query := `
		SELECT text, metadata, 1 - (embedding <=> $1) AS score
		FROM chunks
		WHERE collection = $2`
	args := []interface{}{pgvec.NewVector(vector), collection}

	if clause, clauseArgs := filterClause(filter, len(args)); clause != "" {
		query += " AND " + clause
		args = append(args, clauseArgs...)
	}

	query += fmt.Sprintf(" ORDER BY embedding <=> $1 LIMIT %d", topK)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.ErrServiceUnavailable, err, "vector search failed")
	}
	defer rows.Close()

	var docs []store.Document
	for rows.Next() {
		var text string
		var metaRaw []byte
		var score float64
		if err := rows.Scan(&text, &metaRaw, &score); err != nil {
			return nil, fmt.Errorf("failed to scan search row: %w", err)
		}
		if score < scoreThreshold {
			continue
		}

		var meta map[string]interface{}
		if len(metaRaw) > 0 {
			_ = json.Unmarshal(metaRaw, &meta)
		}
		docs = append(docs, store.Document{Text: text, Score: score, Metadata: meta})
	}
	return docs, rows.Err()
}

// Add inserts documents with their vectors and returns the new ids.
func (s *Store) Add(ctx context.Context, collection string, docs []store.Document, vectors [][]float32) ([]string, error) {
	if len(docs) != len(vectors) {
		return nil, errs.New(errs.ErrInvalidDocument, "%d documents but %d vectors", len(docs), len(vectors))
	}

	ids := make([]string, len(docs))
	for i, doc := range docs {
		id := uuid.New().String()
		metaRaw, err := json.Marshal(doc.Metadata)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal metadata: %w", err)
		}

		_, err = s.pool.Exec(ctx,
			`INSERT INTO chunks (id, collection, text, metadata, embedding) VALUES ($1, $2, $3, $4, $5)`,
			id, collection, doc.Text, metaRaw, pgvec.NewVector(vectors[i]))
		if err != nil {
			return nil, errs.Wrap(errs.ErrServiceUnavailable, err, "vector insert failed")
		}
		ids[i] = id
	}
	return ids, nil
}

// Delete removes documents matching the filter; a nil filter clears the
// collection.
func (s *Store) Delete(ctx context.Context, collection string, filter *store.MetadataFilter) error {
	query := `DELETE FROM chunks WHERE collection = $1`
	args := []interface{}{collection}

	if clause, clauseArgs := filterClause(filter, len(args)); clause != "" {
		query += " AND " + clause
		args = append(args, clauseArgs...)
	}

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return errs.Wrap(errs.ErrServiceUnavailable, err, "vector delete failed")
	}
	return nil
}

// filterClause renders the metadata filter grammar: a disjunction of
// indexer equality clauses plus an optional "indexer is empty" clause.
func filterClause(filter *store.MetadataFilter, argOffset int) (string, []interface{}) {
	if filter == nil {
		return "", nil
	}

	var should []string
	var args []interface{}
	for _, indexer := range filter.IndexerAnyOf {
		args = append(args, indexer)
		should = append(should, fmt.Sprintf("metadata->>'indexer' = $%d", argOffset+len(args)))
	}
	if filter.IndexerEmpty {
		should = append(should, "metadata->>'indexer' IS NULL")
	}

	if len(should) == 0 {
		return "", nil
	}
	return "(" + strings.Join(should, " OR ") + ")", args
}

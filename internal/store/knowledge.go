package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"
)

// IndexChunk stores one knowledge passage with its embedding. The tsvector
// column is generated by the database, so full-text indexing needs no work
// here.
func (s *Store) IndexChunk(ctx context.Context, c Chunk, embedding []float32) (uuid.UUID, error) {
	meta := c.Metadata
	if meta == nil {
		meta = map[string]string{}
	}
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO knowledge_chunks (knowledge_id, content, metadata, embedding)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		c.KnowledgeID, c.Content, meta, pgvector.NewVector(embedding),
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("store: index chunk: %w", err)
	}
	return id, nil
}

// KeywordSearch runs full-text search over a knowledge base, ranked by
// ts_rank descending.
func (s *Store) KeywordSearch(ctx context.Context, knowledgeID uuid.UUID, query string, limit int) ([]KeywordHit, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, knowledge_id, content, metadata,
		       ts_rank(content_tsv, plainto_tsquery('english', $2)) AS rank
		FROM knowledge_chunks
		WHERE knowledge_id = $1
		  AND content_tsv @@ plainto_tsquery('english', $2)
		ORDER BY rank DESC
		LIMIT $3`,
		knowledgeID, query, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: keyword search: %w", err)
	}

	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (KeywordHit, error) {
		var h KeywordHit
		err := row.Scan(&h.ID, &h.KnowledgeID, &h.Content, &h.Metadata, &h.Rank)
		return h, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: collect keyword hits: %w", err)
	}
	return hits, nil
}

// SemanticSearch runs a cosine nearest-neighbour search over a knowledge
// base. Similarity is 1 - distance, so results land in [0, 1] with higher
// meaning closer.
func (s *Store) SemanticSearch(ctx context.Context, knowledgeID uuid.UUID, embedding []float32, limit int) ([]SemanticHit, error) {
	vec := pgvector.NewVector(embedding)
	rows, err := s.pool.Query(ctx, `
		SELECT id, knowledge_id, content, metadata,
		       1 - (embedding <=> $2) AS similarity
		FROM knowledge_chunks
		WHERE knowledge_id = $1 AND embedding IS NOT NULL
		ORDER BY embedding <=> $2
		LIMIT $3`,
		knowledgeID, vec, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("store: semantic search: %w", err)
	}

	hits, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (SemanticHit, error) {
		var h SemanticHit
		err := row.Scan(&h.ID, &h.KnowledgeID, &h.Content, &h.Metadata, &h.Similarity)
		return h, err
	})
	if err != nil {
		return nil, fmt.Errorf("store: collect semantic hits: %w", err)
	}
	return hits, nil
}

package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/chillpanda/bamboo/pkg/store"
)

// IndexChunk implements [store.WisdomIndex]. It upserts a pre-embedded
// passage into the wisdom_chunks table. If a chunk with the same ID already
// exists it is completely replaced.
func (s *Store) IndexChunk(ctx context.Context, chunk store.WisdomChunk) error {
	const q = `
		INSERT INTO wisdom_chunks (id, content, source, embedding)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
		    content   = EXCLUDED.content,
		    source    = EXCLUDED.source,
		    embedding = EXCLUDED.embedding`

	vec := pgvector.NewVector(chunk.Embedding)
	if _, err := s.pool.Exec(ctx, q, chunk.ID, chunk.Content, chunk.Source, vec); err != nil {
		return fmt.Errorf("wisdom index: index chunk: %w", err)
	}
	return nil
}

// Search implements [store.WisdomIndex]. It finds the k chunks whose
// embeddings are closest (cosine distance) to the supplied query embedding.
//
// Results are ordered by ascending cosine distance (most similar first).
func (s *Store) Search(ctx context.Context, embedding []float32, k int) ([]store.WisdomResult, error) {
	const q = `
		SELECT id, content, source, embedding,
		       embedding <=> $1 AS distance
		FROM   wisdom_chunks
		ORDER  BY distance
		LIMIT  $2`

	rows, err := s.pool.Query(ctx, q, pgvector.NewVector(embedding), k)
	if err != nil {
		return nil, fmt.Errorf("wisdom index: search: %w", err)
	}

	results, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.WisdomResult, error) {
		var (
			wr  store.WisdomResult
			vec pgvector.Vector
		)
		if err := row.Scan(&wr.Chunk.ID, &wr.Chunk.Content, &wr.Chunk.Source, &vec, &wr.Distance); err != nil {
			return store.WisdomResult{}, err
		}
		wr.Chunk.Embedding = vec.Slice()
		return wr, nil
	})
	if err != nil {
		return nil, fmt.Errorf("wisdom index: scan rows: %w", err)
	}
	if results == nil {
		results = []store.WisdomResult{}
	}
	return results, nil
}

package index

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq"
	pgvector "github.com/pgvector/pgvector-go"

	"github.com/scrypster/semspace/pkg/types"
)

// PostgresIndex stores summaries in PostgreSQL. When the pgvector extension
// is available, search runs server-side on cosine distance; otherwise the
// embeddings are kept as BYTEA and ranked in Go, same as the sqlite backend.
type PostgresIndex struct {
	db                *sql.DB
	pgvectorAvailable bool
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS summaries (
	entity_id         TEXT PRIMARY KEY,
	summary_id        TEXT NOT NULL,
	text              TEXT NOT NULL,
	embedding         BYTEA NOT NULL,
	dimension         INTEGER NOT NULL,
	recency           TIMESTAMPTZ NOT NULL,
	workspace_version BIGINT NOT NULL
)
`

// NewPostgresIndex connects to the given DSN and prepares the schema. pgvector
// is optional: when the extension cannot be enabled the backend degrades to
// in-process ranking and logs a warning.
func NewPostgresIndex(dsn string) (*PostgresIndex, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to open connection: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: failed to connect: %w", err)
	}

	x := &PostgresIndex{db: db}

	if _, err := db.Exec(`CREATE EXTENSION IF NOT EXISTS vector`); err != nil {
		log.Printf("WARNING: pgvector extension not available, falling back to in-process ranking: %v", err)
	} else {
		x.pgvectorAvailable = true
	}

	if _, err := db.Exec(postgresSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres: failed to apply schema: %w", err)
	}
	if x.pgvectorAvailable {
		if _, err := db.Exec(`ALTER TABLE summaries ADD COLUMN IF NOT EXISTS embedding_vec vector`); err != nil {
			log.Printf("WARNING: failed to add pgvector column, falling back to in-process ranking: %v", err)
			x.pgvectorAvailable = false
		}
	}

	return x, nil
}

// Add inserts the summary for an entity that has none yet.
func (x *PostgresIndex) Add(ctx context.Context, summary types.EpisodicSummary) error {
	var n int
	err := x.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM summaries WHERE entity_id = $1`, summary.EntityID).Scan(&n)
	if err != nil {
		return fmt.Errorf("postgres: failed to check for existing summary: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("%w: %s", ErrExists, summary.EntityID)
	}
	return x.Upsert(ctx, summary)
}

// Upsert stores the summary under its entity ID, replacing any previous one.
func (x *PostgresIndex) Upsert(ctx context.Context, summary types.EpisodicSummary) error {
	if summary.EntityID == "" {
		return fmt.Errorf("postgres: entity ID is required")
	}
	if len(summary.Embedding) == 0 {
		return fmt.Errorf("postgres: embedding cannot be empty")
	}

	blob := serializeVector(summary.Embedding)

	if x.pgvectorAvailable {
		vec := pgvector.NewVector(summary.Embedding)
		const query = `
			INSERT INTO summaries (entity_id, summary_id, text, embedding, dimension, recency, workspace_version, embedding_vec)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (entity_id) DO UPDATE SET
				summary_id = EXCLUDED.summary_id,
				text = EXCLUDED.text,
				embedding = EXCLUDED.embedding,
				dimension = EXCLUDED.dimension,
				recency = EXCLUDED.recency,
				workspace_version = EXCLUDED.workspace_version,
				embedding_vec = EXCLUDED.embedding_vec
		`
		if _, err := x.db.ExecContext(ctx, query,
			summary.EntityID, summary.ID, summary.Text, blob, len(summary.Embedding),
			summary.Recency, summary.WorkspaceVersion, vec); err != nil {
			return fmt.Errorf("postgres: failed to store summary: %w", err)
		}
		return nil
	}

	const query = `
		INSERT INTO summaries (entity_id, summary_id, text, embedding, dimension, recency, workspace_version)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (entity_id) DO UPDATE SET
			summary_id = EXCLUDED.summary_id,
			text = EXCLUDED.text,
			embedding = EXCLUDED.embedding,
			dimension = EXCLUDED.dimension,
			recency = EXCLUDED.recency,
			workspace_version = EXCLUDED.workspace_version
	`
	if _, err := x.db.ExecContext(ctx, query,
		summary.EntityID, summary.ID, summary.Text, blob, len(summary.Embedding),
		summary.Recency, summary.WorkspaceVersion); err != nil {
		return fmt.Errorf("postgres: failed to store summary: %w", err)
	}
	return nil
}

// Search retrieves the k most similar summaries above minScore. With pgvector
// the candidates come back pre-ordered by cosine distance; the final ranking
// with tie-breaks still happens in Go.
func (x *PostgresIndex) Search(ctx context.Context, query []float32, k int, minScore float64) ([]SearchResult, error) {
	if k <= 0 {
		return []SearchResult{}, nil
	}

	if x.pgvectorAvailable {
		return x.searchPgvector(ctx, query, k, minScore)
	}
	return x.searchInProcess(ctx, query, k, minScore)
}

func (x *PostgresIndex) searchPgvector(ctx context.Context, query []float32, k int, minScore float64) ([]SearchResult, error) {
	vec := pgvector.NewVector(query)
	const querySQL = `
		SELECT entity_id, summary_id, text, embedding, dimension, recency, workspace_version,
			1 - (embedding_vec <=> $1::vector) AS similarity
		FROM summaries
		WHERE embedding_vec IS NOT NULL
		ORDER BY embedding_vec <=> $1::vector
		LIMIT $2
	`
	rows, err := x.db.QueryContext(ctx, querySQL, vec, k)
	if err != nil {
		return nil, fmt.Errorf("postgres: vector search failed: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var s types.EpisodicSummary
		var blob []byte
		var dim int
		var recency time.Time
		var score float64
		if err := rows.Scan(&s.EntityID, &s.ID, &s.Text, &blob, &dim, &recency, &s.WorkspaceVersion, &score); err != nil {
			continue
		}
		embedding, err := deserializeVector(blob, dim)
		if err != nil {
			continue
		}
		s.Embedding = embedding
		s.Recency = recency
		results = append(results, SearchResult{Summary: s, Score: score})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: error iterating summaries: %w", err)
	}

	return rank(results, k, minScore), nil
}

func (x *PostgresIndex) searchInProcess(ctx context.Context, query []float32, k int, minScore float64) ([]SearchResult, error) {
	rows, err := x.db.QueryContext(ctx, `
		SELECT entity_id, summary_id, text, embedding, dimension, recency, workspace_version
		FROM summaries`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to load summaries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		var s types.EpisodicSummary
		var blob []byte
		var dim int
		var recency time.Time
		if err := rows.Scan(&s.EntityID, &s.ID, &s.Text, &blob, &dim, &recency, &s.WorkspaceVersion); err != nil {
			continue
		}
		embedding, err := deserializeVector(blob, dim)
		if err != nil {
			continue
		}
		s.Embedding = embedding
		s.Recency = recency
		results = append(results, SearchResult{
			Summary: s,
			Score:   cosineSimilarity(query, embedding),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: error iterating summaries: %w", err)
	}

	return rank(results, k, minScore), nil
}

// Delete removes the summary for an entity. Absent entities are not an error.
func (x *PostgresIndex) Delete(ctx context.Context, entityID string) error {
	if _, err := x.db.ExecContext(ctx, `DELETE FROM summaries WHERE entity_id = $1`, entityID); err != nil {
		return fmt.Errorf("postgres: failed to delete summary: %w", err)
	}
	return nil
}

// Count returns the number of stored summaries.
func (x *PostgresIndex) Count(ctx context.Context) (int, error) {
	var n int
	if err := x.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM summaries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: failed to count summaries: %w", err)
	}
	return n, nil
}

// Close closes the connection pool.
func (x *PostgresIndex) Close() error {
	return x.db.Close()
}

var _ VectorIndex = (*PostgresIndex)(nil)

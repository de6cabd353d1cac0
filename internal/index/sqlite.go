package index

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/scrypster/semspace/pkg/types"
)

// SQLiteIndex stores summaries in a SQLite database under dataPath and ranks
// them by cosine similarity in Go. With one summary per entity the dataset
// stays small enough that a full scan per query is cheap.
type SQLiteIndex struct {
	db *sql.DB
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS summaries (
	entity_id         TEXT PRIMARY KEY,
	summary_id        TEXT NOT NULL,
	text              TEXT NOT NULL,
	embedding         BLOB NOT NULL,
	dimension         INTEGER NOT NULL,
	recency           TEXT NOT NULL,
	workspace_version INTEGER NOT NULL
);
`

// NewSQLiteIndex opens (or creates) the summary database at
// <dataPath>/index.db.
func NewSQLiteIndex(dataPath string) (*SQLiteIndex, error) {
	if err := os.MkdirAll(dataPath, 0o755); err != nil {
		return nil, fmt.Errorf("sqlite: failed to create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", filepath.Join(dataPath, "index.db"))
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to open database: %w", err)
	}
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: failed to apply schema: %w", err)
	}

	return &SQLiteIndex{db: db}, nil
}

// Add inserts the summary for an entity that has none yet.
func (x *SQLiteIndex) Add(ctx context.Context, summary types.EpisodicSummary) error {
	var n int
	err := x.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM summaries WHERE entity_id = ?`, summary.EntityID).Scan(&n)
	if err != nil {
		return fmt.Errorf("sqlite: failed to check for existing summary: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("%w: %s", ErrExists, summary.EntityID)
	}
	return x.Upsert(ctx, summary)
}

// Upsert stores the summary under its entity ID, replacing any previous one.
func (x *SQLiteIndex) Upsert(ctx context.Context, summary types.EpisodicSummary) error {
	if summary.EntityID == "" {
		return fmt.Errorf("sqlite: entity ID is required")
	}
	if len(summary.Embedding) == 0 {
		return fmt.Errorf("sqlite: embedding cannot be empty")
	}

	blob := serializeVector(summary.Embedding)
	const query = `
		INSERT INTO summaries (entity_id, summary_id, text, embedding, dimension, recency, workspace_version)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(entity_id) DO UPDATE SET
			summary_id = excluded.summary_id,
			text = excluded.text,
			embedding = excluded.embedding,
			dimension = excluded.dimension,
			recency = excluded.recency,
			workspace_version = excluded.workspace_version
	`
	_, err := x.db.ExecContext(ctx, query,
		summary.EntityID, summary.ID, summary.Text, blob, len(summary.Embedding),
		summary.Recency.Format(time.RFC3339Nano), summary.WorkspaceVersion)
	if err != nil {
		return fmt.Errorf("sqlite: failed to store summary: %w", err)
	}
	return nil
}

// Search loads all embeddings and ranks them by cosine similarity in Go.
func (x *SQLiteIndex) Search(ctx context.Context, query []float32, k int, minScore float64) ([]SearchResult, error) {
	if k <= 0 {
		return []SearchResult{}, nil
	}

	rows, err := x.db.QueryContext(ctx, `
		SELECT entity_id, summary_id, text, embedding, dimension, recency, workspace_version
		FROM summaries`)
	if err != nil {
		return nil, fmt.Errorf("sqlite: failed to load summaries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var results []SearchResult
	for rows.Next() {
		summary, err := scanSummary(rows)
		if err != nil {
			continue
		}
		results = append(results, SearchResult{
			Summary: summary,
			Score:   cosineSimilarity(query, summary.Embedding),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: error iterating summaries: %w", err)
	}

	return rank(results, k, minScore), nil
}

// Delete removes the summary for an entity. Absent entities are not an error.
func (x *SQLiteIndex) Delete(ctx context.Context, entityID string) error {
	if _, err := x.db.ExecContext(ctx, `DELETE FROM summaries WHERE entity_id = ?`, entityID); err != nil {
		return fmt.Errorf("sqlite: failed to delete summary: %w", err)
	}
	return nil
}

// Count returns the number of stored summaries.
func (x *SQLiteIndex) Count(ctx context.Context) (int, error) {
	var n int
	if err := x.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM summaries`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: failed to count summaries: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (x *SQLiteIndex) Close() error {
	return x.db.Close()
}

func scanSummary(rows *sql.Rows) (types.EpisodicSummary, error) {
	var s types.EpisodicSummary
	var blob []byte
	var dim int
	var recency string
	if err := rows.Scan(&s.EntityID, &s.ID, &s.Text, &blob, &dim, &recency, &s.WorkspaceVersion); err != nil {
		return types.EpisodicSummary{}, err
	}
	vec, err := deserializeVector(blob, dim)
	if err != nil {
		return types.EpisodicSummary{}, err
	}
	s.Embedding = vec
	t, err := time.Parse(time.RFC3339Nano, recency)
	if err != nil {
		return types.EpisodicSummary{}, err
	}
	s.Recency = t
	return s, nil
}

// serializeVector encodes a float32 slice as little-endian bytes, 4 bytes per
// component.
func serializeVector(vec []float32) []byte {
	buf := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(v))
	}
	return buf
}

// deserializeVector decodes the little-endian encoding produced by
// serializeVector. dimension validates the buffer size.
func deserializeVector(buf []byte, dimension int) ([]float32, error) {
	if dimension <= 0 {
		return nil, fmt.Errorf("invalid dimension: %d", dimension)
	}
	if len(buf) != dimension*4 {
		return nil, fmt.Errorf("buffer size mismatch: expected %d bytes, got %d", dimension*4, len(buf))
	}
	vec := make([]float32, dimension)
	for i := 0; i < dimension; i++ {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[i*4:]))
	}
	return vec, nil
}

var _ VectorIndex = (*SQLiteIndex)(nil)

// Package index implements the vector index over episodic summaries with
// three backends: chromem (embedded, default), sqlite and postgres.
package index

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/scrypster/semspace/internal/config"
	"github.com/scrypster/semspace/pkg/types"
)

// ErrNotFound indicates no summary exists for the given entity.
var ErrNotFound = errors.New("index: summary not found")

// ErrExists indicates Add was called for an entity that already has a
// summary. Use Upsert to replace it.
var ErrExists = errors.New("index: summary already exists for entity")

// SearchResult pairs a stored summary with its cosine similarity to the query.
type SearchResult struct {
	Summary types.EpisodicSummary
	Score   float64
}

// VectorIndex stores one episodic summary per entity and retrieves the most
// similar ones for a query embedding.
//
// Search returns results ordered by similarity descending; ties break by
// recency descending, then entity ID ascending. k == 0 returns an empty
// result without error, as does a minScore no stored summary reaches.
type VectorIndex interface {
	// Add inserts a summary for an entity that has none; it fails with
	// ErrExists otherwise. Upsert replaces unconditionally.
	Add(ctx context.Context, summary types.EpisodicSummary) error
	Upsert(ctx context.Context, summary types.EpisodicSummary) error
	Search(ctx context.Context, query []float32, k int, minScore float64) ([]SearchResult, error)
	Delete(ctx context.Context, entityID string) error
	Count(ctx context.Context) (int, error)
	Close() error
}

// New creates the vector index selected by cfg.IndexBackend. The chromem and
// sqlite backends persist under cfg.DataPath; postgres connects to
// cfg.PostgresDSN.
func New(cfg config.StorageConfig) (VectorIndex, error) {
	switch cfg.IndexBackend {
	case "", "chromem":
		return NewChromemIndex(cfg.DataPath)
	case "sqlite":
		return NewSQLiteIndex(cfg.DataPath)
	case "postgres":
		if cfg.PostgresDSN == "" {
			return nil, fmt.Errorf("index: postgres backend requires a DSN")
		}
		return NewPostgresIndex(cfg.PostgresDSN)
	default:
		return nil, fmt.Errorf("index: unknown backend %q", cfg.IndexBackend)
	}
}

// cosineSimilarity computes cosine similarity between two equal-length
// vectors. Returns 0 if either vector has zero magnitude or lengths differ.
func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// rank sorts results by score descending, recency descending, entity ID
// ascending, then applies the minScore and k cutoffs.
func rank(results []SearchResult, k int, minScore float64) []SearchResult {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if !results[i].Summary.Recency.Equal(results[j].Summary.Recency) {
			return results[i].Summary.Recency.After(results[j].Summary.Recency)
		}
		return results[i].Summary.EntityID < results[j].Summary.EntityID
	})

	out := make([]SearchResult, 0, len(results))
	for _, r := range results {
		if r.Score >= minScore {
			out = append(out, r)
		}
	}
	if len(out) > k {
		out = out[:k]
	}
	return out
}

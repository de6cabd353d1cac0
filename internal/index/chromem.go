package index

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/scrypster/semspace/pkg/types"
)

// ChromemIndex is the default embedded backend, built on chromem-go. The
// store persists under <dataPath>/index, next to the workspace snapshot.
type ChromemIndex struct {
	db  *chromem.DB
	col *chromem.Collection
}

// NewChromemIndex opens (or creates) the persistent chromem store under
// dataPath.
func NewChromemIndex(dataPath string) (*ChromemIndex, error) {
	db, err := chromem.NewPersistentDB(filepath.Join(dataPath, "index"), false)
	if err != nil {
		return nil, fmt.Errorf("chromem: failed to open persistent store: %w", err)
	}

	// Embeddings are always supplied by the caller, so no embedding func.
	col, err := db.GetOrCreateCollection("summaries", nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem: failed to open collection: %w", err)
	}

	return &ChromemIndex{db: db, col: col}, nil
}

// Add inserts the summary for an entity that has none yet.
func (x *ChromemIndex) Add(ctx context.Context, summary types.EpisodicSummary) error {
	if _, err := x.col.GetByID(ctx, summary.EntityID); err == nil {
		return fmt.Errorf("%w: %s", ErrExists, summary.EntityID)
	}
	return x.Upsert(ctx, summary)
}

// Upsert stores the summary under its entity ID, replacing any previous
// summary for the entity.
func (x *ChromemIndex) Upsert(ctx context.Context, summary types.EpisodicSummary) error {
	doc := chromem.Document{
		ID:        summary.EntityID,
		Content:   summary.Text,
		Embedding: summary.Embedding,
		Metadata: map[string]string{
			"summary_id":        summary.ID,
			"entity_id":         summary.EntityID,
			"recency":           summary.Recency.Format(time.RFC3339Nano),
			"workspace_version": strconv.FormatUint(summary.WorkspaceVersion, 10),
		},
	}
	if err := x.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("chromem: failed to add document: %w", err)
	}
	return nil
}

// Search retrieves the k most similar summaries above minScore.
func (x *ChromemIndex) Search(ctx context.Context, query []float32, k int, minScore float64) ([]SearchResult, error) {
	if k <= 0 {
		return []SearchResult{}, nil
	}

	// chromem requires nResults <= collection size.
	n := k
	if count := x.col.Count(); count < n {
		n = count
	}
	if n == 0 {
		return []SearchResult{}, nil
	}

	raw, err := x.col.QueryEmbedding(ctx, query, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("chromem: query failed: %w", err)
	}

	results := make([]SearchResult, 0, len(raw))
	for _, r := range raw {
		summary, err := summaryFromResult(r)
		if err != nil {
			continue
		}
		results = append(results, SearchResult{
			Summary: summary,
			Score:   float64(r.Similarity),
		})
	}
	return rank(results, k, minScore), nil
}

// Delete removes the summary for an entity. Deleting an absent entity is not
// an error.
func (x *ChromemIndex) Delete(ctx context.Context, entityID string) error {
	if err := x.col.Delete(ctx, nil, nil, entityID); err != nil {
		// chromem errors on deleting from an empty collection; treat absence
		// as success.
		if strings.Contains(err.Error(), "no documents") {
			return nil
		}
		return fmt.Errorf("chromem: delete failed: %w", err)
	}
	return nil
}

// Count returns the number of stored summaries.
func (x *ChromemIndex) Count(_ context.Context) (int, error) {
	return x.col.Count(), nil
}

// Close is a no-op; chromem persists on every write.
func (x *ChromemIndex) Close() error {
	return nil
}

func summaryFromResult(r chromem.Result) (types.EpisodicSummary, error) {
	recency, err := time.Parse(time.RFC3339Nano, r.Metadata["recency"])
	if err != nil {
		return types.EpisodicSummary{}, fmt.Errorf("chromem: bad recency metadata: %w", err)
	}
	version, err := strconv.ParseUint(r.Metadata["workspace_version"], 10, 64)
	if err != nil {
		return types.EpisodicSummary{}, fmt.Errorf("chromem: bad version metadata: %w", err)
	}
	return types.EpisodicSummary{
		ID:               r.Metadata["summary_id"],
		EntityID:         r.ID,
		Text:             r.Content,
		Embedding:        r.Embedding,
		Recency:          recency,
		WorkspaceVersion: version,
	}, nil
}

var _ VectorIndex = (*ChromemIndex)(nil)

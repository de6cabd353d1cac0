package engine

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/dgraph-io/ristretto"

	"github.com/scrypster/semspace/internal/config"
	"github.com/scrypster/semspace/internal/index"
	"github.com/scrypster/semspace/internal/llm"
	"github.com/scrypster/semspace/internal/store"
	"github.com/scrypster/semspace/pkg/types"
)

// noRelevantMemory is the context handed to the answer capability when
// retrieval comes back empty. An empty result is a valid state, not an
// error.
const noRelevantMemory = "no relevant memory found"

// charsPerToken is the context-budget estimate: roughly four characters per
// token for mixed Latin/CJK text.
const charsPerToken = 4

// QueryEngine answers natural-language questions over the indexed summaries
// and the current workspace.
type QueryEngine struct {
	gen     llm.TextGenerator
	embed   llm.EmbeddingGenerator
	idx     index.VectorIndex
	store   *store.WorkspaceStore
	retryer *llm.Retryer
	cfg     config.RetrievalConfig

	// embedCache memoizes query embeddings so repeated questions skip the
	// embedding call.
	embedCache *ristretto.Cache
}

// NewQueryEngine creates a query engine over the given collaborators.
func NewQueryEngine(gen llm.TextGenerator, embed llm.EmbeddingGenerator, idx index.VectorIndex, ws *store.WorkspaceStore, retryer *llm.Retryer, cfg config.RetrievalConfig) (*QueryEngine, error) {
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e5,
		MaxCost:     1 << 24, // 16MB of cached query embeddings
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}

	return &QueryEngine{
		gen:        gen,
		embed:      embed,
		idx:        idx,
		store:      ws,
		retryer:    retryer,
		cfg:        cfg,
		embedCache: cache,
	}, nil
}

// Query runs the retrieval pipeline: embed the query, search the index,
// assemble a bounded context and invoke the answer capability. Embedding and
// generation failures propagate; an empty retrieval does not.
func (q *QueryEngine) Query(ctx context.Context, userQuery string) (string, error) {
	embedding, err := q.queryEmbedding(ctx, userQuery)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	results, err := q.idx.Search(ctx, embedding, q.cfg.TopK, q.cfg.SimilarityThreshold)
	if err != nil {
		return "", fmt.Errorf("vector search failed: %w", err)
	}

	summaries, workspaceContext := q.assembleContext(results)

	var answer string
	genErr := q.retryer.Do(ctx, "answer", func(ctx context.Context) error {
		out, err := q.gen.Complete(ctx, llm.AnswerPrompt(userQuery, summaries, workspaceContext))
		if err != nil {
			return err
		}
		answer = out
		return nil
	})
	if genErr != nil {
		return "", fmt.Errorf("%w: %v", ErrGenerationFailed, genErr)
	}

	return normalizeWhitespace(answer), nil
}

func (q *QueryEngine) queryEmbedding(ctx context.Context, text string) ([]float32, error) {
	if cached, ok := q.embedCache.Get(text); ok {
		if vec, ok := cached.([]float32); ok {
			return vec, nil
		}
	}

	var embedding []float32
	err := q.retryer.Do(ctx, "embed query", func(ctx context.Context) error {
		vec, err := q.embed.Embed(ctx, text)
		if err != nil {
			return err
		}
		embedding = vec
		return nil
	})
	if err != nil {
		return nil, err
	}

	q.embedCache.Set(text, embedding, int64(len(embedding)*4))
	return embedding, nil
}

// assembleContext renders the retrieved summaries and the workspace entities
// they reference, trimmed to the token budget. Trimming drops the
// lowest-scoring summaries first; results arrive score-descending so the
// tail goes first.
func (q *QueryEngine) assembleContext(results []index.SearchResult) (summaries, workspaceContext string) {
	if len(results) == 0 {
		return noRelevantMemory, noRelevantMemory
	}

	ws := q.store.Current()

	budget := q.cfg.MaxContextTokens * charsPerToken
	kept := results
	for len(kept) > 1 && contextSize(kept, ws) > budget {
		kept = kept[:len(kept)-1]
	}
	if dropped := len(results) - len(kept); dropped > 0 {
		log.Printf("query context over budget, dropped %d lowest-scoring summaries", dropped)
	}

	var sb strings.Builder
	for _, r := range kept {
		sb.WriteString("- ")
		sb.WriteString(r.Summary.Text)
		sb.WriteString("\n")
	}

	var wb strings.Builder
	for _, r := range kept {
		entity, ok := ws.Entities[r.Summary.EntityID]
		if !ok {
			continue
		}
		wb.WriteString("- ")
		wb.WriteString(RenderEntity(entity))
		wb.WriteString("\n")
	}
	if wb.Len() == 0 {
		return strings.TrimRight(sb.String(), "\n"), noRelevantMemory
	}

	return strings.TrimRight(sb.String(), "\n"), strings.TrimRight(wb.String(), "\n")
}

func contextSize(results []index.SearchResult, ws *types.Workspace) int {
	total := 0
	for _, r := range results {
		total += len(r.Summary.Text)
		if entity, ok := ws.Entities[r.Summary.EntityID]; ok {
			total += len(RenderEntity(entity))
		}
	}
	return total
}

// normalizeWhitespace collapses runs of whitespace in the answer to single
// spaces, preserving nothing else of the formatting.
func normalizeWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

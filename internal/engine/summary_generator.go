package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/scrypster/semspace/internal/index"
	"github.com/scrypster/semspace/internal/llm"
	"github.com/scrypster/semspace/pkg/types"
)

// maxSummaryRunes bounds the stored summary text. Generated summaries are
// asked for three sentences; this is the hard cap when the model rambles.
const maxSummaryRunes = 600

// SummaryGenerator derives episodic summaries for changed entities and
// registers them in the vector index.
type SummaryGenerator struct {
	gen     llm.TextGenerator
	embed   llm.EmbeddingGenerator
	idx     index.VectorIndex
	retryer *llm.Retryer
}

// NewSummaryGenerator creates a generator writing into idx.
func NewSummaryGenerator(gen llm.TextGenerator, embed llm.EmbeddingGenerator, idx index.VectorIndex, retryer *llm.Retryer) *SummaryGenerator {
	return &SummaryGenerator{gen: gen, embed: embed, idx: idx, retryer: retryer}
}

// Update produces a fresh summary for each changed entity and upserts it,
// displacing the entity's previous summary. A failure on one entity is
// logged and skipped; the other entities still get their summaries. Entities
// no longer present in the workspace have their summaries deleted.
func (g *SummaryGenerator) Update(ctx context.Context, ws *types.Workspace, changedIDs []string) []types.EpisodicSummary {
	var updated []types.EpisodicSummary

	for _, id := range changedIDs {
		entity, ok := ws.Entities[id]
		if !ok {
			if err := g.idx.Delete(ctx, id); err != nil {
				log.Printf("WARNING: failed to drop summary for removed entity %s: %v", id, err)
			}
			continue
		}

		summary, err := g.generate(ctx, ws, entity)
		if err != nil {
			log.Printf("WARNING: skipping summary for entity %s: %v", id, err)
			continue
		}
		if err := g.idx.Upsert(ctx, summary); err != nil {
			log.Printf("WARNING: failed to index summary for entity %s: %v", id, err)
			continue
		}
		updated = append(updated, summary)
	}

	return updated
}

func (g *SummaryGenerator) generate(ctx context.Context, ws *types.Workspace, entity *types.WorkspaceEntity) (types.EpisodicSummary, error) {
	text, err := g.summarize(ctx, entity)
	if err != nil {
		// The summary text is best-effort; a deterministic rendering keeps
		// the entity retrievable when the generative capability is down.
		log.Printf("WARNING: summary generation for %s failed (%v), using deterministic rendering", entity.ID, err)
		text = RenderEntity(entity)
	}
	text = truncateRunes(text, maxSummaryRunes)

	var embedding []float32
	embedErr := g.retryer.Do(ctx, "embed summary", func(ctx context.Context) error {
		vec, err := g.embed.Embed(ctx, text)
		if err != nil {
			return err
		}
		embedding = vec
		return nil
	})
	if embedErr != nil {
		return types.EpisodicSummary{}, fmt.Errorf("%w: %v", ErrEmbeddingFailed, embedErr)
	}

	return types.EpisodicSummary{
		ID:               uuid.NewString(),
		EntityID:         entity.ID,
		Text:             text,
		Embedding:        embedding,
		Recency:          time.Now().UTC(),
		WorkspaceVersion: ws.Version,
	}, nil
}

func (g *SummaryGenerator) summarize(ctx context.Context, entity *types.WorkspaceEntity) (string, error) {
	entityJSON, err := json.MarshalIndent(entity, "", "  ")
	if err != nil {
		return "", err
	}

	var text string
	err = g.retryer.Do(ctx, "generate summary", func(ctx context.Context) error {
		out, err := g.gen.Complete(ctx, llm.SummaryPrompt(string(entityJSON)))
		if err != nil {
			return err
		}
		out = strings.TrimSpace(out)
		if out == "" {
			return fmt.Errorf("empty summary")
		}
		text = out
		return nil
	})
	return text, err
}

// RenderEntity produces a deterministic one-line description of an entity:
// name, role, current attributes and the latest transition.
func RenderEntity(entity *types.WorkspaceEntity) string {
	var b strings.Builder
	b.WriteString(entity.Name)
	if entity.Role != "" {
		b.WriteString(" (")
		b.WriteString(entity.Role)
		b.WriteString(")")
	}
	if len(entity.Attributes) > 0 {
		b.WriteString(": ")
		b.WriteString(renderAttributes(entity.Attributes))
	}
	if last := entity.LastChange(); last != nil && last.Timestamp != "" {
		b.WriteString(" [")
		b.WriteString(last.Timestamp)
		b.WriteString("]")
	}
	return b.String()
}

func renderAttributes(attrs map[string]string) string {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+attrs[k])
	}
	return strings.Join(parts, ", ")
}

func truncateRunes(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}

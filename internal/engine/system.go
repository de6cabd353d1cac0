// Package engine implements the ingestion and query pipelines over the
// workspace: extraction, reconciliation, summary maintenance and
// retrieval-backed answering.
package engine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/scrypster/semspace/internal/config"
	"github.com/scrypster/semspace/internal/index"
	"github.com/scrypster/semspace/internal/llm"
	"github.com/scrypster/semspace/internal/store"
)

// Event describes one completed reconciliation cycle, for observers such as
// the websocket feed.
type Event struct {
	Version         uint64    `json:"version"`
	ChangedEntities []string  `json:"changed_entities"`
	Fallback        bool      `json:"fallback,omitempty"`
	Persisted       bool      `json:"persisted"`
	Timestamp       time.Time `json:"timestamp"`
}

// IngestReport summarizes a successful ProcessText call.
type IngestReport struct {
	Version          uint64   `json:"version"`
	ChangedEntities  []string `json:"changed_entities"`
	SummariesUpdated int      `json:"summaries_updated"`
	Fallback         bool     `json:"fallback,omitempty"`

	// PersistWarning is non-nil when the snapshot write failed. The
	// reconciled workspace is still live in memory.
	PersistWarning error `json:"-"`
}

// System wires the full pipeline together. Ingestion runs under an exclusive
// lock; queries read committed snapshots and run concurrently.
type System struct {
	store      *store.WorkspaceStore
	idx        index.VectorIndex
	gen        llm.TextGenerator
	extractor  *Extractor
	reconciler *Reconciler
	summaries  *SummaryGenerator
	queries    *QueryEngine

	ingestMu sync.Mutex

	// OnEvent, when set, is called after each reconciliation cycle. It must
	// not block.
	OnEvent func(Event)
}

// New builds a System from configuration: store, index, LLM clients and the
// pipeline stages.
func New(cfg *config.Config) (*System, error) {
	ws, err := store.NewWorkspaceStore(cfg.SnapshotPath())
	if err != nil {
		return nil, fmt.Errorf("failed to open workspace store: %w", err)
	}

	idx, err := index.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector index: %w", err)
	}

	gen, err := llm.NewTextGenerator(cfg.LLM, cfg.Retrieval.Temperature)
	if err != nil {
		return nil, err
	}
	embed, err := llm.NewEmbeddingGenerator(cfg.LLM)
	if err != nil {
		return nil, err
	}

	retryer := llm.NewRetryer(1+cfg.Reconcile.RetryBudget, cfg.Reconcile.BackoffCap)
	return NewSystem(ws, idx, gen, embed, retryer, cfg)
}

// NewSystem builds a System from explicit collaborators. Tests use this to
// plug in mock capabilities.
func NewSystem(ws *store.WorkspaceStore, idx index.VectorIndex, gen llm.TextGenerator, embed llm.EmbeddingGenerator, retryer *llm.Retryer, cfg *config.Config) (*System, error) {
	queries, err := NewQueryEngine(gen, embed, idx, ws, retryer, cfg.Retrieval)
	if err != nil {
		return nil, err
	}

	return &System{
		store:      ws,
		idx:        idx,
		gen:        gen,
		extractor:  NewExtractor(gen, retryer),
		reconciler: NewReconciler(gen, retryer, cfg.Reconcile.RetryBudget, cfg.Reconcile.FallbackMerge),
		summaries:  NewSummaryGenerator(gen, embed, idx, retryer),
		queries:    queries,
	}, nil
}

// ProcessText runs one ingestion cycle: extract, reconcile, persist, update
// summaries. At most one cycle runs at a time. A persistence failure does
// not fail the cycle; it is reported in the returned IngestReport.
func (s *System) ProcessText(ctx context.Context, text string) (*IngestReport, error) {
	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()

	structure, err := s.extractor.Extract(ctx, text)
	if err != nil {
		return nil, err
	}

	result, err := s.reconciler.Reconcile(ctx, s.store.Current(), structure)
	if err != nil {
		return nil, err
	}

	var persistWarning error
	if err := s.store.Save(result.Workspace); err != nil {
		// Keep the accepted update queryable even though the snapshot write
		// failed.
		s.store.Commit(result.Workspace)
		persistWarning = fmt.Errorf("%w: %v", ErrPersistenceFailed, err)
		log.Printf("WARNING: %v", persistWarning)
	}

	updated := s.summaries.Update(ctx, result.Workspace, result.ChangedEntities)

	report := &IngestReport{
		Version:          result.Workspace.Version,
		ChangedEntities:  result.ChangedEntities,
		SummariesUpdated: len(updated),
		Fallback:         result.Fallback,
		PersistWarning:   persistWarning,
	}

	if s.OnEvent != nil {
		s.OnEvent(Event{
			Version:         report.Version,
			ChangedEntities: report.ChangedEntities,
			Fallback:        report.Fallback,
			Persisted:       persistWarning == nil,
			Timestamp:       time.Now().UTC(),
		})
	}

	return report, nil
}

// Query answers a natural-language question against the current memory.
// Queries run concurrently with each other and with ingestion.
func (s *System) Query(ctx context.Context, userQuery string) (string, error) {
	return s.queries.Query(ctx, userQuery)
}

// Health probes the generative capability when its provider exposes a
// reachability check (the Ollama client does). Providers without one are
// assumed reachable.
func (s *System) Health(ctx context.Context) error {
	if hc, ok := s.gen.(interface{ HealthCheck(context.Context) error }); ok {
		return hc.HealthCheck(ctx)
	}
	return nil
}

// Store exposes the workspace store for read-only access by the serve
// surface.
func (s *System) Store() *store.WorkspaceStore {
	return s.store
}

// Close releases the vector index.
func (s *System) Close() error {
	return s.idx.Close()
}

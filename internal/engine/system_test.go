package engine

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/scrypster/semspace/internal/config"
	"github.com/scrypster/semspace/internal/index"
	"github.com/scrypster/semspace/internal/llm"
	"github.com/scrypster/semspace/internal/store"
	"github.com/scrypster/semspace/pkg/types"
)

// routedGenerator dispatches on the prompt kind. Extraction responses are
// consumed in order; merge and per-entity summary prompts fail so the
// deterministic fallbacks run, keeping the end-to-end flow reproducible; the
// answer prompt is echoed back so assertions can see the assembled context.
type routedGenerator struct {
	extractions []string
	extractCall int
}

func (g *routedGenerator) Complete(_ context.Context, prompt string) (string, error) {
	switch {
	case strings.Contains(prompt, "semantic extraction expert"):
		if g.extractCall >= len(g.extractions) {
			return "", errors.New("no more extraction fixtures")
		}
		out := g.extractions[g.extractCall]
		g.extractCall++
		return out, nil
	case strings.Contains(prompt, "memory reconciliation expert"):
		return "", errors.New("merge capability offline")
	case strings.Contains(prompt, "Summarize what is currently known"):
		return "", errors.New("summary capability offline")
	default:
		// Answer prompt: echo it so the test can inspect the context.
		return prompt, nil
	}
}

func (g *routedGenerator) GetModel() string { return "routed" }

var _ llm.TextGenerator = (*routedGenerator)(nil)

// bagEmbedder produces a deterministic bag-of-runes embedding so texts
// sharing characters land near each other.
type bagEmbedder struct{}

func (bagEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, 64)
	for _, r := range text {
		vec[int(r)%64]++
	}
	return vec, nil
}

func (bagEmbedder) GetModel() string { return "bag-of-runes" }

var _ llm.EmbeddingGenerator = bagEmbedder{}

// faultyEmbedder fails for texts containing failOn, or for every text when
// failOn is empty. Other texts delegate to bagEmbedder.
type faultyEmbedder struct {
	failOn string
}

func (e faultyEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if e.failOn == "" || strings.Contains(text, e.failOn) {
		return nil, errors.New("embedding backend offline")
	}
	return bagEmbedder{}.Embed(ctx, text)
}

func (faultyEmbedder) GetModel() string { return "faulty" }

var _ llm.EmbeddingGenerator = faultyEmbedder{}

const extractionMeeting = `{
	"mentions": [
		{"name": "李四", "role": "參與者", "action": "討論專案", "location": "信義區", "time_start": "2023-01-15 15:00"},
		{"name": "王五", "role": "參與者", "action": "討論專案", "location": "信義區", "time_start": "2023-01-15 15:00"}
	],
	"relations": ["李四與王五在信義區會面"]
}`

const extractionMove = `{
	"mentions": [
		{"name": "李四", "action": "前往", "location": "台北101", "time_start": "2023-01-16 09:00"}
	]
}`

func newTestSystem(t *testing.T, extractions ...string) (*System, index.VectorIndex) {
	t.Helper()
	return newTestSystemWithEmbedder(t, bagEmbedder{}, extractions...)
}

func newTestSystemWithEmbedder(t *testing.T, embed llm.EmbeddingGenerator, extractions ...string) (*System, index.VectorIndex) {
	t.Helper()

	dir := t.TempDir()
	ws, err := store.NewWorkspaceStore(filepath.Join(dir, "workspace.json"))
	if err != nil {
		t.Fatalf("NewWorkspaceStore() error = %v", err)
	}
	idx, err := index.NewSQLiteIndex(dir)
	if err != nil {
		t.Fatalf("NewSQLiteIndex() error = %v", err)
	}
	t.Cleanup(func() { _ = idx.Close() })

	cfg := &config.Config{}
	cfg.Retrieval = config.RetrievalConfig{TopK: 5, SimilarityThreshold: 0.05, MaxContextTokens: 2048}
	cfg.Reconcile.FallbackMerge = true

	sys, err := NewSystem(ws, idx, &routedGenerator{extractions: extractions}, embed, fastRetryer(), cfg)
	if err != nil {
		t.Fatalf("NewSystem() error = %v", err)
	}
	return sys, idx
}

func TestEndToEndMeetingScenario(t *testing.T) {
	sys, _ := newTestSystem(t, extractionMeeting)
	ctx := context.Background()

	report, err := sys.ProcessText(ctx, "李四與王五於2023-01-15 15:00在台北市信義區會面討論專案")
	if err != nil {
		t.Fatalf("ProcessText() error = %v", err)
	}
	if report.Version != 1 {
		t.Errorf("version = %d, want 1", report.Version)
	}
	if report.PersistWarning != nil {
		t.Errorf("unexpected persist warning: %v", report.PersistWarning)
	}

	ws := sys.Store().Current()
	if len(ws.Entities) != 2 {
		t.Fatalf("got %d entities, want 2", len(ws.Entities))
	}
	for _, e := range ws.Entities {
		if e.Attributes["location"] != "信義區" {
			t.Errorf("entity %s location = %q, want 信義區", e.Name, e.Attributes["location"])
		}
		if e.Attributes["timestamp"] != "2023-01-15 15:00" {
			t.Errorf("entity %s timestamp = %q", e.Name, e.Attributes["timestamp"])
		}
	}

	answer, err := sys.Query(ctx, "李四和王五在哪裡見面？")
	if err != nil {
		t.Fatalf("Query() error = %v", err)
	}
	if !strings.Contains(answer, "信義區") {
		t.Errorf("answer does not mention 信義區: %s", answer)
	}
}

func TestEndToEndLocationUpdateScenario(t *testing.T) {
	sys, idx := newTestSystem(t, extractionMeeting, extractionMove)
	ctx := context.Background()

	if _, err := sys.ProcessText(ctx, "李四與王五在信義區會面"); err != nil {
		t.Fatalf("first ProcessText() error = %v", err)
	}
	report, err := sys.ProcessText(ctx, "隔天李四前往台北101")
	if err != nil {
		t.Fatalf("second ProcessText() error = %v", err)
	}
	if report.Version != 2 {
		t.Errorf("version = %d, want 2", report.Version)
	}

	ws := sys.Store().Current()
	liSi := findEntity(t, ws, "李四")
	if liSi.Attributes["location"] != "台北101" {
		t.Errorf("李四 location = %q, want 台北101", liSi.Attributes["location"])
	}

	// The prior summary for 李四 must no longer be retrievable: the summary
	// stored under the entity now carries the new location.
	query, _ := bagEmbedder{}.Embed(ctx, "李四在哪裡")
	results, err := idx.Search(ctx, query, 5, 0)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	for _, r := range results {
		if r.Summary.EntityID == liSi.ID && strings.Contains(r.Summary.Text, "信義區") {
			t.Errorf("superseded summary still retrievable: %q", r.Summary.Text)
		}
	}
}

func TestEndToEndEmptyWorkspaceQuery(t *testing.T) {
	sys, _ := newTestSystem(t)

	answer, err := sys.Query(context.Background(), "李四在哪裡？")
	if err != nil {
		t.Fatalf("Query() on empty workspace error = %v", err)
	}
	if !strings.Contains(answer, "no relevant memory found") {
		t.Errorf("empty-memory query did not carry the explicit no-match context: %s", answer)
	}
}

func TestPersistedSnapshotMatchesMemory(t *testing.T) {
	sys, _ := newTestSystem(t, extractionMeeting)
	ctx := context.Background()

	if _, err := sys.ProcessText(ctx, "李四與王五在信義區會面"); err != nil {
		t.Fatalf("ProcessText() error = %v", err)
	}

	reloaded, err := store.NewWorkspaceStore(sys.Store().Path())
	if err != nil {
		t.Fatalf("reload error = %v", err)
	}

	inMem := sys.Store().Current()
	onDisk := reloaded.Current()
	if onDisk.Version != inMem.Version {
		t.Errorf("reloaded version = %d, want %d", onDisk.Version, inMem.Version)
	}
	if len(onDisk.Entities) != len(inMem.Entities) {
		t.Errorf("reloaded entity count = %d, want %d", len(onDisk.Entities), len(inMem.Entities))
	}
	for id, e := range inMem.Entities {
		got, ok := onDisk.Entities[id]
		if !ok {
			t.Errorf("entity %s missing after reload", id)
			continue
		}
		if got.Attributes["location"] != e.Attributes["location"] {
			t.Errorf("entity %s location diverged after reload", id)
		}
	}
}

func TestQueryEmbeddingFailurePropagates(t *testing.T) {
	sys, _ := newTestSystemWithEmbedder(t, faultyEmbedder{})

	_, err := sys.Query(context.Background(), "李四在哪裡？")
	if !errors.Is(err, ErrEmbeddingFailed) {
		t.Fatalf("error = %v, want ErrEmbeddingFailed", err)
	}
}

func TestSummaryEmbeddingFailureSkipsEntityOnly(t *testing.T) {
	sys, idx := newTestSystemWithEmbedder(t, faultyEmbedder{failOn: "王五"}, extractionMeeting)
	ctx := context.Background()

	report, err := sys.ProcessText(ctx, "李四與王五在信義區會面")
	if err != nil {
		t.Fatalf("ProcessText() error = %v", err)
	}
	if report.Version != 1 {
		t.Errorf("version = %d, want 1", report.Version)
	}
	if report.SummariesUpdated != 1 {
		t.Errorf("summaries updated = %d, want 1", report.SummariesUpdated)
	}

	// Only one entity failed to embed; the workspace itself keeps both.
	if got := len(sys.Store().Current().Entities); got != 2 {
		t.Errorf("workspace entities = %d, want 2", got)
	}
	if n, err := idx.Count(ctx); err != nil || n != 1 {
		t.Fatalf("Count() = %d, %v, want 1", n, err)
	}

	liSi := findEntity(t, sys.Store().Current(), "李四")
	query, _ := bagEmbedder{}.Embed(ctx, "李四")
	results, err := idx.Search(ctx, query, 5, 0)
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 1 || results[0].Summary.EntityID != liSi.ID {
		t.Errorf("indexed summary = %+v, want only 李四", results)
	}
}

func TestExtractionFailureSurfaces(t *testing.T) {
	sys, _ := newTestSystem(t) // no extraction fixtures: extraction errors

	_, err := sys.ProcessText(context.Background(), "some text")
	if !errors.Is(err, ErrExtractionFailed) {
		t.Fatalf("error = %v, want ErrExtractionFailed", err)
	}
	if v := sys.Store().Version(); v != 0 {
		t.Errorf("failed ingestion advanced version to %d", v)
	}
}

func findEntity(t *testing.T, ws *types.Workspace, name string) *types.WorkspaceEntity {
	t.Helper()
	for _, e := range ws.Entities {
		if e.Name == name {
			return e
		}
	}
	t.Fatalf("entity %s not found", name)
	return nil
}

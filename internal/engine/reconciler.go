package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/scrypster/semspace/internal/llm"
	"github.com/scrypster/semspace/pkg/types"
)

// ReconcileState names the phases of one reconciliation cycle.
type ReconcileState int

const (
	StateIdle ReconcileState = iota
	StateMerging
	StateValidating
	StateCommitting
	StateFailed
)

func (s ReconcileState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateMerging:
		return "merging"
	case StateValidating:
		return "validating"
	case StateCommitting:
		return "committing"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ReconcileResult is the outcome of a successful reconciliation cycle.
type ReconcileResult struct {
	Workspace *types.Workspace

	// ChangedEntities lists the IDs touched by this cycle, sorted, for the
	// summary generator.
	ChangedEntities []string

	// Fallback is true when the deterministic merge produced the result
	// because the merge capability was unavailable.
	Fallback bool
}

// Reconciler merges a SemanticStructure into the workspace through the
// external merge capability, validating its output and retrying with the
// failure reason before giving up. The caller owns mutual exclusion; one
// Reconcile runs at a time.
type Reconciler struct {
	gen           llm.TextGenerator
	retryer       *llm.Retryer
	retryBudget   int
	fallbackMerge bool

	mu    sync.Mutex
	state ReconcileState
}

// State reports the current phase of the reconciler.
func (r *Reconciler) State() ReconcileState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

func (r *Reconciler) setState(s ReconcileState) {
	r.mu.Lock()
	r.state = s
	r.mu.Unlock()
}

// NewReconciler creates a Reconciler. retryBudget is the number of
// merge retries after the first attempt; fallbackMerge enables the
// deterministic last-timestamp-wins merge when the capability is unavailable.
func NewReconciler(gen llm.TextGenerator, retryer *llm.Retryer, retryBudget int, fallbackMerge bool) *Reconciler {
	if retryBudget < 0 {
		retryBudget = 0
	}
	return &Reconciler{
		gen:           gen,
		retryer:       retryer,
		retryBudget:   retryBudget,
		fallbackMerge: fallbackMerge,
	}
}

// Reconcile produces the next workspace version from prev and structure.
// prev is never mutated; on any error the caller keeps prev as the current
// state. An empty structure still advances the version, so re-applying
// already-merged information yields a new version with identical content.
func (r *Reconciler) Reconcile(ctx context.Context, prev *types.Workspace, structure *types.SemanticStructure) (*ReconcileResult, error) {
	base := prev.Clone().Sanitize()
	structure = structure.Sanitize()

	annotated := annotateStructure(base, structure)
	nextVersion := base.Version + 1

	prevJSON, err := json.MarshalIndent(base, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to serialize workspace: %v", ErrMergeValidationFailed, err)
	}
	structureJSON, err := json.MarshalIndent(annotated, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("%w: failed to serialize structure: %v", ErrMergeValidationFailed, err)
	}

	var (
		merged        *types.Workspace
		failureReason string
		capabilityErr error
	)

	for attempt := 0; attempt <= r.retryBudget; attempt++ {
		r.setState(StateMerging)
		prompt := llm.MergePrompt(string(prevJSON), string(structureJSON), nextVersion, failureReason)

		var response string
		capabilityErr = r.retryer.Do(ctx, "merge", func(ctx context.Context) error {
			out, err := r.gen.Complete(ctx, prompt)
			if err != nil {
				return err
			}
			response = out
			return nil
		})
		if capabilityErr != nil {
			// Provider-level failure, not a validation failure. Retrying the
			// state machine will not help; try the deterministic fallback.
			break
		}

		r.setState(StateValidating)
		candidate, err := llm.ParseWorkspace(response)
		if err != nil {
			failureReason = err.Error()
			log.Printf("WARNING: merge attempt %d rejected: %v", attempt+1, err)
			continue
		}

		if err := validateMerge(base, candidate, nextVersion); err != nil {
			failureReason = err.Error()
			log.Printf("WARNING: merge attempt %d rejected: %v", attempt+1, err)
			continue
		}

		merged = candidate
		break
	}

	if merged == nil {
		if capabilityErr != nil && r.fallbackMerge {
			log.Printf("WARNING: merge capability unavailable (%v), using deterministic fallback merge", capabilityErr)
			merged = fallbackMerge(base, annotated, nextVersion)
			r.setState(StateCommitting)
			result := finalizeMerge(base, merged, nextVersion)
			result.Fallback = true
			r.setState(StateIdle)
			return result, nil
		}
		r.setState(StateFailed)
		if capabilityErr != nil {
			return nil, fmt.Errorf("%w: merge capability unavailable: %v", ErrMergeValidationFailed, capabilityErr)
		}
		return nil, fmt.Errorf("%w: retry budget exhausted: %s", ErrMergeValidationFailed, failureReason)
	}

	r.setState(StateCommitting)
	result := finalizeMerge(base, merged, nextVersion)
	r.setState(StateIdle)
	return result, nil
}

// annotatedStructure is the SemanticStructure enriched with resolved entity
// IDs before it is handed to the merge capability.
type annotatedStructure struct {
	Mentions      []annotatedMention   `json:"mentions"`
	Relations     []string             `json:"relations,omitempty"`
	OpenQuestions []types.OpenQuestion `json:"open_questions,omitempty"`
}

type annotatedMention struct {
	types.EntityMention
	EntityID string `json:"entity_id"`
}

// annotateStructure resolves each mention to a stable entity ID: an existing
// entity with the same normalized name is reused, otherwise a new ID is
// derived from the mention's name and role.
func annotateStructure(ws *types.Workspace, structure *types.SemanticStructure) *annotatedStructure {
	out := &annotatedStructure{
		Relations:     structure.Relations,
		OpenQuestions: structure.OpenQuestions,
	}
	for _, m := range structure.Mentions {
		id := resolveEntityID(ws, m)
		out.Mentions = append(out.Mentions, annotatedMention{EntityMention: m, EntityID: id})
	}
	return out
}

func resolveEntityID(ws *types.Workspace, m types.EntityMention) string {
	direct := types.DeriveEntityID(m.Name, m.Role)
	if _, ok := ws.Entities[direct]; ok {
		return direct
	}
	// Same name in a different (or omitted) role still refers to the known
	// entity; identity follows the name once assigned.
	for id, e := range ws.Entities {
		if types.SameIdentity(e.Name, m.Name) {
			return id
		}
	}
	return direct
}

// validateMerge enforces the structural contract on merge output: the exact
// next version, well-formed entity IDs, and no silent loss of previously
// recorded attributes or history.
func validateMerge(prev, merged *types.Workspace, nextVersion uint64) error {
	merged.Sanitize()

	// An entity returned without an id is re-keyed under the id derived from
	// its name and role, the same derivation the mention annotation uses.
	if e, ok := merged.Entities[""]; ok {
		if e.Name == "" {
			return fmt.Errorf("entity with empty id has no name")
		}
		delete(merged.Entities, "")
		id := types.DeriveEntityID(e.Name, e.Role)
		e.ID = id
		if _, taken := merged.Entities[id]; !taken {
			merged.Entities[id] = e
		}
	}

	// A missing version is repaired; a wrong explicit one is rejected.
	if merged.Version == 0 {
		merged.Version = nextVersion
	}
	if merged.Version != nextVersion {
		return fmt.Errorf("version must be %d, got %d", nextVersion, merged.Version)
	}

	for id, e := range merged.Entities {
		if !types.IsWellFormedEntityID(id) {
			return fmt.Errorf("malformed entity ID %q", id)
		}
		if e.ID != id {
			return fmt.Errorf("entity keyed %q carries ID %q", id, e.ID)
		}
		if e.Name == "" {
			return fmt.Errorf("entity %s has no name", id)
		}
	}

	for id, prevEntity := range prev.Entities {
		mergedEntity, ok := merged.Entities[id]
		if !ok {
			return fmt.Errorf("entity %s disappeared from merge output", id)
		}
		for key := range prevEntity.Attributes {
			if _, ok := mergedEntity.Attributes[key]; !ok {
				return fmt.Errorf("entity %s lost attribute %q", id, key)
			}
		}
		if len(mergedEntity.History) < len(prevEntity.History) {
			return fmt.Errorf("entity %s history shrank from %d to %d entries", id, len(prevEntity.History), len(mergedEntity.History))
		}
	}

	return nil
}

// finalizeMerge stamps bookkeeping fields the capability is not trusted with
// and computes the changed-entity set.
func finalizeMerge(prev, merged *types.Workspace, nextVersion uint64) *ReconcileResult {
	now := time.Now().UTC()
	merged.SchemaVersion = types.WorkspaceSchemaVersion
	merged.CreatedAt = prev.CreatedAt
	if merged.CreatedAt.IsZero() {
		merged.CreatedAt = now
	}
	merged.UpdatedAt = now

	var changed []string
	for id, e := range merged.Entities {
		prevEntity, existed := prev.Entities[id]
		if !existed || !entitiesEqual(prevEntity, e) {
			e.UpdatedVersion = nextVersion
			changed = append(changed, id)
			continue
		}
		e.UpdatedVersion = prevEntity.UpdatedVersion
	}
	sort.Strings(changed)

	return &ReconcileResult{Workspace: merged, ChangedEntities: changed}
}

func entitiesEqual(a, b *types.WorkspaceEntity) bool {
	if a.Name != b.Name || a.Role != b.Role {
		return false
	}
	if len(a.Attributes) != len(b.Attributes) || len(a.History) != len(b.History) {
		return false
	}
	for k, v := range a.Attributes {
		if b.Attributes[k] != v {
			return false
		}
	}
	return true
}

// fallbackMerge is the deterministic merge used when the capability is
// unavailable: attributes from mentions overwrite current values only when
// the mention's timestamp is not older than the entity's last recorded
// change (last-timestamp-wins, lexical comparison), and every mention still
// appends to history.
func fallbackMerge(prev *types.Workspace, structure *annotatedStructure, nextVersion uint64) *types.Workspace {
	next := prev.Clone()
	next.Version = nextVersion

	for _, m := range structure.Mentions {
		entity, ok := next.Entities[m.EntityID]
		if !ok {
			entity = &types.WorkspaceEntity{
				ID:         m.EntityID,
				Name:       m.Name,
				Role:       m.Role,
				Attributes: make(map[string]string),
			}
			next.Entities[m.EntityID] = entity
		}
		if entity.Role == "" {
			entity.Role = m.Role
		}

		changes := mentionChanges(m.EntityMention)
		if len(changes) == 0 {
			continue
		}

		apply := true
		if last := entity.LastChange(); last != nil && m.TimeStart != "" && last.Timestamp != "" {
			apply = m.TimeStart >= last.Timestamp
		}
		if apply {
			for k, v := range changes {
				entity.Attributes[k] = v
			}
		}
		entity.History = append(entity.History, types.StateChange{
			Timestamp: m.TimeStart,
			Changes:   changes,
		})
	}

	for _, q := range structure.OpenQuestions {
		if q.Status == "" {
			q.Status = "open"
		}
		next.OpenQuestions = append(next.OpenQuestions, q)
	}

	return next
}

func mentionChanges(m types.EntityMention) map[string]string {
	changes := make(map[string]string)
	if m.State != "" {
		changes["state"] = m.State
	}
	if m.Action != "" {
		changes["action"] = m.Action
	}
	if m.Location != "" {
		changes["location"] = m.Location
	}
	if m.TimeStart != "" {
		changes["timestamp"] = m.TimeStart
	}
	if m.TimeEnd != "" {
		changes["time_end"] = m.TimeEnd
	}
	return changes
}

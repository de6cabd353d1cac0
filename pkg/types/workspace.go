// Package types defines the core data structures for the semspace semantic
// workspace: the versioned Workspace snapshot, tracked entities with their
// append-only state history, the SemanticStructure produced by extraction,
// and the EpisodicSummary retrieval unit.
package types

import "time"

// WorkspaceSchemaVersion is the schema tag written into every persisted
// snapshot. Loading a snapshot with a different schema version falls back to
// an empty Workspace rather than a partially-populated one.
const WorkspaceSchemaVersion = 1

// Workspace is the full memory snapshot M_n. There is exactly one live
// Workspace per process; it is mutated only by the Reconciler and read by the
// query engine and the summary generator.
type Workspace struct {
	// SchemaVersion tags the on-disk layout, not the content revision.
	SchemaVersion int `json:"schema_version"`

	// Version increases by exactly 1 on every successful reconciliation.
	Version uint64 `json:"version"`

	// Entities maps stable entity ID to its canonical record.
	Entities map[string]*WorkspaceEntity `json:"entities"`

	// OpenQuestions tracks forward-falling questions raised during
	// extraction until the merge capability marks them answered.
	OpenQuestions []OpenQuestion `json:"open_questions,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// WorkspaceEntity is the canonical record for one tracked entity.
//
// Attributes is the current, overwritable projection; History is the
// append-only log the projection is derived from. The two are kept separate
// so attribute overwrites never lose auditability.
type WorkspaceEntity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Role string `json:"role,omitempty"`

	// Attributes holds the current key→value view, e.g. "location"→"信義區".
	Attributes map[string]string `json:"attributes"`

	// History records every attribute delta in arrival order. Entries are
	// never rewritten or removed.
	History []StateChange `json:"history,omitempty"`

	// UpdatedVersion is the workspace version that last touched this entity.
	UpdatedVersion uint64 `json:"updated_version"`
}

// StateChange is one entry in an entity's append-only history.
// Timestamp carries the spatio-temporal context as extracted from the source
// text (free-form, e.g. "2023-01-15 15:00"); ISO-style values order lexically.
type StateChange struct {
	Timestamp string            `json:"timestamp,omitempty"`
	Changes   map[string]string `json:"changes"`
}

// OpenQuestion is a forward-falling question tracked across reconciliations.
type OpenQuestion struct {
	Question        string   `json:"question"`
	RelatedEntities []string `json:"related_entities,omitempty"`
	Status          string   `json:"status,omitempty"` // "open" or "answered"
	Answer          string   `json:"answer,omitempty"`
	AnsweredAt      string   `json:"answered_at,omitempty"`
}

// NewWorkspace returns an explicit empty Workspace at version 0.
func NewWorkspace() *Workspace {
	now := time.Now().UTC()
	return &Workspace{
		SchemaVersion: WorkspaceSchemaVersion,
		Version:       0,
		Entities:      make(map[string]*WorkspaceEntity),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Sanitize repairs a Workspace decoded from external input so downstream
// code never sees nil maps. It returns the receiver for chaining.
func (w *Workspace) Sanitize() *Workspace {
	if w.SchemaVersion == 0 {
		w.SchemaVersion = WorkspaceSchemaVersion
	}
	if w.Entities == nil {
		w.Entities = make(map[string]*WorkspaceEntity)
	}
	for id, e := range w.Entities {
		if e == nil {
			delete(w.Entities, id)
			continue
		}
		if e.ID == "" {
			e.ID = id
		}
		if e.Attributes == nil {
			e.Attributes = make(map[string]string)
		}
	}
	return w
}

// Clone returns a deep copy of the Workspace. The Reconciler merges into a
// clone so a failed cycle never mutates the prior snapshot.
func (w *Workspace) Clone() *Workspace {
	c := &Workspace{
		SchemaVersion: w.SchemaVersion,
		Version:       w.Version,
		Entities:      make(map[string]*WorkspaceEntity, len(w.Entities)),
		CreatedAt:     w.CreatedAt,
		UpdatedAt:     w.UpdatedAt,
	}
	if len(w.OpenQuestions) > 0 {
		c.OpenQuestions = make([]OpenQuestion, len(w.OpenQuestions))
		copy(c.OpenQuestions, w.OpenQuestions)
		for i, q := range c.OpenQuestions {
			if len(q.RelatedEntities) > 0 {
				c.OpenQuestions[i].RelatedEntities = append([]string(nil), q.RelatedEntities...)
			}
		}
	}
	for id, e := range w.Entities {
		c.Entities[id] = e.Clone()
	}
	return c
}

// Clone returns a deep copy of the entity.
func (e *WorkspaceEntity) Clone() *WorkspaceEntity {
	c := &WorkspaceEntity{
		ID:             e.ID,
		Name:           e.Name,
		Role:           e.Role,
		Attributes:     make(map[string]string, len(e.Attributes)),
		UpdatedVersion: e.UpdatedVersion,
	}
	for k, v := range e.Attributes {
		c.Attributes[k] = v
	}
	if len(e.History) > 0 {
		c.History = make([]StateChange, len(e.History))
		for i, h := range e.History {
			changes := make(map[string]string, len(h.Changes))
			for k, v := range h.Changes {
				changes[k] = v
			}
			c.History[i] = StateChange{Timestamp: h.Timestamp, Changes: changes}
		}
	}
	return c
}

// LastChange returns the most recent history entry, or nil when the entity
// has no recorded transitions.
func (e *WorkspaceEntity) LastChange() *StateChange {
	if len(e.History) == 0 {
		return nil
	}
	return &e.History[len(e.History)-1]
}

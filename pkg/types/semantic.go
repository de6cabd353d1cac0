package types

// SemanticStructure is the output of the extraction capability for one
// ingested text unit. It is immutable and consumed exactly once by the
// Reconciler.
type SemanticStructure struct {
	// Mentions lists entity observations in document order.
	Mentions []EntityMention `json:"mentions"`

	// Relations holds free-text relation statements between mentions.
	Relations []string `json:"relations,omitempty"`

	// OpenQuestions are forward-falling questions the extraction raised.
	OpenQuestions []OpenQuestion `json:"open_questions,omitempty"`
}

// EntityMention is one observed entity occurrence: who, in what role, doing
// what, where, and over which time range. All fields except Name are
// optional free text from the source.
type EntityMention struct {
	Name      string `json:"name"`
	Role      string `json:"role,omitempty"`
	State     string `json:"state,omitempty"`
	Action    string `json:"action,omitempty"`
	Location  string `json:"location,omitempty"`
	TimeStart string `json:"time_start,omitempty"`
	TimeEnd   string `json:"time_end,omitempty"`
}

// IsEmpty reports whether the structure carries no usable information.
func (s *SemanticStructure) IsEmpty() bool {
	return s == nil || (len(s.Mentions) == 0 && len(s.Relations) == 0 && len(s.OpenQuestions) == 0)
}

// Sanitize drops mentions without a name so downstream merging never has to
// deal with anonymous observations.
func (s *SemanticStructure) Sanitize() *SemanticStructure {
	if s == nil {
		return &SemanticStructure{}
	}
	kept := s.Mentions[:0]
	for _, m := range s.Mentions {
		if m.Name != "" {
			kept = append(kept, m)
		}
	}
	s.Mentions = kept
	return s
}

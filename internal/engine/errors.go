package engine

import "errors"

// Failure taxonomy for the ingestion and query paths. Callers branch on these
// with errors.Is; every error returned from the engine wraps exactly one of
// them.
var (
	// ErrExtractionFailed indicates the extraction capability returned
	// unusable output after the retry budget.
	ErrExtractionFailed = errors.New("extraction failed")

	// ErrMergeValidationFailed indicates merge output stayed malformed or
	// invalid after the retry budget. The workspace keeps its prior version.
	ErrMergeValidationFailed = errors.New("merge validation failed")

	// ErrPersistenceFailed indicates the snapshot write or its verification
	// failed. The in-memory workspace keeps the accepted update.
	ErrPersistenceFailed = errors.New("persistence failed")

	// ErrEmbeddingFailed indicates the embedding capability failed. During
	// summary generation it skips one entity; during a query it fails the
	// query.
	ErrEmbeddingFailed = errors.New("embedding failed")

	// ErrGenerationFailed indicates the answer-generation capability failed.
	ErrGenerationFailed = errors.New("generation failed")
)

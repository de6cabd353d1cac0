package engine

import (
	"context"
	"fmt"

	"github.com/scrypster/semspace/internal/llm"
	"github.com/scrypster/semspace/pkg/types"
)

// Extractor turns raw text into a SemanticStructure through the external
// extraction capability.
type Extractor struct {
	gen     llm.TextGenerator
	retryer *llm.Retryer
}

// NewExtractor creates an extractor over the given text generator.
func NewExtractor(gen llm.TextGenerator, retryer *llm.Retryer) *Extractor {
	return &Extractor{gen: gen, retryer: retryer}
}

// Extract runs the extraction prompt and parses the response. Transient
// provider errors and malformed responses both consume retry attempts.
func (e *Extractor) Extract(ctx context.Context, text string) (*types.SemanticStructure, error) {
	var structure *types.SemanticStructure

	err := e.retryer.Do(ctx, "extract", func(ctx context.Context) error {
		response, err := e.gen.Complete(ctx, llm.ExtractionPrompt(text))
		if err != nil {
			return err
		}
		parsed, err := llm.ParseSemanticStructure(response)
		if err != nil {
			return err
		}
		structure = parsed
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExtractionFailed, err)
	}
	return structure, nil
}

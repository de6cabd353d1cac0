package llm

import "context"

// TextGenerator is the interface for the external generative capability used
// by extraction, merging and answer generation. All prompts are single-string
// completion style (not chat).
type TextGenerator interface {
	Complete(ctx context.Context, prompt string) (string, error)
	GetModel() string
}

// EmbeddingGenerator is the interface for the external embedding capability.
// The core only stores and queries the resulting vectors.
type EmbeddingGenerator interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	GetModel() string
}

// Package provider defines the embedding and generation capabilities the
// pipeline depends on, plus their OpenAI-backed implementations. Concrete
// providers are selected by configuration at construction time.
package provider

import "context"

// Embedder converts text into fixed-length vectors. Dimensionality is
// constant for the lifetime of a provider instance and must match the
// index it feeds.
type Embedder interface {
	// EmbedOne encodes a single text and reports the tokens consumed.
	EmbedOne(ctx context.Context, text string) ([]float32, Usage, error)

	// EmbedMany encodes a batch of texts, preserving input order in the
	// output, and reports the tokens consumed across all batches.
	// Implementations batch upstream requests, so this is at least as
	// efficient as repeated EmbedOne calls.
	EmbedMany(ctx context.Context, texts []string) ([][]float32, Usage, error)

	// Dimension returns the vector length this provider produces.
	Dimension() int
}

// Usage reports token consumption for one provider call. Embedding
// calls fill PromptTokens only.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
}

// GenerationParams configures one generation call.
type GenerationParams struct {
	Temperature     float64 `yaml:"temperature"`
	MaxOutputTokens int64   `yaml:"max_output_tokens"`
}

// Generator produces an answer from an assembled context and a question.
type Generator interface {
	Generate(ctx context.Context, system, prompt string, params GenerationParams) (string, Usage, error)
}

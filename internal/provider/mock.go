package provider

import (
	"context"
	"fmt"
	"strings"
)

// MockEmbedder produces deterministic vectors derived from the input
// text. Useful for tests and offline runs where no API key is available.
type MockEmbedder struct {
	dimension int
}

var _ Embedder = (*MockEmbedder)(nil)

// NewMockEmbedder creates a deterministic embedder of the given dimension.
func NewMockEmbedder(dimension int) *MockEmbedder {
	return &MockEmbedder{dimension: dimension}
}

func (e *MockEmbedder) Dimension() int { return e.dimension }

func (e *MockEmbedder) EmbedOne(_ context.Context, text string) ([]float32, Usage, error) {
	return e.encode(text), Usage{PromptTokens: len(text) / 4}, nil
}

func (e *MockEmbedder) EmbedMany(_ context.Context, texts []string) ([][]float32, Usage, error) {
	vecs := make([][]float32, len(texts))
	var usage Usage
	for i, t := range texts {
		vecs[i] = e.encode(t)
		usage.PromptTokens += len(t) / 4
	}
	return vecs, usage, nil
}

func (e *MockEmbedder) encode(text string) []float32 {
	vec := make([]float32, e.dimension)
	for i, r := range text {
		vec[i%e.dimension] += float32(r) / 1000.0
	}
	return vec
}

// MockGenerator echoes a short answer derived from the prompt, with a
// token count estimated the same way the ledger estimates costs.
type MockGenerator struct{}

var _ Generator = (*MockGenerator)(nil)

func (MockGenerator) Generate(_ context.Context, _, prompt string, _ GenerationParams) (string, Usage, error) {
	answer := fmt.Sprintf("Based on the provided filings: %s", firstLine(prompt))
	return answer, Usage{
		PromptTokens:     len(prompt) / 4,
		CompletionTokens: len(answer) / 4,
	}, nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

package provider

import (
	"context"
	"fmt"
	"os"

	"github.com/openai/openai-go"
	"golang.org/x/time/rate"
)

const (
	// DefaultEmbeddingModel is the embedding backend used unless
	// configured otherwise.
	DefaultEmbeddingModel = "text-embedding-3-small"

	// DefaultBatchSize balances requests-per-minute against
	// tokens-per-minute limits on embedding calls.
	DefaultBatchSize = 100

	// DefaultRequestsPerSecond paces upstream calls so a large ingestion
	// batch does not burn straight into the provider's rate limit.
	DefaultRequestsPerSecond = 3
)

// embeddingDimensions maps known embedding models to their vector size.
var embeddingDimensions = map[string]int{
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// OpenAIConfig configures an OpenAI-backed provider.
type OpenAIConfig struct {
	EmbeddingModel     string
	EmbeddingDimension int // 0 = look up from the model name
	BatchSize          int
	GenerationModel    string
	RequestsPerSecond  float64
}

// OpenAI implements both Embedder and Generator against the OpenAI API,
// sharing one client between the two capabilities.
type OpenAI struct {
	client    *openai.Client
	cfg       OpenAIConfig
	dimension int
	limiter   *rate.Limiter
}

var (
	_ Embedder  = (*OpenAI)(nil)
	_ Generator = (*OpenAI)(nil)
)

// NewOpenAI creates an OpenAI provider. It requires OPENAI_API_KEY in the
// environment and fails at construction when the embedding dimension
// cannot be determined.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if os.Getenv("OPENAI_API_KEY") == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = DefaultEmbeddingModel
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = DefaultRequestsPerSecond
	}
	dimension := cfg.EmbeddingDimension
	if dimension == 0 {
		dimension = embeddingDimensions[cfg.EmbeddingModel]
	}
	if dimension <= 0 {
		return nil, fmt.Errorf("unknown embedding model %q: dimension must be configured", cfg.EmbeddingModel)
	}

	// The client reads OPENAI_API_KEY from the environment.
	client := openai.NewClient()
	return &OpenAI{
		client:    &client,
		cfg:       cfg,
		dimension: dimension,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1),
	}, nil
}

// Dimension returns the embedding vector length.
func (p *OpenAI) Dimension() int { return p.dimension }

// EmbedOne encodes a single text.
func (p *OpenAI) EmbedOne(ctx context.Context, text string) ([]float32, Usage, error) {
	vecs, usage, err := p.embedBatch(ctx, []string{text})
	if err != nil {
		return nil, Usage{}, err
	}
	return vecs[0], usage, nil
}

// EmbedMany encodes texts in batches, preserving input order.
func (p *OpenAI) EmbedMany(ctx context.Context, texts []string) ([][]float32, Usage, error) {
	all := make([][]float32, 0, len(texts))
	var total Usage
	for i := 0; i < len(texts); i += p.cfg.BatchSize {
		end := min(i+p.cfg.BatchSize, len(texts))
		vecs, usage, err := p.embedBatch(ctx, texts[i:end])
		if err != nil {
			return nil, Usage{}, fmt.Errorf("batch %d-%d: %w", i, end, err)
		}
		all = append(all, vecs...)
		total.PromptTokens += usage.PromptTokens
	}
	return all, total, nil
}

func (p *OpenAI) embedBatch(ctx context.Context, texts []string) ([][]float32, Usage, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, Usage{}, classify("embed", err)
	}

	resp, err := p.client.Embeddings.New(ctx, openai.EmbeddingNewParams{
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
		Model: openai.EmbeddingModel(p.cfg.EmbeddingModel),
	})
	if err != nil {
		return nil, Usage{}, classify("embed", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, Usage{}, fmt.Errorf("embed: got %d vectors for %d inputs: %w",
			len(resp.Data), len(texts), ErrProviderUnavailable)
	}

	// Place by index so output order matches input order regardless of
	// response ordering.
	vecs := make([][]float32, len(texts))
	for _, data := range resp.Data {
		vecs[data.Index] = toFloat32(data.Embedding)
	}
	return vecs, Usage{PromptTokens: int(resp.Usage.PromptTokens)}, nil
}

// Generate calls the chat completion endpoint with the assembled context
// and question.
func (p *OpenAI) Generate(ctx context.Context, system, prompt string, params GenerationParams) (string, Usage, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return "", Usage{}, classify("generate", err)
	}

	req := openai.ChatCompletionNewParams{
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(prompt),
		},
		Model:       openai.ChatModel(p.cfg.GenerationModel),
		Temperature: openai.Float(params.Temperature),
	}
	if params.MaxOutputTokens > 0 {
		req.MaxTokens = openai.Int(params.MaxOutputTokens)
	}

	resp, err := p.client.Chat.Completions.New(ctx, req)
	if err != nil {
		return "", Usage{}, classify("generate", err)
	}
	if len(resp.Choices) == 0 {
		return "", Usage{}, fmt.Errorf("generate: empty choices: %w", ErrProviderUnavailable)
	}

	usage := Usage{
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
	}
	return resp.Choices[0].Message.Content, usage, nil
}

// toFloat32 narrows the API's float64 vectors for storage.
func toFloat32(f64 []float64) []float32 {
	f32 := make([]float32, len(f64))
	for i, v := range f64 {
		f32[i] = float32(v)
	}
	return f32
}

// Package pipeline runs one question through embed, retrieve, assemble,
// and generate, with every provider call charged against the cost ledger
// before it is made.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/fvcp94/financial-rag-system/internal/index"
	"github.com/fvcp94/financial-rag-system/internal/ledger"
	"github.com/fvcp94/financial-rag-system/internal/provider"
)

// State names one phase of query processing. The traversed states are
// recorded on the result so a failed query shows how far it got.
type State string

const (
	StateIdle            State = "idle"
	StateEmbedding       State = "embedding"
	StateRetrieving      State = "retrieving"
	StateContextAssembly State = "context_assembly"
	StateGenerating      State = "generating"
	StateComplete        State = "complete"
	StateFailed          State = "failed"
)

// InsufficientContextAnswer is returned when retrieval produces nothing
// above the similarity threshold. The generator is not called in that
// case.
const InsufficientContextAnswer = "I couldn't find relevant information in the available documents to answer your question."

const systemPrompt = `You are a financial analyst assistant helping users understand earnings reports and financial documents.

Your task is to answer questions based ONLY on the provided context from financial documents.

Guidelines:
1. Provide accurate, concise answers based on the context
2. If the context doesn't contain enough information, say so
3. Include specific numbers, percentages, and metrics when available
4. Cite which document or quarter the information comes from
5. If comparing data, clearly state the time periods
6. Do not make assumptions or add information not in the context`

// Options are the per-pipeline tunables. They are fixed at construction;
// per-query variation happens through the filter argument.
type Options struct {
	TopK                int
	SimilarityThreshold float64
	MaxContextChars     int
	EmbeddingModel      string
	GenerationModel     string
	Generation          provider.GenerationParams
}

// Citation identifies one retrieved chunk that contributed to the answer.
type Citation struct {
	Document string  `json:"document"`
	Entity   string  `json:"entity"`
	Year     int     `json:"year"`
	Period   int     `json:"period,omitempty"`
	Score    float64 `json:"score"`
}

// CostBreakdown itemizes what a query cost.
type CostBreakdown struct {
	EmbedCost        float64 `json:"embed_cost"`
	GenerateCost     float64 `json:"generate_cost"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	Total            float64 `json:"total_cost"`
}

// Result is the outcome of one query, successful or not.
type Result struct {
	Question  string        `json:"question"`
	Answer    string        `json:"answer"`
	NoContext bool          `json:"no_context,omitempty"`
	Citations []Citation    `json:"citations"`
	Context   string        `json:"-"`
	Cost      CostBreakdown `json:"cost"`
	Latency   time.Duration `json:"latency"`
	States    []State       `json:"states"`
}

// FinalState is the last state the query reached.
func (r *Result) FinalState() State {
	if len(r.States) == 0 {
		return StateIdle
	}
	return r.States[len(r.States)-1]
}

// Pipeline answers questions over the indexed corpus.
type Pipeline struct {
	embedder  provider.Embedder
	generator provider.Generator
	index     *index.Index
	ledger    *ledger.Ledger
	opts      Options
	logger    *slog.Logger
}

// New assembles a pipeline from its collaborators. A nil logger uses
// slog.Default().
func New(embedder provider.Embedder, generator provider.Generator, idx *index.Index, led *ledger.Ledger, opts Options, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		embedder:  embedder,
		generator: generator,
		index:     idx,
		ledger:    led,
		opts:      opts,
		logger:    logger,
	}
}

// Query runs the full state machine for one question. The returned
// Result is non-nil even on error, carrying the states traversed and
// any cost already incurred. Budget rejections fail immediately;
// transient provider failures are retried before surfacing.
func (p *Pipeline) Query(ctx context.Context, question string, filter index.Filter) (*Result, error) {
	start := time.Now()
	res := &Result{
		Question: question,
		States:   []State{StateIdle},
	}
	fail := func(err error) (*Result, error) {
		res.States = append(res.States, StateFailed)
		res.Latency = time.Since(start)
		return res, err
	}

	span := p.ledger.BeginQuery()
	p.logger.Info("Query started", "question_chars", len(question))

	// Embed the question. The charge precedes the call: a rejected
	// charge means the call is never made.
	res.States = append(res.States, StateEmbedding)
	embedRec, err := span.Charge(ledger.Operation{
		Kind:         ledger.KindEmbed,
		Model:        p.opts.EmbeddingModel,
		PromptTokens: ledger.EstimateTokens(question),
	})
	if err != nil {
		return fail(fmt.Errorf("embed question: %w", err))
	}
	var (
		vector     []float32
		embedUsage provider.Usage
	)
	err = provider.Retry(ctx, func() error {
		var embedErr error
		vector, embedUsage, embedErr = p.embedder.EmbedOne(ctx, question)
		return embedErr
	})
	if err != nil {
		return fail(fmt.Errorf("embed question: %w", err))
	}
	span.Reconcile(embedRec, ledger.Operation{
		Kind:         ledger.KindEmbed,
		Model:        p.opts.EmbeddingModel,
		PromptTokens: embedUsage.PromptTokens,
	})
	res.Cost.EmbedCost = embedRec.Cost

	// Retrieve.
	res.States = append(res.States, StateRetrieving)
	hits, err := p.index.Query(vector, p.opts.TopK, p.opts.SimilarityThreshold, filter)
	if err != nil {
		return fail(fmt.Errorf("retrieve: %w", err))
	}
	if len(hits) == 0 {
		p.logger.Warn("No chunks above threshold", "threshold", p.opts.SimilarityThreshold)
		res.Answer = InsufficientContextAnswer
		res.NoContext = true
		res.Citations = []Citation{}
		res.Cost.Total = span.Spent()
		res.States = append(res.States, StateComplete)
		res.Latency = time.Since(start)
		return res, nil
	}

	// Assemble context, best-scoring chunks first.
	res.States = append(res.States, StateContextAssembly)
	contextText, included := p.assembleContext(hits)
	if included == 0 {
		// MaxContextChars too small for even one tagged chunk; an empty
		// context must never reach the generator.
		p.logger.Warn("No chunk fits the context budget", "max_context_chars", p.opts.MaxContextChars)
		res.Answer = InsufficientContextAnswer
		res.NoContext = true
		res.Citations = []Citation{}
		res.Cost.Total = span.Spent()
		res.States = append(res.States, StateComplete)
		res.Latency = time.Since(start)
		return res, nil
	}
	res.Context = contextText
	res.Citations = make([]Citation, 0, included)
	for _, h := range hits[:included] {
		res.Citations = append(res.Citations, Citation{
			Document: h.Entry.Doc,
			Entity:   h.Entry.Meta.Entity,
			Year:     h.Entry.Meta.Year,
			Period:   h.Entry.Meta.Period,
			Score:    h.Score,
		})
	}

	// Generate.
	res.States = append(res.States, StateGenerating)
	prompt := fmt.Sprintf("Context:\n%s\n\nQuestion: %s", contextText, question)
	completionEstimate := int(p.opts.Generation.MaxOutputTokens)
	if completionEstimate <= 0 {
		completionEstimate = 1000
	}
	genRec, err := span.Charge(ledger.Operation{
		Kind:             ledger.KindGenerate,
		Model:            p.opts.GenerationModel,
		PromptTokens:     ledger.EstimateTokens(systemPrompt) + ledger.EstimateTokens(prompt),
		CompletionTokens: completionEstimate,
	})
	if err != nil {
		return fail(fmt.Errorf("generate answer: %w", err))
	}
	var (
		answer string
		usage  provider.Usage
	)
	err = provider.Retry(ctx, func() error {
		var genErr error
		answer, usage, genErr = p.generator.Generate(ctx, systemPrompt, prompt, p.opts.Generation)
		return genErr
	})
	if err != nil {
		return fail(fmt.Errorf("generate answer: %w", err))
	}
	span.Reconcile(genRec, ledger.Operation{
		Kind:             ledger.KindGenerate,
		Model:            p.opts.GenerationModel,
		PromptTokens:     usage.PromptTokens,
		CompletionTokens: usage.CompletionTokens,
	})

	res.Answer = answer
	res.Cost.GenerateCost = genRec.Cost
	res.Cost.PromptTokens = usage.PromptTokens
	res.Cost.CompletionTokens = usage.CompletionTokens
	res.Cost.Total = span.Spent()
	res.States = append(res.States, StateComplete)
	res.Latency = time.Since(start)

	p.logger.Info("Query completed",
		"chunks", included,
		"latency", res.Latency,
		"cost", res.Cost.Total)
	return res, nil
}

// assembleContext renders hits into the prompt context, highest score
// first, each chunk tagged with its filing source. When the budget runs
// out the worst-ranked chunks are dropped, truncating at most one chunk
// to fill the remainder. Returns the context and how many hits made it in.
func (p *Pipeline) assembleContext(hits []index.ScoredEntry) (string, int) {
	var b strings.Builder
	included := 0
	for _, h := range hits {
		block := fmt.Sprintf("[Source: %s]\n%s", h.Entry.Meta.Label(), h.Entry.Text)
		if included > 0 {
			block = "\n\n" + block
		}
		remaining := p.opts.MaxContextChars - b.Len()
		if len(block) > remaining {
			// Keep a truncated tail chunk only if something useful fits
			// beyond the source tag.
			header := fmt.Sprintf("[Source: %s]\n", h.Entry.Meta.Label())
			if included > 0 {
				header = "\n\n" + header
			}
			if remaining > len(header) {
				b.WriteString(block[:remaining])
				included++
			}
			break
		}
		b.WriteString(block)
		included++
	}
	return b.String(), included
}

// IsBudgetError reports whether the query failed on a budget check
// rather than a provider or index fault.
func IsBudgetError(err error) bool {
	return errors.Is(err, ledger.ErrBudgetExceeded)
}

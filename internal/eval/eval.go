// Package eval scores the pipeline against a set of question cases:
// answer relevance, context precision, and faithfulness, with latency
// and cost aggregates.
package eval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/fvcp94/financial-rag-system/internal/index"
	"github.com/fvcp94/financial-rag-system/internal/ledger"
	"github.com/fvcp94/financial-rag-system/internal/pipeline"
	"github.com/fvcp94/financial-rag-system/internal/provider"
)

// Case is one evaluation question. Reference is the ideal answer when
// one is known; RelevantDocs names the documents a correct retrieval
// should draw from. Both are optional, with weaker fallback scoring.
type Case struct {
	ID           string   `yaml:"id"`
	Question     string   `yaml:"question"`
	Reference    string   `yaml:"reference,omitempty"`
	RelevantDocs []string `yaml:"relevant_docs,omitempty"`
	Entity       string   `yaml:"entity,omitempty"`
	Year         int      `yaml:"year,omitempty"`
	Period       *int     `yaml:"period,omitempty"`
}

func (c Case) filter() index.Filter {
	return index.Filter{Entity: c.Entity, Year: c.Year, Period: c.Period}
}

// Result is the scored outcome of one case. A failed query is recorded
// with zero metrics and the error kind, never dropped.
type Result struct {
	Case             Case          `json:"case"`
	Answer           string        `json:"answer"`
	NoContext        bool          `json:"no_context,omitempty"`
	AnswerRelevance  float64       `json:"answer_relevance"`
	ContextPrecision float64       `json:"context_precision"`
	Faithfulness     float64       `json:"faithfulness"`
	Latency          time.Duration `json:"latency"`
	Cost             float64       `json:"cost"`
	Error            string        `json:"error,omitempty"`
}

// Summary aggregates a full run.
type Summary struct {
	Cases                int           `json:"cases"`
	Failures             int           `json:"failures"`
	MeanAnswerRelevance  float64       `json:"mean_answer_relevance"`
	MeanContextPrecision float64       `json:"mean_context_precision"`
	MeanFaithfulness     float64       `json:"mean_faithfulness"`
	LatencyP50           time.Duration `json:"latency_p50"`
	LatencyP95           time.Duration `json:"latency_p95"`
	TotalCost            float64       `json:"total_cost"`
}

// Engine runs cases through a pipeline and scores the results.
type Engine struct {
	pipeline  *pipeline.Pipeline
	embedder  provider.Embedder
	threshold float64
	logger    *slog.Logger
}

// New builds an evaluation engine. The embedder scores answer relevance;
// threshold is the precision fallback cutoff for cases without a known
// relevant-document set. A nil logger uses slog.Default().
func New(p *pipeline.Pipeline, embedder provider.Embedder, threshold float64, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{pipeline: p, embedder: embedder, threshold: threshold, logger: logger}
}

// Run evaluates every case in order. Case failures are scored zero and
// carried in the results; only a cancelled context stops the run early.
func (e *Engine) Run(ctx context.Context, cases []Case) ([]Result, Summary, error) {
	results := make([]Result, 0, len(cases))
	for _, c := range cases {
		if err := ctx.Err(); err != nil {
			return results, summarize(results), err
		}
		results = append(results, e.evaluate(ctx, c))
	}
	return results, summarize(results), nil
}

func (e *Engine) evaluate(ctx context.Context, c Case) Result {
	e.logger.Info("Evaluating case", "id", c.ID, "question", c.Question)

	res, err := e.pipeline.Query(ctx, c.Question, c.filter())
	out := Result{Case: c}
	if res != nil {
		out.Latency = res.Latency
		out.Cost = res.Cost.Total
	}
	if err != nil {
		out.Error = errorKind(err)
		e.logger.Warn("Case failed", "id", c.ID, "kind", out.Error, "error", err)
		return out
	}

	out.Answer = res.Answer
	out.NoContext = res.NoContext
	if res.NoContext {
		return out
	}

	out.AnswerRelevance = e.answerRelevance(ctx, c, res.Answer)
	out.ContextPrecision = e.contextPrecision(c, res.Citations)
	out.Faithfulness = faithfulness(res.Answer, res.Context)
	return out
}

// answerRelevance is the cosine similarity between the answer embedding
// and the reference answer embedding, falling back to the question when
// no reference exists.
func (e *Engine) answerRelevance(ctx context.Context, c Case, answer string) float64 {
	target := c.Reference
	if target == "" {
		target = c.Question
	}
	vecs, _, err := e.embedder.EmbedMany(ctx, []string{answer, target})
	if err != nil {
		e.logger.Warn("Relevance embedding failed", "id", c.ID, "error", err)
		return 0
	}
	return index.Similarity(vecs[0], vecs[1])
}

// contextPrecision is the fraction of retrieved chunks drawn from the
// case's known-relevant documents. When the case names none, it falls
// back to the fraction scoring above the threshold.
func (e *Engine) contextPrecision(c Case, citations []pipeline.Citation) float64 {
	if len(citations) == 0 {
		return 0
	}
	if len(c.RelevantDocs) == 0 {
		above := 0
		for _, cit := range citations {
			if cit.Score > e.threshold {
				above++
			}
		}
		return float64(above) / float64(len(citations))
	}

	relevant := make(map[string]bool, len(c.RelevantDocs))
	for _, d := range c.RelevantDocs {
		relevant[d] = true
	}
	hits := 0
	for _, cit := range citations {
		if relevant[cit.Document] {
			hits++
		}
	}
	return float64(hits) / float64(len(citations))
}

// faithfulness is the fraction of answer trigrams found verbatim in the
// assembled context. Short answers with no trigrams score a neutral 0.5.
func faithfulness(answer, contextText string) float64 {
	words := strings.Fields(strings.ToLower(answer))
	if len(words) < 3 {
		return 0.5
	}
	haystack := strings.ToLower(contextText)
	matched := 0
	total := 0
	for i := 0; i+3 <= len(words); i++ {
		total++
		if strings.Contains(haystack, strings.Join(words[i:i+3], " ")) {
			matched++
		}
	}
	return float64(matched) / float64(total)
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ledger.ErrBudgetExceeded):
		return "budget"
	case errors.Is(err, provider.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, provider.ErrProviderUnavailable):
		return "provider"
	case errors.Is(err, index.ErrDimensionMismatch):
		return "dimension"
	default:
		return "internal"
	}
}

func summarize(results []Result) Summary {
	s := Summary{Cases: len(results)}
	if len(results) == 0 {
		return s
	}

	latencies := make([]time.Duration, 0, len(results))
	for _, r := range results {
		if r.Error != "" {
			s.Failures++
		}
		s.MeanAnswerRelevance += r.AnswerRelevance
		s.MeanContextPrecision += r.ContextPrecision
		s.MeanFaithfulness += r.Faithfulness
		s.TotalCost += r.Cost
		latencies = append(latencies, r.Latency)
	}
	n := float64(len(results))
	s.MeanAnswerRelevance /= n
	s.MeanContextPrecision /= n
	s.MeanFaithfulness /= n

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	s.LatencyP50 = percentile(latencies, 50)
	s.LatencyP95 = percentile(latencies, 95)
	return s
}

// percentile takes the nearest-rank percentile of sorted values.
func percentile(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := (len(sorted)*p + 99) / 100
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

// LoadCases reads an evaluation case set from a YAML file.
func LoadCases(path string) ([]Case, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read case set %s: %w", path, err)
	}
	var cases []Case
	if err := yaml.Unmarshal(data, &cases); err != nil {
		return nil, fmt.Errorf("parse case set %s: %w", path, err)
	}
	for i, c := range cases {
		if c.Question == "" {
			return nil, fmt.Errorf("case set %s: case %d has no question", path, i)
		}
	}
	return cases, nil
}

// BuiltinCases is the default financial evaluation set used when no
// case file is given.
func BuiltinCases() []Case {
	q3 := 3
	return []Case{
		{ID: "revenue-q3", Question: "What were the total revenues in Q3 2024?", Year: 2024, Period: &q3},
		{ID: "opex-yoy", Question: "How did operating expenses change year-over-year?", Year: 2024},
		{ID: "risk-factors", Question: "What are the key risk factors mentioned?"},
		{ID: "growth-drivers", Question: "What were the main growth drivers?"},
		{ID: "net-income", Question: "How did net income perform compared to previous quarter?", Year: 2024},
	}
}

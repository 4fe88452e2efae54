// Package main provides the finrag CLI for ingesting and querying
// financial disclosure documents.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/joho/godotenv"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/fvcp94/financial-rag-system/internal/chunker"
	"github.com/fvcp94/financial-rag-system/internal/config"
	"github.com/fvcp94/financial-rag-system/internal/eval"
	"github.com/fvcp94/financial-rag-system/internal/index"
	"github.com/fvcp94/financial-rag-system/internal/ingest"
	"github.com/fvcp94/financial-rag-system/internal/ledger"
	"github.com/fvcp94/financial-rag-system/internal/pipeline"
	"github.com/fvcp94/financial-rag-system/internal/provider"
)

var (
	configPath string
	useMock    bool

	queryEntity string
	queryYear   int
	queryPeriod int

	evalCases string
)

var rootCmd = &cobra.Command{
	Use:   "finrag",
	Short: "Financial disclosure retrieval and question answering",
	Long: `CLI for a retrieval-augmented query pipeline over financial
disclosure documents: earnings reports, quarterly and annual filings.

Documents are ingested from plain-text files whose names carry the
filing metadata (Acme_2024_Q3.txt, Acme_Annual_2023.txt).

Environment variables:
  OPENAI_API_KEY OpenAI API key for embeddings and generation (required
                 unless --mock is given)`,
}

var ingestCmd = &cobra.Command{
	Use:   "ingest <dir>",
	Short: "Chunk, embed, and index every document in a directory",
	Args:  cobra.ExactArgs(1),
	RunE:  runIngest,
}

var queryCmd = &cobra.Command{
	Use:   "query <question>",
	Short: "Answer a question from the indexed filings",
	Args:  cobra.ExactArgs(1),
	RunE:  runQuery,
}

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Score the pipeline against an evaluation case set",
	Long: `Runs every evaluation case through the pipeline and reports answer
relevance, context precision, faithfulness, latency percentiles, and
total cost. Uses the built-in financial case set unless --cases names a
YAML file.`,
	RunE: runEval,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show index contents",
	RunE:  runStats,
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Clear the index, for example after changing the embedding model",
	RunE:  runReset,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "finrag.yaml", "configuration file")
	rootCmd.PersistentFlags().BoolVar(&useMock, "mock", false, "use deterministic offline providers")

	queryCmd.Flags().StringVar(&queryEntity, "entity", "", "restrict retrieval to one entity")
	queryCmd.Flags().IntVar(&queryYear, "year", 0, "restrict retrieval to one fiscal year")
	queryCmd.Flags().IntVar(&queryPeriod, "period", -1, "restrict retrieval to one period (1-4, or 0 for annual)")

	evalCmd.Flags().StringVar(&evalCases, "cases", "", "YAML evaluation case set")

	rootCmd.AddCommand(ingestCmd, queryCmd, evalCmd, statsCmd, resetCmd)
}

func main() {
	// Load .env file if present (local development), ignore if missing
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// setup opens everything a command needs from shared configuration.
func setup() (*config.Config, *index.Index, *ledger.Ledger, provider.Embedder, provider.Generator, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, nil, nil, err
	}

	var (
		embedder  provider.Embedder
		generator provider.Generator
	)
	if useMock {
		embedder = provider.NewMockEmbedder(cfg.EmbeddingDimension)
		generator = provider.MockGenerator{}
	} else {
		client, err := provider.NewOpenAI(provider.OpenAIConfig{
			EmbeddingModel:     cfg.EmbeddingModel,
			EmbeddingDimension: cfg.EmbeddingDimension,
			BatchSize:          cfg.EmbeddingBatchSize,
			GenerationModel:    cfg.GenerationModel,
			RequestsPerSecond:  cfg.RequestsPerSecond,
		})
		if err != nil {
			return nil, nil, nil, nil, nil, err
		}
		embedder, generator = client, client
	}

	idx, err := index.Open(cfg.IndexPath, cfg.EmbeddingDimension)
	if err != nil {
		if errors.Is(err, index.ErrDimensionMismatch) {
			return nil, nil, nil, nil, nil, fmt.Errorf("%w\nRun 'finrag reset' to discard the index and ingest again", err)
		}
		return nil, nil, nil, nil, nil, err
	}

	led := ledger.New(nil, cfg.PerQueryCostMax, cfg.DailyCostMax)
	return cfg, idx, led, embedder, generator, nil
}

func newPipeline(cfg *config.Config, idx *index.Index, led *ledger.Ledger, embedder provider.Embedder, generator provider.Generator) *pipeline.Pipeline {
	return pipeline.New(embedder, generator, idx, led, pipeline.Options{
		TopK:                cfg.TopK,
		SimilarityThreshold: cfg.SimilarityThreshold,
		MaxContextChars:     cfg.MaxContextChars,
		EmbeddingModel:      cfg.EmbeddingModel,
		GenerationModel:     cfg.GenerationModel,
		Generation:          cfg.Generation,
	}, nil)
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, idx, led, embedder, _, err := setup()
	if err != nil {
		return err
	}
	defer idx.Close()

	ch, err := chunker.New(cfg.ChunkSize, cfg.ChunkOverlap)
	if err != nil {
		return err
	}

	fmt.Printf("Ingesting documents from %s...\n", args[0])
	p := ingest.NewPipeline(ch, embedder, idx, led, cfg.EmbeddingModel, nil)

	var bar *progressbar.ProgressBar
	p.OnProgress = func(done, total int) {
		if bar == nil {
			bar = progressbar.NewOptions(total,
				progressbar.OptionShowCount(),
				progressbar.OptionSetWidth(40),
				progressbar.OptionSetDescription("Ingesting"),
				progressbar.OptionOnCompletion(func() { fmt.Println() }),
			)
		}
		bar.Set(done)
	}

	result, err := p.IngestDir(ctx, args[0])
	if err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}

	fmt.Println()
	fmt.Println("Ingestion complete!")
	fmt.Printf("  Documents: %d/%d\n", result.SuccessfulDocs, result.TotalDocs)
	fmt.Printf("  Chunks: %d\n", result.TotalChunks)
	fmt.Printf("  Embedding cost: $%.6f\n", result.EmbedCost)
	fmt.Printf("  Duration: %s\n", result.Duration.Round(time.Millisecond))

	if len(result.FailedDocs) > 0 {
		fmt.Println()
		fmt.Println("Skipped documents:")
		for _, failed := range result.FailedDocs {
			fmt.Printf("  - %s: %s\n", failed.ID, failed.Reason)
		}
	}
	return nil
}

func runQuery(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, idx, led, embedder, generator, err := setup()
	if err != nil {
		return err
	}
	defer idx.Close()

	filter := index.Filter{Entity: queryEntity, Year: queryYear}
	if queryPeriod >= 0 {
		filter.Period = &queryPeriod
	}

	res, err := newPipeline(cfg, idx, led, embedder, generator).Query(ctx, args[0], filter)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}

	fmt.Println(res.Answer)
	if len(res.Citations) > 0 {
		fmt.Println()
		fmt.Println("Sources:")
		for _, c := range res.Citations {
			fmt.Printf("  - %s (score %.3f)\n", c.Document, c.Score)
		}
	}
	fmt.Println()
	fmt.Printf("Latency: %s  Cost: $%.6f  Tokens: %d\n",
		res.Latency.Round(time.Millisecond), res.Cost.Total,
		res.Cost.PromptTokens+res.Cost.CompletionTokens)
	return nil
}

func runEval(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, idx, led, embedder, generator, err := setup()
	if err != nil {
		return err
	}
	defer idx.Close()

	cases := eval.BuiltinCases()
	if evalCases != "" {
		cases, err = eval.LoadCases(evalCases)
		if err != nil {
			return err
		}
	}

	fmt.Printf("Evaluating %d cases...\n", len(cases))
	engine := eval.New(newPipeline(cfg, idx, led, embedder, generator), embedder, cfg.SimilarityThreshold, nil)
	results, summary, err := engine.Run(ctx, cases)
	if err != nil {
		return fmt.Errorf("evaluation aborted: %w", err)
	}

	fmt.Println()
	for _, r := range results {
		status := "ok"
		if r.Error != "" {
			status = r.Error
		} else if r.NoContext {
			status = "no context"
		}
		fmt.Printf("  %-20s relevance=%.3f precision=%.3f faithfulness=%.3f [%s]\n",
			r.Case.ID, r.AnswerRelevance, r.ContextPrecision, r.Faithfulness, status)
	}

	fmt.Println()
	fmt.Println("Summary:")
	fmt.Printf("  Cases: %d (%d failed)\n", summary.Cases, summary.Failures)
	fmt.Printf("  Answer relevance: %.3f\n", summary.MeanAnswerRelevance)
	fmt.Printf("  Context precision: %.3f\n", summary.MeanContextPrecision)
	fmt.Printf("  Faithfulness: %.3f\n", summary.MeanFaithfulness)
	fmt.Printf("  Latency p50/p95: %s / %s\n",
		summary.LatencyP50.Round(time.Millisecond), summary.LatencyP95.Round(time.Millisecond))
	fmt.Printf("  Total cost: $%.6f\n", summary.TotalCost)
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	idx, err := index.Open(cfg.IndexPath, cfg.EmbeddingDimension)
	if err != nil {
		return err
	}
	defer idx.Close()

	stats := idx.Stats()
	fmt.Println("Index:")
	fmt.Printf("  Entries: %d\n", stats.Entries)
	fmt.Printf("  Dimension: %d\n", stats.Dimension)
	if len(stats.ByEntity) > 0 {
		entities := make([]string, 0, len(stats.ByEntity))
		for e := range stats.ByEntity {
			entities = append(entities, e)
		}
		sort.Strings(entities)
		fmt.Println("  By entity:")
		for _, e := range entities {
			fmt.Printf("    %s: %d\n", e, stats.ByEntity[e])
		}
	}
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	idx, err := index.Open(cfg.IndexPath, cfg.EmbeddingDimension)
	if err != nil {
		if errors.Is(err, index.ErrDimensionMismatch) {
			// The stored dimension disagrees with the configuration;
			// discard the whole file.
			if err := index.Destroy(cfg.IndexPath); err != nil {
				return fmt.Errorf("destroy index: %w", err)
			}
			fmt.Println("Index destroyed (stored dimension differed from configuration)")
			return nil
		}
		return err
	}
	defer idx.Close()

	if err := idx.Reset(); err != nil {
		return fmt.Errorf("reset index: %w", err)
	}
	fmt.Println("Index cleared")
	return nil
}

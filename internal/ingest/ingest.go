// Package ingest orchestrates batch ingestion: parse filing metadata,
// chunk, embed, and index. Documents that fail to parse or chunk are
// skipped and reported; an exhausted budget aborts the run.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fvcp94/financial-rag-system/internal/chunker"
	"github.com/fvcp94/financial-rag-system/internal/document"
	"github.com/fvcp94/financial-rag-system/internal/index"
	"github.com/fvcp94/financial-rag-system/internal/ledger"
	"github.com/fvcp94/financial-rag-system/internal/provider"
)

// Result contains statistics about one ingestion run.
type Result struct {
	TotalDocs      int
	TotalChunks    int
	SuccessfulDocs int
	FailedDocs     []FailedDoc
	EmbedCost      float64
	Duration       time.Duration
}

// FailedDoc represents a document that was skipped.
type FailedDoc struct {
	ID     string
	Reason string
}

// Pipeline wires the ingestion components together.
type Pipeline struct {
	chunker  *chunker.Chunker
	embedder provider.Embedder
	index    *index.Index
	ledger   *ledger.Ledger
	model    string
	logger   *slog.Logger

	// OnProgress, when set, is called after each document with the
	// number processed so far and the total.
	OnProgress func(done, total int)
}

// NewPipeline creates an ingestion pipeline. A nil logger uses
// slog.Default().
func NewPipeline(ch *chunker.Chunker, embedder provider.Embedder, idx *index.Index, led *ledger.Ledger, embeddingModel string, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		chunker:  ch,
		embedder: embedder,
		index:    idx,
		ledger:   led,
		model:    embeddingModel,
		logger:   logger,
	}
}

// IngestDir ingests every .txt and .md file in dir. Filenames carry the
// filing metadata (Entity_YYYY_QN or Entity_Annual_YYYY).
func (p *Pipeline) IngestDir(ctx context.Context, dir string) (*Result, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read document dir: %w", err)
	}

	var docs []document.Document
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext != ".txt" && ext != ".md" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read document %s: %w", e.Name(), err)
		}
		docs = append(docs, document.Document{ID: e.Name(), Text: string(data)})
	}
	return p.IngestDocuments(ctx, docs)
}

// IngestDocuments runs the full pipeline over docs. Per-document
// failures are collected in the result and do not stop the run; a
// budget rejection does.
func (p *Pipeline) IngestDocuments(ctx context.Context, docs []document.Document) (*Result, error) {
	start := time.Now()
	result := &Result{TotalDocs: len(docs)}
	p.logger.Info("Starting ingestion", "documents", len(docs))

	for i, doc := range docs {
		chunks, cost, err := p.processDocument(ctx, doc)
		if err != nil {
			if errors.Is(err, ledger.ErrBudgetExceeded) {
				result.Duration = time.Since(start)
				return result, fmt.Errorf("ingest %s: %w", doc.ID, err)
			}
			p.logger.Warn("Skipping document", "id", doc.ID, "error", err)
			result.FailedDocs = append(result.FailedDocs, FailedDoc{
				ID:     doc.ID,
				Reason: err.Error(),
			})
		} else {
			result.SuccessfulDocs++
			result.TotalChunks += chunks
			result.EmbedCost += cost
		}
		if p.OnProgress != nil {
			p.OnProgress(i+1, len(docs))
		}
	}

	result.Duration = time.Since(start)
	p.logger.Info("Ingestion complete",
		"successful", result.SuccessfulDocs,
		"failed", len(result.FailedDocs),
		"chunks", result.TotalChunks,
		"cost", result.EmbedCost,
		"duration", result.Duration,
	)
	return result, nil
}

// processDocument handles one document end to end. Returns the number
// of chunks indexed and the embedding cost charged for them.
func (p *Pipeline) processDocument(ctx context.Context, doc document.Document) (int, float64, error) {
	meta, err := chunker.ParseDocumentID(doc.ID)
	if err != nil {
		return 0, 0, err
	}
	doc.Meta = meta

	chunks, err := p.chunker.Split(doc)
	if err != nil {
		return 0, 0, err
	}
	p.logger.Debug("Chunked document", "id", doc.ID, "chunks", len(chunks))

	texts := make([]string, len(chunks))
	tokens := 0
	for i, c := range chunks {
		texts[i] = c.Text
		tokens += ledger.EstimateTokens(c.Text)
	}

	rec, err := p.ledger.ChargeDaily(ledger.Operation{
		Kind:         ledger.KindEmbed,
		Model:        p.model,
		PromptTokens: tokens,
	})
	if err != nil {
		return 0, 0, err
	}

	var (
		vectors [][]float32
		usage   provider.Usage
	)
	err = provider.Retry(ctx, func() error {
		var embedErr error
		vectors, usage, embedErr = p.embedder.EmbedMany(ctx, texts)
		return embedErr
	})
	if err != nil {
		return 0, 0, fmt.Errorf("embed: %w", err)
	}
	p.ledger.Reconcile(rec, ledger.Operation{
		Kind:         ledger.KindEmbed,
		Model:        p.model,
		PromptTokens: usage.PromptTokens,
	})

	entries := make([]index.Entry, len(chunks))
	for i, c := range chunks {
		entries[i] = index.Entry{
			ID:     uuid.New().String(),
			Doc:    doc.ID,
			Vector: vectors[i],
			Meta:   c.Meta,
			Text:   c.Text,
		}
	}
	if err := p.index.Add(entries); err != nil {
		return 0, 0, fmt.Errorf("index: %w", err)
	}

	p.logger.Info("Indexed document", "id", doc.ID, "chunks", len(chunks))
	return len(chunks), rec.Cost, nil
}

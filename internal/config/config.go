// Package config holds the validated pipeline configuration. Defaults
// are usable out of the box; a YAML file overrides them field by field.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fvcp94/financial-rag-system/internal/provider"
)

// Config holds all tunables for ingestion, retrieval, generation, and
// cost control.
type Config struct {
	ChunkSize          int     `yaml:"chunk_size"`
	ChunkOverlap       int     `yaml:"chunk_overlap"`
	EmbeddingModel     string  `yaml:"embedding_model"`
	EmbeddingDimension int     `yaml:"embedding_dimension"`
	EmbeddingBatchSize int     `yaml:"embedding_batch_size"`
	RequestsPerSecond  float64 `yaml:"requests_per_second"`

	TopK                int     `yaml:"top_k"`
	SimilarityThreshold float64 `yaml:"similarity_threshold"`
	MaxContextChars     int     `yaml:"max_context_chars"`

	PerQueryCostMax float64 `yaml:"per_query_cost_max"`
	DailyCostMax    float64 `yaml:"daily_cost_max"`

	GenerationModel string                    `yaml:"generation_model"`
	Generation      provider.GenerationParams `yaml:"generation"`

	IndexPath string `yaml:"index_path"`
}

// Default returns the configuration the system ships with.
func Default() *Config {
	return &Config{
		ChunkSize:           1000,
		ChunkOverlap:        200,
		EmbeddingModel:      provider.DefaultEmbeddingModel,
		EmbeddingDimension:  1536,
		EmbeddingBatchSize:  provider.DefaultBatchSize,
		RequestsPerSecond:   provider.DefaultRequestsPerSecond,
		TopK:                5,
		SimilarityThreshold: 0.3,
		MaxContextChars:     12000,
		PerQueryCostMax:     0.10,
		DailyCostMax:        1.00,
		GenerationModel:     "gpt-4o-mini",
		Generation: provider.GenerationParams{
			Temperature:     0.1,
			MaxOutputTokens: 1024,
		},
		IndexPath: "index.db",
	}
}

// Load reads a YAML file over the defaults. A missing file simply
// returns the defaults; a present but invalid file is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate fails fast on values the pipeline cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.ChunkSize < 1:
		return fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize)
	case c.ChunkOverlap < 0:
		return fmt.Errorf("chunk_overlap must not be negative, got %d", c.ChunkOverlap)
	case c.ChunkOverlap >= c.ChunkSize:
		return fmt.Errorf("chunk_overlap %d must be smaller than chunk_size %d", c.ChunkOverlap, c.ChunkSize)
	case c.EmbeddingModel == "":
		return fmt.Errorf("embedding_model must not be empty")
	case c.EmbeddingDimension < 1:
		return fmt.Errorf("embedding_dimension must be positive, got %d", c.EmbeddingDimension)
	case c.EmbeddingBatchSize < 1:
		return fmt.Errorf("embedding_batch_size must be positive, got %d", c.EmbeddingBatchSize)
	case c.RequestsPerSecond <= 0:
		return fmt.Errorf("requests_per_second must be positive, got %g", c.RequestsPerSecond)
	case c.TopK < 1:
		return fmt.Errorf("top_k must be at least 1, got %d", c.TopK)
	case c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1:
		return fmt.Errorf("similarity_threshold must be within [0,1], got %g", c.SimilarityThreshold)
	case c.MaxContextChars < 1:
		return fmt.Errorf("max_context_chars must be positive, got %d", c.MaxContextChars)
	case c.PerQueryCostMax < 0:
		return fmt.Errorf("per_query_cost_max must not be negative, got %g", c.PerQueryCostMax)
	case c.DailyCostMax < 0:
		return fmt.Errorf("daily_cost_max must not be negative, got %g", c.DailyCostMax)
	case c.GenerationModel == "":
		return fmt.Errorf("generation_model must not be empty")
	case c.Generation.Temperature < 0 || c.Generation.Temperature > 2:
		return fmt.Errorf("generation temperature must be within [0,2], got %g", c.Generation.Temperature)
	case c.IndexPath == "":
		return fmt.Errorf("index_path must not be empty")
	}
	return nil
}

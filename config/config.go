// Package config provides a flexible configuration management system for the
// VectHare RAG substrate. It handles configuration loading, validation, and
// persistence with support for multiple sources:
//   - Configuration files (JSON)
//   - Environment variables
//   - Programmatic defaults
//
// The package implements a hierarchical configuration system where settings can be
// overridden in the following order (highest to lowest precedence):
//   1. Environment variables
//   2. Configuration file
//   3. Default values
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
)

// HybridDecayConfig mirrors rag.DecaySettings without importing the rag
// package, so config stays a leaf dependency the rest of the module imports,
// not the other way around.
type HybridDecayConfig struct {
	Enabled      bool    `json:"enabled"`
	Type         string  `json:"type" validate:"omitempty,oneof=decay nostalgia"`
	Mode         string  `json:"mode" validate:"omitempty,oneof=exponential linear"`
	HalfLife     float64 `json:"halfLife"`
	LinearRate   float64 `json:"linearRate"`
	MinRelevance float64 `json:"minRelevance"`
	MaxBoost     float64 `json:"maxBoost"`
}

// Config holds every key of spec.md §6's configuration surface. It provides
// a centralized way to manage settings across C1-C11.
type Config struct {
	// Provider settings configure the embedding source and per-provider model.
	Source        string            `json:"source" validate:"required"`
	ProviderModel map[string]string `json:"providerModel"` // "{provider}_model" -> model name
	APIKeys       map[string]string `json:"apiKeys"`

	// Backend selection and transport.
	VectorBackend string `json:"vectorBackend" validate:"required,oneof=standard lancedb qdrant milvus vectra"`

	QdrantURL          string `json:"qdrantUrl"`
	QdrantHost         string `json:"qdrantHost"`
	QdrantPort         int    `json:"qdrantPort"`
	QdrantAPIKey       string `json:"qdrantApiKey"`
	QdrantUseCloud     bool   `json:"qdrantUseCloud"`
	QdrantMultitenancy bool   `json:"qdrantMultitenancy"`

	MilvusHost       string `json:"milvusHost"`
	MilvusPort       int    `json:"milvusPort"`
	MilvusUsername   string `json:"milvusUsername"`
	MilvusPassword   string `json:"milvusPassword"`
	MilvusToken      string `json:"milvusToken"`
	MilvusAddress    string `json:"milvusAddress"`
	MilvusDimensions int    `json:"milvusDimensions"`

	// Chunker control.
	ChunkingStrategy string `json:"chunkingStrategy" validate:"omitempty,oneof=per_message conversation_turns message_batch adaptive"`
	BatchSize        int    `json:"batchSize" validate:"gte=0"`
	ChunkSize        int    `json:"chunkSize" validate:"gte=0"`

	// Retrieval shape.
	TopK           int     `json:"topK" validate:"gte=0"`
	Query          string  `json:"query"`
	Protect        int     `json:"protect" validate:"gte=0"`
	Insert         int     `json:"insert" validate:"gte=0"`
	Depth          int     `json:"depth" validate:"gte=0"`
	Position       string  `json:"position"`
	ScoreThreshold float64 `json:"scoreThreshold" validate:"gte=0,lte=1"`

	// Hybrid fusion.
	HybridSearchEnabled bool    `json:"hybridSearchEnabled"`
	HybridFusionMethod  string  `json:"hybridFusionMethod" validate:"omitempty,oneof=rrf weighted"`
	HybridVectorWeight  float64 `json:"hybridVectorWeight" validate:"gte=0"`
	HybridTextWeight    float64 `json:"hybridTextWeight" validate:"gte=0"`
	HybridRRFK          float64 `json:"hybridRrfK" validate:"gte=0"`
	HybridNativePrefer  bool    `json:"hybridNativePrefer"`

	// Keyword pipeline.
	KeywordScoringMethod  string  `json:"keywordScoringMethod" validate:"omitempty,oneof=keyword bm25 hybrid"`
	BM25K1                float64 `json:"bm25K1" validate:"gte=0"`
	BM25B                 float64 `json:"bm25B" validate:"gte=0,lte=1"`
	KeywordExtractionLevel string `json:"keywordExtractionLevel" validate:"omitempty,oneof=off minimal balanced aggressive"`

	// Temporal weighter.
	TemporalDecay HybridDecayConfig `json:"temporalDecay"`

	// Injection wrapper.
	RAGContext string `json:"ragContext"`
	RAGXMLTag  string `json:"ragXmlTag"`

	// Throughput control.
	DeduplicationDepth int           `json:"deduplicationDepth" validate:"gte=0"`
	RateLimitCalls     int           `json:"rateLimitCalls" validate:"gte=0"`
	RateLimitInterval  time.Duration `json:"rateLimitInterval"`

	// Lore activation.
	EnabledWorldInfo     bool    `json:"enabledWorldInfo"`
	WorldInfoThreshold   float64 `json:"worldInfoThreshold" validate:"gte=0,lte=1"`
	WorldInfoTopK        int     `json:"worldInfoTopK" validate:"gte=0"`
	WorldInfoQueryDepth  int     `json:"worldInfoQueryDepth" validate:"gte=0"`

	// Contextual chunk enrichment (spec.md supplement, off by default).
	ContextualEnrichmentEnabled bool `json:"contextualEnrichmentEnabled"`

	// System settings.
	Timeout      time.Duration     `json:"timeout"`
	MaxRetries   int               `json:"maxRetries"`
	ExtraHeaders map[string]string `json:"extraHeaders"`
}

var validate = validator.New()

// Validate checks struct-level constraints beyond what JSON unmarshalling
// alone enforces (enum membership, non-negative ranges). Grounded on the
// teacher's promotion of go-playground/validator from an indirect to a
// direct dependency for exactly this purpose.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// ModelFor returns the configured model for a provider, e.g. ProviderModel["openai"].
func (c *Config) ModelFor(provider string) string {
	if c.ProviderModel == nil {
		return ""
	}
	return c.ProviderModel[provider]
}

// DefaultConfig returns production-ready defaults matching spec.md §4's
// per-component defaults (BM25+ K1/B, RRF k=60, decay half-life, etc).
func DefaultConfig() *Config {
	return &Config{
		Source:        "openai",
		ProviderModel: map[string]string{},
		APIKeys:       map[string]string{},

		VectorBackend: "standard",

		QdrantPort:       6334,
		MilvusPort:       19530,
		MilvusDimensions: 1536,

		ChunkingStrategy: "adaptive",
		BatchSize:        100,
		ChunkSize:        512,

		TopK:           10,
		Depth:          1,
		Position:       "after",
		ScoreThreshold: 0.7,

		HybridSearchEnabled: false,
		HybridFusionMethod:  "rrf",
		HybridVectorWeight:  0.5,
		HybridTextWeight:    0.5,
		HybridRRFK:          60,
		HybridNativePrefer:  true,

		KeywordScoringMethod:   "keyword",
		BM25K1:                 1.5,
		BM25B:                  0.75,
		KeywordExtractionLevel: "balanced",

		TemporalDecay: HybridDecayConfig{
			Enabled:      false,
			Type:         "decay",
			Mode:         "exponential",
			HalfLife:     50,
			MinRelevance: 0.1,
			MaxBoost:     2.0,
		},

		RAGXMLTag: "",

		DeduplicationDepth: 3,
		RateLimitCalls:     5,
		RateLimitInterval:  60 * time.Second,

		EnabledWorldInfo:    false,
		WorldInfoThreshold:  0.5,
		WorldInfoTopK:       5,
		WorldInfoQueryDepth: 1,

		Timeout:      30 * time.Second,
		MaxRetries:   3,
		ExtraHeaders: map[string]string{},
	}
}

// LoadConfig loads configuration from multiple sources, combining them
// according to the precedence rules: environment variables override the
// config file, which overrides the defaults above.
//
// Configuration file search paths:
//  1. $VECTHARE_CONFIG environment variable
//  2. ~/.vecthare/config.json
//  3. ~/.config/vecthare/config.json
//  4. ./vecthare.json
//
// Environment variable overrides cover the most operationally relevant keys:
// VECTHARE_SOURCE, VECTHARE_VECTOR_BACKEND, VECTHARE_API_KEY,
// VECTHARE_QDRANT_URL, VECTHARE_QDRANT_API_KEY, VECTHARE_MILVUS_ADDRESS,
// VECTHARE_TOP_K, VECTHARE_HYBRID_SEARCH_ENABLED.
func LoadConfig() (*Config, error) {
	cfg := DefaultConfig()

	configFile := os.Getenv("VECTHARE_CONFIG")
	if configFile == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			candidates := []string{
				filepath.Join(home, ".vecthare", "config.json"),
				filepath.Join(home, ".config", "vecthare", "config.json"),
				"vecthare.json",
			}
			for _, candidate := range candidates {
				if _, err := os.Stat(candidate); err == nil {
					configFile = candidate
					break
				}
			}
		}
	}

	if configFile != "" {
		data, err := os.ReadFile(configFile)
		if err == nil {
			if err := json.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("config: parse %s: %w", configFile, err)
			}
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("VECTHARE_SOURCE"); v != "" {
		cfg.Source = v
	}
	if v := os.Getenv("VECTHARE_VECTOR_BACKEND"); v != "" {
		cfg.VectorBackend = v
	}
	if v := os.Getenv("VECTHARE_API_KEY"); v != "" {
		if cfg.APIKeys == nil {
			cfg.APIKeys = map[string]string{}
		}
		cfg.APIKeys[cfg.Source] = v
	}
	if v := os.Getenv("VECTHARE_QDRANT_URL"); v != "" {
		cfg.QdrantURL = v
	}
	if v := os.Getenv("VECTHARE_QDRANT_API_KEY"); v != "" {
		cfg.QdrantAPIKey = v
	}
	if v := os.Getenv("VECTHARE_MILVUS_ADDRESS"); v != "" {
		cfg.MilvusAddress = v
	}
	if v := os.Getenv("VECTHARE_TOP_K"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.TopK = n
		}
	}
	if v := os.Getenv("VECTHARE_HYBRID_SEARCH_ENABLED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.HybridSearchEnabled = b
		}
	}
}

// Save persists the configuration to a JSON file at the specified path.
// It creates any necessary parent directories and sets appropriate file
// permissions.
func (c *Config) Save(path string) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

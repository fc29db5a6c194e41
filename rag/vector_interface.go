// File: vector_interface.go
package rag

import (
	"context"
	"fmt"
	"time"
)

// BackendState tracks an adapter instance's lifecycle, per the state machine
// uninitialized -> initializing -> healthy | unhealthy -> evicted.
type BackendState int

const (
	StateUninitialized BackendState = iota
	StateInitializing
	StateHealthy
	StateUnhealthy
	StateEvicted
)

func (s BackendState) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateHealthy:
		return "healthy"
	case StateUnhealthy:
		return "unhealthy"
	case StateEvicted:
		return "evicted"
	default:
		return "unknown"
	}
}

// backendAliases collapses alternate spellings to their canonical name.
// vectra is an alias of standard (see SPEC_FULL.md Design Notes).
var backendAliases = map[string]string{
	"vectra": "standard",
}

// NormalizeBackendName maps an alias to its canonical backend name.
func NormalizeBackendName(name string) string {
	if canonical, ok := backendAliases[name]; ok {
		return canonical
	}
	return name
}

// HybridOptions configures a native hybrid search call.
type HybridOptions struct {
	VectorWeight float64
	TextWeight   float64
	FusionMethod string // "rrf" or "weighted"
	RRFConstant  float64
}

// QueryResult is the uniform shape a backend adapter returns for one
// collection, matching the chunk-hash/metadata contract of spec.md C2.
type QueryResult struct {
	Hashes       []uint32
	Scores       []float64
	Metadata     []map[string]interface{}
	HybridSearch bool // false when a hybrid request fell back to dense-only
	Err          error
}

// VectorDB is the uniform contract every backend adapter satisfies
// (spec.md §4.2). A single interface replaces the teacher's two divergent
// stacks (internal/rag.VectorDB and rag.VectorDB) per SPEC_FULL.md §5.4.
type VectorDB interface {
	Initialize(ctx context.Context, cfg *Config) error
	Close() error
	HealthCheck(ctx context.Context) bool

	GetSavedHashes(ctx context.Context, collectionID string) ([]uint32, error)
	Insert(ctx context.Context, collectionID string, chunks []Chunk) error
	Delete(ctx context.Context, collectionID string, hashes []uint32) error

	QueryCollection(ctx context.Context, collectionID string, queryVector []float64, topK int, threshold float64) (QueryResult, error)
	QueryMultipleCollections(ctx context.Context, collectionIDs []string, queryVector []float64, topK int, threshold float64) map[string]QueryResult

	Purge(ctx context.Context, collectionID string) error
	PurgeAll(ctx context.Context) error

	SupportsHybridSearch() bool
	HybridQuery(ctx context.Context, collectionID string, queryText string, queryVector []float64, topK int, threshold float64, opts HybridOptions) (QueryResult, error)
}

// Config configures a backend adapter instance. Parameters is the
// backend-specific transport bag (qdrant_url, milvus_host, etc. from
// spec.md §6's configuration surface).
type Config struct {
	Type        string
	Address     string
	MaxPoolSize int
	Timeout     time.Duration
	Dimension   int
	Parameters  map[string]interface{}

	// Multitenancy selects the shared-collection-with-filter mode for
	// backends that support it (qdrant). Ignored elsewhere.
	Multitenancy bool
}

func (c *Config) param(key string, fallback interface{}) interface{} {
	if c.Parameters == nil {
		return fallback
	}
	if v, ok := c.Parameters[key]; ok {
		return v
	}
	return fallback
}

func (c *Config) stringParam(key, fallback string) string {
	v, ok := c.param(key, fallback).(string)
	if !ok {
		return fallback
	}
	return v
}

func (c *Config) boolParam(key string, fallback bool) bool {
	v, ok := c.param(key, fallback).(bool)
	if !ok {
		return fallback
	}
	return v
}

// NewVectorDB constructs an adapter for the normalized backend name. This
// is the closed set of four concrete adapters the spec enumerates; no
// name->class registry is used (see SPEC_FULL.md Design Notes on dynamic
// dispatch).
func NewVectorDB(cfg *Config) (VectorDB, error) {
	switch NormalizeBackendName(cfg.Type) {
	case "standard":
		return newStandardDB(cfg)
	case "lancedb":
		return newLanceDB(cfg)
	case "qdrant":
		return newQdrantDB(cfg)
	case "milvus":
		return newMilvusDB(cfg)
	default:
		return nil, fmt.Errorf("%w: unsupported backend %q", ErrConfig, cfg.Type)
	}
}

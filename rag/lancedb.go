// File: lancedb.go
package rag

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/philippgille/chromem-go"
)

// lanceDB is the columnar embedded adapter (spec.md §4.2b, "lancedb"). It is
// backed by chromem-go rather than requiring its own embedding provider: the
// gateway (C1) always supplies vectors ahead of Insert, so the adapter's
// embedding function is a stub that is never invoked. This decouples the
// backend adapter from any specific embedding provider, unlike the teacher's
// ChromemDB which hardcoded an OpenAI embedding function into the store
// itself (see DESIGN.md).
//
// Grounded on chromem.go; all traffic goes through the chromem-go library
// (the "plugin"), and hybrid search is not supported natively, matching the
// spec's note that columnar engines may lack it.
type lanceDB struct {
	mu          sync.RWMutex
	db          *chromem.DB
	collections map[string]*chromem.Collection
	dimension   int
}

var errEmbeddingFuncUnused = fmt.Errorf("%w: lancedb adapter never generates its own embeddings; vectors must be supplied by the caller", ErrConfig)

func stubEmbeddingFunc(ctx context.Context, text string) ([]float32, error) {
	return nil, errEmbeddingFuncUnused
}

func newLanceDB(cfg *Config) (*lanceDB, error) {
	dimension := cfg.Dimension
	if dimension == 0 {
		dimension = 1536
	}

	var db *chromem.DB
	var err error
	if cfg.Address != "" {
		if mkErr := os.MkdirAll(filepath.Dir(cfg.Address), 0o755); mkErr != nil {
			return nil, fmt.Errorf("%w: lancedb data directory: %v", ErrConfig, mkErr)
		}
		db, err = chromem.NewPersistentDB(cfg.Address, false)
	} else {
		db = chromem.NewDB()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: lancedb init: %v", ErrNetwork, err)
	}

	return &lanceDB{
		db:          db,
		collections: make(map[string]*chromem.Collection),
		dimension:   dimension,
	}, nil
}

func (l *lanceDB) Initialize(ctx context.Context, cfg *Config) error { return nil }

func (l *lanceDB) Close() error { return nil }

func (l *lanceDB) HealthCheck(ctx context.Context) bool {
	return l.db != nil
}

func (l *lanceDB) collection(id string) (*chromem.Collection, error) {
	l.mu.RLock()
	col, ok := l.collections[id]
	l.mu.RUnlock()
	if ok {
		return col, nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if col, ok := l.collections[id]; ok {
		return col, nil
	}
	if col := l.db.GetCollection(id, stubEmbeddingFunc); col != nil {
		l.collections[id] = col
		return col, nil
	}
	col, err := l.db.CreateCollection(id, map[string]string{}, stubEmbeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("%w: lancedb create collection %s: %v", ErrTransientBackend, id, err)
	}
	l.collections[id] = col
	return col, nil
}

func (l *lanceDB) GetSavedHashes(ctx context.Context, collectionID string) ([]uint32, error) {
	col, err := l.collection(collectionID)
	if err != nil {
		return nil, err
	}
	docs := col.Count()
	if docs == 0 {
		return nil, nil
	}
	results, err := col.QueryEmbedding(ctx, make([]float32, l.dimension), docs, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: lancedb listing: %v", ErrTransientBackend, err)
	}
	hashes := make([]uint32, 0, len(results))
	for _, r := range results {
		if h, ok := chunkHashFromID(r.ID); ok {
			hashes = append(hashes, h)
		}
	}
	return hashes, nil
}

func (l *lanceDB) Insert(ctx context.Context, collectionID string, chunks []Chunk) error {
	col, err := l.collection(collectionID)
	if err != nil {
		return err
	}
	for _, ch := range chunks {
		if ch.Vector == nil {
			return fmt.Errorf("%w: lancedb requires a pre-computed vector at insert", ErrConfig)
		}
		meta := make(map[string]string, len(ch.Metadata))
		for k, v := range ch.Metadata {
			meta[k] = fmt.Sprintf("%v", v)
		}
		doc := chromem.Document{
			ID:        idForHash(ch.Hash),
			Content:   ch.Text,
			Metadata:  meta,
			Embedding: toFloat32Slice(ch.Vector),
		}
		if err := col.AddDocument(ctx, doc); err != nil {
			return fmt.Errorf("%w: lancedb insert: %v", ErrTransientBackend, err)
		}
	}
	return nil
}

func (l *lanceDB) Delete(ctx context.Context, collectionID string, hashes []uint32) error {
	col, err := l.collection(collectionID)
	if err != nil {
		return err
	}
	ids := make([]string, len(hashes))
	for i, h := range hashes {
		ids[i] = idForHash(h)
	}
	return col.Delete(ctx, nil, nil, ids...)
}

func (l *lanceDB) QueryCollection(ctx context.Context, collectionID string, queryVector []float64, topK int, threshold float64) (QueryResult, error) {
	col, err := l.collection(collectionID)
	if err != nil {
		return QueryResult{}, err
	}
	n := topK
	if col.Count() < n {
		n = col.Count()
	}
	if n == 0 {
		return QueryResult{}, nil
	}
	results, err := col.QueryEmbedding(ctx, toFloat32Slice(queryVector), n, nil, nil)
	if err != nil {
		return QueryResult{}, fmt.Errorf("%w: lancedb query: %v", ErrTransientBackend, err)
	}
	out := QueryResult{}
	for _, r := range results {
		if float64(r.Similarity) < threshold {
			continue
		}
		h, _ := chunkHashFromID(r.ID)
		out.Hashes = append(out.Hashes, h)
		out.Scores = append(out.Scores, float64(r.Similarity))
		meta := make(map[string]interface{}, len(r.Metadata))
		for k, v := range r.Metadata {
			meta[k] = v
		}
		out.Metadata = append(out.Metadata, meta)
	}
	return out, nil
}

func (l *lanceDB) QueryMultipleCollections(ctx context.Context, collectionIDs []string, queryVector []float64, topK int, threshold float64) map[string]QueryResult {
	out := make(map[string]QueryResult, len(collectionIDs))
	for _, id := range collectionIDs {
		res, err := l.QueryCollection(ctx, id, queryVector, topK, threshold)
		res.Err = err
		out[id] = res
	}
	return out
}

func (l *lanceDB) Purge(ctx context.Context, collectionID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.collections, collectionID)
	return l.db.DeleteCollection(collectionID)
}

func (l *lanceDB) PurgeAll(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	for id := range l.collections {
		_ = l.db.DeleteCollection(id)
	}
	l.collections = make(map[string]*chromem.Collection)
	return nil
}

func (l *lanceDB) SupportsHybridSearch() bool { return false }

func (l *lanceDB) HybridQuery(ctx context.Context, collectionID string, queryText string, queryVector []float64, topK int, threshold float64, opts HybridOptions) (QueryResult, error) {
	res, err := l.QueryCollection(ctx, collectionID, queryVector, topK, threshold)
	res.HybridSearch = false
	return res, err
}

func idForHash(h uint32) string {
	return fmt.Sprintf("%d", h)
}

func chunkHashFromID(id string) (uint32, bool) {
	var h uint32
	if _, err := fmt.Sscanf(id, "%d", &h); err != nil {
		return 0, false
	}
	return h, true
}

func toFloat32Slice(v []float64) []float32 {
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(x)
	}
	return out
}
